// Package backend is the client for the marketplace escrow/crowdfunding
// HTTP service. Mutating calls return either a direct result or an
// unsigned transaction envelope the caller must sign and resubmit.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/stellance/ledger/bids"
	"github.com/stellance/ledger/ledger"
)

var log = logging.Logger("backend")

const defaultTimeout = 30 * time.Second

// Response is the result of a mutating call. Exactly one of Result and
// Envelope is set: Envelope carries an unsigned transaction the caller
// must sign and submit.
type Response struct {
	Result   json.RawMessage  `json:"result,omitempty"`
	Envelope *ledger.Envelope `json:"envelope,omitempty"`
}

// Client calls the marketplace backend.
type Client struct {
	base  *url.URL
	http  *http.Client
	token string
}

// Option configures a client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithToken sets a bearer token for authenticated calls.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a client for the service at base.
func NewClient(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %v", err)
	}
	c := &Client{base: u, http: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateEscrowRequest describes a new escrow.
type CreateEscrowRequest struct {
	Client      string  `json:"client"`
	Provider    string  `json:"provider,omitempty"`
	TotalAmount float64 `json:"total_amount"`
	ReleaseType string  `json:"release_type"`
	Description string  `json:"description,omitempty"`
}

// CreateEscrow registers a new escrow with the backend.
func (c *Client) CreateEscrow(ctx context.Context, req CreateEscrowRequest) (*Response, error) {
	return c.mutate(ctx, "POST", "/escrows", req)
}

// FundEscrow funds an escrow.
func (c *Client) FundEscrow(ctx context.Context, escrowID string, amount float64) (*Response, error) {
	return c.mutate(ctx, "POST", "/escrows/"+escrowID+"/fund", map[string]interface{}{
		"amount": amount,
	})
}

// ReleaseMilestone releases a completed milestone's budget.
func (c *Client) ReleaseMilestone(ctx context.Context, escrowID string, milestoneID uint32) (*Response, error) {
	return c.mutate(ctx, "POST", fmt.Sprintf("/escrows/%s/milestones/%d/release", escrowID, milestoneID), nil)
}

// Withdraw claims released escrow funds.
func (c *Client) Withdraw(ctx context.Context, escrowID string) (*Response, error) {
	return c.mutate(ctx, "POST", "/escrows/"+escrowID+"/withdraw", nil)
}

// Dispute opens a dispute on an escrow.
func (c *Client) Dispute(ctx context.Context, escrowID, reason string) (*Response, error) {
	return c.mutate(ctx, "POST", "/escrows/"+escrowID+"/dispute", map[string]interface{}{
		"reason": reason,
	})
}

// SubmitDeliverable attaches a deliverable to a milestone for review.
func (c *Client) SubmitDeliverable(ctx context.Context, escrowID string, milestoneID uint32, uri string) error {
	_, err := c.mutate(ctx, "POST", fmt.Sprintf("/escrows/%s/milestones/%d/deliverable", escrowID, milestoneID),
		map[string]interface{}{"uri": uri})
	return err
}

// SubmitBid registers a signed bid against an escrow.
func (c *Client) SubmitBid(ctx context.Context, bid *bids.SignedProposal) error {
	_, err := c.mutate(ctx, "POST", "/escrows/"+bid.EscrowID+"/bids", bid)
	return err
}

// Bids fetches the bids registered against an escrow.
func (c *Client) Bids(ctx context.Context, escrowID string) ([]bids.SignedProposal, error) {
	var out []bids.SignedProposal
	if err := c.do(ctx, "GET", "/escrows/"+escrowID+"/bids", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptBid registers the acceptance of a bid. The backend enforces
// first-writer-wins; a second acceptance returns a conflict.
func (c *Client) AcceptBid(ctx context.Context, escrowID string, bid *bids.SignedProposal, clientAddress string) error {
	_, err := c.mutate(ctx, "POST", "/escrows/"+escrowID+"/bids/accept", map[string]interface{}{
		"bid":    bid,
		"client": clientAddress,
	})
	return err
}

func (c *Client) mutate(ctx context.Context, method, path string, in interface{}) (*Response, error) {
	var out Response
	if err := c.do(ctx, method, path, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	u := *c.base
	u.Path = u.Path + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return ledger.WrapError(ledger.KindNetwork, err, "%s %s", method, path)
	}
	defer res.Body.Close()
	raw, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return ledger.WrapError(ledger.KindNetwork, err, "reading response from %s", path)
	}
	if res.StatusCode >= 400 {
		return statusError(res.StatusCode, path, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response from %s: %v", path, err)
		}
	}
	return nil
}

// statusError maps HTTP failures into the shared error taxonomy.
func statusError(code int, path string, body []byte) error {
	msg := string(body)
	if msg == "" {
		msg = http.StatusText(code)
	}
	var kind ledger.Kind
	switch {
	case code == http.StatusTooManyRequests:
		kind = ledger.KindRateLimited
	case code == http.StatusServiceUnavailable:
		kind = ledger.KindServiceUnavailable
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = ledger.KindUnauthorized
	case code == http.StatusConflict:
		kind = ledger.KindConflict
	case code == http.StatusNotFound:
		kind = ledger.KindNotFound
	case code >= 500:
		kind = ledger.KindServiceUnavailable
	default:
		kind = ledger.KindInvalidParams
	}
	log.Debugf("%s returned %d: %s", path, code, msg)
	return ledger.Errorf(kind, "%s: %s", path, msg)
}
