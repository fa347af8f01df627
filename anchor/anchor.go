// Package anchor is the client for a fiat on/off-ramp service. Auth is
// challenge-response: fetch a challenge for an address, sign it with the
// wallet, and trade the signed challenge for a bearer token. Deposits
// and withdrawals are interactive sessions whose transactions are polled
// to completion with bounded backoff.
package anchor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
	"github.com/stellance/ledger/ledger"
	"golang.org/x/time/rate"
)

var log = logging.Logger("anchor")

const (
	defaultTimeout = 30 * time.Second

	// rateCacheTTL bounds how long an exchange-rate quote is reused.
	rateCacheTTL = 30 * time.Second
)

// Status polling: 5s initial wait growing to a 15s cap, at most 40
// attempts. A bounded attempt count, not a wall-clock deadline.
var (
	pollInitialInterval = 5 * time.Second
	pollMaxInterval     = 15 * time.Second
	pollMaxAttempts     = 40
)

// ErrPollTimeout reports a transaction still in flight when the polling
// budget ran out. It is not retryable: the anchor is processing, and
// immediately re-polling will not change the outcome.
var ErrPollTimeout = errors.New("transaction did not reach a terminal status within the polling budget")

// errStillPending marks a poll that found the transaction non-terminal.
var errStillPending = errors.New("still in flight")

// Transaction statuses reported by the anchor.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusError     = "error"
	TxStatusRefunded  = "refunded"
)

// Session is an interactive deposit or withdraw session.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Transaction is the anchor's view of a deposit or withdrawal.
type Transaction struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Amount string `json:"amount"`
}

type cachedRate struct {
	rate    float64
	fetched time.Time
}

// Client calls the anchor service.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter

	mu    sync.Mutex
	token string
	rates map[string]cachedRate
}

// Option configures a client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// NewClient creates a client for the anchor at base.
func NewClient(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %v", err)
	}
	c := &Client{
		base:    u,
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
		rates:   make(map[string]cachedRate),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Authenticate performs the challenge-response handshake for the
// signer's address and stores the resulting bearer token.
func (c *Client) Authenticate(ctx context.Context, signer ledger.Signer) error {
	var challenge struct {
		Challenge string `json:"challenge"`
	}
	path := "/auth?account=" + url.QueryEscape(signer.PublicKey())
	if err := c.do(ctx, "GET", path, nil, &challenge); err != nil {
		return err
	}
	sig, err := signer.SignMessage(ctx, []byte(challenge.Challenge))
	if err != nil {
		return err
	}
	var res struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, "POST", "/auth", map[string]string{
		"account":   signer.PublicKey(),
		"challenge": challenge.Challenge,
		"signature": base64.StdEncoding.EncodeToString(sig),
	}, &res); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = res.Token
	c.mu.Unlock()
	return nil
}

// Deposit opens an interactive deposit session for the asset.
func (c *Client) Deposit(ctx context.Context, asset ledger.Asset, account string) (*Session, error) {
	return c.session(ctx, "/transactions/deposit/interactive", asset, account)
}

// Withdraw opens an interactive withdraw session for the asset.
func (c *Client) Withdraw(ctx context.Context, asset ledger.Asset, account string) (*Session, error) {
	return c.session(ctx, "/transactions/withdraw/interactive", asset, account)
}

func (c *Client) session(ctx context.Context, path string, asset ledger.Asset, account string) (*Session, error) {
	var s Session
	if err := c.do(ctx, "POST", path, map[string]string{
		"asset_code":   asset.Code,
		"asset_issuer": asset.Issuer,
		"account":      account,
	}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Transaction fetches the current state of an anchor transaction.
func (c *Client) Transaction(ctx context.Context, id string) (*Transaction, error) {
	var res struct {
		Transaction Transaction `json:"transaction"`
	}
	if err := c.do(ctx, "GET", "/transaction?id="+url.QueryEscape(id), nil, &res); err != nil {
		return nil, err
	}
	return &res.Transaction, nil
}

// AwaitTransaction polls an anchor transaction until it reaches a
// terminal status or the attempt budget is spent. A transaction still
// in flight when the budget runs out fails with ErrPollTimeout.
func (c *Client) AwaitTransaction(ctx context.Context, id string) (*Transaction, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pollInitialInterval
	bo.MaxInterval = pollMaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	var txn *Transaction
	operation := func() error {
		t, err := c.Transaction(ctx, id)
		if err != nil {
			if ledger.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		switch t.Status {
		case TxStatusCompleted, TxStatusError, TxStatusRefunded:
			txn = t
			return nil
		default:
			return fmt.Errorf("transaction %s %s: %w", id, t.Status, errStillPending)
		}
	}
	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(pollMaxAttempts-1)), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		if errors.Is(err, errStillPending) {
			return nil, fmt.Errorf("awaiting anchor transaction %s: %w", id, ErrPollTimeout)
		}
		if ledger.KindOf(err) != ledger.KindUnknown {
			return nil, err
		}
		return nil, ledger.WrapError(ledger.KindNetwork, err, "awaiting anchor transaction %s", id)
	}
	return txn, nil
}

// ExchangeRate returns the rate for a currency pair. Quotes are cached
// for 30 seconds per pair.
func (c *Client) ExchangeRate(ctx context.Context, from, to string) (float64, error) {
	pair := from + "/" + to
	c.mu.Lock()
	if cached, ok := c.rates[pair]; ok && time.Since(cached.fetched) < rateCacheTTL {
		c.mu.Unlock()
		return cached.rate, nil
	}
	c.mu.Unlock()

	var res struct {
		Rate float64 `json:"rate"`
	}
	path := "/rate?from=" + url.QueryEscape(from) + "&to=" + url.QueryEscape(to)
	if err := c.do(ctx, "GET", path, nil, &res); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.rates[pair] = cachedRate{rate: res.Rate, fetched: time.Now()}
	c.mu.Unlock()
	return res.Rate, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	u := *c.base
	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("parsing path: %v", err)
	}
	target := u.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.Unlock()
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
		return anchorError(res.StatusCode, path, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response from %s: %v", path, err)
		}
	}
	return nil
}

func anchorError(code int, path string, body []byte) error {
	msg := string(body)
	if msg == "" {
		msg = http.StatusText(code)
	}
	var kind ledger.Kind
	switch {
	case code == http.StatusTooManyRequests:
		kind = ledger.KindRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = ledger.KindUnauthorized
	case code >= 500:
		kind = ledger.KindServiceUnavailable
	default:
		kind = ledger.KindInvalidParams
	}
	log.Debugf("%s returned %d: %s", path, code, msg)
	return ledger.Errorf(kind, "%s: %s", path, msg)
}
