package escrow

import (
	"context"
	"encoding/json"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/stellance/ledger/ledger"
	"github.com/stellance/ledger/notifications"
)

var log = logging.Logger("escrow")

// Submitter is the transaction submission capability this package needs.
// It is satisfied by txnqueue.Submitter, which routes every write for an
// account through that account's single queue.
type Submitter interface {
	Submit(ctx context.Context, signer ledger.Signer, ops ...ledger.Operation) (*ledger.SubmitResult, error)
}

// Service submits escrow operations through a transaction queue and
// reads contract state from the ledger.
type Service struct {
	client   ledger.Client
	sub      Submitter
	notifier *notifications.Manager
}

// NewService creates a service. notifier may be nil.
func NewService(client ledger.Client, sub Submitter, notifier *notifications.Manager) *Service {
	return &Service{client: client, sub: sub, notifier: notifier}
}

// CreateParams describes a new escrow contract.
type CreateParams struct {
	// Provider is optional; it is bound later by bid acceptance.
	Provider    string
	TotalAmount float64
	ReleaseType ReleaseType
	// Milestones is required for milestone-based release.
	Milestones []Milestone
	// Schedule is required for time-based release.
	Schedule []TimeRelease
}

func (p CreateParams) validate() error {
	if p.Provider != "" && !ledger.ValidAddress(p.Provider) {
		return ledger.Errorf(ledger.KindInvalidParams, "invalid provider address %q", p.Provider)
	}
	var budgets []float64
	switch p.ReleaseType {
	case ReleaseMilestone:
		if len(p.Milestones) == 0 {
			return ledger.Errorf(ledger.KindInvalidParams, "at least one milestone is required")
		}
		for _, m := range p.Milestones {
			if m.Budget <= 0 {
				return ledger.Errorf(ledger.KindInvalidParams, "milestone %d budget must be positive", m.ID)
			}
			budgets = append(budgets, m.Budget)
		}
	case ReleaseTimed:
		if len(p.Schedule) == 0 {
			return ledger.Errorf(ledger.KindInvalidParams, "at least one schedule entry is required")
		}
		for i, r := range p.Schedule {
			if r.Amount <= 0 {
				return ledger.Errorf(ledger.KindInvalidParams, "schedule entry %d amount must be positive", i)
			}
			budgets = append(budgets, r.Amount)
		}
	default:
		return ledger.Errorf(ledger.KindInvalidParams, "unknown release type %q", p.ReleaseType)
	}
	if !budgetsMatch(p.TotalAmount, budgets) {
		return ledger.Errorf(ledger.KindInvalidParams,
			"entry budgets do not sum to total amount %.2f", p.TotalAmount)
	}
	return nil
}

// Create validates params, submits the initialize transaction, and
// returns the new contract id. Validation failures never reach the
// network.
func (s *Service) Create(ctx context.Context, params CreateParams, signer ledger.Signer) (string, error) {
	if err := params.validate(); err != nil {
		return "", err
	}
	ops := []ledger.Operation{{
		Method: "initialize",
		Args: []interface{}{
			signer.PublicKey(), params.Provider, params.TotalAmount,
			params.ReleaseType == ReleaseMilestone,
		},
	}}
	for _, m := range params.Milestones {
		ops = append(ops, ledger.Operation{
			Method: "add_milestone",
			Args:   []interface{}{m.ID, m.Budget},
		})
	}
	for _, r := range params.Schedule {
		ops = append(ops, ledger.Operation{
			Method: "add_time_release",
			Args:   []interface{}{r.ReleaseTime.Unix(), r.Amount},
		})
	}
	res, err := s.sub.Submit(ctx, signer, ops...)
	if err != nil {
		return "", err
	}
	s.notify(ledger.EventContractCreated, res.ContractID, res.Position)
	return res.ContractID, nil
}

// CompleteMilestone marks a milestone complete, releasing its budget
// within the contract.
func (s *Service) CompleteMilestone(ctx context.Context, contractID string, milestoneID uint32, signer ledger.Signer) error {
	_, err := s.sub.Submit(ctx, signer, ledger.Operation{
		Contract: contractID,
		Method:   "complete_milestone",
		Args:     []interface{}{milestoneID},
	})
	if err != nil {
		return err
	}
	s.notify(ledger.EventMilestoneCompleted, contractID, 0)
	return nil
}

// ReleaseTimeBased releases the schedule entry at index once its release
// time has been reached.
func (s *Service) ReleaseTimeBased(ctx context.Context, contractID string, index uint32, signer ledger.Signer) error {
	_, err := s.sub.Submit(ctx, signer, ledger.Operation{
		Contract: contractID,
		Method:   "release_time_based",
		Args:     []interface{}{index},
	})
	if err != nil {
		return err
	}
	s.notify(ledger.EventFundsReleased, contractID, 0)
	return nil
}

// Withdraw claims released funds for the provider and returns the amount
// claimed. The contract zeroes its released balance on withdrawal.
func (s *Service) Withdraw(ctx context.Context, contractID string, signer ledger.Signer) (float64, error) {
	var released float64
	if err := s.readState(ctx, contractID, "released_amount", &released); err != nil {
		return 0, err
	}
	if released <= 0 {
		return 0, ledger.Errorf(ledger.KindInsufficientFunds, "no released funds to withdraw")
	}
	if _, err := s.sub.Submit(ctx, signer, ledger.Operation{
		Contract: contractID,
		Method:   "withdraw",
	}); err != nil {
		return 0, err
	}
	s.notify(ledger.EventFundsReleased, contractID, 0)
	return released, nil
}

// Dispute transitions the contract toward disputed. A non-empty reason
// is required.
func (s *Service) Dispute(ctx context.Context, contractID, reason string, signer ledger.Signer) error {
	if reason == "" {
		return ledger.Errorf(ledger.KindInvalidParams, "dispute reason is required")
	}
	_, err := s.sub.Submit(ctx, signer, ledger.Operation{
		Contract: contractID,
		Method:   "dispute",
		Args:     []interface{}{reason},
	})
	if err != nil {
		return err
	}
	s.notify(ledger.EventDisputeInitiated, contractID, 0)
	return nil
}

// ResolveDispute closes a dispute: refunding the client cancels the
// contract, keeping the provider completes it.
func (s *Service) ResolveDispute(ctx context.Context, contractID string, refundToClient bool, signer ledger.Signer) error {
	_, err := s.sub.Submit(ctx, signer, ledger.Operation{
		Contract: contractID,
		Method:   "resolve_dispute",
		Args:     []interface{}{refundToClient},
	})
	return err
}

// Status re-reads the contract's authoritative state from the ledger.
// No locally cached view is trusted.
func (s *Service) Status(ctx context.Context, contractID string) (*Contract, error) {
	c := &Contract{ID: contractID}
	if err := s.readState(ctx, contractID, "client", &c.Client); err != nil {
		return nil, err
	}
	if err := s.readState(ctx, contractID, "provider", &c.Provider); err != nil {
		return nil, err
	}
	if err := s.readState(ctx, contractID, "total_amount", &c.TotalAmount); err != nil {
		return nil, err
	}
	if err := s.readState(ctx, contractID, "released_amount", &c.ReleasedAmount); err != nil {
		return nil, err
	}
	var status string
	if err := s.readState(ctx, contractID, "status", &status); err != nil {
		return nil, err
	}
	c.Status = Status(status)
	var milestoneBased bool
	if err := s.readState(ctx, contractID, "release_type", &milestoneBased); err != nil {
		return nil, err
	}
	if milestoneBased {
		c.ReleaseType = ReleaseMilestone
		var raw []struct {
			ID          uint32     `json:"id"`
			Title       string     `json:"title"`
			Description string     `json:"description"`
			Amount      float64    `json:"amount"`
			Completed   bool       `json:"completed"`
			CompletedAt *time.Time `json:"completed_at"`
		}
		if err := s.readState(ctx, contractID, "milestones", &raw); err != nil {
			return nil, err
		}
		for _, m := range raw {
			ms := Milestone{
				ID:          m.ID,
				Title:       m.Title,
				Description: m.Description,
				Budget:      m.Amount,
				Status:      MilestonePending,
				CompletedAt: m.CompletedAt,
			}
			if m.Completed {
				ms.Status = MilestoneCompleted
			}
			c.Milestones = append(c.Milestones, ms)
		}
	} else {
		c.ReleaseType = ReleaseTimed
		var raw []struct {
			ReleaseTime int64   `json:"release_time"`
			Amount      float64 `json:"amount"`
			Released    bool    `json:"released"`
		}
		if err := s.readState(ctx, contractID, "time_schedule", &raw); err != nil {
			return nil, err
		}
		for _, r := range raw {
			c.Schedule = append(c.Schedule, TimeRelease{
				ReleaseTime: time.Unix(r.ReleaseTime, 0),
				Amount:      r.Amount,
				Released:    r.Released,
			})
		}
	}
	return c, nil
}

// readState reads one contract state key into out via a JSON round trip.
func (s *Service) readState(ctx context.Context, contractID, key string, out interface{}) error {
	v, err := s.client.ReadContractState(ctx, contractID, key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ledger.WrapError(ledger.KindContract, err, "encoding state %s/%s", contractID, key)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return ledger.WrapError(ledger.KindContract, err, "decoding state %s/%s", contractID, key)
	}
	return nil
}

// notify surfaces a local notification for a successful write. Failures
// here must not fail the already-successful ledger operation.
func (s *Service) notify(kind ledger.EventKind, contractID string, position uint64) {
	if s.notifier == nil {
		return
	}
	ev := ledger.Event{
		Kind:      kind,
		Type:      string(kind),
		Contract:  contractID,
		Position:  position,
		Timestamp: time.Now(),
	}
	if _, ok := s.notifier.NotifyEvent(ev); !ok {
		log.Debugf("no notification produced for %s on %s", kind, contractID)
	}
}
