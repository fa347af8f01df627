// Package crowdfund drives funding pools: goal, deadline, contributions,
// finalize, refunds. The pool contract is authoritative for totals and
// status; this service never counts contributions client-side, which
// would double count under concurrency. A pool that reaches its goal
// hands off to an escrow contract for delivery.
package crowdfund

import (
	"context"
	"encoding/json"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/stellance/ledger/escrow"
	"github.com/stellance/ledger/ledger"
	"github.com/stellance/ledger/notifications"
)

var log = logging.Logger("crowdfund")

// maxPoolDuration bounds how far in the future a deadline may be.
const maxPoolDuration = 365 * 24 * time.Hour

// Status of a funding pool. Transitions only move forward: funding to
// funded or failed, both terminal.
type Status string

const (
	StatusFunding Status = "funding"
	StatusFunded  Status = "funded"
	StatusFailed  Status = "failed"
)

// Pool is the client view of a funding pool.
type Pool struct {
	ID           string
	ProjectOwner string
	FundingGoal  float64
	Deadline     time.Time
	TotalRaised  float64
	// Contributors maps address to recorded contribution, unique per
	// address. A refunded contributor's entry is zeroed.
	Contributors map[string]float64
	Status       Status
	// EscrowID links the delivery escrow created when the pool funds.
	EscrowID  string
	CreatedAt time.Time
}

// Service submits pool operations through a transaction queue.
type Service struct {
	client   ledger.Client
	sub      escrow.Submitter
	escrows  *escrow.Service
	notifier *notifications.Manager
}

// NewService creates a service. notifier may be nil.
func NewService(client ledger.Client, sub escrow.Submitter, escrows *escrow.Service, notifier *notifications.Manager) *Service {
	return &Service{client: client, sub: sub, escrows: escrows, notifier: notifier}
}

// CreatePool validates the goal and deadline, submits the initialize
// transaction, and returns the pool id. The deadline must lie in the
// future and no more than a year out.
func (s *Service) CreatePool(ctx context.Context, fundingGoal float64, deadline time.Time, description string, signer ledger.Signer) (string, error) {
	if fundingGoal <= 0 {
		return "", ledger.Errorf(ledger.KindInvalidParams, "funding goal must be positive")
	}
	now := time.Now()
	if !deadline.After(now) {
		return "", ledger.Errorf(ledger.KindInvalidParams, "deadline must be in the future")
	}
	if deadline.After(now.Add(maxPoolDuration)) {
		return "", ledger.Errorf(ledger.KindInvalidParams, "deadline must be within one year")
	}
	res, err := s.sub.Submit(ctx, signer, ledger.Operation{
		Method: "initialize",
		Args:   []interface{}{signer.PublicKey(), fundingGoal, deadline.Unix(), description},
	})
	if err != nil {
		return "", err
	}
	return res.ContractID, nil
}

// Contribute adds the signer's contribution to a funding pool. The
// ledger rejects contributions after the deadline or outside the
// funding status.
func (s *Service) Contribute(ctx context.Context, poolID string, amount float64, signer ledger.Signer) error {
	if amount <= 0 {
		return ledger.Errorf(ledger.KindInvalidParams, "contribution amount must be positive")
	}
	_, err := s.sub.Submit(ctx, signer, ledger.Operation{
		Contract: poolID,
		Method:   "contribute",
		Args:     []interface{}{signer.PublicKey(), amount},
	})
	if err != nil {
		return err
	}
	s.notifyEvent(ledger.EventContributionReceived, poolID, map[string]interface{}{"amount": amount})
	return nil
}

// Finalize settles a pool once its goal is reached or its deadline has
// passed. The contract settles funded-vs-failed from its own totals, so
// the outcome is re-read after the finalize lands: a contribution
// arriving between our snapshot and the finalize can still fund the
// pool. A funded pool gets a linked delivery escrow; a failed pool's
// contributors become refund-eligible.
func (s *Service) Finalize(ctx context.Context, poolID string, signer ledger.Signer) (*Pool, error) {
	pool, err := s.Pool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Status != StatusFunding {
		return nil, ledger.Errorf(ledger.KindConflict, "pool %s is already %s", poolID, pool.Status)
	}
	if pool.TotalRaised < pool.FundingGoal && time.Now().Before(pool.Deadline) {
		return nil, ledger.Errorf(ledger.KindConflict,
			"pool %s cannot finalize before its deadline unless the goal is met", poolID)
	}
	if _, err := s.sub.Submit(ctx, signer, ledger.Operation{
		Contract: poolID,
		Method:   "finalize",
	}); err != nil {
		return nil, err
	}

	pool, err = s.Pool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Status == StatusFunded {
		escrowID, err := s.escrows.Create(ctx, escrow.CreateParams{
			Provider:    pool.ProjectOwner,
			TotalAmount: pool.TotalRaised,
			ReleaseType: escrow.ReleaseMilestone,
			Milestones: []escrow.Milestone{{
				ID:     1,
				Title:  "Project delivery",
				Budget: pool.TotalRaised,
			}},
		}, signer)
		if err != nil {
			return nil, ledger.WrapError(ledger.KindContract, err,
				"pool %s funded but linked escrow creation failed", poolID)
		}
		pool.EscrowID = escrowID
		s.notifyEvent(ledger.EventPoolFunded, poolID, map[string]interface{}{"escrow": escrowID})
	}
	return pool, nil
}

// Refund returns the signer's recorded contribution from a failed pool
// and zeroes their record. A second refund request for the same
// contributor fails; it is never a silent no-op.
func (s *Service) Refund(ctx context.Context, poolID string, signer ledger.Signer) (float64, error) {
	pool, err := s.Pool(ctx, poolID)
	if err != nil {
		return 0, err
	}
	if pool.Status != StatusFailed {
		return 0, ledger.Errorf(ledger.KindConflict, "pool %s is %s; refunds require a failed pool", poolID, pool.Status)
	}
	recorded, ok := pool.Contributors[signer.PublicKey()]
	if !ok || recorded == 0 {
		return 0, ledger.Errorf(ledger.KindNotFound, "no refundable contribution for %s", signer.PublicKey())
	}
	if _, err := s.sub.Submit(ctx, signer, ledger.Operation{
		Contract: poolID,
		Method:   "refund",
		Args:     []interface{}{signer.PublicKey()},
	}); err != nil {
		return 0, err
	}
	return recorded, nil
}

// Pool re-reads a pool's authoritative state from the ledger.
func (s *Service) Pool(ctx context.Context, poolID string) (*Pool, error) {
	p := &Pool{ID: poolID, Contributors: make(map[string]float64)}
	if err := s.readState(ctx, poolID, "project_owner", &p.ProjectOwner); err != nil {
		return nil, err
	}
	if err := s.readState(ctx, poolID, "funding_goal", &p.FundingGoal); err != nil {
		return nil, err
	}
	var deadline int64
	if err := s.readState(ctx, poolID, "deadline", &deadline); err != nil {
		return nil, err
	}
	p.Deadline = time.Unix(deadline, 0)
	if err := s.readState(ctx, poolID, "total_raised", &p.TotalRaised); err != nil {
		return nil, err
	}
	var status string
	if err := s.readState(ctx, poolID, "status", &status); err != nil {
		return nil, err
	}
	p.Status = Status(status)
	if err := s.readState(ctx, poolID, "contributors", &p.Contributors); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) readState(ctx context.Context, poolID, key string, out interface{}) error {
	v, err := s.client.ReadContractState(ctx, poolID, key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ledger.WrapError(ledger.KindContract, err, "encoding state %s/%s", poolID, key)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return ledger.WrapError(ledger.KindContract, err, "decoding state %s/%s", poolID, key)
	}
	return nil
}

// notifyEvent surfaces a local notification for a successful write.
// Notification problems never fail the ledger operation they follow.
func (s *Service) notifyEvent(kind ledger.EventKind, poolID string, data map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		log.Errorf("encoding notification payload for %s: %v", poolID, err)
		return
	}
	ev := ledger.Event{
		Kind:      kind,
		Type:      string(kind),
		Contract:  poolID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if _, ok := s.notifier.NotifyEvent(ev); !ok {
		log.Debugf("no notification produced for %s on %s", kind, poolID)
	}
}
