package bids

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"github.com/stellance/ledger/escrow"
	"github.com/stellance/ledger/ledger"
)

var log = logging.Logger("bids")

// Registry is the backend capability for registering and fetching bids.
// It is satisfied by backend.Client.
type Registry interface {
	SubmitBid(ctx context.Context, bid *SignedProposal) error
	Bids(ctx context.Context, escrowID string) ([]SignedProposal, error)
	AcceptBid(ctx context.Context, escrowID string, bid *SignedProposal, clientAddress string) error
}

// Service submits bids to the marketplace backend and accepts them
// against escrows.
type Service struct {
	registry Registry
	sub      escrow.Submitter
}

// NewService creates a service.
func NewService(registry Registry, sub escrow.Submitter) *Service {
	return &Service{registry: registry, sub: sub}
}

// SubmitBid registers an already-signed bid for later review. The bid is
// verified before leaving the client.
func (s *Service) SubmitBid(ctx context.Context, bid *SignedProposal) error {
	if err := Verify(bid); err != nil {
		return err
	}
	return s.registry.SubmitBid(ctx, bid)
}

// Bids fetches the bids registered against an escrow.
func (s *Service) Bids(ctx context.Context, escrowID string) ([]SignedProposal, error) {
	return s.registry.Bids(ctx, escrowID)
}

// AcceptBid re-verifies the bid, registers the acceptance, and submits
// the binding operation assigning the freelancer to the escrow. The
// ledger enforces first-writer-wins: accepting a bid on an already-bound
// escrow fails with a conflict.
func (s *Service) AcceptBid(ctx context.Context, escrowID string, bid *SignedProposal, clientAddress string, signer ledger.Signer) error {
	if bid.EscrowID != escrowID {
		return ledger.Errorf(ledger.KindInvalidParams, "bid targets escrow %s, not %s", bid.EscrowID, escrowID)
	}
	if err := Verify(bid); err != nil {
		return err
	}
	if err := s.registry.AcceptBid(ctx, escrowID, bid, clientAddress); err != nil {
		return err
	}
	_, err := s.sub.Submit(ctx, signer, ledger.Operation{
		Contract: escrowID,
		Method:   "assign_provider",
		Args:     []interface{}{bid.Freelancer, bid.Amount},
	})
	if err != nil {
		return err
	}
	log.Debugf("bid by %s accepted on escrow %s", bid.Freelancer, escrowID)
	return nil
}
