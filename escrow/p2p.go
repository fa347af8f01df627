package escrow

import (
	"context"

	"github.com/stellance/ledger/ledger"
)

// TransferStatus of an escrowed peer-to-peer transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
	TransferCancelled TransferStatus = "cancelled"
)

// P2P submits direct and escrow-protected peer-to-peer payments.
type P2P struct {
	sub Submitter
}

// NewP2P creates a peer-to-peer payment service.
func NewP2P(sub Submitter) *P2P {
	return &P2P{sub: sub}
}

// SendDirect transfers funds to receiver immediately, without escrow.
func (p *P2P) SendDirect(ctx context.Context, receiver string, amount float64, signer ledger.Signer) error {
	if err := validateTransfer(receiver, amount); err != nil {
		return err
	}
	_, err := p.sub.Submit(ctx, signer, ledger.Operation{
		Method: "send_direct",
		Args:   []interface{}{signer.PublicKey(), receiver, amount},
	})
	return err
}

// SendWithEscrow transfers funds held in escrow until the receiver
// confirms receipt. Returns the transfer contract id.
func (p *P2P) SendWithEscrow(ctx context.Context, receiver string, amount float64, signer ledger.Signer) (string, error) {
	if err := validateTransfer(receiver, amount); err != nil {
		return "", err
	}
	res, err := p.sub.Submit(ctx, signer, ledger.Operation{
		Method: "send_with_escrow",
		Args:   []interface{}{signer.PublicKey(), receiver, amount},
	})
	if err != nil {
		return "", err
	}
	return res.ContractID, nil
}

// ConfirmReceipt releases an escrowed transfer. Only the receiver's
// signature is accepted by the contract.
func (p *P2P) ConfirmReceipt(ctx context.Context, transferID string, signer ledger.Signer) error {
	_, err := p.sub.Submit(ctx, signer, ledger.Operation{
		Contract: transferID,
		Method:   "confirm_receipt",
	})
	return err
}

// CancelTransfer cancels a still-pending escrowed transfer. Only the
// sender's signature is accepted by the contract.
func (p *P2P) CancelTransfer(ctx context.Context, transferID string, signer ledger.Signer) error {
	_, err := p.sub.Submit(ctx, signer, ledger.Operation{
		Contract: transferID,
		Method:   "cancel",
	})
	return err
}

func validateTransfer(receiver string, amount float64) error {
	if !ledger.ValidAddress(receiver) {
		return ledger.Errorf(ledger.KindInvalidParams, "invalid receiver address %q", receiver)
	}
	if amount <= 0 {
		return ledger.Errorf(ledger.KindInvalidParams, "amount must be positive")
	}
	return nil
}
