// Package balance pre-flights funds-moving operations against a tracked
// reserve. This is advisory only; the ledger remains the authoritative
// enforcer at submission time.
package balance

import (
	"context"

	"github.com/stellance/ledger/ledger"
	"github.com/stellance/ledger/util"
)

// defaultReserve is held back from the spendable balance.
const defaultReserve = 1.0

// Result of a sufficiency check.
type Result struct {
	// Valid reports whether the effective available balance covers the
	// required amount.
	Valid bool
	// NeedsTrustline is true when the account holds no trustline for the
	// settlement asset; setup is required before any check can pass.
	NeedsTrustline bool
	// Available is the balance minus the reserve.
	Available float64
	// Shortfall is how much is missing when invalid, zero otherwise.
	Shortfall float64
}

// ShortfallString renders the shortfall with two decimal places.
func (r Result) ShortfallString() string {
	return util.FormatAmount(r.Shortfall)
}

// Validator checks settlement-asset balances.
type Validator struct {
	client  ledger.Client
	asset   ledger.Asset
	reserve float64
}

// Option configures a validator.
type Option func(*Validator)

// WithReserve overrides the default reserve of 1.0 units.
func WithReserve(reserve float64) Option {
	return func(v *Validator) {
		v.reserve = reserve
	}
}

// NewValidator creates a validator for the given settlement asset.
func NewValidator(client ledger.Client, asset ledger.Asset, opts ...Option) *Validator {
	v := &Validator{client: client, asset: asset, reserve: defaultReserve}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks whether the account can cover required units of the
// settlement asset after the reserve. A missing trustline fails
// immediately with NeedsTrustline set.
func (v *Validator) Validate(ctx context.Context, address string, required float64) (Result, error) {
	if required <= 0 {
		return Result{}, ledger.Errorf(ledger.KindInvalidParams, "required amount must be positive")
	}
	account, err := v.client.LoadAccount(ctx, address)
	if err != nil {
		return Result{}, err
	}
	amount, ok := account.Balance(v.asset)
	if !ok {
		return Result{NeedsTrustline: true}, nil
	}
	available := amount - v.reserve
	if available < 0 {
		available = 0
	}
	if available >= required {
		return Result{Valid: true, Available: available}, nil
	}
	return Result{
		Available: available,
		Shortfall: required - available,
	}, nil
}
