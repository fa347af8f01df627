// Package ledger defines the data model and external interfaces of the
// orchestration layer: the ledger RPC client, the wallet signer, the
// classified error taxonomy, and the closed contract-event union.
// The ledger itself is an opaque RPC target; it remains the authoritative
// enforcer of balances, sequencing, and contract state.
package ledger

import (
	"context"
	"time"
)

// Asset identifies a settlement asset. Code is empty for the native asset.
type Asset struct {
	Code   string
	Issuer string
}

// Native reports whether the asset is the ledger-native one.
func (a Asset) Native() bool {
	return a.Code == ""
}

// Balance is one asset balance held by an account. An account holds a
// non-native balance only after establishing a trustline for the asset.
type Balance struct {
	Asset  Asset
	Amount float64
}

// Account is the ledger view of an account at load time.
type Account struct {
	Address  string
	Sequence int64
	Balances []Balance
}

// Balance returns the account's balance for the given asset.
// The second return is false when no trustline exists for the asset.
func (a *Account) Balance(asset Asset) (float64, bool) {
	for _, b := range a.Balances {
		if b.Asset == asset {
			return b.Amount, true
		}
	}
	return 0, false
}

// Operation is one invocation of a contract method within a transaction.
type Operation struct {
	Contract string
	Method   string
	Args     []interface{}
}

// Envelope is an unsigned transaction. Expiry is an absolute bound after
// which the ledger rejects the transaction, so a stale signed envelope
// fails fast instead of being retried forever.
type Envelope struct {
	Source     string
	Sequence   int64
	Operations []Operation
	Expiry     time.Time
}

// SignedEnvelope is an envelope plus the signatures the ledger requires.
type SignedEnvelope struct {
	Envelope
	Signatures [][]byte
}

// SubmitResult is the ledger's response to a submitted transaction.
type SubmitResult struct {
	Hash       string
	Successful bool
	Position   uint64
	// ContractID is set when the transaction instantiated a contract.
	ContractID string
}

// Client is the capability set this layer requires from a ledger node.
type Client interface {
	// LoadAccount reads an account's current sequence number and balances.
	LoadAccount(ctx context.Context, address string) (*Account, error)
	// BuildTransaction assembles an unsigned envelope for the source
	// account's next sequence number.
	BuildTransaction(ctx context.Context, source string, ops ...Operation) (*Envelope, error)
	// Simulate dry-runs an envelope without submitting it.
	Simulate(ctx context.Context, env *Envelope) error
	// Submit sends a signed envelope to the network.
	Submit(ctx context.Context, env *SignedEnvelope) (*SubmitResult, error)
	// StreamEvents opens a push stream of contract events selected by the
	// filter. The returned channel closes after a StreamItem carrying an
	// error, or when ctx is canceled.
	StreamEvents(ctx context.Context, filter EventFilter) (<-chan StreamItem, error)
	// ReadContractState reads one key of a contract's authoritative state.
	ReadContractState(ctx context.Context, contractID, key string) (interface{}, error)
}

// Signer is the wallet capability. Implementations never expose private
// key material to this layer.
type Signer interface {
	// Sign produces a signed envelope. A user declining the prompt
	// surfaces as a KindWallet error.
	Sign(ctx context.Context, env *Envelope) (*SignedEnvelope, error)
	// PublicKey returns the signer's account address.
	PublicKey() string
	// SignMessage signs an arbitrary message, e.g. an off-chain bid digest
	// or an anchor auth challenge.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}

// KV is the opaque key-value capability used for cached preferences and
// transaction history.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}
