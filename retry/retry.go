// Package retry wraps fallible operations in a single configurable
// exponential-backoff policy. Every submission path in the layer shares
// this policy type; none carries its own backoff loop.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
	"github.com/stellance/ledger/ledger"
)

var log = logging.Logger("retry")

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMultiplier   = 2
	defaultMaxRetries   = 3
)

// Policy configures how an operation is retried. The zero value is usable
// and equals DefaultPolicy.
type Policy struct {
	// InitialDelay is the wait after the first failed attempt.
	InitialDelay time.Duration
	// MaxDelay caps the backoff wait.
	MaxDelay time.Duration
	// Multiplier grows the wait after each failed attempt.
	Multiplier float64
	// MaxRetries is the total number of attempts.
	MaxRetries int
	// OnRetry, when set, observes each failed attempt before the wait.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy returns the policy used when options are left zero:
// 1s initial delay doubling up to 30s, 3 attempts total.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
		MaxRetries:   defaultMaxRetries,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	return p
}

// ExhaustedError is returned when every attempt allowed by the policy
// failed with a retryable error. It carries the last failure.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do runs op, retrying retryable failures per the policy. Terminal
// failures (declined signature, invalid params, insufficient funds,
// unauthorized, conflicts) return immediately without delay. Once Do
// begins, the sequence runs to success or exhaustion; ctx only bounds
// the waits between attempts.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	p = p.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := 0
	wrapped := func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !ledger.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Debugf("attempt %d failed (retrying in %v): %v", attempts, wait, err)
		if p.OnRetry != nil {
			p.OnRetry(attempts, err)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxRetries-1)), ctx)
	err := backoff.RetryNotify(wrapped, b, notify)
	if err == nil {
		return nil
	}
	if ledger.Retryable(err) && attempts >= p.MaxRetries {
		return &ExhaustedError{Attempts: attempts, Err: err}
	}
	return err
}
