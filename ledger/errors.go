package ledger

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a failure so callers can choose a recovery path.
type Kind int

const (
	// KindUnknown is a failure that could not be classified.
	KindUnknown Kind = iota
	// KindNetwork is a transient transport failure.
	KindNetwork
	// KindWallet indicates the user declined to sign or the wallet is unreachable.
	KindWallet
	// KindInsufficientFunds indicates the source account cannot cover the operation.
	KindInsufficientFunds
	// KindInvalidParams is a caller-side validation failure raised before any network call.
	KindInvalidParams
	// KindUnauthorized indicates the signer is not permitted to perform the operation.
	KindUnauthorized
	// KindConflict indicates the operation lost a first-writer-wins race.
	KindConflict
	// KindNotFound indicates the referenced entity does not exist.
	KindNotFound
	// KindContract is a ledger-side rejection of a submitted transaction.
	KindContract
	// KindBadSequence is a ledger rejection caused by a stale sequence number.
	// The transaction can be rebuilt against a fresh sequence and resubmitted.
	KindBadSequence
	// KindServiceUnavailable indicates a remote service is temporarily down.
	KindServiceUnavailable
	// KindRateLimited indicates a remote service is throttling the caller.
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindWallet:
		return "wallet"
	case KindInsufficientFunds:
		return "insufficient funds"
	case KindInvalidParams:
		return "invalid params"
	case KindUnauthorized:
		return "unauthorized"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not found"
	case KindContract:
		return "contract"
	case KindBadSequence:
		return "bad sequence"
	case KindServiceUnavailable:
		return "service unavailable"
	case KindRateLimited:
		return "rate limited"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a classified error.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies an existing error.
func WrapError(kind Kind, err error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the classification of err. Unclassified grpc transport
// errors are mapped from their status codes; anything else is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if stat, ok := status.FromError(err); ok {
		switch stat.Code() {
		case codes.Unavailable:
			return KindServiceUnavailable
		case codes.ResourceExhausted:
			return KindRateLimited
		case codes.Unauthenticated, codes.PermissionDenied:
			return KindUnauthorized
		case codes.InvalidArgument:
			return KindInvalidParams
		case codes.NotFound:
			return KindNotFound
		case codes.Aborted, codes.AlreadyExists:
			return KindConflict
		case codes.DeadlineExceeded:
			return KindNetwork
		}
	}
	return KindUnknown
}

// Retryable reports whether err is worth retrying with backoff.
// Contract errors retry only when caused by a stale sequence number.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindBadSequence, KindServiceUnavailable, KindRateLimited:
		return true
	default:
		return false
	}
}

// Recovery describes what the caller should do about a failure.
type Recovery int

const (
	// RecoveryFatal means the operation cannot succeed as issued.
	RecoveryFatal Recovery = iota
	// RecoveryRetry means the operation may succeed if retried.
	RecoveryRetry
	// RecoveryUserAction means the user must act first (re-prompt wallet, top up funds).
	RecoveryUserAction
)

// RecoveryOf maps a failure to the recovery path the caller should take.
func RecoveryOf(err error) Recovery {
	if Retryable(err) {
		return RecoveryRetry
	}
	switch KindOf(err) {
	case KindWallet, KindInsufficientFunds:
		return RecoveryUserAction
	default:
		return RecoveryFatal
	}
}
