package provider

import (
	"errors"
	"fmt"

	"patchpilot/internal/jsonutil"
)

// ErrAwaitingInput reports that the manual backend reached its wait deadline
// without a patch file appearing. It is an expected no-op outcome for the
// cycle, not a failure.
var ErrAwaitingInput = errors.New("awaiting manual patch input")

// Kind classifies provider failures. The orchestrator's reaction depends
// only on the kind: auth aborts the run, everything else scopes to the
// current cycle.
type Kind int

const (
	// KindTimeout means the backend did not answer within its deadline.
	KindTimeout Kind = iota
	// KindNetwork covers connection failures and unreachable backends,
	// including a local command that could not be launched.
	KindNetwork
	// KindAuth means the backend rejected our credentials. Fatal to the run.
	KindAuth
	// KindRateLimit means the backend asked us to slow down.
	KindRateLimit
	// KindInvalidResponse means the backend answered with something the
	// wire contract does not allow (bad status, missing field, bad JSON,
	// non-zero exit).
	KindInvalidResponse
)

// String returns the wire label for the kind.
func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindInvalidResponse:
		return "invalid_response"
	default:
		return "unknown"
	}
}

// ParseKind converts a wire label back to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "timeout":
		return KindTimeout, nil
	case "network":
		return KindNetwork, nil
	case "auth":
		return KindAuth, nil
	case "rate_limit":
		return KindRateLimit, nil
	case "invalid_response":
		return KindInvalidResponse, nil
	default:
		return KindTimeout, jsonutil.ParseEnumError("provider error kind", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (k Kind) MarshalJSON() ([]byte, error) { return jsonutil.MarshalEnum(k) }

// UnmarshalJSON implements json.Unmarshaler.
func (k *Kind) UnmarshalJSON(data []byte) error {
	parsed, err := jsonutil.UnmarshalEnum(data, ParseKind)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Retryable reports whether an error of this kind may succeed on retry.
// Whether a backend actually retries is its own policy: idempotent HTTP
// calls do, subprocess invocations never do.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetwork, KindRateLimit:
		return true
	default:
		return false
	}
}

// Error is the structured failure every backend returns.
type Error struct {
	Kind    Kind
	Backend string
	Op      string
	Status  int   // HTTP status when applicable, else 0
	Err     error // underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Backend, e.Op, e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether this error's kind is retryable.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// errf builds a backend error.
func errf(kind Kind, backend, op string, status int, err error) *Error {
	return &Error{Kind: kind, Backend: backend, Op: op, Status: status, Err: err}
}

// IsKind reports whether err is (or wraps) a provider Error of the given kind.
func IsKind(err error, k Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == k
}

// IsAuth reports whether err is an authentication failure. The run must
// abort when this returns true: retrying with the same credentials cannot
// succeed.
func IsAuth(err error) bool { return IsKind(err, KindAuth) }
