// Package councilerr gives every error surfaced to a caller a stable kind,
// so transport and logging layers can classify failures without string
// matching and distinguish transient from terminal errors.
package councilerr

import (
	"errors"
	"fmt"
)

// Kind is one of the user-visible error categories.
type Kind string

const (
	InvalidInput     Kind = "invalid_input"
	Timeout          Kind = "timeout"
	BudgetExceeded   Kind = "budget_exceeded"
	ProviderDown     Kind = "provider_down"
	StoreUnavailable Kind = "store_unavailable"
	Cancelled        Kind = "cancelled"
	Internal         Kind = "internal"
)

// Error wraps an underlying cause with a Kind, so callers can branch on
// classification while %w unwrapping still reaches the original error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error. err may be nil, in which case the kind
// string itself becomes the message.
func New(kind Kind, op string, err error) *Error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is a
// *Error, and Internal otherwise.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Internal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a caller should retry the operation that
// produced err. Timeout and ProviderDown are transient; the rest are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Timeout, ProviderDown:
		return true
	default:
		return false
	}
}
