package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNetwork   Kind = "network"
	KindRateLimit Kind = "rate_limit"
	KindAuth      Kind = "auth"
	KindRejected  Kind = "rejected"
)

var (
	ErrNetwork   = errors.New("network error")
	ErrRateLimit = errors.New("rate limited")
	ErrAuth      = errors.New("authentication failed")
	ErrRejected  = errors.New("order rejected")
)

// Error is the classified failure returned by every adapter.
type Error struct {
	Kind  Kind
	Venue string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Venue, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrRateLimit:
		return e.Kind == KindRateLimit
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrRejected:
		return e.Kind == KindRejected
	}
	return false
}

func NewError(kind Kind, venue, op string, err error) *Error {
	return &Error{Kind: kind, Venue: venue, Op: op, Err: err}
}

// KindOf classifies err. Unknown errors and caller deadlines count as network
// failures so they stay inside the retry budget.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindNetwork
}

// IsTransient reports whether err may succeed on a retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindNetwork, KindRateLimit:
		return true
	default:
		return false
	}
}

// Classify wraps a transport-level failure into an *Error.
func Classify(venue, op string, err error) error {
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Deadlines, dial failures and decode errors are all retryable.
	return NewError(KindNetwork, venue, op, err)
}

// HTTPError classifies a non-2xx response.
func HTTPError(venue, op string, status int, body string) error {
	err := fmt.Errorf("http %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests:
		return NewError(KindRateLimit, venue, op, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(KindAuth, venue, op, err)
	case status >= 500:
		return NewError(KindNetwork, venue, op, err)
	default:
		return NewError(KindRejected, venue, op, err)
	}
}
