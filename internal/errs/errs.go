// Package errs defines the error taxonomy shared across the scrape engine
// (spec.md §7): Transient, Permanent, Skipped, Cancelled, and Fatal. Callers
// wrap an underlying cause with one of these kinds so every layer up to the
// Control API can make a uniform retry/propagation decision with
// errors.Is/errors.As instead of string-matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/propagation purposes.
type Kind int

const (
	// KindTransient is retryable at the caller level (HTTP timeout/5xx/429,
	// StoreBusy, CircuitOpen).
	KindTransient Kind = iota
	// KindPermanent is not retryable (404, 403, auth misconfiguration,
	// schema violation).
	KindPermanent
	// KindSkipped is an item-level malformed-data error; the batch continues.
	KindSkipped
	// KindCancelled is caller-initiated stop/deadline.
	KindCancelled
	// KindFatal is a broken invariant (store corruption, unreachable
	// dependency at init); it propagates to process shutdown.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "Transient"
	case KindPermanent:
		return "Permanent"
	case KindSkipped:
		return "Skipped"
	case KindCancelled:
		return "Cancelled"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error wraps a cause with a Kind so it can be classified by any layer
// without inspecting string content.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "forumclient.ListPosts"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as a Transient error.
func Transient(op string, err error) *Error { return New(KindTransient, op, err) }

// Permanent wraps err as a Permanent error.
func Permanent(op string, err error) *Error { return New(KindPermanent, op, err) }

// Skipped wraps err as a Skipped error.
func Skipped(op string, err error) *Error { return New(KindSkipped, op, err) }

// Cancelled wraps err as a Cancelled error.
func Cancelled(op string, err error) *Error { return New(KindCancelled, op, err) }

// Fatal wraps err as a Fatal error.
func Fatal(op string, err error) *Error { return New(KindFatal, op, err) }

// Is reports whether err is an *Error of the given kind, unwrapping through
// any chain of wrapped errors.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrCircuitOpen is returned by the circuit breaker decorator when a call is
// short-circuited; always a Transient error per spec.md §4.2.
var ErrCircuitOpen = errors.New("circuit open")

// ErrStoreBusy is returned by the store when write-contention retries are
// exhausted; always a Transient error per spec.md §4.5.
var ErrStoreBusy = errors.New("store busy")

// ErrNotFound signals a 404-equivalent (e.g. GetUser on a deleted account).
var ErrNotFound = errors.New("not found")

// ErrGone signals a 410-equivalent (e.g. GetUser on a suspended account).
var ErrGone = errors.New("gone")
