package transient

import (
	"context"
	"errors"
	"net"
)

// Error marks adapter failures that are eligible for one immediate retry.
// Params: wrapped root cause.
// Returns: typed transient error marker.
type Error struct {
	Err error
}

// Error returns wrapped error message.
// Params: none.
// Returns: string representation.
func (e Error) Error() string {
	if e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

// Unwrap exposes wrapped cause for errors.Is/errors.As.
// Params: none.
// Returns: wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// Transient marks error as retryable.
// Params: none.
// Returns: true.
func (Error) Transient() bool {
	return true
}

// Mark wraps error with transient marker.
// Params: source error.
// Returns: wrapped error or nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return Error{Err: err}
}

// Is reports whether error is classified as transient.
// Params: candidate error.
// Returns: true for marked errors, deadline expiry, and network faults.
func Is(err error) bool {
	if err == nil {
		return false
	}
	type marker interface {
		Transient() bool
	}
	var tagged marker
	if errors.As(err, &tagged) {
		return tagged.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
