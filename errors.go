package tradepost

import (
	"errors"
	"fmt"
)

var (
	ErrNotOpen      = errors.New("chat thread is not open")
	ErrNotSeller    = errors.New("only the seller can select a counterpart")
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoReceiver   = errors.New("no receiver for message")
	ErrClosed       = errors.New("service is closed")
)

// StoreError reports corrupt or unavailable local persistence. Components
// log it and fall back to defaults; it never reaches UI callers.
type StoreError struct {
	Key string
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NetworkError reports a failed retrieval or send.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is returned before any network call is made.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }
