// Package core defines the error taxonomy shared across the query engine.
package core

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates malformed ingest or query input. The request is
	// rejected and no state is mutated.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates a query against a user with no ingested corpus.
	ErrNotFound = errors.New("no corpus for user")

	// ErrUpstreamUnavailable indicates the embedding or generation gateway
	// failed after retry.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrTimeout indicates a generation deadline was exceeded.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvariant indicates an index/corpus version mismatch detected at read
	// time. Fatal for the current request only.
	ErrInvariant = errors.New("invariant violation")

	// ErrServiceFailure covers internal failures that are none of the above.
	ErrServiceFailure = errors.New("service failure")
)

// QueryError annotates an error with the operation and user it occurred for.
type QueryError struct {
	Op   string
	User string
	Err  error
}

func (e *QueryError) Error() string {
	if e.User != "" {
		return fmt.Sprintf("%s [user=%s]: %v", e.Op, e.User, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// NewQueryError wraps err with operation and user context.
func NewQueryError(op, user string, err error) *QueryError {
	return &QueryError{Op: op, User: user, Err: err}
}
