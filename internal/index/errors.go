package index

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when no index URL is configured.
// Callers distinguish this from a reachable-but-failing service: an
// unconfigured index degrades to recency-only behavior, a failing one
// surfaces as an error.
var ErrNotConfigured = errors.New("vector index not configured")

// ServiceError indicates the index service was reachable but the call
// failed after exhausting its retry budget.
type ServiceError struct {
	// Op is the logical operation that failed (e.g. "search", "upsert").
	Op string

	// Status is the last HTTP status code, or 0 for transport errors.
	Status int

	// Err is the underlying error.
	Err error
}

func (e *ServiceError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("index: %s failed with status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("index: %s failed: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
