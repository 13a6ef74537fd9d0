package engine

import (
	"errors"
	"fmt"
)

// ErrAccessDenied is returned when a request would cross an isolation
// boundary, such as writing owner-scoped memories without an owner
// identity. Rejected before any I/O.
var ErrAccessDenied = errors.New("engine: access denied")

// ValidationError reports a malformed request item. It is raised before
// any I/O, so a validation failure has zero side effects.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("engine: validation failed on %s: %s", e.Field, e.Reason)
}

// EmbeddingError wraps an embedding provider failure. Embeddings are a
// required input for writes and semantic reads, so this is fatal.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("engine: embedding provider: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// DurableStoreError wraps a durable store failure. The durable store is
// the source of truth, so this aborts the whole operation with nothing
// partially committed.
type DurableStoreError struct {
	Op  string
	Err error
}

func (e *DurableStoreError) Error() string {
	return fmt.Sprintf("engine: durable store %s: %v", e.Op, e.Err)
}

func (e *DurableStoreError) Unwrap() error {
	return e.Err
}
