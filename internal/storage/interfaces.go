// Package storage defines the durable store contract for the Mnemo
// memory layer. The durable store is the single source of truth: it
// must survive index outages, and every write lands here before any
// index replication is attempted.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/muselabs/mnemo/pkg/types"
)

var (
	// ErrNotFound indicates that the requested memory was not found.
	ErrNotFound = errors.New("memory not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// DurableStore provides relational persistence of memory rows.
// Implementations must make UpsertBatch atomic per batch: either every
// row in the batch lands or none does.
type DurableStore interface {
	// UpsertBatch creates or updates rows keyed by id in a single
	// transaction.
	UpsertBatch(ctx context.Context, memories []*types.Memory) error

	// GetByIDs retrieves rows by id within one project. Missing ids are
	// simply absent from the result, not an error.
	GetByIDs(ctx context.Context, projectID string, ids []string) ([]*types.Memory, error)

	// List retrieves project-scoped rows ordered by creation time
	// descending. This backs the recency-only read path.
	List(ctx context.Context, opts ListOptions) ([]*types.Memory, error)

	// ListBySyncStatus retrieves rows in the given replication states,
	// oldest first, for the reconciliation sweep.
	ListBySyncStatus(ctx context.Context, statuses []types.SyncStatus, limit int) ([]*types.Memory, error)

	// UpdateSyncStatus records the outcome of an index replication
	// attempt on already-persisted rows.
	UpdateSyncStatus(ctx context.Context, ids []string, status types.SyncStatus, syncedAt *time.Time, lastError string) error

	// CountWhere returns the number of rows matching the filter.
	CountWhere(ctx context.Context, f RowFilter) (int, error)

	// DeleteWhere hard-deletes rows matching the filter and returns the
	// number removed. Deleting zero rows is a success.
	DeleteWhere(ctx context.Context, f RowFilter) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// ListOptions filters and bounds a List call. ProjectID is required.
type ListOptions struct {
	ProjectID string

	// Categories restricts to one or more categories. Empty means all.
	Categories []types.Category

	// Scope restricts to one scope. Empty means all scopes.
	Scope types.Scope

	// OwnerID restricts to one owner; combined with Scope it enforces
	// the isolation rule for non-project reads.
	OwnerID string

	// ConversationID restricts to one conversation.
	ConversationID string

	// Limit bounds the result set (default 20, max 100).
	Limit int
}

// Normalize applies defaults and bounds to the options.
func (o *ListOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
}

// RowFilter selects rows for counting and deletion. ProjectID is
// required: even id-based deletion is compiled to "project matches AND
// id in set" so a leaked id cannot reach across projects.
type RowFilter struct {
	ProjectID string

	// IDs restricts to an explicit id set.
	IDs []string

	Category       types.Category
	Scope          types.Scope
	ConversationID string

	// OlderThanTs restricts to rows with created_at_ts strictly below
	// the given unix-millisecond timestamp.
	OlderThanTs int64

	// ExpiresBeforeTs restricts to rows whose explicit expiry timestamp
	// (unix ms) is at or below the given value. Rows without an expiry
	// never match.
	ExpiresBeforeTs int64
}

// Validate checks that the filter is safe to execute.
func (f *RowFilter) Validate() error {
	if f.ProjectID == "" {
		return fmt.Errorf("%w: row filter requires a project id", ErrInvalidInput)
	}
	return nil
}
