// Package engine implements the memory pipelines: validated idempotent
// writes, isolation-respecting blended reads, and filter-based deletes.
// The durable store is the source of truth; the vector index is a
// derived projection whose failures never roll back a durable write.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/muselabs/mnemo/internal/embedding"
	"github.com/muselabs/mnemo/internal/index"
	"github.com/muselabs/mnemo/internal/policy"
	"github.com/muselabs/mnemo/internal/storage"
)

const (
	// MaxWriteBatch is the maximum number of items per write request.
	MaxWriteBatch = 20

	// DefaultRecencyWeight is the read-time weight of recency against
	// similarity when a request does not specify one.
	DefaultRecencyWeight = 0.3

	// RecencyWindow is the age at which the read-time recency score
	// reaches zero. Read ranking decays linearly over this window; it
	// is deliberately a different curve from the retention half-life.
	RecencyWindow = 7 * 24 * time.Hour

	// overfetchFactor widens index searches so post-blend truncation
	// still has enough candidates.
	overfetchFactor = 2
)

// Embedder generates vectors for memory content. *embedding.Client
// satisfies it; tests substitute a mock.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) (*embedding.Result, error)
	Configured() bool
}

// VectorIndex is the best-effort search projection. *index.Client
// satisfies it; tests substitute a mock.
type VectorIndex interface {
	Upsert(ctx context.Context, points []index.Point) error
	Search(ctx context.Context, vector []float32, limit int, filter *index.Filter) ([]index.ScoredPoint, error)
	Scroll(ctx context.Context, filter *index.Filter, limit int, orderBy *index.OrderBy) ([]index.Point, error)
	DeleteByIDs(ctx context.Context, ids []string) error
	DeleteByFilter(ctx context.Context, filter *index.Filter) error
	Count(ctx context.Context, filter *index.Filter) (int, error)
	Configured() bool
}

// Engine orchestrates the write, read and delete pipelines over the
// three client leaves. It holds no per-request state; all methods are
// safe for concurrent use.
type Engine struct {
	store    storage.DurableStore
	embedder Embedder
	index    VectorIndex
	policy   *policy.Engine

	now func() time.Time
}

// NewEngine creates an engine over the given store, embedder, index and
// policy engine. All four are required; pass an unconfigured client
// (not nil) to express an absent provider.
func NewEngine(store storage.DurableStore, embedder Embedder, idx VectorIndex, pol *policy.Engine) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine: durable store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("engine: embedder is required")
	}
	if idx == nil {
		return nil, fmt.Errorf("engine: index client is required")
	}
	if pol == nil {
		pol = policy.NewEngine()
	}
	return &Engine{
		store:    store,
		embedder: embedder,
		index:    idx,
		policy:   pol,
		now:      time.Now,
	}, nil
}

// recencyScore decays linearly from 1.0 at age zero to 0.0 at
// RecencyWindow and beyond.
func recencyScore(createdAtTs int64, now time.Time) float64 {
	age := now.UnixMilli() - createdAtTs
	if age <= 0 {
		return 1.0
	}
	window := RecencyWindow.Milliseconds()
	if age >= window {
		return 0.0
	}
	return 1.0 - float64(age)/float64(window)
}
