package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/muselabs/mnemo/internal/index"
	"github.com/muselabs/mnemo/internal/storage"
	"github.com/muselabs/mnemo/pkg/types"
)

// ReadRequest retrieves memories for one project. A non-empty Query
// selects semantic mode when the embedder and index are configured;
// otherwise the read degrades to recency-only.
type ReadRequest struct {
	ProjectID string
	OwnerID   string

	Query          string
	Categories     []types.Category
	Scope          types.Scope
	ConversationID string
	Limit          int

	// RecencyWeight blends recency against similarity in semantic
	// mode, clamped to [0,1]. Nil selects DefaultRecencyWeight.
	RecencyWeight *float64
}

// ScoredMemory is a retrieved memory with its ranking score: the
// blended similarity/recency score in semantic mode, the linear
// recency score otherwise.
type ScoredMemory struct {
	*types.Memory
	Score float64
}

// Read retrieves memories ordered by relevance. Records always come
// from the durable store, so rows whose index replication failed stay
// retrievable. A configured but erroring index or embedder surfaces as
// an error on semantic reads; an unconfigured one falls back to
// recency-only ranking.
func (e *Engine) Read(ctx context.Context, req ReadRequest) ([]ScoredMemory, error) {
	if req.ProjectID == "" {
		return nil, &ValidationError{Field: "projectId", Reason: "required"}
	}
	if req.Scope != "" && !types.ValidScope(req.Scope) {
		return nil, &ValidationError{Field: "scope", Reason: "unknown scope"}
	}
	for _, c := range req.Categories {
		if !types.ValidCategory(c) {
			return nil, &ValidationError{Field: "categories", Reason: "unknown category"}
		}
	}
	// Same fail-closed rule as the write path: without an owner
	// identity only explicitly shared project scope is readable.
	if req.OwnerID == "" && req.Scope != types.ScopeProject {
		return nil, fmt.Errorf("%w: reads outside project scope require an owner identity", ErrAccessDenied)
	}

	limit := req.Limit
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	if req.Query != "" && e.embedder.Configured() && e.index.Configured() {
		return e.readSemantic(ctx, req, limit)
	}
	return e.readRecency(ctx, req, limit)
}

// readSemantic embeds the query, over-fetches nearest neighbors from
// the index, and re-ranks them by blending similarity with a linear
// recency score. The blend curve is intentionally not the retention
// half-life: ranking optimizes perceived freshness, not retention.
func (e *Engine) readSemantic(ctx context.Context, req ReadRequest, limit int) ([]ScoredMemory, error) {
	result, err := e.embedder.EmbedBatch(ctx, []string{req.Query})
	if err != nil {
		return nil, &EmbeddingError{Err: err}
	}

	hits, err := e.index.Search(ctx, result.Embeddings[0], limit*overfetchFactor, e.indexFilter(req))
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}

	// The index payload is a projection; the durable rows are canonical.
	// Hits with no durable row are orphans and are dropped.
	records, err := e.store.GetByIDs(ctx, req.ProjectID, ids)
	if err != nil {
		return nil, &DurableStoreError{Op: "get by ids", Err: err}
	}
	byID := make(map[string]*types.Memory, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	weight := DefaultRecencyWeight
	if req.RecencyWeight != nil {
		weight = *req.RecencyWeight
	}
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}

	now := e.now().UTC()
	scored := make([]ScoredMemory, 0, len(hits))
	for _, h := range hits {
		m, ok := byID[h.ID]
		if !ok {
			continue
		}
		blended := (1-weight)*h.Score + weight*recencyScore(m.CreatedAtTs, now)
		scored = append(scored, ScoredMemory{Memory: m, Score: blended})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// readRecency lists from the durable store ordered by creation time.
// This is also the fallback when no query vector can be produced.
func (e *Engine) readRecency(ctx context.Context, req ReadRequest, limit int) ([]ScoredMemory, error) {
	opts := storage.ListOptions{
		ProjectID:      req.ProjectID,
		Categories:     req.Categories,
		Scope:          req.Scope,
		ConversationID: req.ConversationID,
		Limit:          limit,
	}
	// Isolation rule: unless the caller explicitly asked for shared
	// project scope, constrain by owner so personal memories cannot
	// leak to a caller that forgot to pass a scope.
	if req.Scope != types.ScopeProject {
		opts.OwnerID = req.OwnerID
	}

	records, err := e.store.List(ctx, opts)
	if err != nil {
		return nil, &DurableStoreError{Op: "list", Err: err}
	}

	now := e.now().UTC()
	scored := make([]ScoredMemory, 0, len(records))
	for _, m := range records {
		scored = append(scored, ScoredMemory{Memory: m, Score: recencyScore(m.CreatedAtTs, now)})
	}
	return scored, nil
}

// indexFilter compiles the request into the index filter vocabulary,
// always constrained by project and by the same isolation rule as the
// recency path.
func (e *Engine) indexFilter(req ReadRequest) *index.Filter {
	f := index.NewFilter().Match("project_id", req.ProjectID)

	switch len(req.Categories) {
	case 0:
	case 1:
		f.Match("category", string(req.Categories[0]))
	default:
		values := make([]string, len(req.Categories))
		for i, c := range req.Categories {
			values[i] = string(c)
		}
		f.MatchAny("category", values...)
	}

	if req.Scope != "" {
		f.Match("scope", string(req.Scope))
	}
	if req.Scope == types.ScopeConversation && req.ConversationID != "" {
		f.Match("conversation_id", req.ConversationID)
	}
	if req.Scope != types.ScopeProject {
		f.Match("owner_id", req.OwnerID)
	}
	return f
}
