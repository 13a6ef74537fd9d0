package engine

import (
	"context"
	"log"
	"sync"

	"github.com/muselabs/mnemo/pkg/types"
)

// ContextRequest asks for the memory bundle a higher-level caller
// (prompt assembly) combines into one generation context.
type ContextRequest struct {
	ProjectID      string
	OwnerID        string
	ConversationID string

	// Query drives the semantic leg. Empty degrades it to recency.
	Query string

	// Limit bounds each leg independently.
	Limit int
}

// ContextBundle holds the three independently fetched legs. A leg that
// failed is empty, never an error: context assembly should degrade,
// not block on one slow or broken source.
type ContextBundle struct {
	// Relevant are project memories ranked against the query.
	Relevant []ScoredMemory

	// Preferences are the owner's preference memories.
	Preferences []ScoredMemory

	// SessionNotes are the current conversation's session memories.
	SessionNotes []ScoredMemory
}

// FetchContext issues the three reads concurrently. The legs touch
// disjoint data and none should block on another's latency.
func (e *Engine) FetchContext(ctx context.Context, req ContextRequest) (*ContextBundle, error) {
	if req.ProjectID == "" {
		return nil, &ValidationError{Field: "projectId", Reason: "required"}
	}

	limit := req.Limit
	if limit < 1 {
		limit = 10
	}

	bundle := &ContextBundle{}
	var wg sync.WaitGroup

	fetch := func(name string, dst *[]ScoredMemory, rr ReadRequest) {
		defer wg.Done()
		results, err := e.Read(ctx, rr)
		if err != nil {
			log.Printf("engine: context %s fetch failed: %v", name, err)
			return
		}
		*dst = results
	}

	wg.Add(1)
	go fetch("memory", &bundle.Relevant, ReadRequest{
		ProjectID: req.ProjectID,
		OwnerID:   req.OwnerID,
		Query:     req.Query,
		Scope:     types.ScopeProject,
		Limit:     limit,
	})

	wg.Add(1)
	go fetch("preference", &bundle.Preferences, ReadRequest{
		ProjectID:  req.ProjectID,
		OwnerID:    req.OwnerID,
		Categories: []types.Category{types.CategoryPreference},
		Scope:      types.ScopeUser,
		Limit:      limit,
	})

	if req.ConversationID != "" {
		wg.Add(1)
		go fetch("session", &bundle.SessionNotes, ReadRequest{
			ProjectID:      req.ProjectID,
			OwnerID:        req.OwnerID,
			Categories:     []types.Category{types.CategorySession},
			Scope:          types.ScopeConversation,
			ConversationID: req.ConversationID,
			Limit:          limit,
		})
	}

	wg.Wait()
	return bundle, nil
}
