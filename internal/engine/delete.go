package engine

import (
	"context"
	"log"

	"github.com/muselabs/mnemo/internal/index"
	"github.com/muselabs/mnemo/internal/storage"
	"github.com/muselabs/mnemo/pkg/types"
)

// MaxDeleteIDs bounds id-based delete requests.
const MaxDeleteIDs = 100

// DeleteFilter selects memories for deletion within one project.
type DeleteFilter struct {
	Category       types.Category
	Scope          types.Scope
	ConversationID string

	// OlderThanTs removes only rows created strictly before the given
	// unix-millisecond timestamp.
	OlderThanTs int64
}

// DeleteRequest carries either an explicit id list or a filter, never
// both. Ids are compiled to "project matches AND id in set", so a
// leaked or guessed id cannot delete rows outside the project.
type DeleteRequest struct {
	ProjectID string
	IDs       []string
	Filter    *DeleteFilter
}

// Delete hard-deletes matching memories and returns the number of rows
// removed from the durable store. Deleting zero matches is a success
// with count 0. Index cleanup afterwards is best effort: an index
// failure leaves orphan points for the reconciler and does not fail
// the delete.
func (e *Engine) Delete(ctx context.Context, req DeleteRequest) (int, error) {
	if req.ProjectID == "" {
		return 0, &ValidationError{Field: "projectId", Reason: "required"}
	}
	if len(req.IDs) == 0 && req.Filter == nil {
		return 0, &ValidationError{Field: "request", Reason: "ids or a filter is required"}
	}
	if len(req.IDs) > 0 && req.Filter != nil {
		return 0, &ValidationError{Field: "request", Reason: "ids and a filter are mutually exclusive"}
	}
	if len(req.IDs) > MaxDeleteIDs {
		return 0, &ValidationError{Field: "ids", Reason: "too many ids"}
	}

	rf := storage.RowFilter{ProjectID: req.ProjectID, IDs: req.IDs}
	if req.Filter != nil {
		if req.Filter.Category != "" && !types.ValidCategory(req.Filter.Category) {
			return 0, &ValidationError{Field: "filter.category", Reason: "unknown category"}
		}
		if req.Filter.Scope != "" && !types.ValidScope(req.Filter.Scope) {
			return 0, &ValidationError{Field: "filter.scope", Reason: "unknown scope"}
		}
		rf.Category = req.Filter.Category
		rf.Scope = req.Filter.Scope
		rf.ConversationID = req.Filter.ConversationID
		rf.OlderThanTs = req.Filter.OlderThanTs
	}

	// Preflight count: a request matching nothing is a success with
	// count 0 and must not touch the index at all.
	matched, err := e.store.CountWhere(ctx, rf)
	if err != nil {
		return 0, &DurableStoreError{Op: "count", Err: err}
	}
	if matched == 0 {
		return 0, nil
	}

	deleted, err := e.store.DeleteWhere(ctx, rf)
	if err != nil {
		return 0, &DurableStoreError{Op: "delete", Err: err}
	}

	e.cleanIndex(ctx, req)

	return deleted, nil
}

// cleanIndex removes the corresponding points from the vector index.
func (e *Engine) cleanIndex(ctx context.Context, req DeleteRequest) {
	if !e.index.Configured() {
		return
	}

	var err error
	if len(req.IDs) > 0 {
		// Same security rule as the durable side: project AND id set.
		f := index.NewFilter().Match("project_id", req.ProjectID).WithIDs(req.IDs...)
		err = e.index.DeleteByFilter(ctx, f)
	} else {
		f := index.NewFilter().Match("project_id", req.ProjectID)
		if req.Filter.Category != "" {
			f.Match("category", string(req.Filter.Category))
		}
		if req.Filter.Scope != "" {
			f.Match("scope", string(req.Filter.Scope))
		}
		if req.Filter.ConversationID != "" {
			f.Match("conversation_id", req.Filter.ConversationID)
		}
		if req.Filter.OlderThanTs > 0 {
			f.InRange("created_at_ts", index.Range{LT: index.Float64Ptr(float64(req.Filter.OlderThanTs))})
		}
		err = e.index.DeleteByFilter(ctx, f)
	}
	if err != nil {
		log.Printf("engine: index cleanup after delete failed: %v", err)
	}
}
