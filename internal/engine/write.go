package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/muselabs/mnemo/internal/embedding"
	"github.com/muselabs/mnemo/internal/index"
	"github.com/muselabs/mnemo/pkg/types"
)

// WriteItem is one memory to persist. Supplying an ID makes the write
// an idempotent upsert: a content hash works as a dedup key at the
// caller's discretion.
type WriteItem struct {
	ID             string
	Category       types.Category
	Content        string
	Scope          types.Scope
	ConversationID string
	Metadata       types.Metadata

	// TTLMinutes, when positive, overrides the category's TTL policy
	// for this item.
	TTLMinutes int
}

// WriteRequest is a batch of items for one project and one resolved
// owner identity.
type WriteRequest struct {
	ProjectID string
	OwnerID   string
	Items     []WriteItem
}

// Write validates, embeds and persists a batch of memories. The durable
// write is required and atomic; the index upsert afterwards is best
// effort, its outcome recorded per row in SyncStatus. The response is
// either every canonical persisted record or an error with nothing
// committed, never a partial result.
func (e *Engine) Write(ctx context.Context, req WriteRequest) ([]*types.Memory, error) {
	if req.ProjectID == "" {
		return nil, &ValidationError{Field: "projectId", Reason: "required"}
	}
	if len(req.Items) == 0 {
		return nil, &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	if len(req.Items) > MaxWriteBatch {
		return nil, &ValidationError{
			Field:  "items",
			Reason: fmt.Sprintf("batch of %d exceeds maximum of %d", len(req.Items), MaxWriteBatch),
		}
	}

	now := e.now().UTC()

	memories, err := e.resolveItems(ctx, req, now)
	if err != nil {
		return nil, err
	}

	if err := e.embedAll(ctx, memories); err != nil {
		return nil, err
	}

	// Durable store first. A failure here aborts the whole batch with
	// nothing committed and no index write attempted.
	if err := e.store.UpsertBatch(ctx, memories); err != nil {
		return nil, &DurableStoreError{Op: "upsert", Err: err}
	}

	e.replicateToIndex(ctx, memories, now)

	return memories, nil
}

// resolveItems validates every item and materializes the full records:
// scope defaults, owner isolation, id resolution, prior-state loading
// for re-upserts, redaction. No I/O except the prior-state read.
func (e *Engine) resolveItems(ctx context.Context, req WriteRequest, now time.Time) ([]*types.Memory, error) {
	memories := make([]*types.Memory, 0, len(req.Items))
	reusedIDs := make([]string, 0)

	for i, item := range req.Items {
		if !types.ValidCategory(item.Category) {
			return nil, &ValidationError{
				Field:  fmt.Sprintf("items[%d].category", i),
				Reason: fmt.Sprintf("unknown category %q", item.Category),
			}
		}

		scope := item.Scope
		if scope == "" {
			scope = types.DefaultScope(item.Category)
		} else if !types.ValidScope(scope) {
			return nil, &ValidationError{
				Field:  fmt.Sprintf("items[%d].scope", i),
				Reason: fmt.Sprintf("unknown scope %q", item.Scope),
			}
		}

		if scope == types.ScopeConversation && item.ConversationID == "" {
			return nil, &ValidationError{
				Field:  fmt.Sprintf("items[%d].conversationId", i),
				Reason: "conversation scope requires a conversation id",
			}
		}

		// Fail closed: a single item needing an owner rejects the whole
		// batch before any side effect.
		if scope != types.ScopeProject && req.OwnerID == "" {
			return nil, fmt.Errorf("%w: scope %q requires an owner identity", ErrAccessDenied, scope)
		}

		if item.Content == "" {
			return nil, &ValidationError{
				Field:  fmt.Sprintf("items[%d].content", i),
				Reason: "required",
			}
		}
		if len(item.Content) > types.MaxContentLength {
			return nil, &ValidationError{
				Field:  fmt.Sprintf("items[%d].content", i),
				Reason: fmt.Sprintf("exceeds %d characters", types.MaxContentLength),
			}
		}

		id := item.ID
		if id == "" {
			id = uuid.NewString()
		} else {
			reusedIDs = append(reusedIDs, id)
		}

		m := &types.Memory{
			ID:          id,
			ProjectID:   req.ProjectID,
			Category:    item.Category,
			Scope:       scope,
			Content:     item.Content,
			Metadata:    item.Metadata,
			CreatedAt:   now,
			CreatedAtTs: now.UnixMilli(),
			UpdatedAt:   now,
			ExpiresAt:   e.policy.ExpiresAt(item.Category, item.TTLMinutes, now),
			SyncStatus:  types.SyncPending,
		}
		if scope != types.ScopeProject {
			m.OwnerID = req.OwnerID
		}
		if scope == types.ScopeConversation {
			m.ConversationID = item.ConversationID
		}

		if item.Metadata.Redacted {
			m.Redact(item.Metadata.RedactionReason, now)
		}

		if err := m.Validate(); err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("items[%d]", i), Reason: err.Error()}
		}

		memories = append(memories, m)
	}

	// Re-upserts preserve the original age and expiry unless the item
	// carries an explicit TTL override.
	if len(reusedIDs) > 0 {
		prior, err := e.store.GetByIDs(ctx, req.ProjectID, reusedIDs)
		if err != nil {
			return nil, &DurableStoreError{Op: "load prior state", Err: err}
		}
		byID := make(map[string]*types.Memory, len(prior))
		for _, p := range prior {
			byID[p.ID] = p
		}
		for i, m := range memories {
			p, ok := byID[m.ID]
			if !ok {
				continue
			}
			m.CreatedAt = p.CreatedAt
			m.CreatedAtTs = p.CreatedAtTs
			if req.Items[i].TTLMinutes <= 0 {
				m.ExpiresAt = p.ExpiresAt
			}
		}
	}

	return memories, nil
}

// embedAll generates vectors for all contents in one provider round
// trip. An unconfigured provider leaves embeddings nil and the rows
// pending; a configured but failing provider is fatal.
func (e *Engine) embedAll(ctx context.Context, memories []*types.Memory) error {
	if !e.embedder.Configured() {
		return nil
	}

	texts := make([]string, len(memories))
	for i, m := range memories {
		texts[i] = m.Content
	}

	result, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if errors.Is(err, embedding.ErrNotConfigured) {
			return nil
		}
		return &EmbeddingError{Err: err}
	}

	for i, m := range memories {
		m.Embedding = result.Embeddings[i]
	}
	return nil
}

// replicateToIndex pushes the rows into the vector index and records
// the outcome. The rows already exist durably, so any failure here is
// swallowed: the batch stays a success with degraded sync status.
func (e *Engine) replicateToIndex(ctx context.Context, memories []*types.Memory, now time.Time) {
	points := make([]index.Point, 0, len(memories))
	ids := make([]string, 0, len(memories))
	for _, m := range memories {
		if len(m.Embedding) == 0 {
			continue
		}
		points = append(points, pointForMemory(m))
		ids = append(ids, m.ID)
	}
	if len(points) == 0 || !e.index.Configured() {
		return
	}

	if err := e.index.Upsert(ctx, points); err != nil {
		log.Printf("engine: index upsert failed for %d rows: %v", len(points), err)
		e.markSync(ctx, memories, ids, types.SyncError, nil, err.Error())
		return
	}

	syncedAt := now
	e.markSync(ctx, memories, ids, types.SyncSynced, &syncedAt, "")
}

// markSync records a replication outcome durably and mirrors it on the
// in-memory records returned to the caller.
func (e *Engine) markSync(ctx context.Context, memories []*types.Memory, ids []string, status types.SyncStatus, syncedAt *time.Time, lastError string) {
	if err := e.store.UpdateSyncStatus(ctx, ids, status, syncedAt, lastError); err != nil {
		log.Printf("engine: recording sync status %q failed: %v", status, err)
	}

	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	for _, m := range memories {
		if _, ok := idSet[m.ID]; !ok {
			continue
		}
		m.SyncStatus = status
		m.SyncedAt = syncedAt
		m.LastError = lastError
	}
}

// pointForMemory projects a memory into an index point whose payload
// carries every field the pipelines filter on.
func pointForMemory(m *types.Memory) index.Point {
	payload := map[string]interface{}{
		"project_id":    m.ProjectID,
		"category":      string(m.Category),
		"scope":         string(m.Scope),
		"created_at_ts": m.CreatedAtTs,
	}
	if m.OwnerID != "" {
		payload["owner_id"] = m.OwnerID
	}
	if m.ConversationID != "" {
		payload["conversation_id"] = m.ConversationID
	}
	return index.Point{ID: m.ID, Vector: m.Embedding, Payload: payload}
}
