package engine

import (
	"context"
	"log"

	"github.com/muselabs/mnemo/internal/index"
	"github.com/muselabs/mnemo/internal/storage"
	"github.com/muselabs/mnemo/pkg/types"
)

// The reconciler is the background counterpart of the write pipeline:
// it drives the sync-status state machine forward (pending to synced,
// error to synced), purges expired rows, and removes index points whose
// durable row is gone. Each sweep is a single bounded pass; callers run
// it on a ticker.

// ReconcileReport summarizes one RetrySync pass.
type ReconcileReport struct {
	Synced  int
	Failed  int
	Skipped int
}

// RetrySync re-replicates rows stuck in pending or error state into the
// index. Rows that lost their embedding (provider was down at write
// time) are re-embedded first when the provider is available.
func (e *Engine) RetrySync(ctx context.Context, limit int) (ReconcileReport, error) {
	var report ReconcileReport

	if !e.index.Configured() {
		return report, index.ErrNotConfigured
	}
	if limit < 1 {
		limit = 50
	}

	rows, err := e.store.ListBySyncStatus(ctx, []types.SyncStatus{types.SyncPending, types.SyncError}, limit)
	if err != nil {
		return report, &DurableStoreError{Op: "list by sync status", Err: err}
	}
	if len(rows) == 0 {
		return report, nil
	}

	if err := e.reembedMissing(ctx, rows); err != nil {
		log.Printf("engine: reconcile re-embed failed: %v", err)
	}

	now := e.now().UTC()
	for start := 0; start < len(rows); start += MaxWriteBatch {
		end := start + MaxWriteBatch
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		points := make([]index.Point, 0, len(chunk))
		ids := make([]string, 0, len(chunk))
		for _, m := range chunk {
			if len(m.Embedding) == 0 {
				report.Skipped++
				continue
			}
			points = append(points, pointForMemory(m))
			ids = append(ids, m.ID)
		}
		if len(points) == 0 {
			continue
		}

		if err := e.index.Upsert(ctx, points); err != nil {
			log.Printf("engine: reconcile upsert of %d rows failed: %v", len(points), err)
			e.markSync(ctx, chunk, ids, types.SyncError, nil, err.Error())
			report.Failed += len(ids)
			continue
		}
		syncedAt := now
		e.markSync(ctx, chunk, ids, types.SyncSynced, &syncedAt, "")
		report.Synced += len(ids)
	}

	return report, nil
}

// reembedMissing fills in embeddings for rows persisted without one.
func (e *Engine) reembedMissing(ctx context.Context, rows []*types.Memory) error {
	if !e.embedder.Configured() {
		return nil
	}

	var missing []*types.Memory
	for _, m := range rows {
		if len(m.Embedding) == 0 {
			missing = append(missing, m)
		}
	}

	for start := 0; start < len(missing); start += MaxWriteBatch {
		end := start + MaxWriteBatch
		if end > len(missing) {
			end = len(missing)
		}
		chunk := missing[start:end]

		texts := make([]string, len(chunk))
		for i, m := range chunk {
			texts[i] = m.Content
		}
		result, err := e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i, m := range chunk {
			m.Embedding = result.Embeddings[i]
		}
		if err := e.store.UpsertBatch(ctx, chunk); err != nil {
			return &DurableStoreError{Op: "persist re-embedded rows", Err: err}
		}
	}
	return nil
}

// PurgeExpired hard-deletes rows of one project whose explicit expiry
// has passed. The corresponding index points become orphans and are
// removed by PruneOrphans; hard deletion applies regardless of sync
// state.
func (e *Engine) PurgeExpired(ctx context.Context, projectID string) (int, error) {
	if projectID == "" {
		return 0, &ValidationError{Field: "projectId", Reason: "required"}
	}

	deleted, err := e.store.DeleteWhere(ctx, storage.RowFilter{
		ProjectID:       projectID,
		ExpiresBeforeTs: e.now().UTC().UnixMilli(),
	})
	if err != nil {
		return 0, &DurableStoreError{Op: "purge expired", Err: err}
	}
	if deleted > 0 {
		log.Printf("engine: purged %d expired rows from project %s", deleted, projectID)
	}
	return deleted, nil
}

// PruneOrphans removes index points of one project whose durable row no
// longer exists. It makes the index converge back to a strict subset of
// the source of truth after deletes or expiry.
func (e *Engine) PruneOrphans(ctx context.Context, projectID string, limit int) (int, error) {
	if projectID == "" {
		return 0, &ValidationError{Field: "projectId", Reason: "required"}
	}
	if !e.index.Configured() {
		return 0, index.ErrNotConfigured
	}
	if limit < 1 {
		limit = 200
	}

	points, err := e.index.Scroll(ctx, index.NewFilter().Match("project_id", projectID), limit, nil)
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}

	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}

	durable, err := e.store.GetByIDs(ctx, projectID, ids)
	if err != nil {
		return 0, &DurableStoreError{Op: "get by ids", Err: err}
	}
	existing := make(map[string]struct{}, len(durable))
	for _, m := range durable {
		existing[m.ID] = struct{}{}
	}

	var orphans []string
	for _, id := range ids {
		if _, ok := existing[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	if err := e.index.DeleteByIDs(ctx, orphans); err != nil {
		return 0, err
	}
	log.Printf("engine: pruned %d orphan index points from project %s", len(orphans), projectID)
	return len(orphans), nil
}
