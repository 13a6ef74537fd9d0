// Package sqlite provides a SQLite implementation of the durable store.
// It is the default engine for local and single-tenant deployments and
// backs the storage test suite with in-memory databases.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/muselabs/mnemo/internal/storage"
	"github.com/muselabs/mnemo/pkg/types"
)

// Schema contains the SQL statements to create the memories table.
// All statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    category TEXT NOT NULL,
    scope TEXT NOT NULL,
    owner_id TEXT,
    conversation_id TEXT,
    content TEXT NOT NULL,
    metadata TEXT,

    created_at TIMESTAMP NOT NULL,
    created_at_ts INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    expires_at_ts INTEGER,

    embedding TEXT,

    sync_status TEXT NOT NULL DEFAULT 'pending',
    synced_at TIMESTAMP,
    last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project_id);
CREATE INDEX IF NOT EXISTS idx_memories_project_category ON memories(project_id, category);
CREATE INDEX IF NOT EXISTS idx_memories_project_created ON memories(project_id, created_at_ts DESC);
CREATE INDEX IF NOT EXISTS idx_memories_sync_status ON memories(sync_status);
CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at_ts);
`

// memoryColumns is the canonical column list for all SELECT queries.
// Order must match scanMemory.
const memoryColumns = `id, project_id, category, scope, owner_id, conversation_id,
	content, metadata, created_at, created_at_ts, updated_at,
	expires_at, expires_at_ts, embedding, sync_status, synced_at, last_error`

// Store implements storage.DurableStore using SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database at the given DSN, configures WAL
// mode and creates the schema. Use ":memory:" for an ephemeral store.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open
	// connection serialises writes and avoids SQLITE_BUSY under load;
	// WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// UpsertBatch creates or updates rows keyed by id in one transaction.
// Any failure rolls back the whole batch.
func (s *Store) UpsertBatch(ctx context.Context, memories []*types.Memory) error {
	if len(memories) == 0 {
		return nil
	}
	for _, m := range memories {
		if m == nil || m.ID == "" {
			return fmt.Errorf("%w: memory id is required", storage.ErrInvalidInput)
		}
		if m.ProjectID == "" {
			return fmt.Errorf("%w: memory project id is required", storage.ErrInvalidInput)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const upsertSQL = `
		INSERT INTO memories (
			id, project_id, category, scope, owner_id, conversation_id,
			content, metadata, created_at, created_at_ts, updated_at,
			expires_at, expires_at_ts, embedding, sync_status, synced_at, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			scope = excluded.scope,
			owner_id = excluded.owner_id,
			conversation_id = excluded.conversation_id,
			content = excluded.content,
			metadata = excluded.metadata,
			created_at = excluded.created_at,
			created_at_ts = excluded.created_at_ts,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at,
			expires_at_ts = excluded.expires_at_ts,
			embedding = excluded.embedding,
			sync_status = excluded.sync_status,
			synced_at = excluded.synced_at,
			last_error = excluded.last_error
	`

	for _, m := range memories {
		metadataJSON, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite: failed to marshal metadata: %w", err)
		}

		var embeddingJSON interface{}
		if len(m.Embedding) > 0 {
			raw, err := json.Marshal(m.Embedding)
			if err != nil {
				return fmt.Errorf("sqlite: failed to marshal embedding: %w", err)
			}
			embeddingJSON = string(raw)
		}

		var expiresAt interface{}
		var expiresAtTs interface{}
		if m.ExpiresAt != nil {
			expiresAt = m.ExpiresAt.UTC()
			expiresAtTs = m.ExpiresAt.UnixMilli()
		}

		var syncedAt interface{}
		if m.SyncedAt != nil {
			syncedAt = m.SyncedAt.UTC()
		}

		_, err = tx.ExecContext(ctx, upsertSQL,
			m.ID, m.ProjectID, string(m.Category), string(m.Scope),
			nullableString(m.OwnerID), nullableString(m.ConversationID),
			m.Content, string(metadataJSON),
			m.CreatedAt.UTC(), m.CreatedAtTs, m.UpdatedAt.UTC(),
			expiresAt, expiresAtTs, embeddingJSON,
			string(m.SyncStatus), syncedAt, nullableString(m.LastError),
		)
		if err != nil {
			return fmt.Errorf("sqlite: failed to upsert memory %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit batch: %w", err)
	}
	return nil
}

// GetByIDs retrieves rows by id within one project.
func (s *Store) GetByIDs(ctx context.Context, projectID string, ids []string) ([]*types.Memory, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", storage.ErrInvalidInput)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM memories WHERE project_id = ? AND id IN (%s)`,
		memoryColumns, placeholders(len(ids)))

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, projectID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: GetByIDs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows)
}

// List retrieves project-scoped rows ordered by creation time descending.
func (s *Store) List(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("%w: project id is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	where := []string{"project_id = ?"}
	args := []interface{}{opts.ProjectID}

	if len(opts.Categories) > 0 {
		where = append(where, fmt.Sprintf("category IN (%s)", placeholders(len(opts.Categories))))
		for _, c := range opts.Categories {
			args = append(args, string(c))
		}
	}
	if opts.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, string(opts.Scope))
	}
	if opts.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, opts.OwnerID)
	}
	if opts.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, opts.ConversationID)
	}

	query := fmt.Sprintf(`SELECT %s FROM memories WHERE %s ORDER BY created_at_ts DESC LIMIT ?`,
		memoryColumns, strings.Join(where, " AND "))
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: List: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows)
}

// ListBySyncStatus retrieves rows in the given replication states,
// oldest first.
func (s *Store) ListBySyncStatus(ctx context.Context, statuses []types.SyncStatus, limit int) ([]*types.Memory, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit < 1 {
		limit = 100
	}

	query := fmt.Sprintf(`SELECT %s FROM memories WHERE sync_status IN (%s) ORDER BY created_at_ts ASC LIMIT ?`,
		memoryColumns, placeholders(len(statuses)))

	args := make([]interface{}, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: ListBySyncStatus: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMemories(rows)
}

// UpdateSyncStatus records an index replication outcome on existing rows.
func (s *Store) UpdateSyncStatus(ctx context.Context, ids []string, status types.SyncStatus, syncedAt *time.Time, lastError string) error {
	if len(ids) == 0 {
		return nil
	}

	var syncedAtVal interface{}
	if syncedAt != nil {
		syncedAtVal = syncedAt.UTC()
	}

	query := fmt.Sprintf(`UPDATE memories SET sync_status = ?, synced_at = ?, last_error = ? WHERE id IN (%s)`,
		placeholders(len(ids)))

	args := make([]interface{}, 0, len(ids)+3)
	args = append(args, string(status), syncedAtVal, nullableString(lastError))
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: UpdateSyncStatus: %w", err)
	}
	return nil
}

// CountWhere returns the number of rows matching the filter.
func (s *Store) CountWhere(ctx context.Context, f storage.RowFilter) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}

	where, args := rowFilterClause(f)
	query := "SELECT COUNT(*) FROM memories WHERE " + where

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: CountWhere: %w", err)
	}
	return count, nil
}

// DeleteWhere hard-deletes rows matching the filter and returns the
// number removed.
func (s *Store) DeleteWhere(ctx context.Context, f storage.RowFilter) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}

	where, args := rowFilterClause(f)
	query := "DELETE FROM memories WHERE " + where

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: DeleteWhere: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: DeleteWhere rows affected: %w", err)
	}
	return int(n), nil
}

// rowFilterClause compiles a RowFilter into a WHERE clause. ProjectID
// is always the first condition.
func rowFilterClause(f storage.RowFilter) (string, []interface{}) {
	where := []string{"project_id = ?"}
	args := []interface{}{f.ProjectID}

	if len(f.IDs) > 0 {
		where = append(where, fmt.Sprintf("id IN (%s)", placeholders(len(f.IDs))))
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, string(f.Scope))
	}
	if f.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if f.OlderThanTs > 0 {
		where = append(where, "created_at_ts < ?")
		args = append(args, f.OlderThanTs)
	}
	if f.ExpiresBeforeTs > 0 {
		where = append(where, "expires_at_ts IS NOT NULL AND expires_at_ts <= ?")
		args = append(args, f.ExpiresBeforeTs)
	}

	return strings.Join(where, " AND "), args
}

// scanMemories scans all rows into memory records.
func scanMemories(rows *sql.Rows) ([]*types.Memory, error) {
	var memories []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: row iteration: %w", err)
	}
	return memories, nil
}

// scanMemory scans one row in memoryColumns order.
func scanMemory(rows *sql.Rows) (*types.Memory, error) {
	var (
		m              types.Memory
		category       string
		scope          string
		ownerID        sql.NullString
		conversationID sql.NullString
		metadataJSON   sql.NullString
		expiresAt      sql.NullTime
		expiresAtTs    sql.NullInt64
		embeddingJSON  sql.NullString
		syncStatus     string
		syncedAt       sql.NullTime
		lastError      sql.NullString
	)

	err := rows.Scan(
		&m.ID, &m.ProjectID, &category, &scope, &ownerID, &conversationID,
		&m.Content, &metadataJSON, &m.CreatedAt, &m.CreatedAtTs, &m.UpdatedAt,
		&expiresAt, &expiresAtTs, &embeddingJSON, &syncStatus, &syncedAt, &lastError,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan memory: %w", err)
	}

	m.Category = types.Category(category)
	m.Scope = types.Scope(scope)
	m.OwnerID = ownerID.String
	m.ConversationID = conversationID.String
	m.SyncStatus = types.SyncStatus(syncStatus)
	m.LastError = lastError.String

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal metadata for %s: %w", m.ID, err)
		}
	}
	if embeddingJSON.Valid && embeddingJSON.String != "" {
		if err := json.Unmarshal([]byte(embeddingJSON.String), &m.Embedding); err != nil {
			return nil, fmt.Errorf("sqlite: failed to unmarshal embedding for %s: %w", m.ID, err)
		}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		m.ExpiresAt = &t
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		m.SyncedAt = &t
	}

	return &m, nil
}

// placeholders returns n comma-separated SQL placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// nullableString converts an empty string to NULL.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Compile-time assertion that Store satisfies the durable store contract.
var _ storage.DurableStore = (*Store)(nil)
