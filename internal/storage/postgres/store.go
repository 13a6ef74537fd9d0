package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/muselabs/mnemo/internal/storage"
	"github.com/muselabs/mnemo/pkg/types"
)

const memoryColumns = `id, project_id, category, scope, owner_id, conversation_id,
	content, metadata, created_at, created_at_ts, updated_at, expires_at, expires_at_ts,
	embedding, sync_status, synced_at, last_error`

// Store is a PostgreSQL-backed durable store.
type Store struct {
	db       *sql.DB
	pgvector bool
}

// NewStore opens a connection pool against dsn and ensures the schema
// exists. The pgvector extension is enabled when the server allows it;
// otherwise embeddings are kept only in the JSONB column.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: schema: %w", err)
	}

	s := &Store{db: db}

	if _, err := db.Exec(`CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		log.Printf("postgres: pgvector extension unavailable, storing embeddings as JSONB only: %v", err)
	} else if _, err := db.Exec(MigrationPgvector); err != nil {
		log.Printf("postgres: pgvector migration failed: %v", err)
	} else {
		s.pgvector = true
	}

	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertBatch writes all memories in a single transaction. Either every
// row lands or none do. Existing rows are replaced by id.
func (s *Store) UpsertBatch(ctx context.Context, memories []*types.Memory) error {
	if len(memories) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO memories (` + memoryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			category = EXCLUDED.category,
			scope = EXCLUDED.scope,
			owner_id = EXCLUDED.owner_id,
			conversation_id = EXCLUDED.conversation_id,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at,
			created_at_ts = EXCLUDED.created_at_ts,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at,
			expires_at_ts = EXCLUDED.expires_at_ts,
			embedding = EXCLUDED.embedding,
			sync_status = EXCLUDED.sync_status,
			synced_at = EXCLUDED.synced_at,
			last_error = EXCLUDED.last_error`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("postgres: prepare upsert: %w", err)
	}
	defer stmt.Close()

	var vecStmt *sql.Stmt
	if s.pgvector {
		vecStmt, err = tx.PrepareContext(ctx,
			`UPDATE memories SET embedding_vec = $2 WHERE id = $1`)
		if err != nil {
			return fmt.Errorf("postgres: prepare vector update: %w", err)
		}
		defer vecStmt.Close()
	}

	for _, m := range memories {
		metadata, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("postgres: marshal metadata for %s: %w", m.ID, err)
		}

		var embedding any
		if len(m.Embedding) > 0 {
			raw, err := json.Marshal(m.Embedding)
			if err != nil {
				return fmt.Errorf("postgres: marshal embedding for %s: %w", m.ID, err)
			}
			embedding = raw
		}

		var expiresAt any
		var expiresAtTs any
		if m.ExpiresAt != nil {
			expiresAt = *m.ExpiresAt
			expiresAtTs = m.ExpiresAt.UnixMilli()
		}

		_, err = stmt.ExecContext(ctx,
			m.ID, m.ProjectID, string(m.Category), string(m.Scope),
			nullableString(m.OwnerID), nullableString(m.ConversationID),
			m.Content, metadata,
			m.CreatedAt, m.CreatedAtTs, m.UpdatedAt, expiresAt, expiresAtTs,
			embedding, string(m.SyncStatus), nullableTime(m.SyncedAt),
			nullableString(m.LastError),
		)
		if err != nil {
			return fmt.Errorf("postgres: upsert %s: %w", m.ID, err)
		}

		if vecStmt != nil && len(m.Embedding) > 0 {
			if _, err := vecStmt.ExecContext(ctx, m.ID, pgvector.NewVector(m.Embedding)); err != nil {
				return fmt.Errorf("postgres: vector update %s: %w", m.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// GetByIDs fetches memories by id within a project. Ids that do not
// exist or belong to another project are silently absent.
func (s *Store) GetByIDs(ctx context.Context, projectID string, ids []string) ([]*types.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + memoryColumns + ` FROM memories
		WHERE project_id = $1 AND id = ANY($2)`

	rows, err := s.db.QueryContext(ctx, query, projectID, pqStringArray(ids))
	if err != nil {
		return nil, fmt.Errorf("postgres: get by ids: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// List returns memories matching opts, newest first.
func (s *Store) List(ctx context.Context, opts storage.ListOptions) ([]*types.Memory, error) {
	opts.Normalize()

	var where []string
	var args []any
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	where = append(where, "project_id = "+arg(opts.ProjectID))
	if len(opts.Categories) > 0 {
		cats := make([]string, len(opts.Categories))
		for i, c := range opts.Categories {
			cats[i] = string(c)
		}
		where = append(where, "category = ANY("+arg(pqStringArray(cats))+")")
	}
	if opts.Scope != "" {
		where = append(where, "scope = "+arg(string(opts.Scope)))
	}
	if opts.OwnerID != "" {
		where = append(where, "owner_id = "+arg(opts.OwnerID))
	}
	if opts.ConversationID != "" {
		where = append(where, "conversation_id = "+arg(opts.ConversationID))
	}

	query := `SELECT ` + memoryColumns + ` FROM memories
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at_ts DESC
		LIMIT ` + arg(opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// ListBySyncStatus returns up to limit memories in any of the given
// replication states, oldest first so retries drain in order.
func (s *Store) ListBySyncStatus(ctx context.Context, statuses []types.SyncStatus, limit int) ([]*types.Memory, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	ss := make([]string, len(statuses))
	for i, st := range statuses {
		ss[i] = string(st)
	}

	query := `SELECT ` + memoryColumns + ` FROM memories
		WHERE sync_status = ANY($1)
		ORDER BY created_at_ts ASC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, pqStringArray(ss), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list by sync status: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// UpdateSyncStatus records the outcome of an index write for the given ids.
func (s *Store) UpdateSyncStatus(ctx context.Context, ids []string, status types.SyncStatus, syncedAt *time.Time, lastError string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET sync_status = $1, synced_at = $2, last_error = $3 WHERE id = ANY($4)`,
		string(status), nullableTime(syncedAt), nullableString(lastError), pqStringArray(ids))
	if err != nil {
		return fmt.Errorf("postgres: update sync status: %w", err)
	}
	return nil
}

// CountWhere returns the number of rows matching the filter.
func (s *Store) CountWhere(ctx context.Context, f storage.RowFilter) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}

	clause, args := rowFilterClause(f)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE `+clause, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count: %w", err)
	}
	return count, nil
}

// DeleteWhere removes rows matching the filter and reports how many
// were removed. Deleting nothing is not an error.
func (s *Store) DeleteWhere(ctx context.Context, f storage.RowFilter) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}

	clause, args := rowFilterClause(f)
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE `+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: rows affected: %w", err)
	}
	return int(affected), nil
}

// TruncateForTest removes all rows. Used by integration tests only.
func (s *Store) TruncateForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE memories`)
	return err
}

func rowFilterClause(f storage.RowFilter) (string, []any) {
	var where []string
	var args []any
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	where = append(where, "project_id = "+arg(f.ProjectID))
	if len(f.IDs) > 0 {
		where = append(where, "id = ANY("+arg(pqStringArray(f.IDs))+")")
	}
	if f.Category != "" {
		where = append(where, "category = "+arg(string(f.Category)))
	}
	if f.Scope != "" {
		where = append(where, "scope = "+arg(string(f.Scope)))
	}
	if f.ConversationID != "" {
		where = append(where, "conversation_id = "+arg(f.ConversationID))
	}
	if f.OlderThanTs > 0 {
		where = append(where, "created_at_ts < "+arg(f.OlderThanTs))
	}
	if f.ExpiresBeforeTs > 0 {
		where = append(where, "expires_at_ts IS NOT NULL AND expires_at_ts <= "+arg(f.ExpiresBeforeTs))
	}

	return strings.Join(where, " AND "), args
}

func scanMemories(rows *sql.Rows) ([]*types.Memory, error) {
	var memories []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func scanMemory(rows *sql.Rows) (*types.Memory, error) {
	var m types.Memory
	var category, scope, syncStatus string
	var ownerID, conversationID, lastError sql.NullString
	var metadata, embedding []byte
	var expiresAt, syncedAt sql.NullTime
	var expiresAtTs sql.NullInt64

	err := rows.Scan(
		&m.ID, &m.ProjectID, &category, &scope, &ownerID, &conversationID,
		&m.Content, &metadata, &m.CreatedAt, &m.CreatedAtTs, &m.UpdatedAt,
		&expiresAt, &expiresAtTs, &embedding, &syncStatus, &syncedAt, &lastError,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan: %w", err)
	}

	m.Category = types.Category(category)
	m.Scope = types.Scope(scope)
	m.SyncStatus = types.SyncStatus(syncStatus)
	m.OwnerID = ownerID.String
	m.ConversationID = conversationID.String
	m.LastError = lastError.String

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal metadata for %s: %w", m.ID, err)
		}
	}
	if len(embedding) > 0 {
		if err := json.Unmarshal(embedding, &m.Embedding); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal embedding for %s: %w", m.ID, err)
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

func pqStringArray(ss []string) any {
	return pq.Array(ss)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

var _ storage.DurableStore = (*Store)(nil)
