// Package postgres provides a PostgreSQL implementation of the durable
// store for multi-tenant deployments.
package postgres

// Schema contains the SQL statements to create the memories table.
// All statements are idempotent. The embedding is kept as JSONB so the
// row is complete even on servers without the pgvector extension; the
// pgvector migration below adds an optional typed copy.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    category TEXT NOT NULL,
    scope TEXT NOT NULL,
    owner_id TEXT,
    conversation_id TEXT,
    content TEXT NOT NULL,
    metadata JSONB,

    created_at TIMESTAMPTZ NOT NULL,
    created_at_ts BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ,
    expires_at_ts BIGINT,

    embedding JSONB,

    sync_status TEXT NOT NULL DEFAULT 'pending',
    synced_at TIMESTAMPTZ,
    last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project_id);
CREATE INDEX IF NOT EXISTS idx_memories_project_category ON memories(project_id, category);
CREATE INDEX IF NOT EXISTS idx_memories_project_created ON memories(project_id, created_at_ts DESC);
CREATE INDEX IF NOT EXISTS idx_memories_sync_status ON memories(sync_status);
CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at_ts);
`

// MigrationPgvector adds a typed vector copy of the embedding when the
// pgvector extension is available. Applied only after CREATE EXTENSION
// succeeds.
const MigrationPgvector = `
ALTER TABLE memories ADD COLUMN IF NOT EXISTS embedding_vec vector;
`
