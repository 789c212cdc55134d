package postgres

// Schema is applied in full on every startup. Every statement is idempotent
// (IF NOT EXISTS), so a restart against an existing database is a no-op.
// The embedding column dimension is interpolated from config, which is why
// this lives in a format string rather than static migration files: the
// column type itself depends on the configured model.
const schemaTemplate = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS ltree;

CREATE TABLE IF NOT EXISTS memories (
    id               UUID PRIMARY KEY,
    content          TEXT NOT NULL,
    embedding        vector(%d),
    category_path    LTREE NOT NULL,
    supersedes_id    UUID,
    archived_at      TIMESTAMPTZ,
    verify_after     TIMESTAMPTZ,
    metadata         JSONB NOT NULL DEFAULT '{}'::jsonb,
    lexical_search   TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_accessed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_memories_category_path ON memories USING GIST (category_path);
CREATE INDEX IF NOT EXISTS idx_memories_lexical ON memories USING GIN (lexical_search);
CREATE INDEX IF NOT EXISTS idx_memories_embedding ON memories
    USING hnsw (embedding vector_cosine_ops) WITH (m = 24, ef_construction = 100);
CREATE INDEX IF NOT EXISTS idx_memories_verify_after ON memories (verify_after)
    WHERE verify_after IS NOT NULL;

CREATE TABLE IF NOT EXISTS memory_edges (
    source_id     UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    target_id     UUID NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    relation_type TEXT NOT NULL,
    PRIMARY KEY (source_id, target_id, relation_type)
);

CREATE TABLE IF NOT EXISTS ingestion_staging (
    job_id     UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    raw_text   TEXT NOT NULL,
    ttl_days   INT,
    status     TEXT NOT NULL DEFAULT 'pending',
    error      TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_staging_status_created ON ingestion_staging (status, created_at);

CREATE TABLE IF NOT EXISTS context_store (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    scope      TEXT NOT NULL DEFAULT 'session',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_context_expires ON context_store (expires_at);

CREATE TABLE IF NOT EXISTS primer_cache (
    cache_key  TEXT PRIMARY KEY,
    content    TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// For vector columns atttypmod stores the declared dimension directly.
const dimensionQuery = `
SELECT atttypmod FROM pg_attribute
WHERE attrelid = 'memories'::regclass AND attname = 'embedding'
`
