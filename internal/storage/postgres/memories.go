package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/engramdev/engram/internal/identity"
	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/types"
)

// memoryColumns is the canonical select list for full memory rows. The
// embedding is deliberately absent: row reads never need it and it dominates
// the wire size.
const memoryColumns = `id, content, category_path::text, supersedes_id, archived_at, verify_after, metadata, created_at, updated_at, last_accessed_at`

func scanMemory(row pgx.Row) (*types.Memory, error) {
	var m types.Memory
	err := row.Scan(
		&m.ID, &m.Content, &m.CategoryPath, &m.SupersedesID, &m.ArchivedAt,
		&m.VerifyAfter, &m.Metadata, &m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMemories(rows pgx.Rows) ([]*types.Memory, error) {
	defer rows.Close()
	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMemory returns a memory by id regardless of lifecycle state. Callers
// that only want active rows check IsActive on the result.
func (q queries) GetMemory(ctx context.Context, id uuid.UUID) (*types.Memory, error) {
	m, err := scanMemory(q.db.QueryRow(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(fmt.Errorf("get memory: %w", err))
	}
	return m, nil
}

func (q queries) MemoryExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM memories WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("memory exists: %w", err)
	}
	return exists, nil
}

// NearestActiveNeighbor returns the closest active memory inside the given
// category subtree by cosine distance, or nil when the subtree holds nothing.
func (q queries) NearestActiveNeighbor(ctx context.Context, embedding pgvector.Vector, categoryPath string) (*types.Neighbor, error) {
	var n types.Neighbor
	err := q.db.QueryRow(ctx, `
		SELECT id, content, 1 - (embedding <=> $1) AS similarity
		FROM memories
		WHERE supersedes_id IS NULL
		  AND archived_at IS NULL
		  AND category_path <@ $2::ltree
		ORDER BY embedding <=> $1
		LIMIT 1
	`, embedding, categoryPath).Scan(&n.ID, &n.Content, &n.Similarity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nearest neighbor: %w", err)
	}
	return &n, nil
}

// TopTaxonomyPaths lists the most populated active paths, most first. The
// pipeline injects these into the segmenter prompt so the model reuses
// established branches instead of inventing parallel ones.
func (q queries) TopTaxonomyPaths(ctx context.Context, limit int) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		SELECT category_path::text
		FROM memories
		WHERE supersedes_id IS NULL AND archived_at IS NULL
		GROUP BY category_path
		ORDER BY COUNT(*) DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("top taxonomy paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("top taxonomy paths: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// CategoryCounts returns active path counts, optionally restricted to a
// subtree (empty root means everything). Rows come back most populated
// first; callers needing path order re-sort.
func (q queries) CategoryCounts(ctx context.Context, root string) ([]types.CategoryCount, error) {
	rows, err := q.db.Query(ctx, `
		SELECT category_path::text, COUNT(*)
		FROM memories
		WHERE supersedes_id IS NULL AND archived_at IS NULL
		  AND ($1 = '' OR category_path <@ $1::ltree)
		GROUP BY category_path
		ORDER BY COUNT(*) DESC, category_path ASC
	`, root)
	if err != nil {
		return nil, fmt.Errorf("category counts: %w", err)
	}
	defer rows.Close()

	var out []types.CategoryCount
	for rows.Next() {
		var c types.CategoryCount
		if err := rows.Scan(&c.Path, &c.Count); err != nil {
			return nil, fmt.Errorf("category counts: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListMemories returns rows under a subtree ordered by path then creation
// time, the shape the exporter wants. Historical rows (superseded or
// archived) are excluded unless asked for.
func (q queries) ListMemories(ctx context.Context, root string, includeHistorical bool) ([]*types.Memory, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE ($1 = '' OR category_path <@ $1::ltree)
		  AND ($2 OR (supersedes_id IS NULL AND archived_at IS NULL))
		ORDER BY category_path ASC, created_at ASC
	`, root, includeHistorical)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	out, err := collectMemories(rows)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	return out, nil
}

// UpsertMemory inserts the row, or refreshes updated_at when the id already
// exists. The returned flag reports a fresh insert: xmax is zero only for
// rows created by the current transaction, so the conflict branch reads
// true/false without a second round trip.
func (q queries) UpsertMemory(ctx context.Context, m *types.Memory) (bool, error) {
	var inserted bool
	err := q.db.QueryRow(ctx, `
		INSERT INTO memories (id, content, embedding, category_path, supersedes_id, verify_after, metadata, created_at, updated_at, last_accessed_at)
		VALUES ($1, $2, $3, $4::ltree, $5, $6, COALESCE($7, '{}'::jsonb), $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)
	`, m.ID, m.Content, m.Embedding, m.CategoryPath, m.SupersedesID, m.VerifyAfter,
		m.Metadata, m.CreatedAt, m.UpdatedAt, m.LastAccessedAt).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert memory: %w", err)
	}
	return inserted, nil
}

// MarkSuperseded points the old record at its replacement. Missing old rows
// are tolerated: the neighbour was read in an earlier transaction and may
// have been deleted since.
func (q queries) MarkSuperseded(ctx context.Context, oldID, newID uuid.UUID, at time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE memories SET supersedes_id = $1, updated_at = $2 WHERE id = $3
	`, newID, at, oldID)
	if err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	return nil
}

// RewireEdges moves every edge touching old onto new: copy outgoing, copy
// incoming, then drop the originals. Inserting before deleting under
// ON CONFLICT DO NOTHING avoids unique violations when new already carries
// an equivalent edge.
func (q queries) RewireEdges(ctx context.Context, oldID, newID uuid.UUID) error {
	if _, err := q.db.Exec(ctx, `
		INSERT INTO memory_edges (source_id, target_id, relation_type)
		SELECT $1, target_id, relation_type FROM memory_edges WHERE source_id = $2
		ON CONFLICT (source_id, target_id, relation_type) DO NOTHING
	`, newID, oldID); err != nil {
		return fmt.Errorf("rewire outgoing edges: %w", err)
	}
	if _, err := q.db.Exec(ctx, `
		INSERT INTO memory_edges (source_id, target_id, relation_type)
		SELECT source_id, $1, relation_type FROM memory_edges WHERE target_id = $2
		ON CONFLICT (source_id, target_id, relation_type) DO NOTHING
	`, newID, oldID); err != nil {
		return fmt.Errorf("rewire incoming edges: %w", err)
	}
	if _, err := q.db.Exec(ctx, `
		DELETE FROM memory_edges WHERE source_id = $1 OR target_id = $1
	`, oldID); err != nil {
		return fmt.Errorf("drop superseded edges: %w", err)
	}
	return nil
}

func (q queries) InsertEdge(ctx context.Context, e types.Edge) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO memory_edges (source_id, target_id, relation_type)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, e.SourceID, e.TargetID, e.Relation)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

// LinkRelated connects a fresh memory to active peers that share its exact
// category path or clear the similarity threshold, best matches first with
// id as the tiebreak so repeated runs pick the same set. Returns the number
// of edges created.
func (q queries) LinkRelated(ctx context.Context, id uuid.UUID, embedding pgvector.Vector, categoryPath string, threshold float64, limit int) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO memory_edges (source_id, target_id, relation_type)
		SELECT $1, id, 'relates_to'
		FROM memories
		WHERE id != $1
		  AND supersedes_id IS NULL
		  AND archived_at IS NULL
		  AND (category_path::text = $3 OR 1 - (embedding <=> $2) > $4)
		ORDER BY 1 - (embedding <=> $2) DESC, id ASC
		LIMIT $5
		ON CONFLICT DO NOTHING
	`, id, embedding, categoryPath, threshold, limit)
	if err != nil {
		return 0, fmt.Errorf("link related: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q queries) TouchMemory(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := q.db.Exec(ctx, `
		UPDATE memories SET last_accessed_at = $1 WHERE id = $2
	`, at, id); err != nil {
		return fmt.Errorf("touch memory: %w", err)
	}
	return nil
}

func (q queries) TouchMemories(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := q.db.Exec(ctx, `
		UPDATE memories SET last_accessed_at = $1 WHERE id = ANY($2)
	`, at, ids); err != nil {
		return fmt.Errorf("touch memories: %w", err)
	}
	return nil
}

// UpdateMemoryContent replaces a record's text in place, preserving its
// identity, category, edges, and history. The lexical column regenerates
// itself from the new content.
func (q queries) UpdateMemoryContent(ctx context.Context, id uuid.UUID, content string, embedding pgvector.Vector, verifyAfter *time.Time, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE memories
		SET content = $2, embedding = $3, verify_after = $4, updated_at = $5
		WHERE id = $1
	`, id, content, embedding, verifyAfter, at)
	if err != nil {
		return fmt.Errorf("update memory content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MergeMemoryMetadata shallow-merges the patch into the active record's
// metadata and returns the merged document. Keys absent from the patch are
// preserved.
func (q queries) MergeMemoryMetadata(ctx context.Context, id uuid.UUID, patch types.Metadata, at time.Time) (types.Metadata, error) {
	var merged types.Metadata
	err := q.db.QueryRow(ctx, `
		UPDATE memories SET metadata = metadata || COALESCE($2::jsonb, '{}'::jsonb), updated_at = $3
		WHERE id = $1 AND supersedes_id IS NULL AND archived_at IS NULL
		RETURNING metadata
	`, id, patch, at).Scan(&merged)
	if err != nil {
		return nil, notFound(fmt.Errorf("merge metadata: %w", err))
	}
	return merged, nil
}

func (q queries) SetCategoryPath(ctx context.Context, id uuid.UUID, path string, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE memories SET category_path = $2::ltree, updated_at = $3 WHERE id = $1
	`, id, path, at)
	if err != nil {
		return fmt.Errorf("set category path: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetVerifyAfter advances the verification deadline of an active record
// without touching its content or history.
func (q queries) SetVerifyAfter(ctx context.Context, id uuid.UUID, verifyAfter *time.Time, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE memories SET verify_after = $2, updated_at = $3
		WHERE id = $1 AND supersedes_id IS NULL AND archived_at IS NULL
	`, id, verifyAfter, at)
	if err != nil {
		return fmt.Errorf("set verify after: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteMemoryChain removes the record along with every chunk reachable over
// sequence_next edges in either direction, so a document never survives as
// disconnected fragments. Edges cascade with the rows. Returns the number of
// memories deleted.
func (q queries) DeleteMemoryChain(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		WITH RECURSIVE backward AS (
			SELECT id FROM memories WHERE id = $1
			UNION
			SELECT e.source_id FROM memory_edges e
			INNER JOIN backward b ON b.id = e.target_id
			WHERE e.relation_type = 'sequence_next'
		),
		forward AS (
			SELECT id FROM memories WHERE id = $1
			UNION
			SELECT e.target_id FROM memory_edges e
			INNER JOIN forward f ON f.id = e.source_id
			WHERE e.relation_type = 'sequence_next'
		),
		chunk_chain AS (
			SELECT id FROM backward
			UNION
			SELECT id FROM forward
		)
		DELETE FROM memories m USING chunk_chain c WHERE m.id = c.id
	`, id)
	if err != nil {
		return 0, fmt.Errorf("delete memory chain: %w", err)
	}
	return tag.RowsAffected(), nil
}

// BulkMoveCategory rewrites every active path under oldPrefix to sit under
// newPrefix, keeping the per-record suffix and the global depth cap. The
// primer is pinned to its path and never moves. subpath errors on an empty
// range, hence the CASE for rows sitting exactly at the old prefix.
func (q queries) BulkMoveCategory(ctx context.Context, oldPrefix, newPrefix string, at time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE memories m
		SET category_path = subltree(moved.path, 0, LEAST(nlevel(moved.path), $4)),
		    updated_at = $3
		FROM (
			SELECT id, $2::ltree || CASE
				WHEN nlevel(category_path) > nlevel($1::ltree)
				THEN subpath(category_path, nlevel($1::ltree))
				ELSE ''::ltree
			END AS path
			FROM memories
			WHERE category_path <@ $1::ltree
			  AND supersedes_id IS NULL
			  AND archived_at IS NULL
			  AND category_path != 'reference.system.primer'::ltree
		) moved
		WHERE m.id = moved.id
	`, oldPrefix, newPrefix, at, identity.MaxPathDepth)
	if err != nil {
		return 0, fmt.Errorf("bulk move category: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LockCategoryRoot takes a transaction-scoped advisory lock keyed by the L1
// taxonomy root, serializing ingest batches that write into the same branch.
// Released automatically on commit or rollback.
func (q queries) LockCategoryRoot(ctx context.Context, root string) error {
	if _, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, root); err != nil {
		return fmt.Errorf("lock category root: %w", err)
	}
	return nil
}
