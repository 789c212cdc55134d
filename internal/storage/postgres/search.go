package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/types"
)

// hybridSearchQuery fuses two retrieval channels with reciprocal rank fusion:
// cosine ANN over the embedding column and websearch-parsed tsquery rank over
// the generated lexical column. A memory missing from one channel contributes
// zero from that side. The trailing laterals pull one active predecessor and
// successor over sequence_next so each hit carries local document context.
const hybridSearchQuery = `
WITH semantic_search AS (
    SELECT id, 1 - (embedding <=> $1) AS semantic_score,
           row_number() OVER (ORDER BY embedding <=> $1) AS semantic_rank
    FROM memories
    WHERE supersedes_id IS NULL AND archived_at IS NULL
      AND ($4 = '' OR category_path <@ $4::ltree)
    ORDER BY embedding <=> $1 LIMIT $2
),
keyword_search AS (
    SELECT id, ts_rank_cd(lexical_search, websearch_to_tsquery('english', $3)) AS keyword_score,
           row_number() OVER (ORDER BY ts_rank_cd(lexical_search, websearch_to_tsquery('english', $3)) DESC) AS keyword_rank
    FROM memories
    WHERE supersedes_id IS NULL AND archived_at IS NULL
      AND ($4 = '' OR category_path <@ $4::ltree)
      AND lexical_search @@ websearch_to_tsquery('english', $3)
    ORDER BY keyword_score DESC LIMIT $2
),
combined AS (
    SELECT m.id, m.content, m.category_path::text AS category_path, m.verify_after,
           m.metadata, m.created_at, m.updated_at,
           COALESCE(s.semantic_score, 0.0) AS semantic_score,
           COALESCE(k.keyword_score, 0.0) AS keyword_score,
           COALESCE(1.0 / (60 + s.semantic_rank), 0.0) + COALESCE(1.0 / (60 + k.keyword_rank), 0.0) AS rrf_score
    FROM memories m
    LEFT JOIN semantic_search s ON m.id = s.id
    LEFT JOIN keyword_search k ON m.id = k.id
    WHERE s.id IS NOT NULL OR k.id IS NOT NULL
    ORDER BY rrf_score DESC LIMIT $2
)
SELECT c.id, c.content, c.category_path, c.verify_after, c.metadata,
       c.created_at, c.updated_at, c.semantic_score, c.keyword_score, c.rrf_score,
       prev_lat.prev_content, next_lat.next_content
FROM combined c
LEFT JOIN LATERAL (
    SELECT p.content AS prev_content
    FROM memory_edges e
    JOIN memories p ON p.id = e.source_id
      AND p.supersedes_id IS NULL AND p.archived_at IS NULL
    WHERE e.target_id = c.id AND e.relation_type = 'sequence_next'
    LIMIT 1
) prev_lat ON true
LEFT JOIN LATERAL (
    SELECT n.content AS next_content
    FROM memory_edges e
    JOIN memories n ON n.id = e.target_id
      AND n.supersedes_id IS NULL AND n.archived_at IS NULL
    WHERE e.source_id = c.id AND e.relation_type = 'sequence_next'
    LIMIT 1
) next_lat ON true
ORDER BY c.rrf_score DESC
`

// HybridSearch runs the fused semantic+keyword query, best first. Results
// carry content already stitched with its sequence neighbours; expiry
// flagging, access touching, and final ordering belong to the caller.
func (q queries) HybridSearch(ctx context.Context, embedding pgvector.Vector, query, categoryPath string, limit int) ([]*types.SearchResult, error) {
	rows, err := q.db.Query(ctx, hybridSearchQuery, embedding, limit, query, categoryPath)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	defer rows.Close()

	var out []*types.SearchResult
	for rows.Next() {
		var (
			r          types.SearchResult
			prev, next *string
		)
		if err := rows.Scan(
			&r.ID, &r.Content, &r.CategoryPath, &r.VerifyAfter, &r.Metadata,
			&r.CreatedAt, &r.UpdatedAt, &r.SemanticScore, &r.KeywordScore, &r.Score,
			&prev, &next,
		); err != nil {
			return nil, fmt.Errorf("hybrid search: %w", err)
		}
		if prev != nil {
			r.Content = "..." + *prev + "\n\n" + r.Content
		}
		if next != nil {
			r.Content = r.Content + "\n\n" + *next + "..."
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// documentChunksQuery walks sequence_next both ways from the anchor chunk,
// bounded at 200 hops per direction. Chunks reachable on both sides keep
// their backward (non-positive) position via DISTINCT ON, and the signed
// position orders the reassembled document.
const documentChunksQuery = `
WITH RECURSIVE backward AS (
    SELECT m.id, m.content, m.category_path::text, 0 AS depth
    FROM memories m
    WHERE m.id = $1 AND m.supersedes_id IS NULL AND m.archived_at IS NULL
  UNION ALL
    SELECT m.id, m.content, m.category_path::text, b.depth + 1
    FROM backward b
    JOIN memory_edges e ON e.target_id = b.id AND e.relation_type = 'sequence_next'
    JOIN memories m ON m.id = e.source_id
    WHERE m.supersedes_id IS NULL
      AND m.archived_at IS NULL
      AND b.depth < 200
),
forward AS (
    SELECT m.id, m.content, m.category_path::text, 0 AS depth
    FROM memories m
    WHERE m.id = $1 AND m.supersedes_id IS NULL AND m.archived_at IS NULL
  UNION ALL
    SELECT m.id, m.content, m.category_path::text, f.depth + 1
    FROM forward f
    JOIN memory_edges e ON e.source_id = f.id AND e.relation_type = 'sequence_next'
    JOIN memories m ON m.id = e.target_id
    WHERE m.supersedes_id IS NULL
      AND m.archived_at IS NULL
      AND f.depth < 200
),
combined AS (
    SELECT id, content, category_path, -depth AS sort_key FROM backward
    UNION ALL
    SELECT id, content, category_path, depth AS sort_key FROM forward WHERE depth > 0
),
deduped AS (
    SELECT DISTINCT ON (id) id, content, category_path, sort_key
    FROM combined
    ORDER BY id, sort_key
)
SELECT id, content, category_path, sort_key
FROM deduped
ORDER BY sort_key
`

// DocumentChunks returns the full active chunk chain containing id, in
// document order. ErrNotFound when the anchor is missing, superseded, or
// archived.
func (q queries) DocumentChunks(ctx context.Context, id uuid.UUID) ([]types.DocumentChunk, error) {
	rows, err := q.db.Query(ctx, documentChunksQuery, id)
	if err != nil {
		return nil, fmt.Errorf("document chunks: %w", err)
	}
	defer rows.Close()

	var out []types.DocumentChunk
	for rows.Next() {
		var c types.DocumentChunk
		if err := rows.Scan(&c.ID, &c.Content, &c.CategoryPath, &c.Position); err != nil {
			return nil, fmt.Errorf("document chunks: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, storage.ErrNotFound
	}
	return out, nil
}

// historyChainQuery follows supersedes_id back-pointers from the target,
// bounded at 100 generations. Historical rows are included on purpose: the
// chain is the history.
const historyChainQuery = `
WITH RECURSIVE history AS (
    SELECT id, content, supersedes_id, created_at, updated_at, 0 AS generation
    FROM memories
    WHERE id = $1
  UNION ALL
    SELECT m.id, m.content, m.supersedes_id, m.created_at, m.updated_at, h.generation + 1
    FROM memories m
    JOIN history h ON m.supersedes_id = h.id
    WHERE h.generation < 100
)
SELECT id, content, supersedes_id, created_at, updated_at, generation
FROM history
ORDER BY created_at ASC
`

// HistoryChain returns the supersession chain ending at id, oldest first.
// ErrNotFound when the id does not exist at all.
func (q queries) HistoryChain(ctx context.Context, id uuid.UUID) ([]types.HistoryEntry, error) {
	rows, err := q.db.Query(ctx, historyChainQuery, id)
	if err != nil {
		return nil, fmt.Errorf("history chain: %w", err)
	}
	defer rows.Close()

	var out []types.HistoryEntry
	for rows.Next() {
		var h types.HistoryEntry
		if err := rows.Scan(&h.ID, &h.Content, &h.SupersededBy, &h.CreatedAt, &h.UpdatedAt, &h.Generation); err != nil {
			return nil, fmt.Errorf("history chain: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, storage.ErrNotFound
	}
	return out, nil
}
