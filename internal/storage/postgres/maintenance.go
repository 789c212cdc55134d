package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/engramdev/engram/internal/types"
)

// ArchiveExpiredTTL soft-deletes active rows whose metadata ttl_days has
// elapsed since the last update. Archived rows drop out of every active
// read but survive for the hard-delete grace window.
func (q queries) ArchiveExpiredTTL(ctx context.Context, at time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE memories
		SET archived_at = $1
		WHERE archived_at IS NULL
		  AND metadata->>'ttl_days' IS NOT NULL
		  AND $1 > updated_at + (metadata->>'ttl_days')::int * INTERVAL '1 day'
	`, at)
	if err != nil {
		return 0, fmt.Errorf("archive expired ttl: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HardDeleteArchived permanently removes rows archived more than 30 days
// ago. Edges cascade with the rows.
func (q queries) HardDeleteArchived(ctx context.Context) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM memories WHERE archived_at IS NOT NULL AND archived_at < NOW() - INTERVAL '30 days'
	`)
	if err != nil {
		return 0, fmt.Errorf("hard delete archived: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeStaging clears finished staging rows older than the retention window.
func (q queries) PurgeStaging(ctx context.Context, retentionDays int) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM ingestion_staging
		WHERE status IN ('complete', 'failed') AND created_at < NOW() - INTERVAL '1 day' * $1
	`, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("purge staging: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (q queries) PurgeExpiredContext(ctx context.Context) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM context_store WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired context: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneHistory drops superseded records whose last update is older than the
// given age. Supersession chains queried afterwards simply end earlier.
func (q queries) PruneHistory(ctx context.Context, olderThanDays int) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM memories
		WHERE supersedes_id IS NOT NULL AND updated_at < NOW() - INTERVAL '1 day' * $1
	`, olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// IntegrityStats gathers the invariant counters that diagnostics report on.
// The edge FK cascades keep OrphanedEdges at zero in a healthy database; a
// nonzero count means the schema was tampered with outside this process.
func (q queries) IntegrityStats(ctx context.Context) (*types.IntegrityStats, error) {
	var st types.IntegrityStats
	err := q.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE supersedes_id IS NULL AND archived_at IS NULL),
			COUNT(*) FILTER (WHERE archived_at IS NOT NULL),
			COUNT(*) FILTER (WHERE supersedes_id IS NULL AND archived_at IS NULL AND verify_after < NOW()),
			COUNT(*) FILTER (WHERE supersedes_id IS NULL AND archived_at IS NULL AND category_path = $1::ltree),
			COUNT(*) FILTER (WHERE supersedes_id IS NULL AND archived_at IS NULL AND NOT (
				category_path <@ 'profile'::ltree
				OR category_path <@ 'projects'::ltree
				OR category_path <@ 'organizations'::ltree
				OR category_path <@ 'concepts'::ltree
				OR category_path <@ 'reference'::ltree))
		FROM memories
	`, primerPath).Scan(&st.ActiveMemories, &st.ArchivedMemories, &st.OverdueVerifications,
		&st.ActivePrimers, &st.L1RootViolations)
	if err != nil {
		return nil, fmt.Errorf("integrity stats: %w", err)
	}

	err = q.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM memory_edges e
		WHERE NOT EXISTS (SELECT 1 FROM memories m WHERE m.id = e.source_id)
		   OR NOT EXISTS (SELECT 1 FROM memories m WHERE m.id = e.target_id)
	`).Scan(&st.OrphanedEdges)
	if err != nil {
		return nil, fmt.Errorf("integrity stats: orphaned edges: %w", err)
	}

	var dim int
	if err := q.db.QueryRow(ctx, dimensionQuery).Scan(&dim); err != nil {
		return nil, fmt.Errorf("integrity stats: embedding dimension: %w", err)
	}
	st.EmbeddingDim = dim
	return &st, nil
}
