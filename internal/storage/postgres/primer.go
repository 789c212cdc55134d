package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/engramdev/engram/internal/types"
)

// primerPath is the fixed taxonomy location of the system primer. Exactly
// one active memory lives there at a time.
const primerPath = "reference.system.primer"

// ActivePrimer returns the current system primer, or ErrNotFound before the
// first synthesis.
func (q queries) ActivePrimer(ctx context.Context) (*types.Memory, error) {
	m, err := scanMemory(q.db.QueryRow(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE category_path = $1::ltree
		  AND supersedes_id IS NULL
		  AND archived_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, primerPath))
	if err != nil {
		return nil, notFound(fmt.Errorf("active primer: %w", err))
	}
	return m, nil
}

// SystemReferenceEntries returns the active reference.system.* rows (primer
// included) in creation order. This is the session-initialization payload.
func (q queries) SystemReferenceEntries(ctx context.Context) ([]*types.Memory, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE category_path ~ 'reference.system.*'::lquery
		  AND supersedes_id IS NULL
		  AND archived_at IS NULL
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("system reference entries: %w", err)
	}
	out, err := collectMemories(rows)
	if err != nil {
		return nil, fmt.Errorf("system reference entries: %w", err)
	}
	return out, nil
}

// VerificationDue returns active rows whose verification deadline has
// passed, most overdue first.
func (q queries) VerificationDue(ctx context.Context, limit int) ([]*types.Memory, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE supersedes_id IS NULL
		  AND archived_at IS NULL
		  AND verify_after < NOW()
		ORDER BY verify_after ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("verification due: %w", err)
	}
	out, err := collectMemories(rows)
	if err != nil {
		return nil, fmt.Errorf("verification due: %w", err)
	}
	return out, nil
}

// ProfileContents returns every active profile.* text in path-then-creation
// order, the input to the user-context summarizer.
func (q queries) ProfileContents(ctx context.Context) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		SELECT content FROM memories
		WHERE category_path <@ 'profile'::ltree
		  AND supersedes_id IS NULL
		  AND archived_at IS NULL
		ORDER BY category_path, created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("profile contents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("profile contents: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const profileSummaryCacheKey = "user_context"

// CachedProfileSummary returns the cached user-context prose, or ErrNotFound
// on a cold cache.
func (q queries) CachedProfileSummary(ctx context.Context) (string, error) {
	var content string
	err := q.db.QueryRow(ctx, `
		SELECT content FROM primer_cache WHERE cache_key = $1
	`, profileSummaryCacheKey).Scan(&content)
	if err != nil {
		return "", notFound(fmt.Errorf("cached profile summary: %w", err))
	}
	return content, nil
}

func (q queries) SetCachedProfileSummary(ctx context.Context, summary string, at time.Time) error {
	if _, err := q.db.Exec(ctx, `
		INSERT INTO primer_cache (cache_key, content, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (cache_key) DO UPDATE
			SET content = EXCLUDED.content,
			    updated_at = EXCLUDED.updated_at
	`, profileSummaryCacheKey, summary, at); err != nil {
		return fmt.Errorf("set cached profile summary: %w", err)
	}
	return nil
}

// UpsertPrimer writes the primer row. Unlike UpsertMemory, an id conflict
// restores the row to active: primer content is derived from aggregate
// state and can legitimately cycle back to a version that was superseded
// earlier, which must resurface rather than stay buried.
func (q queries) UpsertPrimer(ctx context.Context, m *types.Memory) error {
	if _, err := q.db.Exec(ctx, `
		INSERT INTO memories (id, content, embedding, category_path, metadata, created_at, updated_at, last_accessed_at)
		VALUES ($1, $2, $3, $4::ltree, COALESCE($5, '{}'::jsonb), $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
			SET content = EXCLUDED.content,
			    supersedes_id = NULL,
			    archived_at = NULL,
			    updated_at = EXCLUDED.updated_at
	`, m.ID, m.Content, m.Embedding, m.CategoryPath, m.Metadata,
		m.CreatedAt, m.UpdatedAt, m.LastAccessedAt); err != nil {
		return fmt.Errorf("upsert primer: %w", err)
	}
	return nil
}

// SupersedeOtherPrimers marks every active primer except keepID as replaced
// by it. Returns how many were displaced; normally one, zero on the very
// first synthesis or an unchanged rebuild.
func (q queries) SupersedeOtherPrimers(ctx context.Context, keepID uuid.UUID, at time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE memories SET supersedes_id = $1, updated_at = $2
		WHERE category_path = $3::ltree
		  AND supersedes_id IS NULL
		  AND archived_at IS NULL
		  AND id != $1
	`, keepID, at, primerPath)
	if err != nil {
		return 0, fmt.Errorf("supersede other primers: %w", err)
	}
	return tag.RowsAffected(), nil
}
