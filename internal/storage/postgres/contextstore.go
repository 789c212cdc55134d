package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/engramdev/engram/internal/types"
)

// SetContextEntry upserts an ephemeral entry. Writing an existing key
// replaces its value and scope and resets the expiry clock.
func (q queries) SetContextEntry(ctx context.Context, e *types.ContextEntry) error {
	if _, err := q.db.Exec(ctx, `
		INSERT INTO context_store (key, value, scope, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $4, $5)
		ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value,
			    scope = EXCLUDED.scope,
			    updated_at = EXCLUDED.updated_at,
			    expires_at = EXCLUDED.expires_at
	`, e.Key, e.Value, e.Scope, e.UpdatedAt, e.ExpiresAt); err != nil {
		return fmt.Errorf("set context entry: %w", err)
	}
	return nil
}

// GetContextEntry returns a live entry by exact key. Expired rows are
// invisible here even before the sweeper removes them.
func (q queries) GetContextEntry(ctx context.Context, key string) (*types.ContextEntry, error) {
	var e types.ContextEntry
	err := q.db.QueryRow(ctx, `
		SELECT key, value, scope, created_at, updated_at, expires_at
		FROM context_store
		WHERE key = $1 AND expires_at > NOW()
	`, key).Scan(&e.Key, &e.Value, &e.Scope, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt)
	if err != nil {
		return nil, notFound(fmt.Errorf("get context entry: %w", err))
	}
	return &e, nil
}

// DeleteContextEntry removes a key ahead of its TTL and reports whether a
// row actually existed.
func (q queries) DeleteContextEntry(ctx context.Context, key string) (bool, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM context_store WHERE key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("delete context entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListContextEntries returns live entries newest-touched first, optionally
// filtered by scope. Values are included; callers listing keys only drop
// them.
func (q queries) ListContextEntries(ctx context.Context, scope string) ([]*types.ContextEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT key, value, scope, created_at, updated_at, expires_at
		FROM context_store
		WHERE expires_at > NOW() AND ($1 = '' OR scope = $1)
		ORDER BY updated_at DESC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("list context entries: %w", err)
	}
	defer rows.Close()

	var out []*types.ContextEntry
	for rows.Next() {
		var e types.ContextEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.Scope, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("list context entries: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ExtendContextTTL pushes a live entry's expiry forward by the given hours,
// clamped to 720 hours from now. ErrNotFound when the key is missing or
// already expired.
func (q queries) ExtendContextTTL(ctx context.Context, key string, hours int) (time.Time, error) {
	var expires time.Time
	err := q.db.QueryRow(ctx, `
		UPDATE context_store
		SET expires_at = LEAST(
			expires_at + ($1 * INTERVAL '1 hour'),
			NOW() + INTERVAL '720 hours'
		),
		updated_at = NOW()
		WHERE key = $2 AND expires_at > NOW()
		RETURNING expires_at
	`, hours, key).Scan(&expires)
	if err != nil {
		return time.Time{}, notFound(fmt.Errorf("extend context ttl: %w", err))
	}
	return expires, nil
}
