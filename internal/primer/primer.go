// Package primer synthesizes the single canonical system-primer memory.
//
// The primer is derived entirely from aggregate store state plus one cached
// LLM artifact (the user-context briefing). Its id is content-derived, so a
// rebuild that produces identical text is detected and skipped without
// touching the store or the embedding API.
package primer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/engramdev/engram/internal/identity"
	"github.com/engramdev/engram/internal/retrieval"
	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/types"
)

// PrimerPath is the fixed taxonomy location of the primer record.
const PrimerPath = "reference.system.primer"

const (
	taxonomyMaxDepth  = 2
	taxonomyMaxBranch = 50
)

// LLM is the slice of the language-model gateway the synthesizer needs.
type LLM interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
	SummarizeProfile(ctx context.Context, chunks []string) (string, error)
}

// Synthesizer rebuilds the primer from current store state.
type Synthesizer struct {
	store storage.Storage
	llm   LLM
	log   *zap.Logger
}

// New creates a Synthesizer.
func New(store storage.Storage, llm LLM, log *zap.Logger) *Synthesizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synthesizer{store: store, llm: llm, log: log}
}

// primerTemplate takes total memories, category count, user context prose,
// and the rendered taxonomy tree.
const primerTemplate = "# System Primer\n\n" +
	"Knowledge base contains %d active memories " +
	"across %d categories.\n\n" +
	"## User Context\n%s\n\n" +
	"## Taxonomy\n" +
	"```\n%s\n```\n\n" +
	"## Verification Protocol\n" +
	"When `initialize_context` returns a non-empty `verification_block`, inject it under " +
	"## Verification Required and address EACH item BEFORE any other task:\n" +
	"1. Quote the memory content to the user and ask if it is still accurate.\n" +
	"2. User confirms unchanged → call `confirm_memory_validity(memory_id)`.\n" +
	"3. User provides updated info → call `memorize_context(new_text)` to run " +
	"the standard contradiction engine and supersede the stale record.\n\n" +
	"## Context Store Guide\n" +
	"Separate from long-term memory. Use for ephemeral, session-scoped working data.\n" +
	"- `set_context(key, value, ttl_hours, scope)` — write active state (plans, task context, summaries)\n" +
	"- `get_context(key)` — retrieve by exact key\n" +
	"- `list_context_keys(scope?)` — see what's currently active\n" +
	"- `delete_context(key)` — explicitly clear when done\n" +
	"- `extend_context_ttl(key, hours)` — push expiry forward if needed\n\n" +
	"**When to use context store vs memorize_context:**\n" +
	"- Use context store for: active plans, current task state, session summaries, anything that will be stale in < 7 days\n" +
	"- Use memorize_context for: facts about you, project decisions, architecture notes, anything that should persist long-term\n" +
	"- Default TTL: 24 hours. Plans/tasks: 72 hours. Never exceed 168 hours (1 week) for working context.\n\n" +
	"## Retrieval Guide\n" +
	"- `search_memory(query)` — hybrid semantic + keyword search, returns top 10\n" +
	"- `search_memory(query, category_path='projects.myapp.planning')` — scoped to subtree\n" +
	"- `list_categories()` — all paths with counts\n" +
	"- `fetch_document(memory_id)` — reconstruct full document from chunk chain\n" +
	"- `trace_history(memory_id)` — inspect supersession chain for a fact\n" +
	"- `explore_taxonomy(path)` — expand a collapsed '[+N more]' branch\n" +
	"- `check_ingestion_status(job_id)` — poll async ingestion progress\n" +
	"- `confirm_memory_validity(memory_id)` — confirm an expired record is still accurate; advances verify_after\n" +
	"- `initialize_context()` — returns this primer\n"

// Refresh regenerates the primer. With profileChanged the user-context
// briefing is re-summarized from profile memories and recached; otherwise
// the cached prose is reused, falling back to a fresh summary on a cold
// cache. An unchanged primer text short-circuits before embedding.
func (s *Synthesizer) Refresh(ctx context.Context, profileChanged bool) error {
	userContext, cacheDirty, err := s.userContext(ctx, profileChanged)
	if err != nil {
		return err
	}

	cats, err := s.store.CategoryCounts(ctx, "")
	if err != nil {
		return err
	}
	// The primer never describes itself.
	kept := cats[:0]
	for _, c := range cats {
		if c.Path != PrimerPath {
			kept = append(kept, c)
		}
	}
	cats = kept
	sort.Slice(cats, func(i, j int) bool { return cats[i].Path < cats[j].Path })

	total := 0
	for _, c := range cats {
		total += c.Count
	}
	tree := retrieval.RenderTree(cats, taxonomyMaxDepth, taxonomyMaxBranch)

	content := fmt.Sprintf(primerTemplate, total, len(cats), userContext, tree)
	primerID := identity.DeterministicID(content)

	unchanged := false
	switch active, err := s.store.ActivePrimer(ctx); {
	case err == nil:
		unchanged = active.ID == primerID
	case errors.Is(err, storage.ErrNotFound):
	default:
		return err
	}

	if unchanged && !cacheDirty {
		s.log.Debug("primer unchanged, skipping rebuild", zap.Stringer("primer_id", primerID))
		return nil
	}

	now := time.Now().UTC()
	var mem *types.Memory
	if !unchanged {
		embedding, err := s.llm.Embed(ctx, content)
		if err != nil {
			return fmt.Errorf("embed primer: %w", err)
		}
		mem = &types.Memory{
			ID:             primerID,
			Content:        content,
			Embedding:      embedding,
			CategoryPath:   PrimerPath,
			Metadata:       types.Metadata{},
			CreatedAt:      now,
			UpdatedAt:      now,
			LastAccessedAt: now,
		}
	}

	err = s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if cacheDirty {
			if err := tx.SetCachedProfileSummary(ctx, userContext, now); err != nil {
				return err
			}
		}
		if mem == nil {
			return nil
		}
		if _, err := tx.SupersedeOtherPrimers(ctx, primerID, now); err != nil {
			return err
		}
		return tx.UpsertPrimer(ctx, mem)
	})
	if err != nil {
		return err
	}

	if mem != nil {
		s.log.Info("primer synthesized",
			zap.Int("chars", len(content)),
			zap.Int("categories", len(cats)),
			zap.Bool("profile_changed", profileChanged))
	}
	return nil
}

// userContext resolves the briefing prose for the ## User Context section.
// The bool reports whether the returned prose is new and needs caching.
func (s *Synthesizer) userContext(ctx context.Context, profileChanged bool) (string, bool, error) {
	if !profileChanged {
		summary, err := s.store.CachedProfileSummary(ctx)
		switch {
		case err == nil:
			return summary, false, nil
		case errors.Is(err, storage.ErrNotFound):
			// Cold cache: generate unconditionally.
		default:
			return "", false, err
		}
	}

	chunks, err := s.store.ProfileContents(ctx)
	if err != nil {
		return "", false, err
	}
	summary, err := s.llm.SummarizeProfile(ctx, chunks)
	if err != nil {
		return "", false, err
	}
	return summary, true, nil
}
