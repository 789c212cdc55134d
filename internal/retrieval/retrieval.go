// Package retrieval serves the read side of the memory store: hybrid
// search, document reassembly, supersession history, and taxonomy views.
//
// Verification is enforced here rather than at write time. Results whose
// verify_after has passed, or whose metadata TTL has lapsed ahead of the
// hourly sweep, are flagged expired and sorted behind fresh results so the
// agent sees them last but still sees them.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/engramdev/engram/internal/identity"
	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/types"
)

const maxSearchLimit = 100

// Embedder turns query text into a vector for the semantic channel.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// Searcher answers read queries against the store.
type Searcher struct {
	store        storage.Storage
	embed        Embedder
	defaultLimit int
	log          *zap.Logger
}

// NewSearcher creates a Searcher. defaultLimit applies when a caller passes
// a zero limit.
func NewSearcher(store storage.Storage, embed Embedder, defaultLimit int, log *zap.Logger) *Searcher {
	if log == nil {
		log = zap.NewNop()
	}
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	return &Searcher{store: store, embed: embed, defaultLimit: defaultLimit, log: log}
}

// Search runs hybrid retrieval over active memories. categoryPath optionally
// scopes results to one taxonomy subtree; limit is clamped to [1, 100] with
// zero meaning the default. Returned rows have their last_accessed_at
// bumped, and expired rows sort last, each carrying a verification warning.
func (s *Searcher) Search(ctx context.Context, query, categoryPath string, limit int) ([]*types.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query must be a non-empty string", storage.ErrInvalidInput)
	}
	if limit == 0 {
		limit = s.defaultLimit
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	scope := ""
	if trimmed := strings.TrimSpace(categoryPath); trimmed != "" {
		scope = identity.SanitizePath(trimmed)
	}

	vec, err := s.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := s.store.HybridSearch(ctx, vec, query, scope, limit)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	if err := s.store.TouchMemories(ctx, ids, now); err != nil {
		return nil, err
	}

	for _, r := range results {
		flagExpired(r, now)
	}
	// Stable partition keeps fusion order within each group.
	sort.SliceStable(results, func(i, j int) bool {
		return !results[i].Expired && results[j].Expired
	})

	s.log.Debug("search completed",
		zap.String("scope", scope),
		zap.Int("limit", limit),
		zap.Int("results", len(results)))
	return results, nil
}

// flagExpired marks a result stale when its verification deadline passed or
// its metadata TTL ran out ahead of the archival sweep.
func flagExpired(r *types.SearchResult, now time.Time) {
	expired := r.VerifyAfter != nil && now.After(*r.VerifyAfter)
	if !expired {
		if ttl, ok := r.Metadata.TTLDays(); ok {
			expired = now.After(r.UpdatedAt.AddDate(0, 0, ttl))
		}
	}
	if expired {
		r.Expired = true
		r.Warning = ExpiryWarning(r.ID)
	}
}

// ExpiryWarning is the advisory attached to stale rows wherever they
// surface.
func ExpiryWarning(id uuid.UUID) string {
	return fmt.Sprintf("TTL EXPIRED: This memory (ID: %s) may be outdated. Please verify with the user and update if necessary.", id)
}

// Document is a chunk chain reassembled into one text.
type Document struct {
	MemoryID     uuid.UUID `json:"memory_id"`
	ChunkCount   int       `json:"chunk_count"`
	CategoryPath string    `json:"category_path"`
	Content      string    `json:"content"`
}

// FetchDocument rebuilds the full document containing the given chunk by
// walking sequence edges both ways. ErrNotFound when the anchor is missing,
// superseded, or archived.
func (s *Searcher) FetchDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	chunks, err := s.store.DocumentChunks(ctx, id)
	if err != nil {
		return nil, err
	}
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Content
	}
	return &Document{
		MemoryID:     id,
		ChunkCount:   len(chunks),
		CategoryPath: chunks[0].CategoryPath,
		Content:      strings.Join(parts, "\n\n"),
	}, nil
}

// TraceHistory returns every version in the supersession chain ending at
// id, oldest first, the target included.
func (s *Searcher) TraceHistory(ctx context.Context, id uuid.UUID) ([]types.HistoryEntry, error) {
	return s.store.HistoryChain(ctx, id)
}

// ListCategories returns every active taxonomy path with its memory count,
// most populated first.
func (s *Searcher) ListCategories(ctx context.Context) ([]types.CategoryCount, error) {
	return s.store.CategoryCounts(ctx, "")
}

// TaxonomyView is one subtree rendered for display.
type TaxonomyView struct {
	Path       string                `json:"path"`
	Tree       string                `json:"tree"`
	Total      int                   `json:"total"`
	Categories []types.CategoryCount `json:"categories,omitempty"`
}

// ExploreTaxonomy renders the full uncollapsed subtree under path. Used to
// expand branches the primer showed collapsed.
func (s *Searcher) ExploreTaxonomy(ctx context.Context, path string) (*TaxonomyView, error) {
	var labels []string
	for _, seg := range strings.Split(path, identity.PathSeparator) {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		labels = append(labels, identity.SanitizeLabel(seg))
	}
	safe := "reference"
	if len(labels) > 0 {
		safe = strings.Join(labels, identity.PathSeparator)
	}

	cats, err := s.store.CategoryCounts(ctx, safe)
	if err != nil {
		return nil, err
	}
	if len(cats) == 0 {
		return &TaxonomyView{Path: safe, Tree: "(empty)"}, nil
	}

	sort.Slice(cats, func(i, j int) bool { return cats[i].Path < cats[j].Path })
	total := 0
	for _, c := range cats {
		total += c.Count
	}
	return &TaxonomyView{
		Path:       safe,
		Tree:       RenderTree(cats, 0, 0),
		Total:      total,
		Categories: cats,
	}, nil
}
