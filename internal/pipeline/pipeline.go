// Package pipeline turns raw text into persisted memory records.
//
// Ingestion runs in three phases: segment the input with the extraction
// model, evaluate each section concurrently (identity check, embedding,
// nearest-neighbour banding, arbitration), then persist in small batches
// with sequence edges threaded across the whole document. Evaluation is
// read-only; all writes happen in the batched transactions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/engramdev/engram/internal/identity"
	"github.com/engramdev/engram/internal/llm"
	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/types"
)

// ErrNoSections is returned when segmentation and length filtering leave
// nothing to persist.
var ErrNoSections = errors.New("no sections produced from input text")

// chunkBatchSize bounds how many sections one transaction writes.
const chunkBatchSize = 10

// relatedLinkLimit caps relates_to edges created per inserted record.
const relatedLinkLimit = 6

// seedTaxonomy primes segmentation on an empty store.
const seedTaxonomy = "profile\nprojects\norganizations\nconcepts\nreference\nhealth\nlifestyle\npsychology"

// PrimerRefresher rebuilds the system primer after ingestion.
type PrimerRefresher interface {
	Refresh(ctx context.Context, profileChanged bool) error
}

// Options carries the similarity bands and taxonomy priming size.
type Options struct {
	DupThreshold       float64
	ConflictThreshold  float64
	RelatesToThreshold float64
	MaxTaxonomyPaths   int
}

// Pipeline ingests raw text into the memory store.
type Pipeline struct {
	store  storage.Storage
	llm    llm.Gateway
	primer PrimerRefresher
	opts   Options
	log    *zap.Logger
}

// New creates a Pipeline.
func New(store storage.Storage, gw llm.Gateway, primer PrimerRefresher, opts Options, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{store: store, llm: gw, primer: primer, opts: opts, log: log}
}

// evaluated is the persistence plan for one section.
type evaluated struct {
	id           uuid.UUID
	effectiveID  uuid.UUID // DB-resident id when the section is a duplicate
	content      string
	embedding    pgvector.Vector
	categoryPath string
	metadata     types.Metadata
	verifyAfter  *time.Time
	exists       bool
	supersedes   *uuid.UUID
	resolution   types.Resolution
}

// Ingest runs the full pipeline and returns the effective id of the first
// section, which anchors the document for later reconstruction.
func (p *Pipeline) Ingest(ctx context.Context, text string, ttlDays *int) (uuid.UUID, error) {
	taxonomy, err := p.activeTaxonomy(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load taxonomy: %w", err)
	}

	sections, err := p.llm.Segment(ctx, text, taxonomy)
	if err != nil {
		return uuid.Nil, fmt.Errorf("segment: %w", err)
	}
	if len(sections) == 0 {
		return uuid.Nil, ErrNoSections
	}
	p.log.Info("segmented input",
		zap.Int("sections", len(sections)),
		zap.Int("input_length", len(text)))

	now := time.Now().UTC()
	items := make([]*evaluated, len(sections))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sections {
		g.Go(func() error {
			item, err := p.evaluate(gctx, s, ttlDays, now)
			if err != nil {
				return err
			}
			items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return uuid.Nil, err
	}

	firstID, profileChanged, err := p.persist(ctx, items, now)
	if err != nil {
		return uuid.Nil, err
	}

	// The primer is a derived artifact: a failed refresh does not undo the
	// persisted sections, and the next ingest or sweep rebuilds it.
	if err := p.primer.Refresh(ctx, profileChanged); err != nil {
		if ctx.Err() != nil {
			return uuid.Nil, ctx.Err()
		}
		p.log.Warn("primer refresh failed", zap.Error(err))
	}
	return firstID, nil
}

func (p *Pipeline) activeTaxonomy(ctx context.Context) (string, error) {
	paths, err := p.store.TopTaxonomyPaths(ctx, p.opts.MaxTaxonomyPaths)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return seedTaxonomy, nil
	}
	return strings.Join(paths, "\n"), nil
}

// evaluate classifies one section: already stored, near-duplicate of an
// active record, in the arbitration band, or genuinely new. Only reads.
func (p *Pipeline) evaluate(ctx context.Context, s types.Section, ttlDays *int, now time.Time) (*evaluated, error) {
	// Content-addressed ids keep re-ingestion idempotent regardless of how
	// the model re-segments the same text.
	id := identity.DeterministicID(s.Content)
	exists, err := p.store.MemoryExists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("check existing id: %w", err)
	}
	if exists {
		return &evaluated{id: id, effectiveID: id, exists: true, categoryPath: s.CategoryPath}, nil
	}

	vec, err := p.llm.Embed(ctx, s.Content)
	if err != nil {
		return nil, fmt.Errorf("embed section: %w", err)
	}

	neighbor, err := p.store.NearestActiveNeighbor(ctx, vec, s.CategoryPath)
	if err != nil {
		return nil, fmt.Errorf("nearest neighbour: %w", err)
	}
	similarity := 0.0
	if neighbor != nil {
		similarity = neighbor.Similarity
	}

	switch {
	case similarity > p.opts.DupThreshold:
		p.log.Debug("section duplicates existing memory",
			zap.Stringer("id", id),
			zap.Stringer("duplicate_of", neighbor.ID),
			zap.Float64("similarity", similarity))
		return &evaluated{id: id, effectiveID: neighbor.ID, exists: true, categoryPath: s.CategoryPath}, nil

	case similarity >= p.opts.ConflictThreshold:
		p.log.Debug("section conflicts with existing memory",
			zap.Stringer("id", id),
			zap.Stringer("conflicts_with", neighbor.ID),
			zap.Float64("similarity", similarity))
		verdict, err := p.llm.Arbitrate(ctx, neighbor.Content, s.Content)
		if err != nil {
			return nil, fmt.Errorf("arbitrate: %w", err)
		}
		finalVec, err := p.llm.Embed(ctx, verdict.UpdatedText)
		if err != nil {
			return nil, fmt.Errorf("embed arbitrated text: %w", err)
		}
		// Replacement records carry random ids: a content-derived id could
		// collide with a record in the chain being replaced.
		replacementID := uuid.New()
		super := neighbor.ID
		return &evaluated{
			id:           replacementID,
			effectiveID:  replacementID,
			content:      verdict.UpdatedText,
			embedding:    finalVec,
			categoryPath: s.CategoryPath,
			metadata:     sectionMetadata(s, ttlDays),
			verifyAfter:  s.VolatilityClass.NextVerify(now),
			supersedes:   &super,
			resolution:   verdict.Resolution,
		}, nil

	default:
		return &evaluated{
			id:           id,
			effectiveID:  id,
			content:      s.Content,
			embedding:    vec,
			categoryPath: s.CategoryPath,
			metadata:     sectionMetadata(s, ttlDays),
			verifyAfter:  s.VolatilityClass.NextVerify(now),
		}, nil
	}
}

func sectionMetadata(s types.Section, ttlDays *int) types.Metadata {
	md := types.Metadata{}
	if ttlDays != nil {
		md["ttl_days"] = *ttlDays
	}
	if len(s.Tags) > 0 {
		md["tags"] = s.Tags
	}
	md["volatility_class"] = string(s.VolatilityClass)
	return md
}

// persist writes the evaluated sections in batches. Sequence edges thread
// through duplicates so document reconstruction follows the original
// reading order even when parts of the input were already stored.
func (p *Pipeline) persist(ctx context.Context, items []*evaluated, now time.Time) (uuid.UUID, bool, error) {
	var (
		firstID        uuid.UUID
		haveFirst      bool
		profileChanged bool
		prevID         uuid.UUID
		havePrev       bool
	)

	for start := 0; start < len(items); start += chunkBatchSize {
		batch := items[start:min(start+chunkBatchSize, len(items))]
		err := p.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			// Roots are locked in sorted order so concurrent ingestions
			// cannot deadlock each other.
			for _, root := range batchRoots(batch) {
				if err := tx.LockCategoryRoot(ctx, root); err != nil {
					return fmt.Errorf("lock category root %s: %w", root, err)
				}
			}
			for _, item := range batch {
				if !haveFirst {
					firstID, haveFirst = item.effectiveID, true
				}

				if item.exists {
					if err := tx.TouchMemory(ctx, item.effectiveID, now); err != nil {
						return fmt.Errorf("touch duplicate: %w", err)
					}
				} else if err := p.persistNew(ctx, tx, item, now, &profileChanged); err != nil {
					return err
				}

				if havePrev && prevID != item.effectiveID {
					edge := types.Edge{SourceID: prevID, TargetID: item.effectiveID, Relation: types.RelationSequenceNext}
					if err := tx.InsertEdge(ctx, edge); err != nil {
						return fmt.Errorf("insert sequence edge: %w", err)
					}
				}
				prevID, havePrev = item.effectiveID, true
			}
			return nil
		})
		if err != nil {
			return uuid.Nil, false, err
		}
	}

	if !haveFirst {
		return uuid.Nil, false, ErrNoSections
	}
	return firstID, profileChanged, nil
}

func (p *Pipeline) persistNew(ctx context.Context, tx storage.Transaction, item *evaluated, now time.Time, profileChanged *bool) error {
	inserted, err := tx.UpsertMemory(ctx, &types.Memory{
		ID:             item.id,
		Content:        item.content,
		Embedding:      item.embedding,
		CategoryPath:   item.categoryPath,
		VerifyAfter:    item.verifyAfter,
		Metadata:       item.metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
	})
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	if inserted && identity.PathRoot(item.categoryPath) == "profile" {
		*profileChanged = true
	}

	if item.supersedes != nil {
		p.log.Info("superseding memory",
			zap.Stringer("old", *item.supersedes),
			zap.Stringer("new", item.id),
			zap.String("resolution", string(item.resolution)))
		if err := tx.MarkSuperseded(ctx, *item.supersedes, item.id, now); err != nil {
			return fmt.Errorf("mark superseded: %w", err)
		}
		if err := tx.RewireEdges(ctx, *item.supersedes, item.id); err != nil {
			return fmt.Errorf("rewire edges: %w", err)
		}
	}

	if _, err := tx.LinkRelated(ctx, item.id, item.embedding, item.categoryPath, p.opts.RelatesToThreshold, relatedLinkLimit); err != nil {
		return fmt.Errorf("link related: %w", err)
	}
	return nil
}

func batchRoots(batch []*evaluated) []string {
	seen := make(map[string]struct{})
	var roots []string
	for _, item := range batch {
		if item.exists {
			continue
		}
		root := identity.PathRoot(item.categoryPath)
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}
