package pipeline_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"

	"github.com/engramdev/engram/internal/identity"
	"github.com/engramdev/engram/internal/pipeline"
	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/types"
)

type fakeGateway struct {
	segment    func(ctx context.Context, text, taxonomy string) ([]types.Section, error)
	arbitrate  func(ctx context.Context, oldText, newText string) (types.Arbitration, error)
	embedCalls int
}

func (f *fakeGateway) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	f.embedCalls++
	return pgvector.NewVector([]float32{1, 0, 0}), nil
}

func (f *fakeGateway) Segment(ctx context.Context, text, taxonomy string) ([]types.Section, error) {
	return f.segment(ctx, text, taxonomy)
}

func (f *fakeGateway) Arbitrate(ctx context.Context, oldText, newText string) (types.Arbitration, error) {
	if f.arbitrate == nil {
		return types.Arbitration{Resolution: types.ResolutionSupersedes, UpdatedText: newText}, nil
	}
	return f.arbitrate(ctx, oldText, newText)
}

func (f *fakeGateway) SummarizeProfile(ctx context.Context, chunks []string) (string, error) {
	return "", nil
}

// fakeTx records every write the pipeline issues.
type fakeTx struct {
	storage.Transaction
	upserts      []*types.Memory
	upsertStatus map[uuid.UUID]bool // inserted flag per id; default true
	touched      []uuid.UUID
	superseded   [][2]uuid.UUID // old, new
	rewired      [][2]uuid.UUID
	linked       []uuid.UUID
	edges        []types.Edge
	locks        []string
}

func (f *fakeTx) LockCategoryRoot(ctx context.Context, root string) error {
	f.locks = append(f.locks, root)
	return nil
}

func (f *fakeTx) UpsertMemory(ctx context.Context, m *types.Memory) (bool, error) {
	f.upserts = append(f.upserts, m)
	if v, ok := f.upsertStatus[m.ID]; ok {
		return v, nil
	}
	return true, nil
}

func (f *fakeTx) TouchMemory(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeTx) MarkSuperseded(ctx context.Context, oldID, newID uuid.UUID, at time.Time) error {
	f.superseded = append(f.superseded, [2]uuid.UUID{oldID, newID})
	return nil
}

func (f *fakeTx) RewireEdges(ctx context.Context, oldID, newID uuid.UUID) error {
	f.rewired = append(f.rewired, [2]uuid.UUID{oldID, newID})
	return nil
}

func (f *fakeTx) LinkRelated(ctx context.Context, id uuid.UUID, embedding pgvector.Vector, categoryPath string, threshold float64, limit int) (int64, error) {
	f.linked = append(f.linked, id)
	return 0, nil
}

func (f *fakeTx) InsertEdge(ctx context.Context, e types.Edge) error {
	f.edges = append(f.edges, e)
	return nil
}

type fakeStore struct {
	storage.Storage
	taxonomy []string
	existing map[uuid.UUID]bool
	neighbor func(path string) *types.Neighbor
	tx       *fakeTx
	txCount  int
}

func (f *fakeStore) TopTaxonomyPaths(ctx context.Context, limit int) ([]string, error) {
	return f.taxonomy, nil
}

func (f *fakeStore) MemoryExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return f.existing[id], nil
}

func (f *fakeStore) NearestActiveNeighbor(ctx context.Context, embedding pgvector.Vector, categoryPath string) (*types.Neighbor, error) {
	if f.neighbor == nil {
		return nil, nil
	}
	return f.neighbor(categoryPath), nil
}

func (f *fakeStore) RunInTransaction(ctx context.Context, fn func(storage.Transaction) error) error {
	f.txCount++
	return fn(f.tx)
}

type fakePrimer struct {
	refreshes []bool
}

func (f *fakePrimer) Refresh(ctx context.Context, profileChanged bool) error {
	f.refreshes = append(f.refreshes, profileChanged)
	return nil
}

func testOptions() pipeline.Options {
	return pipeline.Options{
		DupThreshold:       0.95,
		ConflictThreshold:  0.55,
		RelatesToThreshold: 0.65,
		MaxTaxonomyPaths:   40,
	}
}

func section(content, path string) types.Section {
	return types.Section{Content: content, CategoryPath: path, VolatilityClass: types.VolatilityLow}
}

func newHarness(sections []types.Section) (*fakeStore, *fakeGateway, *fakePrimer) {
	store := &fakeStore{tx: &fakeTx{}}
	gw := &fakeGateway{
		segment: func(ctx context.Context, text, taxonomy string) ([]types.Section, error) {
			return sections, nil
		},
	}
	return store, gw, &fakePrimer{}
}

func TestIngestInsertsAndChains(t *testing.T) {
	sections := []types.Section{
		section("first section about the build system", "concepts.build"),
		section("second section about deployment", "concepts.deploy"),
	}
	store, gw, pr := newHarness(sections)
	p := pipeline.New(store, gw, pr, testOptions(), nil)

	firstID, err := p.Ingest(context.Background(), "raw input", nil)
	assert.NoError(t, err)
	assert.Equal(t, identity.DeterministicID(sections[0].Content), firstID)

	tx := store.tx
	assert.Len(t, tx.upserts, 2)
	assert.Equal(t, "concepts.build", tx.upserts[0].CategoryPath)
	assert.Equal(t, "low", tx.upserts[0].Metadata["volatility_class"])
	assert.Len(t, tx.linked, 2)

	// One sequence edge between the two inserts.
	assert.Len(t, tx.edges, 1)
	assert.Equal(t, tx.upserts[0].ID, tx.edges[0].SourceID)
	assert.Equal(t, tx.upserts[1].ID, tx.edges[0].TargetID)
	assert.Equal(t, types.RelationSequenceNext, tx.edges[0].Relation)

	assert.Equal(t, []string{"concepts"}, tx.locks)
	assert.Equal(t, []bool{false}, pr.refreshes)
	assert.Equal(t, 1, store.txCount)
	assert.Equal(t, 2, gw.embedCalls)
}

func TestIngestTTLAndTags(t *testing.T) {
	s := section("note with a shelf life", "reference.scratch")
	s.Tags = []string{"scratch"}
	store, gw, pr := newHarness([]types.Section{s})
	p := pipeline.New(store, gw, pr, testOptions(), nil)

	ttl := 7
	_, err := p.Ingest(context.Background(), "raw", &ttl)
	assert.NoError(t, err)

	md := store.tx.upserts[0].Metadata
	assert.Equal(t, 7, md["ttl_days"])
	assert.Equal(t, []string{"scratch"}, md["tags"])
}

func TestIngestExistingIDSkipsEmbedding(t *testing.T) {
	s := section("already stored verbatim", "concepts.x")
	store, gw, pr := newHarness([]types.Section{s})
	store.existing = map[uuid.UUID]bool{identity.DeterministicID(s.Content): true}
	p := pipeline.New(store, gw, pr, testOptions(), nil)

	firstID, err := p.Ingest(context.Background(), "raw", nil)
	assert.NoError(t, err)
	assert.Equal(t, identity.DeterministicID(s.Content), firstID)
	assert.Zero(t, gw.embedCalls)
	assert.Empty(t, store.tx.upserts)
	assert.Equal(t, []uuid.UUID{firstID}, store.tx.touched)
	assert.Equal(t, []bool{false}, pr.refreshes)
}

func TestIngestThreadsSequenceThroughDuplicates(t *testing.T) {
	dupOf := uuid.New()
	sections := []types.Section{
		section("lead paragraph of the note", "concepts.a"),
		section("middle paragraph already known", "concepts.dup"),
		section("closing paragraph of the note", "concepts.b"),
	}
	store, gw, pr := newHarness(sections)
	store.neighbor = func(path string) *types.Neighbor {
		if path == "concepts.dup" {
			return &types.Neighbor{ID: dupOf, Content: "stored twin", Similarity: 0.97}
		}
		return nil
	}
	p := pipeline.New(store, gw, pr, testOptions(), nil)

	_, err := p.Ingest(context.Background(), "raw", nil)
	assert.NoError(t, err)

	tx := store.tx
	assert.Len(t, tx.upserts, 2)
	assert.Equal(t, []uuid.UUID{dupOf}, tx.touched)

	// The chain passes through the duplicate's stored id.
	assert.Len(t, tx.edges, 2)
	assert.Equal(t, tx.upserts[0].ID, tx.edges[0].SourceID)
	assert.Equal(t, dupOf, tx.edges[0].TargetID)
	assert.Equal(t, dupOf, tx.edges[1].SourceID)
	assert.Equal(t, tx.upserts[1].ID, tx.edges[1].TargetID)
}

func TestIngestArbitrationBand(t *testing.T) {
	old := &types.Neighbor{ID: uuid.New(), Content: "the plan costs $20/month", Similarity: 0.80}
	s := section("the plan now costs $25/month", "projects.billing")
	store, gw, pr := newHarness([]types.Section{s})
	store.neighbor = func(path string) *types.Neighbor { return old }

	var gotOld, gotNew string
	gw.arbitrate = func(ctx context.Context, oldText, newText string) (types.Arbitration, error) {
		gotOld, gotNew = oldText, newText
		return types.Arbitration{Resolution: types.ResolutionSupersedes, UpdatedText: "the plan costs $25/month as of April"}, nil
	}
	p := pipeline.New(store, gw, pr, testOptions(), nil)

	firstID, err := p.Ingest(context.Background(), "raw", nil)
	assert.NoError(t, err)
	assert.Equal(t, old.Content, gotOld)
	assert.Equal(t, s.Content, gotNew)

	tx := store.tx
	assert.Len(t, tx.upserts, 1)
	assert.Equal(t, "the plan costs $25/month as of April", tx.upserts[0].Content)
	assert.Equal(t, firstID, tx.upserts[0].ID)

	// Replacement ids are random v4, never content-derived.
	assert.NotEqual(t, identity.DeterministicID("the plan costs $25/month as of April"), tx.upserts[0].ID)
	assert.Equal(t, uuid.Version(4), tx.upserts[0].ID.Version())

	assert.Equal(t, [][2]uuid.UUID{{old.ID, tx.upserts[0].ID}}, tx.superseded)
	assert.Equal(t, [][2]uuid.UUID{{old.ID, tx.upserts[0].ID}}, tx.rewired)

	// Arbitration re-embeds the updated text.
	assert.Equal(t, 2, gw.embedCalls)
}

func TestIngestProfileChangeDetection(t *testing.T) {
	t.Run("fresh profile insert triggers", func(t *testing.T) {
		store, gw, pr := newHarness([]types.Section{section("now lives in Lisbon", "profile.location")})
		p := pipeline.New(store, gw, pr, testOptions(), nil)
		_, err := p.Ingest(context.Background(), "raw", nil)
		assert.NoError(t, err)
		assert.Equal(t, []bool{true}, pr.refreshes)
	})

	t.Run("conflicted upsert does not trigger", func(t *testing.T) {
		s := section("now lives in Lisbon", "profile.location")
		store, gw, pr := newHarness([]types.Section{s})
		store.tx.upsertStatus = map[uuid.UUID]bool{identity.DeterministicID(s.Content): false}
		p := pipeline.New(store, gw, pr, testOptions(), nil)
		_, err := p.Ingest(context.Background(), "raw", nil)
		assert.NoError(t, err)
		assert.Equal(t, []bool{false}, pr.refreshes)
	})

	t.Run("non-profile insert does not trigger", func(t *testing.T) {
		store, gw, pr := newHarness([]types.Section{section("sorting algorithms overview", "concepts.algorithms")})
		p := pipeline.New(store, gw, pr, testOptions(), nil)
		_, err := p.Ingest(context.Background(), "raw", nil)
		assert.NoError(t, err)
		assert.Equal(t, []bool{false}, pr.refreshes)
	})
}

func TestIngestNoSections(t *testing.T) {
	store, gw, pr := newHarness(nil)
	p := pipeline.New(store, gw, pr, testOptions(), nil)
	_, err := p.Ingest(context.Background(), "raw", nil)
	assert.ErrorIs(t, err, pipeline.ErrNoSections)
	assert.Empty(t, pr.refreshes)
}

func TestIngestTaxonomyPriming(t *testing.T) {
	var gotTaxonomy string
	sections := []types.Section{section("anything at all", "concepts.x")}

	t.Run("existing paths are joined", func(t *testing.T) {
		store, gw, pr := newHarness(sections)
		store.taxonomy = []string{"profile.health", "projects.myapp"}
		gw.segment = func(ctx context.Context, text, taxonomy string) ([]types.Section, error) {
			gotTaxonomy = taxonomy
			return sections, nil
		}
		p := pipeline.New(store, gw, pr, testOptions(), nil)
		_, err := p.Ingest(context.Background(), "raw", nil)
		assert.NoError(t, err)
		assert.Equal(t, "profile.health\nprojects.myapp", gotTaxonomy)
	})

	t.Run("empty store falls back to the seed roots", func(t *testing.T) {
		store, gw, pr := newHarness(sections)
		gw.segment = func(ctx context.Context, text, taxonomy string) ([]types.Section, error) {
			gotTaxonomy = taxonomy
			return sections, nil
		}
		p := pipeline.New(store, gw, pr, testOptions(), nil)
		_, err := p.Ingest(context.Background(), "raw", nil)
		assert.NoError(t, err)
		assert.True(t, strings.HasPrefix(gotTaxonomy, "profile\nprojects\norganizations\nconcepts\nreference"))
	})
}

func TestIngestBatchesTransactions(t *testing.T) {
	var sections []types.Section
	for i := 0; i < 25; i++ {
		sections = append(sections, section(strings.Repeat("x", i+1)+" filler content", "concepts.bulk"))
	}
	store, gw, pr := newHarness(sections)
	p := pipeline.New(store, gw, pr, testOptions(), nil)

	_, err := p.Ingest(context.Background(), "raw", nil)
	assert.NoError(t, err)
	assert.Equal(t, 3, store.txCount) // 10 + 10 + 5
	assert.Len(t, store.tx.upserts, 25)
	assert.Len(t, store.tx.edges, 24)
}
