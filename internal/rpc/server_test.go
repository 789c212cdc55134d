package rpc_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/engramdev/engram/internal/contextstore"
	"github.com/engramdev/engram/internal/llm"
	"github.com/engramdev/engram/internal/retrieval"
	"github.com/engramdev/engram/internal/rpc"
	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/types"
)

type fakeTx struct {
	storage.Transaction

	updatedContent string
	updatedVerify  *time.Time
	mergeResult    types.Metadata
	mergeErr       error
	setPath        string
	setVerify      *time.Time
	deleteCount    int64
	movedOld       string
	movedNew       string
	movedCount     int64
	prunedDays     int
	prunedCount    int64
	purgedDays     int
	purgedCount    int64
}

func (f *fakeTx) UpdateMemoryContent(ctx context.Context, id uuid.UUID, content string, embedding pgvector.Vector, verifyAfter *time.Time, at time.Time) error {
	f.updatedContent = content
	f.updatedVerify = verifyAfter
	return nil
}

func (f *fakeTx) MergeMemoryMetadata(ctx context.Context, id uuid.UUID, patch types.Metadata, at time.Time) (types.Metadata, error) {
	if f.mergeErr != nil {
		return nil, f.mergeErr
	}
	return f.mergeResult, nil
}

func (f *fakeTx) SetCategoryPath(ctx context.Context, id uuid.UUID, path string, at time.Time) error {
	f.setPath = path
	return nil
}

func (f *fakeTx) SetVerifyAfter(ctx context.Context, id uuid.UUID, verifyAfter *time.Time, at time.Time) error {
	f.setVerify = verifyAfter
	return nil
}

func (f *fakeTx) DeleteMemoryChain(ctx context.Context, id uuid.UUID) (int64, error) {
	return f.deleteCount, nil
}

func (f *fakeTx) BulkMoveCategory(ctx context.Context, oldPrefix, newPrefix string, at time.Time) (int64, error) {
	f.movedOld, f.movedNew = oldPrefix, newPrefix
	return f.movedCount, nil
}

func (f *fakeTx) PruneHistory(ctx context.Context, olderThanDays int) (int64, error) {
	f.prunedDays = olderThanDays
	return f.prunedCount, nil
}

func (f *fakeTx) PurgeStaging(ctx context.Context, retentionDays int) (int64, error) {
	f.purgedDays = retentionDays
	return f.purgedCount, nil
}

type fakeRPCStore struct {
	storage.Storage

	tx *fakeTx

	pingErr error

	systemEntries []*types.Memory
	due           []*types.Memory

	memories map[uuid.UUID]*types.Memory

	enqueuedText string
	enqueuedTTL  *int
	enqueuedID   uuid.UUID
	jobs         map[uuid.UUID]*types.IngestionJob
	stats        *types.JobStats

	searchResults []*types.SearchResult
	touched       []uuid.UUID
	cats          []types.CategoryCount

	listed    []*types.Memory
	integrity *types.IntegrityStats

	contextEntries map[string]*types.ContextEntry
}

func (f *fakeRPCStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeRPCStore) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	return fn(f.tx)
}

func (f *fakeRPCStore) SystemReferenceEntries(ctx context.Context) ([]*types.Memory, error) {
	return f.systemEntries, nil
}

func (f *fakeRPCStore) VerificationDue(ctx context.Context, limit int) ([]*types.Memory, error) {
	if len(f.due) > limit {
		return f.due[:limit], nil
	}
	return f.due, nil
}

func (f *fakeRPCStore) GetMemory(ctx context.Context, id uuid.UUID) (*types.Memory, error) {
	if m, ok := f.memories[id]; ok {
		return m, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeRPCStore) EnqueueJob(ctx context.Context, rawText string, ttlDays *int) (uuid.UUID, error) {
	f.enqueuedText = rawText
	f.enqueuedTTL = ttlDays
	if f.enqueuedID == uuid.Nil {
		f.enqueuedID = uuid.New()
	}
	return f.enqueuedID, nil
}

func (f *fakeRPCStore) GetJob(ctx context.Context, id uuid.UUID) (*types.IngestionJob, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeRPCStore) JobStats(ctx context.Context) (*types.JobStats, error) {
	if f.stats == nil {
		return &types.JobStats{}, nil
	}
	return f.stats, nil
}

func (f *fakeRPCStore) HybridSearch(ctx context.Context, embedding pgvector.Vector, query, categoryPath string, limit int) ([]*types.SearchResult, error) {
	return f.searchResults, nil
}

func (f *fakeRPCStore) TouchMemories(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	f.touched = append(f.touched, ids...)
	return nil
}

func (f *fakeRPCStore) CategoryCounts(ctx context.Context, root string) ([]types.CategoryCount, error) {
	return f.cats, nil
}

func (f *fakeRPCStore) ListMemories(ctx context.Context, root string, includeHistorical bool) ([]*types.Memory, error) {
	return f.listed, nil
}

func (f *fakeRPCStore) IntegrityStats(ctx context.Context) (*types.IntegrityStats, error) {
	if f.integrity == nil {
		return &types.IntegrityStats{}, nil
	}
	return f.integrity, nil
}

func (f *fakeRPCStore) SetContextEntry(ctx context.Context, e *types.ContextEntry) error {
	f.contextEntries[e.Key] = e
	return nil
}

func (f *fakeRPCStore) GetContextEntry(ctx context.Context, key string) (*types.ContextEntry, error) {
	if e, ok := f.contextEntries[key]; ok {
		return e, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeRPCStore) DeleteContextEntry(ctx context.Context, key string) (bool, error) {
	_, ok := f.contextEntries[key]
	delete(f.contextEntries, key)
	return ok, nil
}

func (f *fakeRPCStore) ListContextEntries(ctx context.Context, scope string) ([]*types.ContextEntry, error) {
	var out []*types.ContextEntry
	for _, e := range f.contextEntries {
		if scope == "" || e.Scope == scope {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeGateway struct {
	llm.Gateway

	embedErr error
}

func (f *fakeGateway) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	if f.embedErr != nil {
		return pgvector.Vector{}, f.embedErr
	}
	return pgvector.NewVector(make([]float32, 8)), nil
}

type fixture struct {
	store *fakeRPCStore
	tx    *fakeTx
	gw    *fakeGateway
	srv   *rpc.Server
}

func newFixture(t *testing.T, opts rpc.Options) *fixture {
	t.Helper()
	tx := &fakeTx{}
	store := &fakeRPCStore{
		tx:             tx,
		memories:       make(map[uuid.UUID]*types.Memory),
		jobs:           make(map[uuid.UUID]*types.IngestionJob),
		contextEntries: make(map[string]*types.ContextEntry),
	}
	gw := &fakeGateway{}
	searcher := retrieval.NewSearcher(store, gw, 10, zap.NewNop())
	contexts := contextstore.New(store, contextstore.Options{}, zap.NewNop())
	srv := rpc.NewServer(store, gw, searcher, contexts, nil, opts, zap.NewNop())
	return &fixture{store: store, tx: tx, gw: gw, srv: srv}
}

func call(t *testing.T, srv *rpc.Server, op string, args any) *rpc.Response {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		require.NoError(t, err)
		raw = b
	}
	return srv.HandleRequest(context.Background(), &rpc.Request{Operation: op, Args: raw})
}

func decodeData(t *testing.T, resp *rpc.Response, out any) {
	t.Helper()
	require.True(t, resp.Success, "expected success, got error: %s", resp.Error)
	require.NoError(t, json.Unmarshal(resp.Data, out))
}

func TestHandleRequestUnknownOperation(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	resp := f.srv.HandleRequest(context.Background(), &rpc.Request{Operation: "explode"})
	require.False(t, resp.Success)
	assert.Contains(t, resp.Error, "InvalidInput: ")
	assert.Contains(t, resp.Error, "unknown operation")
}

func TestHandleRequestMissingOperation(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	resp := f.srv.HandleRequest(context.Background(), &rpc.Request{})
	require.False(t, resp.Success)
	assert.Contains(t, resp.Error, "operation is required")
}

func TestPing(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	var res rpc.PingResult
	decodeData(t, call(t, f.srv, rpc.OpPing, nil), &res)
	assert.True(t, res.OK)
	assert.Equal(t, "pong", res.Message)
}

func TestHealthReflectsStore(t *testing.T) {
	f := newFixture(t, rpc.Options{Version: "1.2.3"})

	var res rpc.HealthResult
	decodeData(t, call(t, f.srv, rpc.OpHealth, nil), &res)
	assert.True(t, res.OK)
	assert.Equal(t, "healthy", res.Status)
	assert.Equal(t, "1.2.3", res.Version)

	f.store.pingErr = storage.ErrUnavailable
	decodeData(t, call(t, f.srv, rpc.OpHealth, nil), &res)
	assert.False(t, res.OK)
	assert.Equal(t, "unhealthy", res.Status)
}

func TestMemorizeContextValidation(t *testing.T) {
	f := newFixture(t, rpc.Options{MaxMemorizeChars: 50})

	resp := call(t, f.srv, rpc.OpMemorizeContext, rpc.MemorizeContextArgs{Text: "   "})
	require.False(t, resp.Success)
	assert.Equal(t, "InvalidInput: text must be a non-empty string", resp.Error)

	resp = call(t, f.srv, rpc.OpMemorizeContext, rpc.MemorizeContextArgs{Text: strings.Repeat("x", 51)})
	require.False(t, resp.Success)
	assert.Contains(t, resp.Error, "exceeds maximum allowed length of 50 characters")

	bad := -1
	resp = call(t, f.srv, rpc.OpMemorizeContext, rpc.MemorizeContextArgs{Text: "remember this", TTLDays: &bad})
	require.False(t, resp.Success)
	assert.Equal(t, "InvalidInput: ttl_days must be a positive integer", resp.Error)
}

func TestMemorizeContextEnqueues(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	ttl := 30

	var res rpc.MemorizeContextResult
	decodeData(t, call(t, f.srv, rpc.OpMemorizeContext, rpc.MemorizeContextArgs{Text: "user prefers dark mode", TTLDays: &ttl}), &res)

	assert.Equal(t, f.store.enqueuedID, res.JobID)
	assert.Equal(t, "user prefers dark mode", f.store.enqueuedText)
	require.NotNil(t, f.store.enqueuedTTL)
	assert.Equal(t, 30, *f.store.enqueuedTTL)
	assert.Equal(t, "Ingestion enqueued. Poll check_ingestion_status(job_id) for progress.", res.Message)
}

func TestCheckIngestionStatus(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	jobID := uuid.New()
	msg := "no sections produced from input text"
	f.store.jobs[jobID] = &types.IngestionJob{
		JobID:  jobID,
		Status: types.JobFailed,
		Error:  &msg,
	}

	var res rpc.CheckIngestionStatusResult
	decodeData(t, call(t, f.srv, rpc.OpCheckIngestionStatus, rpc.CheckIngestionStatusArgs{JobID: jobID.String()}), &res)
	assert.Equal(t, types.JobFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, msg, *res.Error)

	resp := call(t, f.srv, rpc.OpCheckIngestionStatus, rpc.CheckIngestionStatusArgs{JobID: "not-a-uuid"})
	require.False(t, resp.Success)
	assert.Equal(t, "InvalidInput: job_id must be a valid UUID", resp.Error)

	resp = call(t, f.srv, rpc.OpCheckIngestionStatus, rpc.CheckIngestionStatusArgs{JobID: uuid.NewString()})
	require.False(t, resp.Success)
	assert.True(t, strings.HasPrefix(resp.Error, "NotFound: "), resp.Error)
}

func TestInitializeContextBuildsVerificationBlock(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	now := time.Now().UTC()

	stale := &types.Memory{
		ID:           uuid.New(),
		Content:      "old deployment runbook",
		CategoryPath: "reference.system.workflow",
		Metadata:     types.Metadata{"ttl_days": float64(1)},
		CreatedAt:    now.AddDate(0, 0, -10),
		UpdatedAt:    now.AddDate(0, 0, -10),
	}
	fresh := &types.Memory{
		ID:           uuid.New(),
		Content:      "# System Primer",
		CategoryPath: "reference.system.primer",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.store.systemEntries = []*types.Memory{fresh, stale}

	past := now.Add(-48 * time.Hour)
	f.store.due = []*types.Memory{{
		ID:           uuid.New(),
		Content:      strings.Repeat("a", 350),
		CategoryPath: "profile.employment",
		VerifyAfter:  &past,
		Metadata:     types.Metadata{"volatility_class": "high"},
	}}

	var res rpc.InitializeContextResult
	decodeData(t, call(t, f.srv, rpc.OpInitializeContext, nil), &res)

	require.Len(t, res.Results, 2)
	assert.False(t, res.Results[0].IsExpired)
	assert.True(t, res.Results[1].IsExpired)
	assert.Contains(t, res.Results[1].Warning, "TTL EXPIRED")
	assert.Contains(t, res.Results[1].Warning, stale.ID.String())

	require.Len(t, res.VerificationRequired, 1)
	assert.Equal(t, types.VolatilityHigh, res.VerificationRequired[0].VolatilityClass)

	block := res.VerificationBlock
	assert.Contains(t, block, "## Verification Required")
	assert.Contains(t, block, res.VerificationRequired[0].MemoryID.String())
	assert.Contains(t, block, strings.Repeat("a", 300)+"...")
	assert.NotContains(t, block, strings.Repeat("a", 301))
	assert.Contains(t, block, "confirm_memory_validity(memory_id)")
}

func TestInitializeContextEmptyBlock(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	var res rpc.InitializeContextResult
	decodeData(t, call(t, f.srv, rpc.OpInitializeContext, nil), &res)
	assert.Empty(t, res.VerificationBlock)
	assert.NotNil(t, res.Results)
	assert.NotNil(t, res.VerificationRequired)
}

func TestSearchMemory(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	id := uuid.New()
	f.store.searchResults = []*types.SearchResult{{
		ID:           id,
		Content:      "the database runs on port 5433",
		CategoryPath: "projects.myapp.infra",
		Score:        0.032,
	}}

	var res rpc.SearchMemoryResult
	decodeData(t, call(t, f.srv, rpc.OpSearchMemory, rpc.SearchMemoryArgs{Query: "database port"}), &res)
	require.Len(t, res.Results, 1)
	assert.Equal(t, id, res.Results[0].ID)
	assert.Equal(t, []uuid.UUID{id}, f.store.touched)

	resp := call(t, f.srv, rpc.OpSearchMemory, rpc.SearchMemoryArgs{Query: "  "})
	require.False(t, resp.Success)
	assert.Equal(t, "InvalidInput: query must be a non-empty string", resp.Error)
}

func TestListCategories(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	f.store.cats = []types.CategoryCount{
		{Path: "profile.identity", Count: 3},
		{Path: "projects.myapp", Count: 7},
	}

	var res rpc.ListCategoriesResult
	decodeData(t, call(t, f.srv, rpc.OpListCategories, nil), &res)
	require.Len(t, res.Categories, 2)
	assert.Equal(t, "profile.identity", res.Categories[0].Path)
	assert.Equal(t, 7, res.Categories[1].Count)
}

func TestMetricsSnapshotCountsRequests(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	call(t, f.srv, rpc.OpPing, nil)
	call(t, f.srv, rpc.OpPing, nil)
	call(t, f.srv, rpc.OpSearchMemory, rpc.SearchMemoryArgs{Query: " "}) // fails validation

	var snap rpc.MetricsSnapshot
	decodeData(t, call(t, f.srv, rpc.OpMetrics, nil), &snap)
	assert.True(t, snap.OK)
	assert.GreaterOrEqual(t, snap.RequestsTotal, int64(3))
	assert.GreaterOrEqual(t, snap.ErrorsTotal, int64(1))

	ops := make(map[string]rpc.OperationMetrics, len(snap.Operations))
	for _, op := range snap.Operations {
		ops[op.Operation] = op
	}
	require.Contains(t, ops, rpc.OpPing)
	assert.Equal(t, int64(2), ops[rpc.OpPing].TotalCount)
	assert.Equal(t, int64(1), ops[rpc.OpSearchMemory].ErrorCount)
}

func TestSearchMemoryEmptyResultsIsArray(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	resp := call(t, f.srv, rpc.OpSearchMemory, rpc.SearchMemoryArgs{Query: "nothing matches"})
	require.True(t, resp.Success)
	assert.Contains(t, string(resp.Data), `"results":[]`)
}

func TestUpdateMemoryFlow(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	id := uuid.New()
	f.store.memories[id] = &types.Memory{
		ID:           id,
		Content:      "works at Initech",
		CategoryPath: "profile.employment",
		Metadata:     types.Metadata{"volatility_class": "high"},
	}

	var res rpc.UpdateMemoryResult
	decodeData(t, call(t, f.srv, rpc.OpUpdateMemory, rpc.UpdateMemoryArgs{
		ID:         id.String(),
		NewContent: "works at Initrode",
	}), &res)

	assert.Equal(t, "works at Initrode", f.tx.updatedContent)
	require.NotNil(t, f.tx.updatedVerify)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 7), *f.tx.updatedVerify, time.Minute)
	assert.Equal(t, "profile.employment", res.CategoryPath)
	assert.Equal(t, "Memory updated in-place. Edges, category, and history preserved.", res.Message)
}

func TestUpdateMemoryValidation(t *testing.T) {
	f := newFixture(t, rpc.Options{})

	resp := call(t, f.srv, rpc.OpUpdateMemory, rpc.UpdateMemoryArgs{ID: "nope", NewContent: "x"})
	require.False(t, resp.Success)
	assert.Equal(t, "InvalidInput: id must be a valid UUID", resp.Error)

	resp = call(t, f.srv, rpc.OpUpdateMemory, rpc.UpdateMemoryArgs{ID: uuid.NewString(), NewContent: " "})
	require.False(t, resp.Success)
	assert.Equal(t, "InvalidInput: new_content must be a non-empty string", resp.Error)

	resp = call(t, f.srv, rpc.OpUpdateMemory, rpc.UpdateMemoryArgs{ID: uuid.NewString(), NewContent: "y"})
	require.False(t, resp.Success)
	assert.True(t, strings.HasPrefix(resp.Error, "NotFound: "), resp.Error)
}

func TestUpdateMemoryMetadata(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	id := uuid.New()
	f.tx.mergeResult = types.Metadata{"tags": []any{"infra"}, "ttl_days": float64(14)}

	resp := call(t, f.srv, rpc.OpUpdateMemoryMetadata, rpc.UpdateMemoryMetadataArgs{
		ID:       id.String(),
		Metadata: types.Metadata{"ttl_days": -2},
	})
	require.False(t, resp.Success)
	assert.Equal(t, "InvalidInput: ttl_days must be a positive integer", resp.Error)

	resp = call(t, f.srv, rpc.OpUpdateMemoryMetadata, rpc.UpdateMemoryMetadataArgs{
		ID:       id.String(),
		Metadata: types.Metadata{"ttl_days": 2.5},
	})
	require.False(t, resp.Success)

	var res rpc.UpdateMemoryMetadataResult
	decodeData(t, call(t, f.srv, rpc.OpUpdateMemoryMetadata, rpc.UpdateMemoryMetadataArgs{
		ID:       id.String(),
		Metadata: types.Metadata{"ttl_days": 14},
	}), &res)
	assert.Equal(t, float64(14), res.Metadata["ttl_days"])
}

func TestUpdateMemoryMetadataMissingRow(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	f.tx.mergeErr = storage.ErrNotFound

	resp := call(t, f.srv, rpc.OpUpdateMemoryMetadata, rpc.UpdateMemoryMetadataArgs{
		ID:       uuid.NewString(),
		Metadata: types.Metadata{"note": "x"},
	})
	require.False(t, resp.Success)
	assert.Contains(t, resp.Error, "not found, is superseded, or is archived")
}

func TestRecategorizeMemory(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	id := uuid.New()
	f.store.memories[id] = &types.Memory{ID: id, CategoryPath: "reference.docs"}

	var res rpc.RecategorizeMemoryResult
	decodeData(t, call(t, f.srv, rpc.OpRecategorizeMemory, rpc.RecategorizeMemoryArgs{
		ID:              id.String(),
		NewCategoryPath: "Projects/MyApp",
	}), &res)
	assert.Equal(t, "projects.myapp", res.NewCategoryPath)
	assert.Equal(t, "projects.myapp", f.tx.setPath)
}

func TestRecategorizePrimerIsConflict(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	id := uuid.New()
	f.store.memories[id] = &types.Memory{ID: id, CategoryPath: "reference.system.primer"}

	resp := call(t, f.srv, rpc.OpRecategorizeMemory, rpc.RecategorizeMemoryArgs{
		ID:              id.String(),
		NewCategoryPath: "concepts.misc",
	})
	require.False(t, resp.Success)
	assert.True(t, strings.HasPrefix(resp.Error, "Conflict: "), resp.Error)
	assert.Contains(t, resp.Error, "reference.system.primer")
}

func TestConfirmMemoryValidity(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	id := uuid.New()
	f.store.memories[id] = &types.Memory{
		ID:       id,
		Metadata: types.Metadata{"volatility_class": "static"},
	}

	var res rpc.ConfirmMemoryValidityResult
	decodeData(t, call(t, f.srv, rpc.OpConfirmMemoryValidity, rpc.ConfirmMemoryValidityArgs{MemoryID: id.String()}), &res)
	assert.Equal(t, types.VolatilityStatic, res.VolatilityClass)
	assert.Nil(t, res.NextVerifyAfter)
	assert.Nil(t, f.tx.setVerify)

	f.store.memories[id].Metadata = types.Metadata{"volatility_class": "medium"}
	decodeData(t, call(t, f.srv, rpc.OpConfirmMemoryValidity, rpc.ConfirmMemoryValidityArgs{MemoryID: id.String()}), &res)
	require.NotNil(t, res.NextVerifyAfter)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 30), *res.NextVerifyAfter, time.Minute)
}

func TestContextRoundTrip(t *testing.T) {
	f := newFixture(t, rpc.Options{})

	var set rpc.SetContextResult
	decodeData(t, call(t, f.srv, rpc.OpSetContext, rpc.SetContextArgs{
		Key:   "current_plan",
		Value: "migrate the staging cluster",
		Scope: "  Planning  ",
	}), &set)
	assert.Equal(t, "planning", set.Scope)
	assert.Equal(t, 24, set.TTLHours)

	var got rpc.GetContextResult
	decodeData(t, call(t, f.srv, rpc.OpGetContext, rpc.GetContextArgs{Key: "current_plan"}), &got)
	assert.Equal(t, "migrate the staging cluster", got.Value)

	var list rpc.ListContextKeysResult
	decodeData(t, call(t, f.srv, rpc.OpListContextKeys, nil), &list)
	assert.Equal(t, 1, list.Count)

	var del rpc.DeleteContextResult
	decodeData(t, call(t, f.srv, rpc.OpDeleteContext, rpc.DeleteContextArgs{Key: "current_plan"}), &del)
	assert.True(t, del.Deleted)

	resp := call(t, f.srv, rpc.OpGetContext, rpc.GetContextArgs{Key: "current_plan"})
	require.False(t, resp.Success)
	assert.True(t, strings.HasPrefix(resp.Error, "NotFound: "), resp.Error)
}

func TestSetContextRejectsBadKey(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	resp := call(t, f.srv, rpc.OpSetContext, rpc.SetContextArgs{Key: "bad key!", Value: "v"})
	require.False(t, resp.Success)
	assert.Equal(t, "InvalidInput: key may only contain letters, numbers, underscores, hyphens, and dots", resp.Error)
}

func TestAdminOpsNotRegisteredOnProduction(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	for _, op := range []string{
		rpc.OpDeleteMemory, rpc.OpBulkMoveCategory, rpc.OpPruneHistory,
		rpc.OpExportMemories, rpc.OpRunDiagnostics, rpc.OpGetIngestionStats,
		rpc.OpFlushStaging, rpc.OpRebuildPrimer,
	} {
		resp := call(t, f.srv, op, nil)
		require.False(t, resp.Success, op)
		assert.Contains(t, resp.Error, "unknown operation", op)
	}
}

func TestDeleteMemoryChain(t *testing.T) {
	f := newFixture(t, rpc.Options{Admin: true})
	id := uuid.New()
	f.tx.deleteCount = 3

	var res rpc.DeleteMemoryResult
	decodeData(t, call(t, f.srv, rpc.OpDeleteMemory, rpc.DeleteMemoryArgs{ID: id.String()}), &res)
	assert.True(t, res.Deleted)
	assert.Equal(t, id, res.ID)
}

func TestDeleteMemoryMissingIsNotAnError(t *testing.T) {
	f := newFixture(t, rpc.Options{Admin: true})
	f.tx.deleteCount = 0

	var res rpc.DeleteMemoryResult
	decodeData(t, call(t, f.srv, rpc.OpDeleteMemory, rpc.DeleteMemoryArgs{ID: uuid.NewString()}), &res)
	assert.True(t, res.OK)
	assert.False(t, res.Deleted)
}

func TestBulkMoveCategory(t *testing.T) {
	f := newFixture(t, rpc.Options{Admin: true})
	f.tx.movedCount = 12

	var res rpc.BulkMoveCategoryResult
	decodeData(t, call(t, f.srv, rpc.OpBulkMoveCategory, rpc.BulkMoveCategoryArgs{
		OldPathPrefix: "software/web",
		NewPathPrefix: "projects/myapp/backend",
	}), &res)
	assert.Equal(t, "software.web", f.tx.movedOld)
	assert.Equal(t, "projects.myapp.backend", f.tx.movedNew)
	assert.Equal(t, int64(12), res.UpdatedCount)
	assert.Equal(t, "Moved 12 active records to projects.myapp.backend.*", res.Message)
}

func TestPruneAndFlush(t *testing.T) {
	f := newFixture(t, rpc.Options{Admin: true})
	f.tx.prunedCount = 4
	f.tx.purgedCount = 9

	var pruned rpc.PruneHistoryResult
	decodeData(t, call(t, f.srv, rpc.OpPruneHistory, rpc.PruneHistoryArgs{DaysOld: 30}), &pruned)
	assert.Equal(t, int64(4), pruned.DeletedCount)
	assert.Equal(t, 30, f.tx.prunedDays)

	resp := call(t, f.srv, rpc.OpPruneHistory, rpc.PruneHistoryArgs{DaysOld: -1})
	require.False(t, resp.Success)

	var flushed rpc.FlushStagingResult
	decodeData(t, call(t, f.srv, rpc.OpFlushStaging, nil), &flushed)
	assert.Equal(t, int64(9), flushed.DeletedCount)
	assert.Equal(t, 7, f.tx.purgedDays)
}

func TestExportMemoriesInline(t *testing.T) {
	f := newFixture(t, rpc.Options{Admin: true})
	f.store.listed = []*types.Memory{
		{ID: uuid.New(), Content: "note", CategoryPath: "reference.docs"},
	}

	var res rpc.ExportMemoriesResult
	decodeData(t, call(t, f.srv, rpc.OpExportMemories, rpc.ExportMemoriesArgs{CategoryPath: "reference"}), &res)
	assert.Equal(t, 1, res.Count)
	require.Len(t, res.Memories, 1)
	assert.Equal(t, "reference.docs", res.Memories[0].CategoryPath)
}

func TestGetIngestionStats(t *testing.T) {
	f := newFixture(t, rpc.Options{Admin: true})
	f.store.stats = &types.JobStats{Pending: 3, Failed: 1}

	var res rpc.GetIngestionStatsResult
	decodeData(t, call(t, f.srv, rpc.OpGetIngestionStats, nil), &res)
	assert.Equal(t, 3, res.Pending)
	assert.Equal(t, 1, res.Failed)
}

func TestRunDiagnostics(t *testing.T) {
	f := newFixture(t, rpc.Options{Admin: true, EmbedDim: 8})
	f.store.integrity = &types.IntegrityStats{ActivePrimers: 1, EmbeddingDim: 8}

	var res rpc.RunDiagnosticsResult
	decodeData(t, call(t, f.srv, rpc.OpRunDiagnostics, nil), &res)
	require.NotEmpty(t, res.Checks)
	assert.Equal(t, "store", res.Checks[0].Name)
	assert.True(t, res.Checks[0].OK)
}

func TestRebuildPrimerWithoutSynthesizer(t *testing.T) {
	f := newFixture(t, rpc.Options{Admin: true})
	resp := call(t, f.srv, rpc.OpRebuildPrimer, nil)
	require.False(t, resp.Success)
	assert.True(t, strings.HasPrefix(resp.Error, "Internal: "), resp.Error)
}

func TestMalformedArgs(t *testing.T) {
	f := newFixture(t, rpc.Options{})
	resp := f.srv.HandleRequest(context.Background(), &rpc.Request{
		Operation: rpc.OpSearchMemory,
		Args:      json.RawMessage(`{"query": 42`),
	})
	require.False(t, resp.Success)
	assert.Contains(t, resp.Error, "InvalidInput: malformed arguments")
}
