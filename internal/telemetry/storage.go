package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/types"
)

const storageScopeName = "github.com/engramdev/engram/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in engram.storage.* metrics.
// Memory content, query text, and context values never appear in span
// attributes; only identifiers, paths, and counts do.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner       storage.Storage
	tracer      trace.Tracer
	ops         metric.Int64Counter
	dur         metric.Float64Histogram
	errs        metric.Int64Counter
	memoryGauge metric.Int64Gauge
	queueGauge  metric.Int64Gauge
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("engram.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("engram.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("engram.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	memoryGauge, _ := m.Int64Gauge("engram.memory.count",
		metric.WithDescription("Memory rows by state (snapshot from IntegrityStats)"),
	)
	queueGauge, _ := m.Int64Gauge("engram.ingestion.queue",
		metric.WithDescription("Staging jobs by status (snapshot from JobStats)"),
	)
	return &InstrumentedStorage{
		inner:       s,
		tracer:      Tracer(storageScopeName),
		ops:         ops,
		dur:         dur,
		errs:        errs,
		memoryGauge: memoryGauge,
		queueGauge:  queueGauge,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Memory reads ─────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) GetMemory(ctx context.Context, id uuid.UUID) (*types.Memory, error) {
	attrs := []attribute.KeyValue{attribute.String("engram.memory.id", id.String())}
	ctx, span, t := s.op(ctx, "GetMemory", attrs...)
	v, err := s.inner.GetMemory(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) MemoryExists(ctx context.Context, id uuid.UUID) (bool, error) {
	attrs := []attribute.KeyValue{attribute.String("engram.memory.id", id.String())}
	ctx, span, t := s.op(ctx, "MemoryExists", attrs...)
	v, err := s.inner.MemoryExists(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) NearestActiveNeighbor(ctx context.Context, embedding pgvector.Vector, categoryPath string) (*types.Neighbor, error) {
	attrs := []attribute.KeyValue{attribute.String("engram.category", categoryPath)}
	ctx, span, t := s.op(ctx, "NearestActiveNeighbor", attrs...)
	v, err := s.inner.NearestActiveNeighbor(ctx, embedding, categoryPath)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) TopTaxonomyPaths(ctx context.Context, limit int) ([]string, error) {
	attrs := []attribute.KeyValue{attribute.Int("engram.limit", limit)}
	ctx, span, t := s.op(ctx, "TopTaxonomyPaths", attrs...)
	v, err := s.inner.TopTaxonomyPaths(ctx, limit)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) CategoryCounts(ctx context.Context, root string) ([]types.CategoryCount, error) {
	attrs := []attribute.KeyValue{attribute.String("engram.root", root)}
	ctx, span, t := s.op(ctx, "CategoryCounts", attrs...)
	v, err := s.inner.CategoryCounts(ctx, root)
	if err == nil {
		span.SetAttributes(attribute.Int("engram.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListMemories(ctx context.Context, root string, includeHistorical bool) ([]*types.Memory, error) {
	attrs := []attribute.KeyValue{
		attribute.String("engram.root", root),
		attribute.Bool("engram.historical", includeHistorical),
	}
	ctx, span, t := s.op(ctx, "ListMemories", attrs...)
	v, err := s.inner.ListMemories(ctx, root, includeHistorical)
	if err == nil {
		span.SetAttributes(attribute.Int("engram.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Retrieval ────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) HybridSearch(ctx context.Context, embedding pgvector.Vector, query, categoryPath string, limit int) ([]*types.SearchResult, error) {
	attrs := []attribute.KeyValue{
		attribute.String("engram.category", categoryPath),
		attribute.Int("engram.limit", limit),
	}
	ctx, span, t := s.op(ctx, "HybridSearch", attrs...)
	v, err := s.inner.HybridSearch(ctx, embedding, query, categoryPath, limit)
	if err == nil {
		span.SetAttributes(attribute.Int("engram.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) DocumentChunks(ctx context.Context, id uuid.UUID) ([]types.DocumentChunk, error) {
	attrs := []attribute.KeyValue{attribute.String("engram.memory.id", id.String())}
	ctx, span, t := s.op(ctx, "DocumentChunks", attrs...)
	v, err := s.inner.DocumentChunks(ctx, id)
	if err == nil {
		span.SetAttributes(attribute.Int("engram.chunk.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) HistoryChain(ctx context.Context, id uuid.UUID) ([]types.HistoryEntry, error) {
	attrs := []attribute.KeyValue{attribute.String("engram.memory.id", id.String())}
	ctx, span, t := s.op(ctx, "HistoryChain", attrs...)
	v, err := s.inner.HistoryChain(ctx, id)
	if err == nil {
		span.SetAttributes(attribute.Int("engram.chain.length", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) TouchMemories(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	attrs := []attribute.KeyValue{attribute.Int("engram.memory.count", len(ids))}
	ctx, span, t := s.op(ctx, "TouchMemories", attrs...)
	err := s.inner.TouchMemories(ctx, ids, at)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Primer inputs ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) ActivePrimer(ctx context.Context) (*types.Memory, error) {
	ctx, span, t := s.op(ctx, "ActivePrimer")
	v, err := s.inner.ActivePrimer(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) SystemReferenceEntries(ctx context.Context) ([]*types.Memory, error) {
	ctx, span, t := s.op(ctx, "SystemReferenceEntries")
	v, err := s.inner.SystemReferenceEntries(ctx)
	if err == nil {
		span.SetAttributes(attribute.Int("engram.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) VerificationDue(ctx context.Context, limit int) ([]*types.Memory, error) {
	attrs := []attribute.KeyValue{attribute.Int("engram.limit", limit)}
	ctx, span, t := s.op(ctx, "VerificationDue", attrs...)
	v, err := s.inner.VerificationDue(ctx, limit)
	if err == nil {
		span.SetAttributes(attribute.Int("engram.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ProfileContents(ctx context.Context) ([]string, error) {
	ctx, span, t := s.op(ctx, "ProfileContents")
	v, err := s.inner.ProfileContents(ctx)
	if err == nil {
		span.SetAttributes(attribute.Int("engram.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) CachedProfileSummary(ctx context.Context) (string, error) {
	ctx, span, t := s.op(ctx, "CachedProfileSummary")
	v, err := s.inner.CachedProfileSummary(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Ingestion queue ──────────────────────────────────────────────────────────

func (s *InstrumentedStorage) EnqueueJob(ctx context.Context, rawText string, ttlDays *int) (uuid.UUID, error) {
	attrs := []attribute.KeyValue{attribute.Int("engram.text.length", len(rawText))}
	ctx, span, t := s.op(ctx, "EnqueueJob", attrs...)
	id, err := s.inner.EnqueueJob(ctx, rawText, ttlDays)
	if err == nil {
		span.SetAttributes(attribute.String("engram.job.id", id.String()))
	}
	s.done(ctx, span, t, err, attrs...)
	return id, err
}

func (s *InstrumentedStorage) GetJob(ctx context.Context, id uuid.UUID) (*types.IngestionJob, error) {
	attrs := []attribute.KeyValue{attribute.String("engram.job.id", id.String())}
	ctx, span, t := s.op(ctx, "GetJob", attrs...)
	v, err := s.inner.GetJob(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ClaimNextJob(ctx context.Context) (*types.IngestionJob, error) {
	ctx, span, t := s.op(ctx, "ClaimNextJob")
	v, err := s.inner.ClaimNextJob(ctx)
	if err == nil && v != nil {
		span.SetAttributes(attribute.String("engram.job.id", v.JobID.String()))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) CompleteJob(ctx context.Context, id uuid.UUID) error {
	attrs := []attribute.KeyValue{attribute.String("engram.job.id", id.String())}
	ctx, span, t := s.op(ctx, "CompleteJob", attrs...)
	err := s.inner.CompleteJob(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) FailJob(ctx context.Context, id uuid.UUID, msg string) error {
	attrs := []attribute.KeyValue{attribute.String("engram.job.id", id.String())}
	ctx, span, t := s.op(ctx, "FailJob", attrs...)
	err := s.inner.FailJob(ctx, id, msg)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ResetProcessingJobs(ctx context.Context) (int64, error) {
	ctx, span, t := s.op(ctx, "ResetProcessingJobs")
	n, err := s.inner.ResetProcessingJobs(ctx)
	if err == nil {
		span.SetAttributes(attribute.Int64("engram.reset.count", n))
	}
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStorage) JobStats(ctx context.Context) (*types.JobStats, error) {
	ctx, span, t := s.op(ctx, "JobStats")
	v, err := s.inner.JobStats(ctx)
	s.done(ctx, span, t, err)
	if err == nil && v != nil {
		// Record queue depths as gauge snapshots, broken down by status.
		statusAttr := func(status string) metric.MeasurementOption {
			return metric.WithAttributes(attribute.String("status", status))
		}
		s.queueGauge.Record(ctx, int64(v.Pending), statusAttr("pending"))
		s.queueGauge.Record(ctx, int64(v.Processing), statusAttr("processing"))
		s.queueGauge.Record(ctx, int64(v.Complete), statusAttr("complete"))
		s.queueGauge.Record(ctx, int64(v.Failed), statusAttr("failed"))
	}
	return v, err
}

// ── Context store ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) SetContextEntry(ctx context.Context, e *types.ContextEntry) error {
	attrs := []attribute.KeyValue{
		attribute.String("engram.context.key", e.Key),
		attribute.String("engram.context.scope", e.Scope),
	}
	ctx, span, t := s.op(ctx, "SetContextEntry", attrs...)
	err := s.inner.SetContextEntry(ctx, e)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetContextEntry(ctx context.Context, key string) (*types.ContextEntry, error) {
	attrs := []attribute.KeyValue{attribute.String("engram.context.key", key)}
	ctx, span, t := s.op(ctx, "GetContextEntry", attrs...)
	v, err := s.inner.GetContextEntry(ctx, key)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) DeleteContextEntry(ctx context.Context, key string) (bool, error) {
	attrs := []attribute.KeyValue{attribute.String("engram.context.key", key)}
	ctx, span, t := s.op(ctx, "DeleteContextEntry", attrs...)
	v, err := s.inner.DeleteContextEntry(ctx, key)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListContextEntries(ctx context.Context, scope string) ([]*types.ContextEntry, error) {
	attrs := []attribute.KeyValue{attribute.String("engram.context.scope", scope)}
	ctx, span, t := s.op(ctx, "ListContextEntries", attrs...)
	v, err := s.inner.ListContextEntries(ctx, scope)
	if err == nil {
		span.SetAttributes(attribute.Int("engram.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ExtendContextTTL(ctx context.Context, key string, hours int) (time.Time, error) {
	attrs := []attribute.KeyValue{
		attribute.String("engram.context.key", key),
		attribute.Int("engram.context.hours", hours),
	}
	ctx, span, t := s.op(ctx, "ExtendContextTTL", attrs...)
	v, err := s.inner.ExtendContextTTL(ctx, key, hours)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Transactions ─────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Ping")
	err := s.inner.Ping(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) IntegrityStats(ctx context.Context) (*types.IntegrityStats, error) {
	ctx, span, t := s.op(ctx, "IntegrityStats")
	v, err := s.inner.IntegrityStats(ctx)
	s.done(ctx, span, t, err)
	if err == nil && v != nil {
		// Record memory counts as gauge snapshots, broken down by state.
		stateAttr := func(state string) metric.MeasurementOption {
			return metric.WithAttributes(attribute.String("state", state))
		}
		s.memoryGauge.Record(ctx, v.ActiveMemories, stateAttr("active"))
		s.memoryGauge.Record(ctx, v.ArchivedMemories, stateAttr("archived"))
	}
	return v, err
}

func (s *InstrumentedStorage) Close() {
	s.inner.Close()
}
