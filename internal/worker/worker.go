// Package worker drains the ingestion staging queue.
//
// One claim at a time, strictly FIFO. A job interrupted by shutdown is left
// in processing state; the startup reset returns it to pending so no input
// is ever lost.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/telemetry"
	"github.com/engramdev/engram/internal/types"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultErrorPause   = 5 * time.Second

	// maxErrorLength bounds the error column in the staging table.
	maxErrorLength = 1000
)

// Ingestor runs the full pipeline for one raw text payload.
type Ingestor interface {
	Ingest(ctx context.Context, text string, ttlDays *int) (uuid.UUID, error)
}

// Options tunes the polling cadence. Zero values use the defaults.
type Options struct {
	PollInterval time.Duration
	ErrorPause   time.Duration
}

// Worker polls the staging queue and feeds claimed jobs to the pipeline.
type Worker struct {
	store      storage.Storage
	ingest     Ingestor
	poll       time.Duration
	errorPause time.Duration
	log        *zap.Logger
}

// New creates a Worker.
func New(store storage.Storage, ingest Ingestor, opts Options, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	pause := opts.ErrorPause
	if pause <= 0 {
		pause = defaultErrorPause
	}
	workerMetricsOnce.Do(initWorkerMetrics)
	return &Worker{store: store, ingest: ingest, poll: poll, errorPause: pause, log: log}
}

// workerMetrics holds lazily-initialized OTel instruments for the queue.
var workerMetrics struct {
	completed metric.Int64Counter
	failed    metric.Int64Counter
}

var workerMetricsOnce sync.Once

func initWorkerMetrics() {
	m := telemetry.Meter("github.com/engramdev/engram/worker")
	workerMetrics.completed, _ = m.Int64Counter("engram.ingestion.jobs_completed",
		metric.WithDescription("Ingestion jobs completed successfully"),
	)
	workerMetrics.failed, _ = m.Int64Counter("engram.ingestion.jobs_failed",
		metric.WithDescription("Ingestion jobs that ended in failure"),
	)
}

// Run polls until ctx is cancelled. It always returns ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("ingestion worker started")

	// Jobs orphaned by a previous crash go back to pending.
	if reset, err := w.store.ResetProcessingJobs(ctx); err != nil {
		w.log.Warn("could not reset stale ingestion jobs", zap.Error(err))
	} else if reset > 0 {
		w.log.Warn("reset stale processing jobs", zap.Int64("count", reset))
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		job, err := w.store.ClaimNextJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("claiming next job failed", zap.Error(err))
			if !sleepCtx(ctx, w.errorPause) {
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			if !sleepCtx(ctx, w.poll) {
				return ctx.Err()
			}
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *types.IngestionJob) {
	w.log.Info("processing ingestion job",
		zap.Stringer("job_id", job.JobID),
		zap.Int("text_length", len(job.RawText)))

	if _, err := w.ingest.Ingest(ctx, job.RawText, job.TTLDays); err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-job: leave it processing for the startup reset.
			return
		}
		if workerMetrics.failed != nil {
			workerMetrics.failed.Add(ctx, 1)
		}
		w.log.Error("ingestion job failed", zap.Stringer("job_id", job.JobID), zap.Error(err))

		msg := err.Error()
		if len(msg) > maxErrorLength {
			msg = msg[:maxErrorLength]
		}
		if err := w.store.FailJob(ctx, job.JobID, msg); err != nil {
			w.log.Error("could not mark job failed", zap.Stringer("job_id", job.JobID), zap.Error(err))
		}
		return
	}

	if err := w.store.CompleteJob(ctx, job.JobID); err != nil {
		w.log.Error("could not mark job complete", zap.Stringer("job_id", job.JobID), zap.Error(err))
		return
	}
	if workerMetrics.completed != nil {
		workerMetrics.completed.Add(ctx, 1)
	}
	w.log.Info("completed ingestion job", zap.Stringer("job_id", job.JobID))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
