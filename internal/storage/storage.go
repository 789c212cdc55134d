// Package storage defines the persistence contract for the memory store.
//
// The concrete implementation lives in the postgres sub-package. This package
// holds the interface and sentinel errors that are referenced by both the
// implementation and its consumers (pipeline, retrieval, primer, rpc,
// cmd/engram).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/engramdev/engram/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist, is
// superseded, or is archived (callers that need historical rows say so
// explicitly).
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write collides with a structural invariant,
// such as recategorizing the system primer away from its fixed path.
var ErrConflict = errors.New("conflict")

// ErrInvalidInput is returned for malformed identifiers, paths, or values
// that were rejected before reaching the database.
var ErrInvalidInput = errors.New("invalid input")

// ErrUnavailable is returned when the database cannot be reached or when the
// persisted schema does not match the configured embedding dimension.
var ErrUnavailable = errors.New("store unavailable")

// Storage is the interface satisfied by *postgres.Store.
// Consumers depend on this interface rather than on the concrete type so that
// alternative implementations (mocks, proxies, etc.) can be substituted.
type Storage interface {
	// Memory reads
	GetMemory(ctx context.Context, id uuid.UUID) (*types.Memory, error)
	MemoryExists(ctx context.Context, id uuid.UUID) (bool, error)
	NearestActiveNeighbor(ctx context.Context, embedding pgvector.Vector, categoryPath string) (*types.Neighbor, error)
	TopTaxonomyPaths(ctx context.Context, limit int) ([]string, error)
	CategoryCounts(ctx context.Context, root string) ([]types.CategoryCount, error)
	ListMemories(ctx context.Context, root string, includeHistorical bool) ([]*types.Memory, error)

	// Retrieval
	HybridSearch(ctx context.Context, embedding pgvector.Vector, query, categoryPath string, limit int) ([]*types.SearchResult, error)
	DocumentChunks(ctx context.Context, id uuid.UUID) ([]types.DocumentChunk, error)
	HistoryChain(ctx context.Context, id uuid.UUID) ([]types.HistoryEntry, error)
	TouchMemories(ctx context.Context, ids []uuid.UUID, at time.Time) error

	// Primer inputs
	ActivePrimer(ctx context.Context) (*types.Memory, error)
	SystemReferenceEntries(ctx context.Context) ([]*types.Memory, error)
	VerificationDue(ctx context.Context, limit int) ([]*types.Memory, error)
	ProfileContents(ctx context.Context) ([]string, error)
	CachedProfileSummary(ctx context.Context) (string, error)

	// Ingestion queue
	EnqueueJob(ctx context.Context, rawText string, ttlDays *int) (uuid.UUID, error)
	GetJob(ctx context.Context, id uuid.UUID) (*types.IngestionJob, error)
	ClaimNextJob(ctx context.Context) (*types.IngestionJob, error)
	CompleteJob(ctx context.Context, id uuid.UUID) error
	FailJob(ctx context.Context, id uuid.UUID, msg string) error
	ResetProcessingJobs(ctx context.Context) (int64, error)
	JobStats(ctx context.Context) (*types.JobStats, error)

	// Context store
	SetContextEntry(ctx context.Context, e *types.ContextEntry) error
	GetContextEntry(ctx context.Context, key string) (*types.ContextEntry, error)
	DeleteContextEntry(ctx context.Context, key string) (bool, error)
	ListContextEntries(ctx context.Context, scope string) ([]*types.ContextEntry, error)
	ExtendContextTTL(ctx context.Context, key string, hours int) (time.Time, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	IntegrityStats(ctx context.Context) (*types.IntegrityStats, error)
	Close()
}

// Transaction provides atomic multi-operation support within a single
// database transaction.
//
// The Transaction interface exposes the write methods of the store. Changes
// are not visible to other connections until commit; if the callback returns
// an error or panics, the transaction is rolled back, and on successful
// return it is committed.
//
// # Example Usage
//
//	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
//	    if err := tx.LockCategoryRoot(ctx, "projects"); err != nil {
//	        return err // Triggers rollback
//	    }
//	    if _, err := tx.UpsertMemory(ctx, mem); err != nil {
//	        return err // Triggers rollback
//	    }
//	    return tx.InsertEdge(ctx, edge) // nil triggers commit
//	})
type Transaction interface {
	// LockCategoryRoot serializes writers touching the same taxonomy root.
	// The lock is advisory and scoped to the transaction; it releases on
	// commit or rollback.
	LockCategoryRoot(ctx context.Context, root string) error

	// Memory writes. UpsertMemory reports whether the row was created
	// rather than refreshed (conflict on an existing id only bumps
	// updated_at).
	UpsertMemory(ctx context.Context, m *types.Memory) (inserted bool, err error)
	MarkSuperseded(ctx context.Context, oldID, newID uuid.UUID, at time.Time) error
	RewireEdges(ctx context.Context, oldID, newID uuid.UUID) error
	InsertEdge(ctx context.Context, e types.Edge) error
	LinkRelated(ctx context.Context, id uuid.UUID, embedding pgvector.Vector, categoryPath string, threshold float64, limit int) (int64, error)
	TouchMemory(ctx context.Context, id uuid.UUID, at time.Time) error

	// Single-record maintenance
	UpdateMemoryContent(ctx context.Context, id uuid.UUID, content string, embedding pgvector.Vector, verifyAfter *time.Time, at time.Time) error
	MergeMemoryMetadata(ctx context.Context, id uuid.UUID, patch types.Metadata, at time.Time) (types.Metadata, error)
	SetCategoryPath(ctx context.Context, id uuid.UUID, path string, at time.Time) error
	SetVerifyAfter(ctx context.Context, id uuid.UUID, verifyAfter *time.Time, at time.Time) error
	DeleteMemoryChain(ctx context.Context, id uuid.UUID) (int64, error)
	BulkMoveCategory(ctx context.Context, oldPrefix, newPrefix string, at time.Time) (int64, error)

	// Aging sweep
	ArchiveExpiredTTL(ctx context.Context, at time.Time) (int64, error)
	HardDeleteArchived(ctx context.Context) (int64, error)
	PurgeStaging(ctx context.Context, retentionDays int) (int64, error)
	PurgeExpiredContext(ctx context.Context) (int64, error)
	PruneHistory(ctx context.Context, olderThanDays int) (int64, error)

	// Primer. UpsertPrimer differs from UpsertMemory on id conflict: it
	// restores the row to active (clears supersession and archival) so a
	// primer whose content cycled back to an earlier version resurfaces.
	UpsertPrimer(ctx context.Context, m *types.Memory) error
	SupersedeOtherPrimers(ctx context.Context, keepID uuid.UUID, at time.Time) (int64, error)
	SetCachedProfileSummary(ctx context.Context, summary string, at time.Time) error

	// For read-your-writes within the transaction
	GetMemory(ctx context.Context, id uuid.UUID) (*types.Memory, error)
	MemoryExists(ctx context.Context, id uuid.UUID) (bool, error)
}
