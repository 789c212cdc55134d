// Package rpc exposes the memory store's tool surface over HTTP.
//
// Two server instances run side by side: production carries the read,
// ingest, and update tools an agent needs during a conversation; admin is a
// superset adding destructive and operator tools. Tool-level failures are
// structured results ({"ok":false,"error":"Kind: detail"}), never transport
// errors; HTTP status codes are reserved for transport problems (bad method,
// unknown endpoint, auth, unreadable body).
package rpc

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramdev/engram/internal/diagnostics"
	"github.com/engramdev/engram/internal/export"
	"github.com/engramdev/engram/internal/llm"
	"github.com/engramdev/engram/internal/pipeline"
	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/types"
)

// Operation names. These are the wire-visible tool names; the HTTP layer
// maps service method names onto them.
const (
	// Production surface
	OpInitializeContext     = "initialize_context"
	OpMemorizeContext       = "memorize_context"
	OpCheckIngestionStatus  = "check_ingestion_status"
	OpSearchMemory          = "search_memory"
	OpListCategories        = "list_categories"
	OpExploreTaxonomy       = "explore_taxonomy"
	OpFetchDocument         = "fetch_document"
	OpTraceHistory          = "trace_history"
	OpConfirmMemoryValidity = "confirm_memory_validity"
	OpUpdateMemory          = "update_memory"
	OpUpdateMemoryMetadata  = "update_memory_metadata"
	OpRecategorizeMemory    = "recategorize_memory"
	OpSetContext            = "set_context"
	OpGetContext            = "get_context"
	OpDeleteContext         = "delete_context"
	OpListContextKeys       = "list_context_keys"
	OpExtendContextTTL      = "extend_context_ttl"
	OpPing                  = "ping"
	OpHealth                = "health"
	OpMetrics               = "metrics"

	// Admin-only surface
	OpDeleteMemory      = "delete_memory"
	OpBulkMoveCategory  = "bulk_move_category"
	OpPruneHistory      = "prune_history"
	OpExportMemories    = "export_memories"
	OpRunDiagnostics    = "run_diagnostics"
	OpGetIngestionStats = "get_ingestion_stats"
	OpFlushStaging      = "flush_staging"
	OpRebuildPrimer     = "rebuild_primer"
)

// Request is the envelope dispatched to a handler.
type Request struct {
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Response is the envelope a handler returns. On success Data holds the
// tool result (which itself carries "ok":true); on failure Error holds the
// kind-prefixed message.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Error kinds. Stable prefixes clients can dispatch on without parsing the
// rest of the message.
const (
	KindInvalidInput         = "InvalidInput"
	KindNotFound             = "NotFound"
	KindConflict             = "Conflict"
	KindEmbeddingDimMismatch = "EmbeddingDimMismatch"
	KindLLMUnavailable       = "LLMUnavailable"
	KindStoreUnavailable     = "StoreUnavailable"
	KindNoSectionsProduced   = "NoSectionsProduced"
	KindInternal             = "Internal"
)

// maxErrorDetail bounds the detail portion of an error string so a stack of
// wrapped diagnostics cannot bloat the wire response.
const maxErrorDetail = 1000

// kindTable maps sentinels to kinds. Order matters: more specific sentinels
// first, since llm errors can wrap ErrUnavailable and a dimension mismatch
// at once.
var kindTable = []struct {
	sentinel error
	kind     string
}{
	{storage.ErrInvalidInput, KindInvalidInput},
	{storage.ErrNotFound, KindNotFound},
	{storage.ErrConflict, KindConflict},
	{llm.ErrDimensionMismatch, KindEmbeddingDimMismatch},
	{llm.ErrUnavailable, KindLLMUnavailable},
	{pipeline.ErrNoSections, KindNoSectionsProduced},
	{storage.ErrUnavailable, KindStoreUnavailable},
}

// ClassifyError returns the error kind for err.
func ClassifyError(err error) string {
	for _, m := range kindTable {
		if errors.Is(err, m.sentinel) {
			return m.kind
		}
	}
	return KindInternal
}

// NewErrorResponse converts err into a failed Response with a
// "Kind: detail" error string.
func NewErrorResponse(err error) *Response {
	kind := KindInternal
	detail := err.Error()
	for _, m := range kindTable {
		if errors.Is(err, m.sentinel) {
			kind = m.kind
			// Drop the sentinel's own text when it leads the message, so
			// the kind prefix is not immediately restated.
			if rest, ok := strings.CutPrefix(detail, m.sentinel.Error()+": "); ok {
				detail = rest
			}
			break
		}
	}
	if len(detail) > maxErrorDetail {
		detail = detail[:maxErrorDetail]
	}
	return &Response{Success: false, Error: kind + ": " + detail}
}

// NewSuccessResponse wraps data in a successful Response.
func NewSuccessResponse(data any) *Response {
	raw, err := json.Marshal(data)
	if err != nil {
		return NewErrorResponse(err)
	}
	return &Response{Success: true, Data: raw}
}

// Args for each operation. Field names follow the tool signatures.

type MemorizeContextArgs struct {
	Text    string `json:"text"`
	TTLDays *int   `json:"ttl_days,omitempty"`
}

type CheckIngestionStatusArgs struct {
	JobID string `json:"job_id"`
}

type SearchMemoryArgs struct {
	Query        string `json:"query"`
	CategoryPath string `json:"category_path,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

type ExploreTaxonomyArgs struct {
	Path string `json:"path,omitempty"`
}

type FetchDocumentArgs struct {
	MemoryID string `json:"memory_id"`
}

type TraceHistoryArgs struct {
	MemoryID string `json:"memory_id"`
}

type ConfirmMemoryValidityArgs struct {
	MemoryID string `json:"memory_id"`
}

type UpdateMemoryArgs struct {
	ID         string `json:"id"`
	NewContent string `json:"new_content"`
}

type UpdateMemoryMetadataArgs struct {
	ID       string         `json:"id"`
	Metadata types.Metadata `json:"metadata"`
}

type RecategorizeMemoryArgs struct {
	ID              string `json:"id"`
	NewCategoryPath string `json:"new_category_path"`
}

type DeleteMemoryArgs struct {
	ID string `json:"id"`
}

type BulkMoveCategoryArgs struct {
	OldPathPrefix string `json:"old_path_prefix"`
	NewPathPrefix string `json:"new_path_prefix"`
}

type PruneHistoryArgs struct {
	DaysOld int `json:"days_old"`
}

type ExportMemoriesArgs struct {
	CategoryPath string `json:"category_path,omitempty"`
}

type FlushStagingArgs struct {
	DaysOld int `json:"days_old,omitempty"`
}

type SetContextArgs struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	TTLHours int    `json:"ttl_hours,omitempty"`
	Scope    string `json:"scope,omitempty"`
}

type GetContextArgs struct {
	Key string `json:"key"`
}

type DeleteContextArgs struct {
	Key string `json:"key"`
}

type ListContextKeysArgs struct {
	Scope string `json:"scope,omitempty"`
}

type ExtendContextTTLArgs struct {
	Key             string `json:"key"`
	AdditionalHours int    `json:"additional_hours"`
}

// Results. Every successful result carries OK=true so the wire shape reads
// {"ok":true, ...} regardless of transport.

// SystemEntry is one reference.system.* record in the initialization
// payload, with TTL staleness surfaced inline.
type SystemEntry struct {
	ID           uuid.UUID      `json:"id"`
	Content      string         `json:"content"`
	CategoryPath string         `json:"category_path"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Metadata     types.Metadata `json:"metadata"`
	IsExpired    bool           `json:"is_expired,omitempty"`
	Warning      string         `json:"warning,omitempty"`
}

// VerificationItem is one record past its verification deadline.
type VerificationItem struct {
	MemoryID        uuid.UUID             `json:"memory_id"`
	Content         string                `json:"content"`
	CategoryPath    string                `json:"category_path"`
	VerifyAfter     time.Time             `json:"verify_after"`
	VolatilityClass types.VolatilityClass `json:"volatility_class"`
}

type InitializeContextResult struct {
	OK                   bool               `json:"ok"`
	Results              []SystemEntry      `json:"results"`
	VerificationRequired []VerificationItem `json:"verification_required"`
	VerificationBlock    string             `json:"verification_block"`
}

type MemorizeContextResult struct {
	OK      bool      `json:"ok"`
	JobID   uuid.UUID `json:"job_id"`
	Message string    `json:"message"`
}

type CheckIngestionStatusResult struct {
	OK        bool            `json:"ok"`
	JobID     uuid.UUID       `json:"job_id"`
	Status    types.JobStatus `json:"status"`
	Error     *string         `json:"error"`
	CreatedAt time.Time       `json:"created_at"`
}

type SearchMemoryResult struct {
	OK      bool                  `json:"ok"`
	Results []*types.SearchResult `json:"results"`
}

type ListCategoriesResult struct {
	OK         bool                  `json:"ok"`
	Categories []types.CategoryCount `json:"categories"`
}

type ExploreTaxonomyResult struct {
	OK         bool                  `json:"ok"`
	Path       string                `json:"path"`
	Tree       string                `json:"tree"`
	Total      int                   `json:"total"`
	Categories []types.CategoryCount `json:"categories,omitempty"`
}

type FetchDocumentResult struct {
	OK           bool      `json:"ok"`
	MemoryID     uuid.UUID `json:"memory_id"`
	ChunkCount   int       `json:"chunk_count"`
	CategoryPath string    `json:"category_path"`
	Content      string    `json:"content"`
}

type TraceHistoryResult struct {
	OK           bool                 `json:"ok"`
	MemoryID     uuid.UUID            `json:"memory_id"`
	VersionCount int                  `json:"version_count"`
	Chain        []types.HistoryEntry `json:"chain"`
}

type ConfirmMemoryValidityResult struct {
	OK              bool                  `json:"ok"`
	MemoryID        uuid.UUID             `json:"memory_id"`
	VolatilityClass types.VolatilityClass `json:"volatility_class"`
	NextVerifyAfter *time.Time            `json:"next_verify_after"`
}

type UpdateMemoryResult struct {
	OK           bool      `json:"ok"`
	ID           uuid.UUID `json:"id"`
	CategoryPath string    `json:"category_path"`
	Message      string    `json:"message"`
}

type UpdateMemoryMetadataResult struct {
	OK       bool           `json:"ok"`
	ID       uuid.UUID      `json:"id"`
	Metadata types.Metadata `json:"metadata"`
}

type RecategorizeMemoryResult struct {
	OK              bool      `json:"ok"`
	ID              uuid.UUID `json:"id"`
	NewCategoryPath string    `json:"new_category_path"`
}

type DeleteMemoryResult struct {
	OK      bool      `json:"ok"`
	Deleted bool      `json:"deleted"`
	ID      uuid.UUID `json:"id"`
}

type BulkMoveCategoryResult struct {
	OK           bool   `json:"ok"`
	UpdatedCount int64  `json:"updated_count"`
	Message      string `json:"message"`
}

type PruneHistoryResult struct {
	OK           bool  `json:"ok"`
	DeletedCount int64 `json:"deleted_count"`
}

type ExportMemoriesResult struct {
	OK       bool            `json:"ok"`
	Count    int             `json:"count"`
	Memories []export.Record `json:"memories"`
}

type RunDiagnosticsResult struct {
	OK     bool                `json:"ok"`
	Checks []diagnostics.Check `json:"checks"`
}

type GetIngestionStatsResult struct {
	OK bool `json:"ok"`
	types.JobStats
}

type FlushStagingResult struct {
	OK           bool  `json:"ok"`
	DeletedCount int64 `json:"deleted_count"`
}

type RebuildPrimerResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type SetContextResult struct {
	OK        bool      `json:"ok"`
	Key       string    `json:"key"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
	TTLHours  int       `json:"ttl_hours"`
}

type GetContextResult struct {
	OK        bool      `json:"ok"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type DeleteContextResult struct {
	OK      bool   `json:"ok"`
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
}

// ContextKeyInfo lists a key without its value.
type ContextKeyInfo struct {
	Key       string    `json:"key"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ListContextKeysResult struct {
	OK      bool             `json:"ok"`
	Count   int              `json:"count"`
	Entries []ContextKeyInfo `json:"entries"`
}

type ExtendContextTTLResult struct {
	OK           bool      `json:"ok"`
	Key          string    `json:"key"`
	NewExpiresAt time.Time `json:"new_expires_at"`
}

type PingResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// HealthResult is served both as the health operation and on the
// unauthenticated /health route.
type HealthResult struct {
	OK      bool    `json:"ok"`
	Status  string  `json:"status"`
	Version string  `json:"version"`
	Uptime  float64 `json:"uptime_seconds"`
	Error   string  `json:"error,omitempty"`
}
