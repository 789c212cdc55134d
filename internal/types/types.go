// Package types defines core data structures for the engram memory store.
package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Memory is the unit of durable knowledge. Fresh content is content-addressed
// (the id derives from the normalized text); the replacement record of a
// supersedes resolution carries a random id instead so it stays independent
// of the old content hash.
type Memory struct {
	ID           uuid.UUID       `json:"id"`
	Content      string          `json:"content"`
	Embedding    pgvector.Vector `json:"-"`
	CategoryPath string          `json:"category_path"`
	SupersedesID *uuid.UUID      `json:"supersedes_id,omitempty"` // back-pointer from the old record to its replacement
	ArchivedAt   *time.Time      `json:"archived_at,omitempty"`
	VerifyAfter  *time.Time      `json:"verify_after,omitempty"`
	Metadata     Metadata        `json:"metadata,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// IsActive reports whether the memory participates in active reads.
func (m *Memory) IsActive() bool {
	return m.SupersedesID == nil && m.ArchivedAt == nil
}

// IsExpired reports whether the memory's verification window has passed.
// Memories without a verify_after never expire.
func (m *Memory) IsExpired(now time.Time) bool {
	return m.VerifyAfter != nil && now.After(*m.VerifyAfter)
}

// Metadata is the open key/value map attached to a memory. Recognized keys:
// ttl_days (positive int), tags ([]string), volatility_class.
type Metadata map[string]any

// TTLDays returns the ttl_days value when present and positive.
func (md Metadata) TTLDays() (int, bool) {
	v, ok := md["ttl_days"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		if n > 0 {
			return n, true
		}
	case int64:
		if n > 0 {
			return int(n), true
		}
	case float64: // JSON numbers decode as float64
		if n > 0 {
			return int(n), true
		}
	}
	return 0, false
}

// Tags returns the tags list, tolerating both []string and []any encodings.
func (md Metadata) Tags() []string {
	switch v := md["tags"].(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	}
	return nil
}

// Volatility returns the memory's volatility class, defaulting to low.
func (md Metadata) Volatility() VolatilityClass {
	if s, ok := md["volatility_class"].(string); ok {
		if v := VolatilityClass(s); v.IsValid() {
			return v
		}
	}
	return VolatilityLow
}

// VolatilityClass is a coarse freshness hint controlling the verification
// schedule of a memory.
type VolatilityClass string

const (
	VolatilityStatic VolatilityClass = "static" // never needs verification
	VolatilityHigh   VolatilityClass = "high"   // verify after 7 days
	VolatilityMedium VolatilityClass = "medium" // verify after 30 days
	VolatilityLow    VolatilityClass = "low"    // verify after 365 days
)

// IsValid checks if the volatility class is one of the four legal values.
func (v VolatilityClass) IsValid() bool {
	switch v {
	case VolatilityStatic, VolatilityHigh, VolatilityMedium, VolatilityLow:
		return true
	}
	return false
}

// NextVerify computes the verify_after instant implied by the class.
// Static content returns nil: it never requires verification.
func (v VolatilityClass) NextVerify(now time.Time) *time.Time {
	var d time.Duration
	switch v {
	case VolatilityStatic:
		return nil
	case VolatilityHigh:
		d = 7 * 24 * time.Hour
	case VolatilityMedium:
		d = 30 * 24 * time.Hour
	default: // low and anything unrecognized
		d = 365 * 24 * time.Hour
	}
	t := now.Add(d)
	return &t
}

// EdgeRelation is the type of a directed edge between two memories.
type EdgeRelation string

const (
	RelationSupersedes   EdgeRelation = "supersedes"
	RelationRelatesTo    EdgeRelation = "relates_to"
	RelationDependsOn    EdgeRelation = "depends_on"
	RelationSequenceNext EdgeRelation = "sequence_next"
)

// IsValid checks if the relation is one of the four edge types.
func (r EdgeRelation) IsValid() bool {
	switch r {
	case RelationSupersedes, RelationRelatesTo, RelationDependsOn, RelationSequenceNext:
		return true
	}
	return false
}

// Edge is a directed, typed relationship between two memories. The triple is
// the primary key; edges cascade when either endpoint is deleted.
type Edge struct {
	SourceID uuid.UUID    `json:"source_id"`
	TargetID uuid.UUID    `json:"target_id"`
	Relation EdgeRelation `json:"relation"`
}

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
)

// IngestionJob is a row in the staging table awaiting (or finished with)
// pipeline processing. Pending rows are claimed strictly FIFO by created_at.
type IngestionJob struct {
	JobID     uuid.UUID `json:"job_id"`
	RawText   string    `json:"raw_text"`
	TTLDays   *int      `json:"ttl_days,omitempty"`
	Status    JobStatus `json:"status"`
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ContextEntry is an ephemeral key/value row in the session context store.
type ContextEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Section is one cohesive semantic unit produced by the segmenter.
type Section struct {
	Content         string          `json:"content"`
	CategoryPath    string          `json:"category_path"`
	Tags            []string        `json:"tags,omitempty"`
	VolatilityClass VolatilityClass `json:"volatility_class,omitempty"`
}

// Resolution is the outcome kind of a conflict arbitration.
type Resolution string

const (
	ResolutionSupersedes Resolution = "supersedes"
	ResolutionMerges     Resolution = "merges"
)

// Arbitration is the arbiter's verdict on a conflicting pair of texts.
// UpdatedText is the content the replacement record should carry.
type Arbitration struct {
	Resolution  Resolution `json:"resolution"`
	UpdatedText string     `json:"updated_text"`
}

// Neighbor is the nearest active memory within a category subtree, with its
// cosine similarity to the probe embedding.
type Neighbor struct {
	ID         uuid.UUID
	Content    string
	Similarity float64
}

// SearchResult is one row of a hybrid search response. Content is stitched
// with adjacent sequence chunks when they exist. Score is the reciprocal
// rank fusion of the two per-channel ranks.
type SearchResult struct {
	ID            uuid.UUID  `json:"id"`
	Content       string     `json:"content"`
	CategoryPath  string     `json:"category_path"`
	Score         float64    `json:"score"`
	SemanticScore float64    `json:"semantic_score"`
	KeywordScore  float64    `json:"keyword_score"`
	Expired       bool       `json:"expired"`
	VerifyAfter   *time.Time `json:"verify_after,omitempty"`
	Metadata      Metadata   `json:"metadata,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Warning       string     `json:"warning,omitempty"` // verification / TTL advisory
}

// CategoryCount pairs a taxonomy path with its active memory count.
type CategoryCount struct {
	Path  string `json:"category"`
	Count int    `json:"count"`
}

// HistoryEntry is one link of a supersession chain, oldest first.
// Generation counts hops backward from the queried record (0 = the record
// itself, 1 = its direct predecessor, and so on).
type HistoryEntry struct {
	ID           uuid.UUID  `json:"id"`
	Content      string     `json:"content"`
	SupersededBy *uuid.UUID `json:"superseded_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Generation   int        `json:"generation"`
}

// DocumentChunk is one chunk of a reconstructed document, ordered by its
// signed position relative to the requested chunk (backward = negative).
type DocumentChunk struct {
	ID           uuid.UUID
	Content      string
	CategoryPath string
	Position     int
}

// IntegrityStats carries structural invariant counters for diagnostics:
// every field other than the plain totals should sit at its healthy value
// (one active primer, zero orphans, zero root violations).
type IntegrityStats struct {
	ActiveMemories       int64 `json:"active_memories"`
	ArchivedMemories     int64 `json:"archived_memories"`
	OverdueVerifications int64 `json:"overdue_verifications"`
	OrphanedEdges        int64 `json:"orphaned_edges"`
	ActivePrimers        int64 `json:"active_primers"`
	L1RootViolations     int64 `json:"l1_root_violations"`
	EmbeddingDim         int   `json:"embedding_dim"`
}

// JobStats summarizes the staging table for the ingestion-stats tool.
// LastFailed carries the five most recent failures with their errors.
type JobStats struct {
	Pending    int            `json:"pending"`
	Processing int            `json:"processing"`
	Complete   int            `json:"complete"`
	Failed     int            `json:"failed"`
	OldestWait *time.Time     `json:"oldest_pending_created_at,omitempty"`
	LastFailed []IngestionJob `json:"last_failed,omitempty"`
}
