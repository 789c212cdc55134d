// Package llm wraps the OpenAI API behind the Gateway interface consumed by
// the ingestion pipeline, retrieval, and the primer builder.
//
// Calls are gated by a weighted semaphore and retried with exponential
// backoff. Segmentation and arbitration degrade to deterministic fallbacks
// instead of failing: a broken model response must never lose user input.
// Embedding errors are fatal to the caller because a record without a vector
// cannot be persisted.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/engramdev/engram/internal/types"
)

// ErrAPIKeyRequired is returned when no API key is configured.
var ErrAPIKeyRequired = errors.New("API key required")

// ErrUnavailable is returned when an API call failed for good after the
// retry budget, or aborted on a non-retryable status.
var ErrUnavailable = errors.New("llm unavailable")

// ErrDimensionMismatch is returned when the embeddings endpoint produced a
// vector whose length differs from the configured dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Gateway is the model surface the rest of the system depends on.
type Gateway interface {
	// Embed returns the embedding vector for text, validated against the
	// configured dimension.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// Segment splits text into cohesive sections with sanitized taxonomy
	// paths. activeTaxonomy lists existing paths (one per line) the model
	// should prefer reusing. Never returns an empty slice together with a
	// nil error unless every section fell below the minimum length.
	Segment(ctx context.Context, text, activeTaxonomy string) ([]types.Section, error)

	// Arbitrate decides whether newText supersedes or merges with oldText
	// and produces the content the surviving record should carry.
	Arbitrate(ctx context.Context, oldText, newText string) (types.Arbitration, error)

	// SummarizeProfile condenses profile memory contents into a short
	// briefing paragraph. Returns "" when chunks is empty.
	SummarizeProfile(ctx context.Context, chunks []string) (string, error)
}

// Options configures a Client. All fields mirror environment settings in
// internal/config.
type Options struct {
	APIKey            string
	EmbeddingModel    string
	ExtractModel      string
	ConflictModel     string
	ExtractReasoning  string
	ConflictReasoning string
	EmbedDim          int
	Timeout           time.Duration
	MaxAttempts       int
	MaxConcurrent     int
	MinSectionLength  int
	Logger            *zap.Logger
}

// Client implements Gateway against the OpenAI API.
type Client struct {
	api            openai.Client
	log            *zap.Logger
	sem            *semaphore.Weighted
	embedModel     string
	extractModel   string
	conflictModel  string
	extractEffort  openai.ReasoningEffort
	conflictEffort openai.ReasoningEffort
	embedDim       int
	timeout        time.Duration
	maxAttempts    int
	minSection     int
}

// New creates a Client. The API key must be present; everything else falls
// back to a safe default so tests can construct partial clients.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: set OPENAI_API_KEY", ErrAPIKeyRequired)
	}
	if opts.EmbedDim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive (got %d)", opts.EmbedDim)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	concurrent := opts.MaxConcurrent
	if concurrent < 1 {
		concurrent = 1
	}

	llmMetricsOnce.Do(initLLMMetrics)

	return &Client{
		api:            openai.NewClient(option.WithAPIKey(opts.APIKey)),
		log:            log,
		sem:            semaphore.NewWeighted(int64(concurrent)),
		embedModel:     opts.EmbeddingModel,
		extractModel:   opts.ExtractModel,
		conflictModel:  opts.ConflictModel,
		extractEffort:  openai.ReasoningEffort(opts.ExtractReasoning),
		conflictEffort: openai.ReasoningEffort(opts.ConflictReasoning),
		embedDim:       opts.EmbedDim,
		timeout:        timeout,
		maxAttempts:    attempts,
		minSection:     opts.MinSectionLength,
	}, nil
}

var _ Gateway = (*Client)(nil)
