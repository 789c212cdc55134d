package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/engramdev/engram/internal/contextstore"
	"github.com/engramdev/engram/internal/llm"
	"github.com/engramdev/engram/internal/primer"
	"github.com/engramdev/engram/internal/retrieval"
	"github.com/engramdev/engram/internal/storage"
)

// defaultMaxMemorizeChars bounds memorize_context input when Options does
// not say otherwise.
const defaultMaxMemorizeChars = 500000

// HandlerFunc processes a single request.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Options carries the per-instance knobs; collaborators are constructor
// arguments.
type Options struct {
	// Admin registers the destructive and operator tools in addition to
	// the production set.
	Admin bool

	// Version is reported by health.
	Version string

	// MaxMemorizeChars caps memorize_context input length.
	MaxMemorizeChars int

	// EmbedDim is the configured embedding width, passed to diagnostics.
	EmbedDim int
}

// Server dispatches tool requests. One instance serves one surface
// (production or admin); both may share the same collaborators.
type Server struct {
	store    storage.Storage
	gateway  llm.Gateway
	searcher *retrieval.Searcher
	contexts *contextstore.Service
	primer   *primer.Synthesizer

	admin       bool
	version     string
	maxMemorize int
	embedDim    int

	handlers map[string]HandlerFunc
	metrics  *Metrics
	log      *zap.Logger
}

// NewServer creates a Server. gateway may be nil on an admin instance
// without model credentials; operations that need it then fail with
// LLMUnavailable and diagnostics skip the reachability probe.
func NewServer(store storage.Storage, gateway llm.Gateway, searcher *retrieval.Searcher,
	contexts *contextstore.Service, syn *primer.Synthesizer, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	maxMemorize := opts.MaxMemorizeChars
	if maxMemorize <= 0 {
		maxMemorize = defaultMaxMemorizeChars
	}
	rpcMetricsOnce.Do(initRPCMetrics)

	s := &Server{
		store:       store,
		gateway:     gateway,
		searcher:    searcher,
		contexts:    contexts,
		primer:      syn,
		admin:       opts.Admin,
		version:     opts.Version,
		maxMemorize: maxMemorize,
		embedDim:    opts.EmbedDim,
		handlers:    make(map[string]HandlerFunc),
		metrics:     NewMetrics(),
		log:         log,
	}
	s.initHandlers()
	return s
}

func (s *Server) initHandlers() {
	s.handlers[OpInitializeContext] = s.handleInitializeContext
	s.handlers[OpMemorizeContext] = s.handleMemorizeContext
	s.handlers[OpCheckIngestionStatus] = s.handleCheckIngestionStatus
	s.handlers[OpSearchMemory] = s.handleSearchMemory
	s.handlers[OpListCategories] = s.handleListCategories
	s.handlers[OpExploreTaxonomy] = s.handleExploreTaxonomy
	s.handlers[OpFetchDocument] = s.handleFetchDocument
	s.handlers[OpTraceHistory] = s.handleTraceHistory
	s.handlers[OpConfirmMemoryValidity] = s.handleConfirmMemoryValidity
	s.handlers[OpUpdateMemory] = s.handleUpdateMemory
	s.handlers[OpUpdateMemoryMetadata] = s.handleUpdateMemoryMetadata
	s.handlers[OpRecategorizeMemory] = s.handleRecategorizeMemory
	s.handlers[OpSetContext] = s.handleSetContext
	s.handlers[OpGetContext] = s.handleGetContext
	s.handlers[OpDeleteContext] = s.handleDeleteContext
	s.handlers[OpListContextKeys] = s.handleListContextKeys
	s.handlers[OpExtendContextTTL] = s.handleExtendContextTTL
	s.handlers[OpPing] = s.handlePing
	s.handlers[OpHealth] = s.handleHealth
	s.handlers[OpMetrics] = s.handleMetrics

	if !s.admin {
		return
	}
	s.handlers[OpDeleteMemory] = s.handleDeleteMemory
	s.handlers[OpBulkMoveCategory] = s.handleBulkMoveCategory
	s.handlers[OpPruneHistory] = s.handlePruneHistory
	s.handlers[OpExportMemories] = s.handleExportMemories
	s.handlers[OpRunDiagnostics] = s.handleRunDiagnostics
	s.handlers[OpGetIngestionStats] = s.handleGetIngestionStats
	s.handlers[OpFlushStaging] = s.handleFlushStaging
	s.handlers[OpRebuildPrimer] = s.handleRebuildPrimer
}

// HandleRequest dispatches req to its handler and records metrics. It never
// panics outward; handler panics become Internal errors.
func (s *Server) HandleRequest(ctx context.Context, req *Request) (resp *Response) {
	if req == nil || strings.TrimSpace(req.Operation) == "" {
		return NewErrorResponse(fmt.Errorf("%w: operation is required", storage.ErrInvalidInput))
	}

	handler, ok := s.handlers[req.Operation]
	if !ok {
		return NewErrorResponse(fmt.Errorf("%w: unknown operation %q", storage.ErrInvalidInput, req.Operation))
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic",
				zap.String("operation", req.Operation),
				zap.Any("panic", r),
				zap.Stack("stack"))
			resp = NewErrorResponse(fmt.Errorf("panic in %s: %v", req.Operation, r))
		}
		latency := time.Since(start)
		s.metrics.RecordRequest(req.Operation, latency)
		if !resp.Success {
			s.metrics.RecordError(req.Operation)
			s.log.Warn("operation failed",
				zap.String("operation", req.Operation),
				zap.String("request_id", req.RequestID),
				zap.String("error", resp.Error),
				zap.Duration("latency", latency))
		} else {
			s.log.Debug("operation completed",
				zap.String("operation", req.Operation),
				zap.Duration("latency", latency))
		}
		recordRequestOTel(ctx, req.Operation, resp.Success, latency)
	}()

	return handler(ctx, req)
}

// Admin reports whether the destructive surface is registered.
func (s *Server) Admin() bool { return s.admin }

// decodeArgs unmarshals req.Args into v. Empty args are fine; every
// operation has usable zero values or validates its own requireds.
func decodeArgs(req *Request, v any) error {
	if len(req.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Args, v); err != nil {
		return fmt.Errorf("%w: malformed arguments: %v", storage.ErrInvalidInput, err)
	}
	return nil
}

func parseUUID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a valid UUID", storage.ErrInvalidInput, field)
	}
	return id, nil
}

func (s *Server) handlePing(ctx context.Context, req *Request) *Response {
	return NewSuccessResponse(PingResult{OK: true, Message: "pong"})
}

func (s *Server) handleHealth(ctx context.Context, req *Request) *Response {
	return NewSuccessResponse(s.healthResult(ctx))
}

func (s *Server) healthResult(ctx context.Context) HealthResult {
	res := HealthResult{
		OK:      true,
		Status:  "healthy",
		Version: s.version,
		Uptime:  s.metrics.Uptime(),
	}
	if err := s.store.Ping(ctx); err != nil {
		res.OK = false
		res.Status = "unhealthy"
		res.Error = err.Error()
	}
	return res
}

func (s *Server) handleMetrics(ctx context.Context, req *Request) *Response {
	return NewSuccessResponse(s.metrics.Snapshot())
}
