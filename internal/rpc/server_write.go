package rpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/engramdev/engram/internal/identity"
	"github.com/engramdev/engram/internal/llm"
	"github.com/engramdev/engram/internal/primer"
	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/types"
)

// embed guards against an instance wired without model credentials.
func (s *Server) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	if s.gateway == nil {
		return pgvector.Vector{}, fmt.Errorf("%w: no model gateway configured", llm.ErrUnavailable)
	}
	return s.gateway.Embed(ctx, text)
}

// refreshPrimer rebuilds the system primer after a write. Refresh failures
// are logged and swallowed so the write they follow still reports success;
// only context cancellation propagates.
func (s *Server) refreshPrimer(ctx context.Context, profileChanged bool) error {
	if s.primer == nil {
		return nil
	}
	if err := s.primer.Refresh(ctx, profileChanged); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("primer refresh failed", zap.Error(err))
	}
	return nil
}

func (s *Server) handleMemorizeContext(ctx context.Context, req *Request) *Response {
	var args MemorizeContextArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}

	if strings.TrimSpace(args.Text) == "" {
		return NewErrorResponse(fmt.Errorf("%w: text must be a non-empty string", storage.ErrInvalidInput))
	}
	if utf8.RuneCountInString(args.Text) > s.maxMemorize {
		return NewErrorResponse(fmt.Errorf("%w: text exceeds maximum allowed length of %d characters",
			storage.ErrInvalidInput, s.maxMemorize))
	}
	if args.TTLDays != nil && *args.TTLDays < 1 {
		return NewErrorResponse(fmt.Errorf("%w: ttl_days must be a positive integer", storage.ErrInvalidInput))
	}

	jobID, err := s.store.EnqueueJob(ctx, args.Text, args.TTLDays)
	if err != nil {
		return NewErrorResponse(err)
	}
	s.log.Info("ingestion enqueued", zap.String("job_id", jobID.String()))
	return NewSuccessResponse(MemorizeContextResult{
		OK:      true,
		JobID:   jobID,
		Message: "Ingestion enqueued. Poll check_ingestion_status(job_id) for progress.",
	})
}

// handleUpdateMemory rewrites a record's content in place: re-embedded, its
// verification deadline recomputed from its volatility class, identity and
// edges untouched.
func (s *Server) handleUpdateMemory(ctx context.Context, req *Request) *Response {
	var args UpdateMemoryArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	id, err := parseUUID("id", args.ID)
	if err != nil {
		return NewErrorResponse(err)
	}
	if strings.TrimSpace(args.NewContent) == "" {
		return NewErrorResponse(fmt.Errorf("%w: new_content must be a non-empty string", storage.ErrInvalidInput))
	}

	mem, err := s.store.GetMemory(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return NewErrorResponse(fmt.Errorf("%w: memory %s not found", storage.ErrNotFound, id))
	}
	if err != nil {
		return NewErrorResponse(err)
	}

	vec, err := s.embed(ctx, args.NewContent)
	if err != nil {
		return NewErrorResponse(err)
	}

	now := time.Now().UTC()
	verifyAfter := mem.Metadata.Volatility().NextVerify(now)
	err = s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.UpdateMemoryContent(ctx, id, args.NewContent, vec, verifyAfter, now)
	})
	if err != nil {
		return NewErrorResponse(err)
	}

	profileChanged := identity.PathRoot(mem.CategoryPath) == "profile"
	if err := s.refreshPrimer(ctx, profileChanged); err != nil {
		return NewErrorResponse(err)
	}
	s.log.Info("memory updated in place", zap.String("id", id.String()))
	return NewSuccessResponse(UpdateMemoryResult{
		OK:           true,
		ID:           id,
		CategoryPath: mem.CategoryPath,
		Message:      "Memory updated in-place. Edges, category, and history preserved.",
	})
}

func (s *Server) handleUpdateMemoryMetadata(ctx context.Context, req *Request) *Response {
	var args UpdateMemoryMetadataArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	id, err := parseUUID("id", args.ID)
	if err != nil {
		return NewErrorResponse(err)
	}
	if args.Metadata == nil {
		return NewErrorResponse(fmt.Errorf("%w: metadata must be an object", storage.ErrInvalidInput))
	}
	// ttl_days arrives as a JSON number; reject fractions and non-numbers.
	if raw, ok := args.Metadata["ttl_days"]; ok && raw != nil {
		f, isNum := raw.(float64)
		if !isNum || f != math.Trunc(f) || f < 1 {
			return NewErrorResponse(fmt.Errorf("%w: ttl_days must be a positive integer", storage.ErrInvalidInput))
		}
	}

	now := time.Now().UTC()
	var merged types.Metadata
	err = s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		var txErr error
		merged, txErr = tx.MergeMemoryMetadata(ctx, id, args.Metadata, now)
		return txErr
	})
	if errors.Is(err, storage.ErrNotFound) {
		return NewErrorResponse(fmt.Errorf("%w: memory %s not found, is superseded, or is archived", storage.ErrNotFound, id))
	}
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(UpdateMemoryMetadataResult{OK: true, ID: id, Metadata: merged})
}

func (s *Server) handleRecategorizeMemory(ctx context.Context, req *Request) *Response {
	var args RecategorizeMemoryArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	id, err := parseUUID("id", args.ID)
	if err != nil {
		return NewErrorResponse(err)
	}
	safe := identity.SanitizePath(args.NewCategoryPath)

	mem, err := s.store.GetMemory(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return NewErrorResponse(fmt.Errorf("%w: memory %s not found", storage.ErrNotFound, id))
	}
	if err != nil {
		return NewErrorResponse(err)
	}
	if mem.CategoryPath == primer.PrimerPath {
		return NewErrorResponse(fmt.Errorf("%w: cannot recategorize the system primer; it must stay at %s",
			storage.ErrConflict, primer.PrimerPath))
	}

	now := time.Now().UTC()
	err = s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetCategoryPath(ctx, id, safe, now)
	})
	if err != nil {
		return NewErrorResponse(err)
	}

	// The taxonomy tree in the primer changed shape.
	if err := s.refreshPrimer(ctx, true); err != nil {
		return NewErrorResponse(err)
	}
	s.log.Info("memory recategorized",
		zap.String("id", id.String()),
		zap.String("new_path", safe))
	return NewSuccessResponse(RecategorizeMemoryResult{OK: true, ID: id, NewCategoryPath: safe})
}

// handleConfirmMemoryValidity advances a record's verification deadline
// after the user vouched for it, leaving content and history untouched.
func (s *Server) handleConfirmMemoryValidity(ctx context.Context, req *Request) *Response {
	var args ConfirmMemoryValidityArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	id, err := parseUUID("memory_id", args.MemoryID)
	if err != nil {
		return NewErrorResponse(err)
	}

	mem, err := s.store.GetMemory(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return NewErrorResponse(fmt.Errorf("%w: memory %s not found, is superseded, or is archived", storage.ErrNotFound, id))
	}
	if err != nil {
		return NewErrorResponse(err)
	}

	vol := mem.Metadata.Volatility()
	now := time.Now().UTC()
	next := vol.NextVerify(now)
	err = s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.SetVerifyAfter(ctx, id, next, now)
	})
	if err != nil {
		return NewErrorResponse(err)
	}
	s.log.Info("memory validity confirmed",
		zap.String("memory_id", id.String()),
		zap.String("volatility_class", string(vol)))
	return NewSuccessResponse(ConfirmMemoryValidityResult{
		OK:              true,
		MemoryID:        id,
		VolatilityClass: vol,
		NextVerifyAfter: next,
	})
}
