package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/engramdev/engram/internal/diagnostics"
	"github.com/engramdev/engram/internal/export"
	"github.com/engramdev/engram/internal/identity"
	"github.com/engramdev/engram/internal/storage"
)

// defaultFlushDays is how far back flush_staging reaches when the caller
// does not say.
const defaultFlushDays = 7

// handleDeleteMemory removes a record together with every chunk in its
// sequence chain, so a partial document never lingers. A missing id is not
// an error; the result reports deleted=false.
func (s *Server) handleDeleteMemory(ctx context.Context, req *Request) *Response {
	var args DeleteMemoryArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	id, err := parseUUID("id", args.ID)
	if err != nil {
		return NewErrorResponse(err)
	}

	// Best-effort profile detection before the row disappears. Superseded
	// rows are invisible here, which only costs the profile-refresh hint.
	profileChanged := false
	if mem, err := s.store.GetMemory(ctx, id); err == nil {
		profileChanged = identity.PathRoot(mem.CategoryPath) == "profile"
	}

	var deleted int64
	err = s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		var txErr error
		deleted, txErr = tx.DeleteMemoryChain(ctx, id)
		return txErr
	})
	if err != nil {
		return NewErrorResponse(err)
	}

	if deleted > 0 {
		s.log.Info("memory chain deleted",
			zap.String("id", id.String()),
			zap.Int64("chunks", deleted))
		if err := s.refreshPrimer(ctx, profileChanged); err != nil {
			return NewErrorResponse(err)
		}
	} else {
		s.log.Warn("delete_memory matched nothing", zap.String("id", id.String()))
	}
	return NewSuccessResponse(DeleteMemoryResult{OK: true, Deleted: deleted > 0, ID: id})
}

func (s *Server) handleBulkMoveCategory(ctx context.Context, req *Request) *Response {
	var args BulkMoveCategoryArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	safeOld := identity.SanitizePath(args.OldPathPrefix)
	safeNew := identity.SanitizePath(args.NewPathPrefix)

	var moved int64
	now := time.Now().UTC()
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		var txErr error
		moved, txErr = tx.BulkMoveCategory(ctx, safeOld, safeNew, now)
		return txErr
	})
	if err != nil {
		return NewErrorResponse(err)
	}

	if moved > 0 {
		s.log.Info("category branch moved",
			zap.String("from", safeOld),
			zap.String("to", safeNew),
			zap.Int64("records", moved))
		if err := s.refreshPrimer(ctx, true); err != nil {
			return NewErrorResponse(err)
		}
	}
	return NewSuccessResponse(BulkMoveCategoryResult{
		OK:           true,
		UpdatedCount: moved,
		Message:      fmt.Sprintf("Moved %d active records to %s.*", moved, safeNew),
	})
}

func (s *Server) handlePruneHistory(ctx context.Context, req *Request) *Response {
	var args PruneHistoryArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	if args.DaysOld < 0 {
		return NewErrorResponse(fmt.Errorf("%w: days_old must be a non-negative integer", storage.ErrInvalidInput))
	}

	var deleted int64
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		var txErr error
		deleted, txErr = tx.PruneHistory(ctx, args.DaysOld)
		return txErr
	})
	if err != nil {
		return NewErrorResponse(err)
	}
	s.log.Info("history pruned",
		zap.Int("days_old", args.DaysOld),
		zap.Int64("deleted", deleted))
	return NewSuccessResponse(PruneHistoryResult{OK: true, DeletedCount: deleted})
}

func (s *Server) handleExportMemories(ctx context.Context, req *Request) *Response {
	var args ExportMemoriesArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	root := ""
	if trimmed := strings.TrimSpace(args.CategoryPath); trimmed != "" {
		root = identity.SanitizePath(trimmed)
	}

	records, err := export.Collect(ctx, s.store, root, false)
	if err != nil {
		return NewErrorResponse(err)
	}
	s.log.Info("memories exported",
		zap.String("root", root),
		zap.Int("count", len(records)))
	return NewSuccessResponse(ExportMemoriesResult{OK: true, Count: len(records), Memories: records})
}

func (s *Server) handleRunDiagnostics(ctx context.Context, req *Request) *Response {
	var probe diagnostics.Prober
	if s.gateway != nil {
		probe = s.gateway
	}
	checks := diagnostics.Run(ctx, diagnostics.Options{
		Store:    s.store,
		Gateway:  probe,
		EmbedDim: s.embedDim,
	})
	return NewSuccessResponse(RunDiagnosticsResult{OK: true, Checks: checks})
}

func (s *Server) handleGetIngestionStats(ctx context.Context, req *Request) *Response {
	stats, err := s.store.JobStats(ctx)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(GetIngestionStatsResult{OK: true, JobStats: *stats})
}

func (s *Server) handleFlushStaging(ctx context.Context, req *Request) *Response {
	var args FlushStagingArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	days := args.DaysOld
	if days == 0 {
		days = defaultFlushDays
	}
	if days < 0 {
		return NewErrorResponse(fmt.Errorf("%w: days_old must be a non-negative integer", storage.ErrInvalidInput))
	}

	var deleted int64
	err := s.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		var txErr error
		deleted, txErr = tx.PurgeStaging(ctx, days)
		return txErr
	})
	if err != nil {
		return NewErrorResponse(err)
	}
	s.log.Info("staging flushed",
		zap.Int("days_old", days),
		zap.Int64("deleted", deleted))
	return NewSuccessResponse(FlushStagingResult{OK: true, DeletedCount: deleted})
}

func (s *Server) handleRebuildPrimer(ctx context.Context, req *Request) *Response {
	if s.primer == nil {
		return NewErrorResponse(errors.New("primer synthesizer not configured"))
	}
	if err := s.primer.Refresh(ctx, true); err != nil {
		return NewErrorResponse(err)
	}
	s.log.Info("primer rebuilt on request")
	return NewSuccessResponse(RebuildPrimerResult{OK: true, Message: "System primer rebuilt."})
}
