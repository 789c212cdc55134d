package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/engramdev/engram/internal/retrieval"
	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/types"
)

// verificationLimit caps how many overdue records a session is asked to
// re-verify at once.
const verificationLimit = 3

// blockContentPreview is how much of a record's content the verification
// block quotes.
const blockContentPreview = 300

// handleInitializeContext returns the system reference records (primer
// included) plus up to three records past their verification deadline and a
// ready-to-inject markdown block asking the user about them.
func (s *Server) handleInitializeContext(ctx context.Context, req *Request) *Response {
	entries, err := s.store.SystemReferenceEntries(ctx)
	if err != nil {
		return NewErrorResponse(err)
	}
	due, err := s.store.VerificationDue(ctx, verificationLimit)
	if err != nil {
		return NewErrorResponse(err)
	}

	now := time.Now().UTC()
	results := make([]SystemEntry, 0, len(entries))
	for _, m := range entries {
		entry := SystemEntry{
			ID:           m.ID,
			Content:      m.Content,
			CategoryPath: m.CategoryPath,
			CreatedAt:    m.CreatedAt,
			UpdatedAt:    m.UpdatedAt,
			Metadata:     m.Metadata,
		}
		if entry.Metadata == nil {
			entry.Metadata = types.Metadata{}
		}
		if ttl, ok := m.Metadata.TTLDays(); ok && now.After(m.UpdatedAt.AddDate(0, 0, ttl)) {
			entry.IsExpired = true
			entry.Warning = retrieval.ExpiryWarning(m.ID)
		}
		results = append(results, entry)
	}

	verification := make([]VerificationItem, 0, len(due))
	for _, m := range due {
		item := VerificationItem{
			MemoryID:        m.ID,
			Content:         m.Content,
			CategoryPath:    m.CategoryPath,
			VolatilityClass: m.Metadata.Volatility(),
		}
		if m.VerifyAfter != nil {
			item.VerifyAfter = *m.VerifyAfter
		}
		verification = append(verification, item)
	}

	s.log.Info("initialize_context served",
		zap.Int("system_records", len(results)),
		zap.Int("verification_required", len(verification)))
	return NewSuccessResponse(InitializeContextResult{
		OK:                   true,
		Results:              results,
		VerificationRequired: verification,
		VerificationBlock:    verificationBlock(verification),
	})
}

// verificationBlock renders the markdown section the agent injects into its
// primer when records need re-verification. Empty when nothing is due.
func verificationBlock(items []VerificationItem) string {
	if len(items) == 0 {
		return ""
	}
	lines := []string{"## Verification Required", ""}
	lines = append(lines,
		"The following records have passed their verification deadline. "+
			"Query the user regarding the accuracy of each BEFORE executing any other commands.")
	for _, v := range items {
		lines = append(lines,
			fmt.Sprintf("\n- **Memory ID**: `%s`", v.MemoryID),
			fmt.Sprintf("  **Category**: %s", v.CategoryPath),
			fmt.Sprintf("  **Content**: %s", previewContent(v.Content)),
			fmt.Sprintf("  **Verify after**: %s", v.VerifyAfter.Format(time.RFC3339)),
		)
	}
	lines = append(lines, "",
		"If the user confirms unchanged → call `confirm_memory_validity(memory_id)`.",
		"If the user provides updated info → call `memorize_context(new_text)`.")
	return strings.Join(lines, "\n")
}

func previewContent(content string) string {
	runes := []rune(content)
	if len(runes) <= blockContentPreview {
		return content
	}
	return string(runes[:blockContentPreview]) + "..."
}

func (s *Server) handleSearchMemory(ctx context.Context, req *Request) *Response {
	var args SearchMemoryArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}

	results, err := s.searcher.Search(ctx, args.Query, args.CategoryPath, args.Limit)
	if err != nil {
		return NewErrorResponse(err)
	}
	if results == nil {
		results = []*types.SearchResult{}
	}
	return NewSuccessResponse(SearchMemoryResult{OK: true, Results: results})
}

func (s *Server) handleListCategories(ctx context.Context, req *Request) *Response {
	cats, err := s.searcher.ListCategories(ctx)
	if err != nil {
		return NewErrorResponse(err)
	}
	if cats == nil {
		cats = []types.CategoryCount{}
	}
	return NewSuccessResponse(ListCategoriesResult{OK: true, Categories: cats})
}

func (s *Server) handleExploreTaxonomy(ctx context.Context, req *Request) *Response {
	var args ExploreTaxonomyArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}

	view, err := s.searcher.ExploreTaxonomy(ctx, args.Path)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(ExploreTaxonomyResult{
		OK:         true,
		Path:       view.Path,
		Tree:       view.Tree,
		Total:      view.Total,
		Categories: view.Categories,
	})
}

func (s *Server) handleFetchDocument(ctx context.Context, req *Request) *Response {
	var args FetchDocumentArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	id, err := parseUUID("memory_id", args.MemoryID)
	if err != nil {
		return NewErrorResponse(err)
	}

	doc, err := s.searcher.FetchDocument(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return NewErrorResponse(fmt.Errorf("%w: memory %s not found or is archived", storage.ErrNotFound, id))
	}
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(FetchDocumentResult{
		OK:           true,
		MemoryID:     doc.MemoryID,
		ChunkCount:   doc.ChunkCount,
		CategoryPath: doc.CategoryPath,
		Content:      doc.Content,
	})
}

func (s *Server) handleTraceHistory(ctx context.Context, req *Request) *Response {
	var args TraceHistoryArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	id, err := parseUUID("memory_id", args.MemoryID)
	if err != nil {
		return NewErrorResponse(err)
	}

	chain, err := s.searcher.TraceHistory(ctx, id)
	if err != nil {
		return NewErrorResponse(err)
	}
	if len(chain) == 0 {
		return NewErrorResponse(fmt.Errorf("%w: memory %s not found", storage.ErrNotFound, id))
	}
	return NewSuccessResponse(TraceHistoryResult{
		OK:           true,
		MemoryID:     id,
		VersionCount: len(chain),
		Chain:        chain,
	})
}

func (s *Server) handleCheckIngestionStatus(ctx context.Context, req *Request) *Response {
	var args CheckIngestionStatusArgs
	if err := decodeArgs(req, &args); err != nil {
		return NewErrorResponse(err)
	}
	id, err := parseUUID("job_id", args.JobID)
	if err != nil {
		return NewErrorResponse(err)
	}

	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return NewErrorResponse(fmt.Errorf("%w: job %s not found", storage.ErrNotFound, id))
	}
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewSuccessResponse(CheckIngestionStatusResult{
		OK:        true,
		JobID:     job.JobID,
		Status:    job.Status,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
	})
}
