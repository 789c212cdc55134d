// Package export renders memories as portable records in jsonl, json, or
// yaml. The same records back the export_memories tool (inline) and the
// engram export command (streamed to a file).
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/types"
)

// Format selects the output encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat normalizes a user-supplied format name. Empty means jsonl.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSONL:
		return FormatJSONL, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("%w: format must be jsonl, json, or yaml", storage.ErrInvalidInput)
}

// Record is one exported memory. Superseded is only set when historical rows
// were requested.
type Record struct {
	ID           uuid.UUID      `json:"id" yaml:"id"`
	Content      string         `json:"content" yaml:"content"`
	CategoryPath string         `json:"category_path" yaml:"category_path"`
	Metadata     types.Metadata `json:"metadata" yaml:"metadata"`
	CreatedAt    time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" yaml:"updated_at"`
	VerifyAfter  *time.Time     `json:"verify_after,omitempty" yaml:"verify_after,omitempty"`
	Superseded   bool           `json:"superseded,omitempty" yaml:"superseded,omitempty"`
}

// Collect reads memories under root ("" for all) ordered by category path.
// includeHistorical adds superseded and archived rows.
func Collect(ctx context.Context, store storage.Storage, root string, includeHistorical bool) ([]Record, error) {
	mems, err := store.ListMemories(ctx, root, includeHistorical)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	records := make([]Record, 0, len(mems))
	for _, m := range mems {
		md := m.Metadata
		if md == nil {
			md = types.Metadata{}
		}
		records = append(records, Record{
			ID:           m.ID,
			Content:      m.Content,
			CategoryPath: m.CategoryPath,
			Metadata:     md,
			CreatedAt:    m.CreatedAt,
			UpdatedAt:    m.UpdatedAt,
			VerifyAfter:  m.VerifyAfter,
			Superseded:   m.SupersedesID != nil,
		})
	}
	return records, nil
}

// Write encodes records to w in the given format.
func Write(w io.Writer, records []Record, format Format) error {
	switch format {
	case FormatJSONL:
		enc := json.NewEncoder(w)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("encode record %s: %w", r.ID, err)
			}
		}
		return nil
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("%w: unknown format %q", storage.ErrInvalidInput, format)
}
