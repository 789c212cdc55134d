package rpc_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdev/engram/internal/llm"
	"github.com/engramdev/engram/internal/pipeline"
	"github.com/engramdev/engram/internal/rpc"
	"github.com/engramdev/engram/internal/storage"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"invalid input", fmt.Errorf("%w: bad key", storage.ErrInvalidInput), rpc.KindInvalidInput},
		{"not found", fmt.Errorf("%w: memory x", storage.ErrNotFound), rpc.KindNotFound},
		{"conflict", storage.ErrConflict, rpc.KindConflict},
		{"store down", fmt.Errorf("ping: %w", storage.ErrUnavailable), rpc.KindStoreUnavailable},
		{"llm down", llm.ErrUnavailable, rpc.KindLLMUnavailable},
		{"dim mismatch", llm.ErrDimensionMismatch, rpc.KindEmbeddingDimMismatch},
		{"no sections", pipeline.ErrNoSections, rpc.KindNoSectionsProduced},
		{"plain error", errors.New("boom"), rpc.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rpc.ClassifyError(tt.err))
		})
	}
}

func TestClassifyErrorPrefersDimensionMismatch(t *testing.T) {
	// A failed embed can carry both sentinels; the more specific one wins.
	err := fmt.Errorf("%w: %w", llm.ErrUnavailable, llm.ErrDimensionMismatch)
	assert.Equal(t, rpc.KindEmbeddingDimMismatch, rpc.ClassifyError(err))
}

func TestNewErrorResponseStripsSentinelText(t *testing.T) {
	err := fmt.Errorf("%w: key must be a non-empty string", storage.ErrInvalidInput)
	resp := rpc.NewErrorResponse(err)
	require.False(t, resp.Success)
	assert.Equal(t, "InvalidInput: key must be a non-empty string", resp.Error)
}

func TestNewErrorResponseKeepsInteriorSentinel(t *testing.T) {
	err := fmt.Errorf("list memories: %w", storage.ErrUnavailable)
	resp := rpc.NewErrorResponse(err)
	assert.Equal(t, "StoreUnavailable: list memories: store unavailable", resp.Error)
}

func TestNewErrorResponseTruncatesDetail(t *testing.T) {
	err := fmt.Errorf("%w: %s", storage.ErrInvalidInput, strings.Repeat("x", 5000))
	resp := rpc.NewErrorResponse(err)
	assert.Len(t, resp.Error, len("InvalidInput: ")+1000)
}

func TestNewSuccessResponse(t *testing.T) {
	resp := rpc.NewSuccessResponse(rpc.PingResult{OK: true, Message: "pong"})
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"ok":true,"message":"pong"}`, string(resp.Data))
}

func TestNewSuccessResponseUnmarshalable(t *testing.T) {
	resp := rpc.NewSuccessResponse(make(chan int))
	require.False(t, resp.Success)
	assert.True(t, strings.HasPrefix(resp.Error, "Internal: "), resp.Error)
}
