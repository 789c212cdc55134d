package export_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdev/engram/internal/export"
	"github.com/engramdev/engram/internal/storage"
	"github.com/engramdev/engram/internal/types"
)

type fakeListStore struct {
	storage.Storage

	mems          []*types.Memory
	gotRoot       string
	gotHistorical bool
}

func (f *fakeListStore) ListMemories(_ context.Context, root string, includeHistorical bool) ([]*types.Memory, error) {
	f.gotRoot = root
	f.gotHistorical = includeHistorical
	return f.mems, nil
}

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in   string
		want export.Format
		ok   bool
	}{
		{"", export.FormatJSONL, true},
		{"jsonl", export.FormatJSONL, true},
		{"JSON", export.FormatJSON, true},
		{"yaml", export.FormatYAML, true},
		{"yml", export.FormatYAML, true},
		{"csv", "", false},
	}
	for _, tc := range cases {
		got, err := export.ParseFormat(tc.in)
		if tc.ok {
			require.NoError(t, err, tc.in)
			assert.Equal(t, tc.want, got)
		} else {
			assert.ErrorIs(t, err, storage.ErrInvalidInput)
		}
	}
}

func TestCollectMapsFields(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	oldID := uuid.New()
	newID := uuid.New()
	store := &fakeListStore{mems: []*types.Memory{
		{
			ID:           newID,
			Content:      "lives in Lisbon",
			CategoryPath: "profile.identity",
			Metadata:     types.Metadata{"volatility_class": "medium"},
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		{
			ID:           oldID,
			Content:      "lives in Berlin",
			CategoryPath: "profile.identity",
			SupersedesID: &newID,
			CreatedAt:    now.Add(-time.Hour),
			UpdatedAt:    now,
		},
	}}

	records, err := export.Collect(context.Background(), store, "profile", true)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "profile", store.gotRoot)
	assert.True(t, store.gotHistorical)
	assert.False(t, records[0].Superseded)
	assert.True(t, records[1].Superseded)
	// Nil metadata exports as an empty map so every record round-trips into
	// the same shape.
	assert.NotNil(t, records[1].Metadata)
}

func TestWriteJSONL(t *testing.T) {
	records := []export.Record{
		{ID: uuid.New(), Content: "a", CategoryPath: "concepts.go", Metadata: types.Metadata{}},
		{ID: uuid.New(), Content: "b", CategoryPath: "concepts.sql", Metadata: types.Metadata{}},
	}

	var buf bytes.Buffer
	require.NoError(t, export.Write(&buf, records, export.FormatJSONL))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	for i, line := range lines {
		var got export.Record
		require.NoError(t, json.Unmarshal([]byte(line), &got))
		assert.Equal(t, records[i].ID, got.ID)
		assert.Equal(t, records[i].Content, got.Content)
	}
}

func TestWriteJSONArray(t *testing.T) {
	records := []export.Record{{ID: uuid.New(), Content: "a", CategoryPath: "concepts.go", Metadata: types.Metadata{}}}

	var buf bytes.Buffer
	require.NoError(t, export.Write(&buf, records, export.FormatJSON))

	var got []export.Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, records[0].ID, got[0].ID)
}

func TestWriteYAML(t *testing.T) {
	records := []export.Record{{ID: uuid.New(), Content: "note", CategoryPath: "reference.docs", Metadata: types.Metadata{}}}

	var buf bytes.Buffer
	require.NoError(t, export.Write(&buf, records, export.FormatYAML))
	assert.Contains(t, buf.String(), "content: note")
	assert.Contains(t, buf.String(), "category_path: reference.docs")
}

func TestWriteUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	err := export.Write(&buf, nil, export.Format("xml"))
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
