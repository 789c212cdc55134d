package retrieval_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/engramdev/engram/internal/retrieval"
	"github.com/engramdev/engram/internal/types"
)

func taxonomyFixture() []types.CategoryCount {
	return []types.CategoryCount{
		{Path: "health", Count: 4},
		{Path: "profile.identity", Count: 3},
		{Path: "profile.preferences", Count: 2},
		{Path: "projects.myapp.api", Count: 5},
		{Path: "projects.myapp.ui", Count: 1},
		{Path: "reference.system.primer", Count: 1},
	}
}

func TestRenderTreeUncollapsed(t *testing.T) {
	want := strings.Join([]string{
		"health [4]",
		"profile/ (5) — identity, preferences",
		"projects/ (6)",
		"│   ├── myapp/ (6) — api, ui",
		"reference/ (1)",
		"│   ├── system/ (1) — primer",
	}, "\n")

	assert.Equal(t, want, retrieval.RenderTree(taxonomyFixture(), 0, 0))
}

func TestRenderTreeDepthCollapse(t *testing.T) {
	got := retrieval.RenderTree(taxonomyFixture(), 1, 0)

	assert.Contains(t, got, "profile/ (5) — identity, preferences")
	assert.Contains(t, got, "│   ├── myapp/ (6) [+2 more → explore_taxonomy('projects.myapp')]")
	assert.Contains(t, got, "│   ├── system/ (1) [+1 more → explore_taxonomy('reference.system')]")
	assert.NotContains(t, got, "api")
}

func TestRenderTreeBranchCollapse(t *testing.T) {
	rows := []types.CategoryCount{{Path: "profile.identity", Count: 1}}
	for i := 0; i < 60; i++ {
		rows = append(rows, types.CategoryCount{Path: fmt.Sprintf("projects.myapp.section_%02d", i), Count: 1})
	}

	got := retrieval.RenderTree(rows, 2, 50)

	assert.Contains(t, got, "projects/ (60)")
	assert.Contains(t, got, "│   ├── myapp/ (60) [+60 more → explore_taxonomy('projects.myapp')]")
	assert.NotContains(t, got, "section_00")
}

func TestRenderTreeDeepChainIndent(t *testing.T) {
	rows := []types.CategoryCount{{Path: "concepts.a.b.c", Count: 1}}

	got := retrieval.RenderTree(rows, 2, 0)
	want := strings.Join([]string{
		"concepts/ (1)",
		"│   ├── a/ (1)",
		"│   │   ├── b/ (1) [+1 more → explore_taxonomy('concepts.a.b')]",
	}, "\n")
	assert.Equal(t, want, got)
}

func TestRenderTreeEmpty(t *testing.T) {
	assert.Equal(t, "", retrieval.RenderTree(nil, 2, 50))
}
