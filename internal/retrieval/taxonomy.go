package retrieval

import (
	"fmt"
	"sort"
	"strings"

	"github.com/engramdev/engram/internal/identity"
	"github.com/engramdev/engram/internal/types"
)

// taxNode is one label in the folded prefix tree. count includes every
// memory at or below the node.
type taxNode struct {
	count    int
	children map[string]*taxNode
}

func foldTree(rows []types.CategoryCount) map[string]*taxNode {
	root := make(map[string]*taxNode)
	for _, r := range rows {
		node := root
		for _, part := range strings.Split(r.Path, identity.PathSeparator) {
			child, ok := node[part]
			if !ok {
				child = &taxNode{children: make(map[string]*taxNode)}
				node[part] = child
			}
			child.count += r.Count
			node = child.children
		}
	}
	return root
}

// subtreeNodes counts descendant labels, not memories.
func subtreeNodes(node map[string]*taxNode) int {
	total := len(node)
	for _, child := range node {
		total += subtreeNodes(child.children)
	}
	return total
}

func sortedKeys(node map[string]*taxNode) []string {
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RenderTree folds flat (path, count) rows into an indented tree string.
// Branches deeper than maxDepth, or fanning out into more than maxBranch
// direct children, collapse behind an explore_taxonomy hint showing how
// many descendants were hidden; zero disables either limit. Levels whose
// children are all leaves render as one comma line.
func RenderTree(rows []types.CategoryCount, maxDepth, maxBranch int) string {
	var lines []string
	renderLevel(&lines, foldTree(rows), 0, "", maxDepth, maxBranch)
	return strings.Join(lines, "\n")
}

func renderLevel(lines *[]string, node map[string]*taxNode, depth int, pathPrefix string, maxDepth, maxBranch int) {
	for _, key := range sortedKeys(node) {
		info := node[key]
		children := info.children

		currentPath := key
		if pathPrefix != "" {
			currentPath = pathPrefix + identity.PathSeparator + key
		}
		indent := ""
		if depth > 0 {
			indent = strings.Repeat("│   ", depth) + "├── "
		}

		descendants := subtreeNodes(children)
		collapse := len(children) > 0 &&
			((maxDepth > 0 && depth >= maxDepth) || (maxBranch > 0 && len(children) > maxBranch))

		switch {
		case collapse:
			*lines = append(*lines, fmt.Sprintf("%s%s/ (%d) [+%d more → explore_taxonomy('%s')]",
				indent, key, info.count, descendants, currentPath))
		case len(children) > 0:
			var leaves, branches []string
			for _, k := range sortedKeys(children) {
				if len(children[k].children) == 0 {
					leaves = append(leaves, k)
				} else {
					branches = append(branches, k)
				}
			}
			if len(leaves) > 0 && len(branches) == 0 {
				*lines = append(*lines, fmt.Sprintf("%s%s/ (%d) — %s",
					indent, key, info.count, strings.Join(leaves, ", ")))
			} else {
				*lines = append(*lines, fmt.Sprintf("%s%s/ (%d)", indent, key, info.count))
				renderLevel(lines, children, depth+1, currentPath, maxDepth, maxBranch)
			}
		default:
			*lines = append(*lines, fmt.Sprintf("%s%s [%d]", indent, key, info.count))
		}
	}
}
