// Package identity provides content-addressed memory identifiers and
// taxonomy-path normalization.
//
// Identical payloads must always map to the same id so that re-ingesting a
// document is a no-op: ids are version-5 UUIDs over the OID namespace of the
// normalized content. Category paths are ltree labels, so every segment is
// reduced to [a-z0-9_]+ before it reaches the store.
package identity

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// PathSeparator joins taxonomy path segments.
const PathSeparator = "."

// MaxPathDepth caps taxonomy paths; deeper paths are truncated, not rejected.
const MaxPathDepth = 6

// UnknownPath is the fallback category for content that cannot be placed.
const UnknownPath = "reference.unknown"

var labelCleaner = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// NormalizeText collapses whitespace runs to single spaces, trims, and
// lowercases. Two texts that differ only in spacing or case normalize to the
// same string.
func NormalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// DeterministicID derives the content-addressed id for a piece of text.
// The same normalized text always yields the same id.
func DeterministicID(text string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(NormalizeText(text)))
}

// SanitizeLabel reduces a single path segment to a legal ltree label:
// characters outside [A-Za-z0-9_] become underscores, surrounding
// underscores are trimmed, and the result is lowercased. Empty input
// becomes "unknown".
func SanitizeLabel(s string) string {
	cleaned := strings.ToLower(strings.Trim(labelCleaner.ReplaceAllString(s, "_"), "_"))
	if cleaned == "" {
		return "unknown"
	}
	return cleaned
}

// SanitizePath normalizes a taxonomy path: slashes become dots, each segment
// is sanitized, a leading "user" root is rewritten to "profile", and depth is
// capped at MaxPathDepth. Empty input becomes UnknownPath.
func SanitizePath(path string) string {
	path = strings.NewReplacer("/", PathSeparator, `\`, PathSeparator).Replace(path)

	var segments []string
	for _, seg := range strings.Split(path, PathSeparator) {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		segments = append(segments, SanitizeLabel(seg))
	}
	if len(segments) == 0 {
		return UnknownPath
	}
	if segments[0] == "user" {
		segments[0] = "profile"
	}
	if len(segments) > MaxPathDepth {
		segments = segments[:MaxPathDepth]
	}
	return strings.Join(segments, PathSeparator)
}

// PathRoot returns the first segment of a dotted path.
func PathRoot(path string) string {
	if i := strings.Index(path, PathSeparator); i >= 0 {
		return path[:i]
	}
	return path
}

// TruncateText caps a string at max characters, keeping the head and tail
// with a marker in between. Used for error strings and oversized exports.
func TruncateText(text string, max int) string {
	if len(text) <= max {
		return text
	}
	half := max / 2
	return text[:half] + "\n...[TRUNCATED]...\n" + text[len(text)-half:]
}
