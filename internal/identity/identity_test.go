package identity

import (
	"strings"
	"testing"
)

func TestDeterministicIDNormalization(t *testing.T) {
	// Whitespace runs, surrounding space, and case must not change the id.
	base := DeterministicID("I live in Berlin and work on billing.")

	variants := []string{
		"i live in berlin and work on billing.",
		"  I live in Berlin and work on billing.  ",
		"I  live\tin Berlin\nand work  on billing.",
		"I LIVE IN BERLIN AND WORK ON BILLING.",
	}
	for _, v := range variants {
		if got := DeterministicID(v); got != base {
			t.Errorf("DeterministicID(%q) = %s, want %s", v, got, base)
		}
	}

	if DeterministicID("I live in Lisbon.") == base {
		t.Error("different content must produce a different id")
	}
}

func TestDeterministicIDVersion(t *testing.T) {
	id := DeterministicID("anything")
	if id.Version() != 5 {
		t.Errorf("id version = %d, want 5", id.Version())
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Hello   World  ", "hello world"},
		{"a\tb\nc", "a b c"},
		{"", ""},
		{"   ", ""},
		{"MiXeD Case", "mixed case"},
	}
	for _, tt := range tests {
		if got := NormalizeText(tt.in); got != tt.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeLabel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Hello World", "hello_world"},
		{"acme-corp", "acme_corp"},
		{"__trimmed__", "trimmed"},
		{"München", "m_nchen"},
		{"ok_label", "ok_label"},
		{"", "unknown"},
		{"---", "unknown"},
		{"42answers", "42answers"},
	}
	for _, tt := range tests {
		if got := SanitizeLabel(tt.in); got != tt.want {
			t.Errorf("SanitizeLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "profile.location", "profile.location"},
		{"slashes", "projects/myapp/backend", "projects.myapp.backend"},
		{"backslashes", `concepts\databases`, "concepts.databases"},
		{"user root rewrite", "user.preferences", "profile.preferences"},
		{"user root case insensitive", "User.Preferences", "profile.preferences"},
		{"empty", "", "reference.unknown"},
		{"dots only", "...", "reference.unknown"},
		{"messy segments", "Projects.My App.API v2", "projects.my_app.api_v2"},
		{"blank segments dropped", "profile..location", "profile.location"},
		{
			"depth capped at six",
			"a.b.c.d.e.f.g.h",
			"a.b.c.d.e.f",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizePath(tt.in); got != tt.want {
				t.Errorf("SanitizePath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizePathIdempotent(t *testing.T) {
	inputs := []string{
		"user/Preferences/UI Theme",
		"Projects.Acme Billing.v2",
		"",
		"a.b.c.d.e.f.g",
	}
	for _, in := range inputs {
		once := SanitizePath(in)
		twice := SanitizePath(once)
		if once != twice {
			t.Errorf("SanitizePath not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestSanitizePathSegmentAlphabet(t *testing.T) {
	for _, in := range []string{"Wörk/Späce", "user.A B-C.d", "reference.some thing"} {
		out := SanitizePath(in)
		for _, seg := range strings.Split(out, ".") {
			for _, r := range seg {
				if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
					t.Errorf("SanitizePath(%q) produced illegal rune %q in segment %q", in, r, seg)
				}
			}
		}
	}
}

func TestPathRoot(t *testing.T) {
	if got := PathRoot("profile.location.city"); got != "profile" {
		t.Errorf("PathRoot = %q, want profile", got)
	}
	if got := PathRoot("reference"); got != "reference" {
		t.Errorf("PathRoot = %q, want reference", got)
	}
}

func TestTruncateText(t *testing.T) {
	short := "short"
	if got := TruncateText(short, 100); got != short {
		t.Errorf("TruncateText should pass short text through, got %q", got)
	}

	long := strings.Repeat("x", 500)
	got := TruncateText(long, 100)
	if !strings.Contains(got, "...[TRUNCATED]...") {
		t.Error("truncated text should contain the marker")
	}
	if !strings.HasPrefix(got, strings.Repeat("x", 50)) || !strings.HasSuffix(got, strings.Repeat("x", 50)) {
		t.Error("truncation should keep head and tail halves")
	}
}
