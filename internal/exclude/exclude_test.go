package exclude

import "testing"

func mustNew(t *testing.T, patterns []string) *Matcher {
	t.Helper()
	m, err := New(patterns)
	if err != nil {
		t.Fatalf("New(%v): %v", patterns, err)
	}
	return m
}

func TestEmptyPatternListNeverExcludes(t *testing.T) {
	m := mustNew(t, nil)
	if m.IsExcluded("anything.go") {
		t.Error("empty pattern list should never exclude")
	}
}

// TestS2 checks base-name vs full-path glob matching behavior.
func TestS2(t *testing.T) {
	m := mustNew(t, []string{"*.log", "src/*.js"})

	cases := map[string]bool{
		"error.log":         true,
		"src/utils.js":      true,
		"src/sub/utils.js":  false,
		"other.js":          false,
	}
	for path, want := range cases {
		if got := m.IsExcluded(path); got != want {
			t.Errorf("IsExcluded(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestDoubleStarSlash(t *testing.T) {
	m := mustNew(t, []string{"**/node_modules/**"})
	if !m.IsExcluded("root/node_modules/b.js") {
		t.Error("expected node_modules path to be excluded")
	}
	if m.IsExcluded("root/other/b.js") {
		t.Error("unrelated path should not be excluded")
	}
}

func TestDoubleStarNoSlash(t *testing.T) {
	m := mustNew(t, []string{"a**b"})
	if !m.IsExcluded("axxxb") {
		t.Error("** without trailing slash should match any run of characters including none")
	}
	if !m.IsExcluded("ab") {
		t.Error("** should match zero characters too")
	}
}

func TestQuestionMark(t *testing.T) {
	m := mustNew(t, []string{"a?.txt"})
	if !m.IsExcluded("ax.txt") {
		t.Error("? should match exactly one non-slash character")
	}
	if m.IsExcluded("a.txt") {
		t.Error("? must match a character, not zero")
	}
	if m.IsExcluded("a/x.txt") {
		t.Error("? must not match a slash")
	}
}

func TestLiteralEscaping(t *testing.T) {
	m := mustNew(t, []string{"a.b+c"})
	if !m.IsExcluded("a.b+c") {
		t.Error("literal characters including regex metacharacters must match verbatim")
	}
	if m.IsExcluded("aXb+c") {
		t.Error("'.' must not behave as regex wildcard once escaped")
	}
}

func TestBaseNameVsFullPath(t *testing.T) {
	// No "/" in the pattern -> matched against the base name only.
	base := mustNew(t, []string{"secret.env"})
	if !base.IsExcluded("deeply/nested/secret.env") {
		t.Error("base-name matcher should match regardless of directory")
	}

	// Contains "/" -> matched against the whole normalized path.
	full := mustNew(t, []string{"nested/secret.env"})
	if full.IsExcluded("other/secret.env") {
		t.Error("full-path matcher should require the whole path to match")
	}
	if !full.IsExcluded("nested/secret.env") {
		t.Error("full-path matcher should match the exact relative path")
	}
}

func TestDeduplication(t *testing.T) {
	m, err := New([]string{"*.log", "*.log", "*.log"})
	if err != nil {
		t.Fatal(err)
	}
	if len(m.matchers) != 1 {
		t.Errorf("expected duplicate patterns to collapse to 1 matcher, got %d", len(m.matchers))
	}
}

// TestS1Patterns covers the exclusion side of a typical node_modules +
// cache-directory setup (directory blocklist derivation is tested in the
// discover package).
func TestS1Patterns(t *testing.T) {
	m := mustNew(t, []string{"**/node_modules/**", "**/.smart-coding-cache/**"})
	if m.IsExcluded("a.js") {
		t.Error("a.js at root should not be excluded")
	}
	if !m.IsExcluded("node_modules/b.js") {
		t.Error("node_modules/b.js should be excluded")
	}
	if !m.IsExcluded(".smart-coding-cache/c.js") {
		t.Error(".smart-coding-cache/c.js should be excluded")
	}
}

func TestDirBlocklist(t *testing.T) {
	bl := DirBlocklist([]string{"**/node_modules/**", "**/.git/**", "*.log", "src/*.js"})
	if !bl["node_modules"] || !bl[".git"] {
		t.Errorf("expected node_modules and .git in blocklist, got %v", bl)
	}
	if len(bl) != 2 {
		t.Errorf("expected exactly 2 blocklist entries, got %d: %v", len(bl), bl)
	}
}
