package discover

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/smartcoding/smartcoding/internal/exclude"
)

// TestS1 walks a directory containing a node_modules subtree and a cache
// directory, verifying both are excluded from discovery.
func TestS1(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.js"), "const x = 1;")
	mustWrite(t, filepath.Join(root, "node_modules", "b.js"), "module.exports = {}")
	mustWrite(t, filepath.Join(root, ".smart-coding-cache", "c.js"), "{}")

	patterns := []string{"**/node_modules/**", "**/.smart-coding-cache/**"}
	matcher, err := exclude.New(patterns)
	if err != nil {
		t.Fatal(err)
	}

	d := New([]string{".js"}, matcher, patterns, "", nil)
	got, err := d.Discover(root)
	if err != nil {
		t.Fatal(err)
	}

	want := filepath.Join(root, "a.js")
	if len(got) != 1 || got[0] != want {
		t.Fatalf("Discover() = %v, want [%s]", got, want)
	}
}

func TestExtensionFilter(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "main.go"), "package main")
	mustWrite(t, filepath.Join(root, "image.png"), "\x89PNG")

	d := New([]string{".go"}, nil, nil, "", nil)
	got, err := d.Discover(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || filepath.Base(got[0]) != "main.go" {
		t.Fatalf("Discover() = %v, want only main.go", got)
	}
}

func TestCacheDirAlwaysBlocked(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, ".smart-coding-cache", "meta.json"), "{}")
	mustWrite(t, filepath.Join(root, "main.go"), "package main")

	// No exclude patterns reference the cache dir at all — it must still
	// be skipped because the discoverer always blocks it.
	d := New([]string{".go", ".json"}, nil, nil, "", nil)
	got, err := d.Discover(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range got {
		if filepath.Base(filepath.Dir(p)) == CacheDirName {
			t.Fatalf("discovered file inside cache dir: %s", p)
		}
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
