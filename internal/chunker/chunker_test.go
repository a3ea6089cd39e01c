package chunker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestChunkSmallText(t *testing.T) {
	text := strings.Repeat("hello world ", 50) // ~600 bytes
	chunks, err := Chunks([]byte(text), "test.txt", DefaultOptions())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk for small text, got %d", len(chunks))
	}
}

func TestChunkLargeTextRespectsTokenCap(t *testing.T) {
	text := strings.Repeat("word ", 2000) // ~10000 bytes
	opts := Options{TargetTokens: 50, MaxTokens: 80, OverlapTokens: 10, MinChunkLength: 1}
	chunks, err := Chunks([]byte(text), "test.txt", opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) < 3 {
		t.Fatalf("expected multiple chunks for long text, got %d", len(chunks))
	}

	estimate := func(s string) int { return len(s) / approxBytesPerToken }
	for i, c := range chunks {
		if estimate(c.Text) > opts.MaxTokens {
			t.Errorf("chunk %d estimated %d tokens, exceeds MaxTokens %d", i, estimate(c.Text), opts.MaxTokens)
		}
	}
}

func TestChunkIsDeterministic(t *testing.T) {
	text := []byte(strings.Repeat("The quick brown fox jumps over the lazy dog.\n", 80))
	a, err := Chunks(text, "f.txt", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Chunks(text, "f.txt", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != len(b) {
		t.Fatalf("non-deterministic chunk count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Text != b[i].Text || a[i].StartByte != b[i].StartByte || a[i].EndByte != b[i].EndByte {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}

func TestMinChunkLengthFiltersTinyChunks(t *testing.T) {
	text := []byte("a\n\nb\n\n" + strings.Repeat("real content here ", 100))
	opts := DefaultOptions()
	opts.MinChunkLength = 10
	chunks, err := Chunks(text, "f.txt", opts)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range chunks {
		if len([]rune(c.Text)) < opts.MinChunkLength {
			t.Errorf("chunk below MinChunkLength emitted: %q", c.Text)
		}
	}
}

func TestCodeBoundaryPreferred(t *testing.T) {
	text := []byte("package main\n\nfunc helperOne() {\n\treturn\n}\n\nfunc helperTwo() {\n\treturn\n}\n")
	opts := Options{TargetTokens: 6, MaxTokens: 10, OverlapTokens: 0, MinChunkLength: 1}
	chunks, err := Chunks(text, "f.go", opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected the two funcs to split into separate chunks, got %d", len(chunks))
	}
}

func TestIsSupportedFile(t *testing.T) {
	dir := t.TempDir()
	tf := filepath.Join(dir, "test.go")
	if err := os.WriteFile(tf, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !IsSupportedFile(tf) {
		t.Error("expected .go file to be supported")
	}

	bf := filepath.Join(dir, "test.bin")
	if err := os.WriteFile(bf, []byte{0x00, 0x01, 0x02}, 0o644); err != nil {
		t.Fatal(err)
	}
	if IsSupportedFile(bf) {
		t.Error("expected .bin file to be unsupported")
	}

	uf := filepath.Join(dir, "photo.png")
	if err := os.WriteFile(uf, []byte{0x89, 0x50, 0x4E, 0x47}, 0o644); err != nil {
		t.Fatal(err)
	}
	if IsSupportedFile(uf) {
		t.Error("expected .png file to be unsupported")
	}
}

func TestChunkFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	content := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 60)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	chunks, err := ChunkFile(path, DefaultOptions())
	if err != nil {
		t.Fatalf("ChunkFile error: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for i, c := range chunks {
		if c.Path != path {
			t.Errorf("chunk %d: wrong path", i)
		}
		if strings.TrimSpace(c.Text) == "" {
			t.Errorf("chunk %d: empty text", i)
		}
	}
}

func TestEmptyFileProducesNoChunks(t *testing.T) {
	chunks, err := Chunks([]byte("   \n\n  \t"), "empty.txt", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected no chunks for whitespace-only file, got %d", len(chunks))
	}
}
