package store

import (
	"path/filepath"
	"testing"

	"github.com/smartcoding/smartcoding/internal/callgraph"
	"github.com/smartcoding/smartcoding/internal/chunker"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func vec(seed float32) []float32 {
	return []float32{seed, 1 - seed, 0.5}
}

func TestFileHashRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, ok := s.GetFileHash("a.go"); ok {
		t.Fatal("expected no hash for an unknown file")
	}
	if err := s.SetFileHash("a.go", "deadbeef"); err != nil {
		t.Fatalf("SetFileHash: %v", err)
	}
	hash, ok := s.GetFileHash("a.go")
	if !ok || hash != "deadbeef" {
		t.Fatalf("GetFileHash = %q, %v; want deadbeef, true", hash, ok)
	}
	if err := s.DeleteFileHash("a.go"); err != nil {
		t.Fatalf("DeleteFileHash: %v", err)
	}
	if _, ok := s.GetFileHash("a.go"); ok {
		t.Fatal("expected hash to be gone after delete")
	}
}

func TestAddAndRemoveFileFromStore(t *testing.T) {
	s := openTestStore(t)

	chunks := []chunker.Chunk{
		{Path: "a.go", Text: "func A(){}", LineNum: 1, Index: 0},
		{Path: "a.go", Text: "func B(){}", LineNum: 2, Index: 1},
	}
	vectors := [][]float32{vec(0.1), vec(0.2)}

	if err := s.AddToStore("a.go", chunks, vectors); err != nil {
		t.Fatalf("AddToStore: %v", err)
	}
	if got := s.NumChunks(); got != 2 {
		t.Fatalf("NumChunks = %d, want 2", got)
	}

	removed := s.RemoveFileFromStore("a.go")
	if removed != 2 {
		t.Fatalf("RemoveFileFromStore = %d, want 2", removed)
	}
	if got := s.NumChunks(); got != 0 {
		t.Fatalf("NumChunks after remove = %d, want 0", got)
	}
}

func TestRemoveFileFromStoreLeavesOtherFilesIntact(t *testing.T) {
	s := openTestStore(t)

	_ = s.AddToStore("a.go", []chunker.Chunk{{Path: "a.go", Text: "a"}}, [][]float32{vec(0.1)})
	_ = s.AddToStore("b.go", []chunker.Chunk{{Path: "b.go", Text: "b"}}, [][]float32{vec(0.9)})

	s.RemoveFileFromStore("a.go")

	if got := s.NumChunks(); got != 1 {
		t.Fatalf("NumChunks = %d, want 1", got)
	}
	if got := s.NumFiles(); got != 1 {
		t.Fatalf("NumFiles = %d, want 1", got)
	}
}

func TestEnsureANNIndexRebuildsAfterMutation(t *testing.T) {
	s := openTestStore(t)

	_ = s.AddToStore("a.go", []chunker.Chunk{{Path: "a.go", Text: "a"}}, [][]float32{vec(0.1)})
	s.EnsureANNIndex()
	if got := s.ann.Len(); got != 1 {
		t.Fatalf("ann.Len() = %d, want 1", got)
	}

	s.RemoveFileFromStore("a.go")
	_ = s.AddToStore("c.go", []chunker.Chunk{{Path: "c.go", Text: "c"}}, [][]float32{vec(0.5)})
	s.EnsureANNIndex()
	if got := s.ann.Len(); got != 1 {
		t.Fatalf("ann.Len() after mutation = %d, want 1", got)
	}
}

func TestSaveAndReopenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	chunks := []chunker.Chunk{{Path: "a.go", Text: "func A(){}", LineNum: 1}}
	vectors := [][]float32{vec(0.3)}
	if err := s.AddToStore("a.go", chunks, vectors); err != nil {
		t.Fatalf("AddToStore: %v", err)
	}
	if err := s.SetFileHash("a.go", "h1"); err != nil {
		t.Fatalf("SetFileHash: %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s.Close()

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if got := reopened.NumChunks(); got != 1 {
		t.Fatalf("NumChunks after reopen = %d, want 1", got)
	}
	if hash, ok := reopened.GetFileHash("a.go"); !ok || hash != "h1" {
		t.Fatalf("GetFileHash after reopen = %q, %v; want h1, true", hash, ok)
	}
	if filepath.Base(dir) == "" {
		t.Fatal("sanity: tempdir path unexpectedly empty")
	}
}

func TestCallDataRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := &callgraph.Record{File: "a.go", Calls: map[string][]string{"A": {"B"}}}
	if err := s.SetFileCallData("a.go", rec); err != nil {
		t.Fatalf("SetFileCallData: %v", err)
	}
	got, ok := s.GetFileCallData("a.go")
	if !ok {
		t.Fatal("expected call data to be found")
	}
	if got.File != rec.File {
		t.Errorf("File = %q, want %q", got.File, rec.File)
	}
	if err := s.DeleteFileCallData("a.go"); err != nil {
		t.Fatalf("DeleteFileCallData: %v", err)
	}
	if _, ok := s.GetFileCallData("a.go"); ok {
		t.Fatal("expected call data to be gone after delete")
	}
}
