package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/smartcoding/smartcoding/internal/chunker"
	"github.com/smartcoding/smartcoding/internal/config"
	"github.com/smartcoding/smartcoding/internal/exclude"
	"github.com/smartcoding/smartcoding/internal/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	cfg.SearchDirectory = t.TempDir()

	c, err := New(cfg, s, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c, s
}

func TestIndexAllSkipsWhenAlreadyInProgress(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.mu.Lock()
	c.indexing = true
	c.mu.Unlock()

	result, err := c.IndexAll(context.Background(), false, nil)
	if err != nil {
		t.Fatalf("IndexAll: %v", err)
	}
	if !result.Skipped {
		t.Fatal("expected Skipped=true for a concurrent IndexAll call")
	}
	if result.Reason != "already in progress" {
		t.Fatalf("Reason = %q, want %q", result.Reason, "already in progress")
	}

	c.mu.Lock()
	stillIndexing := c.indexing
	c.mu.Unlock()
	if !stillIndexing {
		t.Fatal("the skipped call must not clear the in-progress guard it did not set")
	}
}

func TestQueueEventCoalescesLastKindWins(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.QueueEvent("a.go", EventAddOrChange)
	c.QueueEvent("a.go", EventUnlink)

	c.mu.Lock()
	kind, ok := c.pending["a.go"]
	c.mu.Unlock()
	if !ok {
		t.Fatal("expected a.go to be queued")
	}
	if kind != EventUnlink {
		t.Fatalf("kind = %v, want EventUnlink (last write wins)", kind)
	}
	if len(c.pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1 (coalesced into a single entry)", len(c.pending))
	}
}

func TestPruneMissingRemovesFilesDiscoveryNoLongerReturns(t *testing.T) {
	c, s := newTestCoordinator(t)

	chunks := []chunker.Chunk{{Path: "gone.go", Text: "func A() {}", Index: 0}}
	vectors := [][]float32{{1, 0, 0}}
	if err := s.AddToStore("gone.go", chunks, vectors); err != nil {
		t.Fatalf("AddToStore: %v", err)
	}
	if err := s.SetFileHash("gone.go", "deadbeef"); err != nil {
		t.Fatalf("SetFileHash: %v", err)
	}

	c.pruneMissing([]string{"kept.go"})

	if _, ok := s.GetFileHash("gone.go"); ok {
		t.Fatal("expected gone.go's hash to be pruned once discovery stopped returning it")
	}
	if s.NumChunksForFile("gone.go") != 0 {
		t.Fatal("expected gone.go's chunks to be removed from the store")
	}
}

func TestIsIndexingReflectsGuardState(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if c.IsIndexing() {
		t.Fatal("expected IsIndexing() == false initially")
	}
	c.mu.Lock()
	c.indexing = true
	c.mu.Unlock()
	if !c.IsIndexing() {
		t.Fatal("expected IsIndexing() == true once the guard is held")
	}
}

func TestIndexFileOversizeReturnsZeroAndStoreUnchanged(t *testing.T) {
	c, s := newTestCoordinator(t)
	c.cfg.MaxFileSize = 100

	dir := t.TempDir()
	path := filepath.Join(dir, "big.go")
	if err := os.WriteFile(path, make([]byte, 1024), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := c.IndexFile(context.Background(), path)
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if n != 0 {
		t.Fatalf("IndexFile(oversize) = %d, want 0", n)
	}
	if s.NumChunks() != 0 {
		t.Fatal("expected the store to remain unchanged for an oversize file")
	}
	if _, ok := s.GetFileHash(path); ok {
		t.Fatal("expected no hash recorded for an oversize file")
	}
}

func TestIndexFileExcludedPathIsSkipped(t *testing.T) {
	c, s := newTestCoordinator(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "vendored.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	matcher, err := exclude.New([]string{"vendored.go"})
	if err != nil {
		t.Fatal(err)
	}
	c.matcher = matcher

	n, err := c.IndexFile(context.Background(), path)
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if n != 0 {
		t.Fatalf("IndexFile(excluded) = %d, want 0", n)
	}
	if s.NumChunks() != 0 {
		t.Fatal("expected the store to remain unchanged for an excluded file")
	}
}

func TestIndexFileDirectoryPathIsSkipped(t *testing.T) {
	c, s := newTestCoordinator(t)
	dir := t.TempDir()

	n, err := c.IndexFile(context.Background(), dir)
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if n != 0 {
		t.Fatalf("IndexFile(directory) = %d, want 0", n)
	}
	if s.NumChunks() != 0 {
		t.Fatal("expected the store to remain unchanged for a directory path")
	}
}
