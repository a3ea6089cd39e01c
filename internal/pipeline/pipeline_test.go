package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/smartcoding/smartcoding/internal/chunker"
	"github.com/smartcoding/smartcoding/internal/prefilter"
	"github.com/smartcoding/smartcoding/internal/store"
)

// fakePool implements Pool, returning one deterministic vector per chunk
// unless told to fail specific indices.
type fakePool struct {
	failIndices map[int]bool
}

func (f *fakePool) Process(_ context.Context, chunks []chunker.Chunk) ([][]float32, []error) {
	vectors := make([][]float32, len(chunks))
	var errs []error
	failedAny := false
	for i := range chunks {
		if f.failIndices[i] {
			failedAny = true
			continue
		}
		vectors[i] = []float32{float32(i), 0, 0}
	}
	if failedAny {
		errs = append(errs, errFakeShard)
	}
	return vectors, errs
}

var errFakeShard = fakeErr("simulated shard failure")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func newTestPipeline(t *testing.T, pool Pool) (*Pipeline, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return &Pipeline{
		Store:        s,
		Pool:         pool,
		ChunkOptions: chunker.DefaultOptions(),
		Log:          zap.NewNop(),
	}, s
}

func job(path, content string) prefilter.PendingJob {
	return prefilter.PendingJob{
		File:    path,
		Content: []byte(content),
		Hash:    prefilter.ContentHash([]byte(content)),
	}
}

func TestRunFullySuccessfulBatchAdvancesHash(t *testing.T) {
	p, s := newTestPipeline(t, &fakePool{})
	jobs := []prefilter.PendingJob{job("a.go", "package a\n\nfunc A() {}\n")}

	counts, err := p.Run(context.Background(), jobs, 10, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if counts.Committed != 1 || counts.Partial != 0 || counts.Failed != 0 {
		t.Fatalf("counts = %+v, want 1 committed", counts)
	}
	hash, ok := s.GetFileHash("a.go")
	if !ok || hash != jobs[0].Hash {
		t.Fatalf("GetFileHash = %q, %v; want %q, true", hash, ok, jobs[0].Hash)
	}
	if s.NumChunks() == 0 {
		t.Fatal("expected committed chunks in the store")
	}
}

func TestRunPartialFailureWithholdsHash(t *testing.T) {
	p, s := newTestPipeline(t, &fakePool{failIndices: map[int]bool{0: true}})

	var b strings.Builder
	b.WriteString("package a\n\n")
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&b, "func f%d() {\n\t_ = %d\n}\n\n", i, i)
	}
	jobs := []prefilter.PendingJob{job("a.go", b.String())}

	counts, err := p.Run(context.Background(), jobs, 10, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if counts.Partial != 1 {
		t.Fatalf("counts = %+v, want 1 partial", counts)
	}
	if _, ok := s.GetFileHash("a.go"); ok {
		t.Fatal("expected hash to be withheld after a partial failure")
	}
}

func TestRunReportsProgressPerFile(t *testing.T) {
	p, _ := newTestPipeline(t, &fakePool{})
	jobs := []prefilter.PendingJob{
		job("a.go", "func A(){}\n"),
		job("b.go", "func B(){}\n"),
	}

	var seen []string
	_, err := p.Run(context.Background(), jobs, 10, func(pr Progress) {
		seen = append(seen, pr.Path)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("progress callbacks = %v, want 2 entries", seen)
	}
}

func TestComputeBatchSizeAdaptiveThresholds(t *testing.T) {
	cases := []struct {
		total, configured, want int
	}{
		{total: 50, configured: 0, want: 50},
		{total: 50, configured: 10, want: 10},
		{total: 1000, configured: 0, want: 1000},
		{total: 1001, configured: 0, want: 200},
		{total: 10000, configured: 0, want: 200},
		{total: 10001, configured: 0, want: 500},
		{total: 50000, configured: 0, want: 500},
	}
	for _, c := range cases {
		if got := computeBatchSize(c.total, c.configured); got != c.want {
			t.Errorf("computeBatchSize(%d, %d) = %d, want %d", c.total, c.configured, got, c.want)
		}
	}
}
