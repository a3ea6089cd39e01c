// Package coordinator implements the Full-Index Coordinator (C8): it owns
// the is_indexing single-flight guard, drives discovery ->
// prune-on-discovery -> pre-filter -> worker pool (or single-threaded
// fallback) -> batch pipeline -> persist for a full run, and exposes a
// single-file path the watcher uses for individual add/change events.
//
// While a full run is in progress, watch events are coalesced into a
// pending map (last kind wins per path) instead of being applied
// immediately; they drain once the run's critical section releases the
// is_indexing guard.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/smartcoding/smartcoding/internal/callgraph"
	"github.com/smartcoding/smartcoding/internal/chunker"
	"github.com/smartcoding/smartcoding/internal/config"
	"github.com/smartcoding/smartcoding/internal/discover"
	"github.com/smartcoding/smartcoding/internal/embed"
	"github.com/smartcoding/smartcoding/internal/exclude"
	"github.com/smartcoding/smartcoding/internal/pipeline"
	"github.com/smartcoding/smartcoding/internal/prefilter"
	"github.com/smartcoding/smartcoding/internal/store"
	"github.com/smartcoding/smartcoding/internal/workerpool"
)

// EventKind is the kind of a coalesced watch event.
type EventKind int

const (
	EventAddOrChange EventKind = iota
	EventUnlink
)

// Result summarizes one IndexAll call.
type Result struct {
	Skipped         bool
	Reason          string
	PrefilterCounts prefilter.Counts
	PipelineCounts  pipeline.Counts
}

// Coordinator wires discovery, pre-filtering, the worker pool, the batch
// pipeline, and the store together for one project root.
type Coordinator struct {
	cfg        config.Config
	store      *store.Store
	discoverer *discover.Discoverer
	extractor  *callgraph.Extractor
	matcher    *exclude.Matcher
	log        *zap.Logger

	mu       sync.Mutex
	indexing bool
	pending  map[string]EventKind

	embMu        sync.Mutex
	fileEmbedder *embed.Embedder
}

// New builds a Coordinator for cfg's search directory, persisting into s.
func New(cfg config.Config, s *store.Store, log *zap.Logger) (*Coordinator, error) {
	if log == nil {
		log = zap.NewNop()
	}

	matcher, err := exclude.New(cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("compile exclude patterns: %w", err)
	}

	d := discover.New(cfg.FileExtensions, matcher, cfg.ExcludePatterns, cfg.CacheDir, log)

	return &Coordinator{
		cfg:        cfg,
		store:      s,
		discoverer: d,
		extractor:  callgraph.New(),
		matcher:    matcher,
		log:        log,
		pending:    make(map[string]EventKind),
	}, nil
}

// IsIndexing reports whether a full-index run currently holds the
// single-flight guard. The watcher consults this before deciding whether to
// apply an event immediately or queue it.
func (c *Coordinator) IsIndexing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexing
}

// QueueEvent coalesces a watch event received while a full index is running.
// The last kind recorded for a path wins: an
// add/change followed by an unlink on the same path collapses to a single
// unlink once drained.
func (c *Coordinator) QueueEvent(path string, kind EventKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[path] = kind
}

// Close releases the coordinator's lazily-loaded embedder.
func (c *Coordinator) Close() {
	c.embMu.Lock()
	defer c.embMu.Unlock()
	if c.fileEmbedder != nil {
		c.fileEmbedder.Close()
		c.fileEmbedder = nil
	}
}

// ensureFileEmbedder lazily loads the single embedder instance used both for
// chunk-sizing token estimates and for single-threaded embedding, so a
// watcher-triggered single-file event never pays the cost of loading a new
// ONNX session.
func (c *Coordinator) ensureFileEmbedder() (*embed.Embedder, error) {
	c.embMu.Lock()
	defer c.embMu.Unlock()
	if c.fileEmbedder != nil {
		return c.fileEmbedder, nil
	}
	e, err := embed.New(c.cfg.ModelDir, c.cfg.OrtLibPath, 1)
	if err != nil {
		return nil, err
	}
	c.fileEmbedder = e
	return e, nil
}

// IndexAll runs a full indexing pass: discover -> prune -> pre-filter ->
// worker pool (or single-threaded fallback) -> batch pipeline -> persist.
// If a run is already in progress, IndexAll returns immediately with
// Result{Skipped: true} rather than blocking or running concurrently. If
// force is true, the store is cleared before discovery so every file is
// re-embedded. progress, if
// non-nil, is invoked once per file as the pipeline commits it.
func (c *Coordinator) IndexAll(ctx context.Context, force bool, progress pipeline.ProgressFunc) (Result, error) {
	c.mu.Lock()
	if c.indexing {
		c.mu.Unlock()
		return Result{Skipped: true, Reason: "already in progress"}, nil
	}
	c.indexing = true
	c.mu.Unlock()

	defer c.finishAndDrain()

	if force {
		if err := c.store.Clear(); err != nil {
			return Result{}, fmt.Errorf("clear store: %w", err)
		}
	}

	paths, err := c.discoverer.Discover(c.cfg.SearchDirectory)
	if err != nil {
		return Result{}, fmt.Errorf("discover: %w", err)
	}
	c.pruneMissing(paths)

	est, err := c.ensureFileEmbedder()
	if err != nil {
		return Result{}, fmt.Errorf("load embedder: %w", err)
	}

	jobs, prefilterCounts := prefilter.Run(ctx, paths, prefilter.Options{
		MaxFileSize: c.cfg.MaxFileSize,
		GetHash:     c.store.GetFileHash,
		Log:         c.log,
	})

	numWorkers := c.cfg.ResolveWorkerCount()
	var pool *workerpool.Pool
	if numWorkers > 1 {
		p := workerpool.New(c.log)
		if err := p.Init(numWorkers, c.cfg.ModelDir, c.cfg.OrtLibPath, 0); err != nil {
			c.log.Warn("worker pool init failed, falling back to single-threaded embedding", zap.Error(err))
		} else {
			pool = p
		}
	}
	if pool != nil {
		defer pool.Shutdown()
	}

	chunkOpts := chunker.DefaultOptions()
	chunkOpts.Estimate = est.EstimateTokens

	pl := &pipeline.Pipeline{
		Store:            c.store,
		Pool:             pool,
		Fallback:         est,
		ChunkOptions:     chunkOpts,
		CallGraphEnabled: c.cfg.CallGraphEnabled,
		Extractor:        c.extractor,
		Log:              c.log,
	}

	pipelineCounts, err := pl.Run(ctx, jobs, c.cfg.BatchSize, progress)
	if err != nil {
		return Result{PrefilterCounts: prefilterCounts}, fmt.Errorf("pipeline run: %w", err)
	}

	if err := c.Persist(); err != nil {
		return Result{PrefilterCounts: prefilterCounts, PipelineCounts: pipelineCounts}, fmt.Errorf("save store: %w", err)
	}

	return Result{PrefilterCounts: prefilterCounts, PipelineCounts: pipelineCounts}, nil
}

// finishAndDrain releases the single-flight guard and applies every watch
// event queued while the run was in progress, in map iteration order (no
// particular order across paths) — the pending map itself has already
// collapsed repeated events on the same path to their final kind.
func (c *Coordinator) finishAndDrain() {
	c.mu.Lock()
	c.indexing = false
	drained := c.pending
	c.pending = make(map[string]EventKind)
	c.mu.Unlock()

	for path, kind := range drained {
		switch kind {
		case EventUnlink:
			c.RemoveFile(path)
		default:
			if _, err := c.IndexFile(context.Background(), path); err != nil {
				c.log.Warn("drained watch event failed", zap.String("path", path), zap.Error(err))
			}
		}
	}
	if len(drained) > 0 {
		if err := c.Persist(); err != nil {
			c.log.Warn("persist after draining watch events failed", zap.Error(err))
		}
	}
}

// pruneMissing removes every file the store knows about that discovery did
// not return this run (a file that was indexed, then deleted or excluded,
// is pruned the next time a full index walks past it).
func (c *Coordinator) pruneMissing(discovered []string) {
	present := make(map[string]bool, len(discovered))
	for _, p := range discovered {
		present[p] = true
	}
	for _, known := range c.store.KnownFiles() {
		if !present[known] {
			c.RemoveFile(known)
		}
	}
}

// Persist flushes the store's current state to disk, rebuilding the ANN
// index first if it went stale. The watcher calls this after every
// directly-applied event; IndexAll calls it once at the end of a full run
// instead, to avoid a rebuild per file.
func (c *Coordinator) Persist() error {
	if c.cfg.ANNEnabled {
		c.store.EnsureANNIndex()
	}
	return c.store.Save()
}

// RemoveFile evicts path's committed chunks, hash, and call-graph record —
// used for a discovery-time prune and for a watcher-observed unlink/rename
// event, where the file's final classified kind should be trusted directly
// rather than re-derived from whatever exists on disk at drain time.
func (c *Coordinator) RemoveFile(path string) {
	c.store.RemoveFileFromStore(path)
	c.store.DeleteFileHash(path)
	c.store.DeleteFileCallData(path)
}

// IndexFile re-chunks, re-embeds, and recommits a single file — the path the
// watcher drives for add/change events without running a full discovery
// pass. It runs the same exclusion check and stat/oversize check the
// pre-filter applies during a full run, so a watch event can never index an
// excluded, oversize, or directory path. It returns the number of chunks
// committed. A file that no longer exists, is excluded, is too large, or
// whose content is unchanged from the store's recorded hash is handled
// without touching the embedder.
func (c *Coordinator) IndexFile(ctx context.Context, path string) (int, error) {
	if c.matcher != nil && c.matcher.IsExcluded(path) {
		return 0, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		c.RemoveFile(path)
		return 0, nil
	}
	if info.IsDir() {
		return 0, nil
	}
	if c.cfg.MaxFileSize > 0 && info.Size() > c.cfg.MaxFileSize {
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		c.RemoveFile(path)
		return 0, nil
	}
	if !utf8.Valid(data) {
		return 0, nil
	}

	hash := prefilter.ContentHash(data)
	if cached, ok := c.store.GetFileHash(path); ok && cached == hash {
		return c.store.NumChunksForFile(path), nil
	}

	est, err := c.ensureFileEmbedder()
	if err != nil {
		return 0, fmt.Errorf("load embedder: %w", err)
	}

	chunkOpts := chunker.DefaultOptions()
	chunkOpts.Estimate = est.EstimateTokens

	pl := &pipeline.Pipeline{
		Store:            c.store,
		Pool:             nil,
		Fallback:         est,
		ChunkOptions:     chunkOpts,
		CallGraphEnabled: c.cfg.CallGraphEnabled,
		Extractor:        c.extractor,
		Log:              c.log,
	}

	job := prefilter.PendingJob{File: path, Content: data, Hash: hash}
	counts, err := pl.Run(ctx, []prefilter.PendingJob{job}, 1, nil)
	if err != nil {
		return 0, err
	}
	if counts.Failed > 0 {
		return 0, fmt.Errorf("indexing %s produced no usable chunks", path)
	}
	return c.store.NumChunksForFile(path), nil
}
