// Package workerpool implements the Worker Pool collaborator (C6): a fixed
// set of goroutines, each owning its own embedder handle, communicating
// over typed channels with a process/shutdown command protocol and a
// ready/results/error response protocol. Each dispatched shard is tagged
// with a unique batch_id (github.com/google/uuid) so a late or mismatched
// response can be told apart from the one a caller is waiting on and
// ignored; work fans out over the channel pool and commits serially on
// the other end. A panic inside a worker's embed call is recovered per
// shard, reported as a WorkerCrash error response, and never takes the
// worker goroutine down.
package workerpool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smartcoding/smartcoding/internal/chunker"
	"github.com/smartcoding/smartcoding/internal/embed"
	"github.com/smartcoding/smartcoding/internal/errs"
)

const (
	readyTimeout    = 120 * time.Second
	shardTimeout    = 5 * time.Minute
	shutdownTimeout = 30 * time.Second
)

type cmdKind int

const (
	cmdProcess cmdKind = iota
	cmdShutdown
)

type command struct {
	kind    cmdKind
	batchID string
	texts   []string
}

type respKind int

const (
	respReady respKind = iota
	respResults
	respError
)

type response struct {
	kind     respKind
	workerID int
	batchID  string
	vectors  [][]float32
	err      error
}

// worker is one goroutine owning a dedicated embedder instance.
type worker struct {
	id      int
	cmdCh   chan command
	doneCh  chan struct{}
	modelID string
}

// Pool is the worker pool. Workers are started by Init and torn down by
// Shutdown; Process shards a batch of chunks across the pool and returns
// their embeddings in the original order.
type Pool struct {
	workers []*worker
	respCh  chan response
	log     *zap.Logger
}

// New constructs an uninitialized pool. Call Init before Process.
func New(log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{log: log}
}

// Init starts n worker goroutines, each loading its own *embed.Embedder from
// modelDir. Every worker must report ready within readyTimeout; if any
// worker fails to start, all started workers are torn down and an error is
// returned — the caller (the coordinator) then runs the Batch Pipeline
// without a pool, which embeds single-threaded in its own goroutine instead.
func (p *Pool) Init(n int, modelDir, ortLibPath string, numThreads int) error {
	if n < 1 {
		n = 1
	}

	p.respCh = make(chan response, n)
	started := make([]*worker, 0, n)

	for i := 0; i < n; i++ {
		w := &worker{id: i, cmdCh: make(chan command, 1), doneCh: make(chan struct{})}
		readyCh := make(chan error, 1)
		go p.runWorker(w, modelDir, ortLibPath, numThreads, readyCh)

		select {
		case err := <-readyCh:
			if err != nil {
				p.log.Warn("worker init failed", zap.Int("worker", i), zap.Error(err))
				p.teardown(started)
				return fmt.Errorf("worker %d init: %w", i, err)
			}
			started = append(started, w)
		case <-time.After(readyTimeout):
			p.log.Warn("worker init timed out", zap.Int("worker", i))
			p.teardown(started)
			return fmt.Errorf("worker %d: timed out after %s waiting for ready", i, readyTimeout)
		}
	}

	p.workers = started
	return nil
}

// runWorker is the worker goroutine body: load an embedder, report ready,
// then loop on commands until told to shut down.
func (p *Pool) runWorker(w *worker, modelDir, ortLibPath string, numThreads int, readyCh chan<- error) {
	defer close(w.doneCh)

	e, err := embed.New(modelDir, ortLibPath, numThreads)
	if err != nil {
		readyCh <- err
		return
	}
	defer e.Close()
	readyCh <- nil

	for cmd := range w.cmdCh {
		if cmd.kind == cmdShutdown {
			return
		}
		p.runCommand(w, e, cmd)
	}
}

// runCommand processes one shard, recovering from a panic inside the
// embedder call so a single worker's crash degrades its shard to an error
// response instead of taking down the pool — the worker goroutine survives
// and keeps serving later commands.
func (p *Pool) runCommand(w *worker, e *embed.Embedder, cmd command) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn("worker crashed embedding shard, recovering",
				zap.Int("worker", w.id), zap.String("batch_id", cmd.batchID), zap.Any("panic", r))
			p.respCh <- response{
				kind:     respError,
				workerID: w.id,
				batchID:  cmd.batchID,
				err:      errs.New(errs.WorkerCrash, "", fmt.Errorf("worker %d panicked: %v", w.id, r)),
			}
		}
	}()

	vecs, err := e.Embed(cmd.texts)
	if err != nil {
		p.respCh <- response{kind: respError, workerID: w.id, batchID: cmd.batchID, err: err}
		return
	}
	p.respCh <- response{kind: respResults, workerID: w.id, batchID: cmd.batchID, vectors: vecs}
}

// teardown sends shutdown to every already-started worker and waits briefly
// for them to exit, used when Init fails partway through.
func (p *Pool) teardown(workers []*worker) {
	for _, w := range workers {
		select {
		case w.cmdCh <- command{kind: cmdShutdown}:
		default:
		}
	}
	for _, w := range workers {
		select {
		case <-w.doneCh:
		case <-time.After(shutdownTimeout):
		}
	}
}

// Shutdown stops every worker in the pool, releasing their embedders.
func (p *Pool) Shutdown() {
	p.teardown(p.workers)
	p.workers = nil
}

// shardResult is the outcome of one shard dispatched to a single worker.
type shardResult struct {
	index   int
	vectors [][]float32
	err     error
}

// Process shards chunks across the pool (at most len(p.workers) shards),
// dispatches each with a unique batch_id, and waits up to shardTimeout per
// shard. A shard whose worker crashes, times out, or whose response never
// arrives adds one entry, naming its shard index, to the returned error
// slice, and its chunks' vectors are left nil so the caller can retry just
// those chunks single-threaded (ProcessSingleThreaded) rather than discard
// the whole batch.
func (p *Pool) Process(ctx context.Context, chunks []chunker.Chunk) ([][]float32, []error) {
	n := len(p.workers)
	if n == 0 {
		return nil, []error{fmt.Errorf("workerpool: Process called before Init")}
	}

	shards := shardChunks(chunks, n)
	results := make([]shardResult, len(shards))
	pending := make(map[string]int, len(shards)) // batch_id -> shard index

	for i, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		batchID := uuid.NewString()
		pending[batchID] = i
		texts := make([]string, len(shard))
		for j, c := range shard {
			texts[j] = c.Text
		}
		p.workers[i%n].cmdCh <- command{kind: cmdProcess, batchID: batchID, texts: texts}
	}

	deadline := time.After(shardTimeout)
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			for _, idx := range pending {
				results[idx] = shardResult{index: idx, err: ctx.Err()}
			}
			pending = nil
		case resp := <-p.respCh:
			idx, ok := pending[resp.batchID]
			if !ok {
				p.log.Debug("dropping response with unknown or late batch_id", zap.String("batch_id", resp.batchID))
				continue
			}
			delete(pending, resp.batchID)
			if resp.kind == respError {
				results[idx] = shardResult{index: idx, err: resp.err}
			} else {
				results[idx] = shardResult{index: idx, vectors: resp.vectors}
			}
		case <-deadline:
			for batchID, idx := range pending {
				results[idx] = shardResult{index: idx, err: fmt.Errorf("shard %d: timed out after %s", idx, shardTimeout)}
				delete(pending, batchID)
			}
		}
	}

	vectors := make([][]float32, len(chunks))
	errs := make([]error, 0)
	cursor := 0
	for i, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		r := results[i]
		if r.err != nil {
			errs = append(errs, fmt.Errorf("shard %d (%d chunks): %w", i, len(shard), r.err))
			cursor += len(shard)
			continue
		}
		for j := range shard {
			vectors[cursor+j] = r.vectors[j]
		}
		cursor += len(shard)
	}
	return vectors, errs
}

// ProcessSingleThreaded embeds chunks directly with e, bypassing the pool.
// Used by the Batch Pipeline both as the fallback when Init failed entirely
// and to retry the specific chunks belonging to a shard the pool could not
// complete.
func ProcessSingleThreaded(e *embed.Embedder, chunks []chunker.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return e.Embed(texts)
}

// shardChunks splits chunks into at most n contiguous shards, each getting
// a roughly equal share.
func shardChunks(chunks []chunker.Chunk, n int) [][]chunker.Chunk {
	if len(chunks) == 0 {
		return make([][]chunker.Chunk, n)
	}
	if n > len(chunks) {
		n = len(chunks)
	}

	shards := make([][]chunker.Chunk, n)
	base := len(chunks) / n
	rem := len(chunks) % n
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < rem {
			size++
		}
		shards[i] = chunks[start : start+size]
		start += size
	}
	return shards
}
