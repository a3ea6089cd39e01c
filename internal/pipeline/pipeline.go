// Package pipeline implements the Batch Pipeline collaborator (C7): pending
// jobs are grouped into adaptively-sized batches, chunked, dispatched to the
// worker pool (or embedded single-threaded as a fallback), and committed to
// the store — one file's hash is only advanced once every one of its chunks
// embedded successfully, so a partially-failed file is retried in full on
// the next run.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/smartcoding/smartcoding/internal/callgraph"
	"github.com/smartcoding/smartcoding/internal/chunker"
	"github.com/smartcoding/smartcoding/internal/embed"
	"github.com/smartcoding/smartcoding/internal/errs"
	"github.com/smartcoding/smartcoding/internal/prefilter"
	"github.com/smartcoding/smartcoding/internal/store"
	"github.com/smartcoding/smartcoding/internal/workerpool"
)

// Progress is reported once per file, after that file's commit step.
type Progress struct {
	Done    int
	Total   int
	Path    string
	Partial bool // true if some chunks failed and the hash was withheld
}

// ProgressFunc receives progress notifications; may be nil.
type ProgressFunc func(Progress)

// Counts tallies pipeline outcomes across a run.
type Counts struct {
	Committed int // files fully committed, hash advanced
	Partial   int // files partially committed, hash withheld
	Failed    int // files that produced zero usable chunks
}

// Pool is the subset of *workerpool.Pool the pipeline needs, so tests can
// supply a stub.
type Pool interface {
	Process(ctx context.Context, chunks []chunker.Chunk) ([][]float32, []error)
}

// Pipeline wires the chunker, worker pool (or fallback embedder),
// call-graph extractor, and store together for one indexing run.
type Pipeline struct {
	Store            *store.Store
	Pool             Pool // nil means no worker pool — always run single-threaded
	Fallback         *embed.Embedder
	ChunkOptions     chunker.Options
	CallGraphEnabled bool
	Extractor        *callgraph.Extractor
	Log              *zap.Logger
}

// computeBatchSize implements the adaptive batch-size rule: the bigger the
// backlog, the bigger each batch, so a huge corpus doesn't spend most of its
// time on per-batch overhead instead of embedding.
func computeBatchSize(totalJobs, configured int) int {
	switch {
	case totalJobs > 10000:
		return 500
	case totalJobs > 1000:
		return 200
	default:
		if configured > 0 {
			return configured
		}
		return totalJobs
	}
}

// fileChunks pairs one job's chunks with its content hash, for after the
// batch embeds.
type fileChunks struct {
	job    prefilter.PendingJob
	chunks []chunker.Chunk
}

// Run processes every pending job, batch by batch, and returns aggregate
// counts. ctx cancellation stops the pipeline after the current batch's
// commit step.
func (p *Pipeline) Run(ctx context.Context, jobs []prefilter.PendingJob, configuredBatchSize int, progress ProgressFunc) (Counts, error) {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	var counts Counts
	total := len(jobs)
	done := 0

	batchSize := computeBatchSize(total, configuredBatchSize)
	if batchSize <= 0 {
		batchSize = total
	}

	for start := 0; start < len(jobs); start += batchSize {
		if err := ctx.Err(); err != nil {
			return counts, err
		}

		end := start + batchSize
		if end > len(jobs) {
			end = len(jobs)
		}
		batch := jobs[start:end]

		batchCounts, err := p.runBatch(ctx, batch, log, func(fp Progress) {
			done++
			fp.Done = done
			fp.Total = total
			if progress != nil {
				progress(fp)
			}
		})
		if err != nil {
			return counts, err
		}
		counts.Committed += batchCounts.Committed
		counts.Partial += batchCounts.Partial
		counts.Failed += batchCounts.Failed
	}

	return counts, nil
}

// runBatch processes one batch: chunk every file, dispatch all of the
// batch's chunks together, retry any failed shard's chunks single-threaded,
// then commit file by file.
func (p *Pipeline) runBatch(ctx context.Context, batch []prefilter.PendingJob, log *zap.Logger, progress ProgressFunc) (Counts, error) {
	var counts Counts

	files := make([]fileChunks, 0, len(batch))
	var allChunks []chunker.Chunk
	for _, job := range batch {
		chunks, err := chunker.Chunks(job.Content, job.File, p.ChunkOptions)
		if err != nil {
			log.Warn("chunking failed, skipping file", zap.String("file", job.File), zap.Error(errs.New(errs.ChunkingFailure, job.File, err)))
			counts.Failed++
			progress(Progress{Path: job.File, Partial: false})
			continue
		}
		files = append(files, fileChunks{job: job, chunks: chunks})
		allChunks = append(allChunks, chunks...)
	}

	var vectors [][]float32
	if len(allChunks) > 0 {
		if p.Pool != nil {
			var errsList []error
			vectors, errsList = p.Pool.Process(ctx, allChunks)
			if len(errsList) > 0 {
				log.Debug("worker pool reported shard failures, retrying affected chunks single-threaded",
					zap.Int("failed_shards", len(errsList)))
				p.retryFailedChunks(allChunks, vectors)
			}
		} else if p.Fallback != nil {
			var err error
			vectors, err = workerpool.ProcessSingleThreaded(p.Fallback, allChunks)
			if err != nil {
				log.Warn("single-threaded embedding failed for entire batch", zap.Error(errs.New(errs.EmbeddingFailure, "", err)))
				vectors = make([][]float32, len(allChunks))
			}
		} else {
			return counts, fmt.Errorf("pipeline: neither a worker pool nor a fallback embedder is configured")
		}
	}

	cursor := 0
	for _, fc := range files {
		n := len(fc.chunks)
		fileVectors := vectors[cursor : cursor+n]
		cursor += n

		survivingChunks := make([]chunker.Chunk, 0, n)
		survivingVectors := make([][]float32, 0, n)
		anyMissing := false
		for i, v := range fileVectors {
			if v == nil {
				anyMissing = true
				continue
			}
			survivingChunks = append(survivingChunks, fc.chunks[i])
			survivingVectors = append(survivingVectors, v)
		}

		p.Store.RemoveFileFromStore(fc.job.File)
		if len(survivingChunks) > 0 {
			if err := p.Store.AddToStore(fc.job.File, survivingChunks, survivingVectors); err != nil {
				log.Warn("commit failed", zap.String("file", fc.job.File), zap.Error(errs.New(errs.PersistenceFailure, fc.job.File, err)))
				counts.Failed++
				progress(Progress{Path: fc.job.File, Partial: false})
				continue
			}
		}

		if p.CallGraphEnabled && p.Extractor != nil {
			if rec, err := p.Extractor.Extract(fc.job.Content, fc.job.File); err == nil {
				if err := p.Store.SetFileCallData(fc.job.File, rec); err != nil {
					log.Debug("call graph persist failed", zap.String("file", fc.job.File), zap.Error(errs.New(errs.AuxIndexFailure, fc.job.File, err)))
				}
			}
		}

		switch {
		case len(survivingChunks) == 0:
			counts.Failed++
			progress(Progress{Path: fc.job.File, Partial: false})
		case anyMissing:
			// Withhold the hash update: this file will be treated as
			// changed again on the next run and retried in full.
			counts.Partial++
			progress(Progress{Path: fc.job.File, Partial: true})
		default:
			if err := p.Store.SetFileHash(fc.job.File, fc.job.Hash); err != nil {
				log.Warn("hash update failed", zap.String("file", fc.job.File), zap.Error(errs.New(errs.PersistenceFailure, fc.job.File, err)))
				counts.Partial++
				progress(Progress{Path: fc.job.File, Partial: true})
				continue
			}
			counts.Committed++
			progress(Progress{Path: fc.job.File, Partial: false})
		}
	}

	return counts, nil
}

// retryFailedChunks re-embeds, in place, every chunk whose vector came back
// nil from the worker pool — using the fallback embedder in the caller's
// own goroutine, to recover from a worker crash or timeout without failing
// the whole batch.
func (p *Pipeline) retryFailedChunks(chunks []chunker.Chunk, vectors [][]float32) {
	if p.Fallback == nil {
		return
	}
	var failedIdx []int
	var failedChunks []chunker.Chunk
	for i, v := range vectors {
		if v == nil {
			failedIdx = append(failedIdx, i)
			failedChunks = append(failedChunks, chunks[i])
		}
	}
	if len(failedChunks) == 0 {
		return
	}
	recovered, err := workerpool.ProcessSingleThreaded(p.Fallback, failedChunks)
	if err != nil {
		return // leave those entries nil; the file becomes a partial commit
	}
	for j, idx := range failedIdx {
		vectors[idx] = recovered[j]
	}
}
