// Package prefilter implements the pre-filter stage: for each candidate
// path, stat + read + hash, dropping files that are unchanged, too large,
// directories, or unreadable, and reporting a Pending Job for everything
// else.
//
// Parallelism is bounded by a fixed worker concurrency limit
// (golang.org/x/sync/errgroup.SetLimit); with each read capped at
// MaxFileSize, no single pass holds unbounded memory. There is no separate
// byte-size budget.
package prefilter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PendingJob is a unit of work ready for the batch pipeline: either
// pre-read content with a precomputed hash, or (not used by this stage) a
// bare path needing stat+read later.
type PendingJob struct {
	File    string
	Content []byte
	Hash    string
	Force   bool
}

// HashLookup resolves a file's previously recorded content hash, if any.
// Implemented by internal/store.
type HashLookup func(path string) (hash string, ok bool)

// Counts tallies the outcome of every candidate, emitted as progress
// telemetry per  final paragraph.
type Counts struct {
	Unchanged int
	TooLarge  int
	Error     int
	Pending   int
}

// Options controls a Run call.
type Options struct {
	MaxFileSize int64
	GetHash     HashLookup
	Concurrency int // 0 = auto (NumCPU)
	Log         *zap.Logger
}

// Run filters candidates down to Pending Jobs whose content differs from
// the cached hash. Every candidate's outcome is reported exactly once,
// either as a PendingJob or as a Counts increment.
func Run(ctx context.Context, candidates []string, opts Options) ([]PendingJob, Counts) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	var (
		mu      sync.Mutex
		counts  Counts
		pending []PendingJob
	)

	// Bounding concurrent reads to `concurrency` slots, each capped at
	// MaxFileSize, keeps total in-flight content bounded without a
	// separate byte-budget accumulator — satisfying  only hard
	// requirement ("no single batch holds unbounded memory").
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, path := range candidates {
		path := path
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			job, outcome, err := filterOne(path, opts.MaxFileSize, opts.GetHash)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeUnchanged:
				counts.Unchanged++
			case outcomeTooLarge:
				counts.TooLarge++
			case outcomeError:
				counts.Error++
				if err != nil {
					log.Debug("prefilter: skipping file", zap.String("path", path), zap.Error(err))
				}
			case outcomePending:
				counts.Pending++
				pending = append(pending, job)
			}
			return nil
		})
	}
	_ = g.Wait() // per-file errors are recorded in counts, never fail the run

	return pending, counts
}

type outcome int

const (
	outcomeError outcome = iota
	outcomeTooLarge
	outcomeUnchanged
	outcomePending
)

// filterOne implements the seven steps of  for a single candidate.
func filterOne(path string, maxFileSize int64, getHash HashLookup) (PendingJob, outcome, error) {
	info, err := os.Stat(path)
	if err != nil {
		return PendingJob{}, outcomeError, err
	}
	if info.IsDir() {
		return PendingJob{}, outcomeError, nil
	}
	if maxFileSize > 0 && info.Size() > maxFileSize {
		return PendingJob{}, outcomeTooLarge, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return PendingJob{}, outcomeError, err
	}
	if !utf8.Valid(data) {
		return PendingJob{}, outcomeError, nil
	}

	hash := ContentHash(data)

	if getHash != nil {
		if cached, ok := getHash(path); ok && cached == hash {
			return PendingJob{}, outcomeUnchanged, nil
		}
	}

	return PendingJob{File: path, Content: data, Hash: hash, Force: false}, outcomePending, nil
}

// ContentHash is the stable content-addressed fingerprint  calls
// "Hash": a file's hash in the store equals the hash of its committed
// chunks' source bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
