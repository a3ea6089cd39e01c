package workerpool

import (
	"testing"

	"go.uber.org/zap"

	"github.com/smartcoding/smartcoding/internal/chunker"
	"github.com/smartcoding/smartcoding/internal/embed"
	"github.com/smartcoding/smartcoding/internal/errs"
)

func chunksOf(n int) []chunker.Chunk {
	chunks := make([]chunker.Chunk, n)
	for i := range chunks {
		chunks[i] = chunker.Chunk{Index: i, Text: "x"}
	}
	return chunks
}

func TestShardChunksEvenSplit(t *testing.T) {
	shards := shardChunks(chunksOf(9), 3)
	if len(shards) != 3 {
		t.Fatalf("len(shards) = %d, want 3", len(shards))
	}
	for i, s := range shards {
		if len(s) != 3 {
			t.Errorf("shard %d has %d chunks, want 3", i, len(s))
		}
	}
}

func TestShardChunksUnevenSplitDistributesRemainder(t *testing.T) {
	shards := shardChunks(chunksOf(10), 3)
	total := 0
	for _, s := range shards {
		total += len(s)
	}
	if total != 10 {
		t.Fatalf("total chunks across shards = %d, want 10", total)
	}
	for _, s := range shards {
		if len(s) == 0 {
			t.Error("expected no empty shard when chunks >= workers")
		}
	}
}

func TestShardChunksFewerChunksThanWorkers(t *testing.T) {
	shards := shardChunks(chunksOf(2), 5)
	if len(shards) != 2 {
		t.Fatalf("len(shards) = %d, want 2 (one per chunk)", len(shards))
	}
}

func TestShardChunksPreservesOrder(t *testing.T) {
	shards := shardChunks(chunksOf(7), 3)
	var order []int
	for _, s := range shards {
		for _, c := range s {
			order = append(order, c.Index)
		}
	}
	for i, idx := range order {
		if idx != i {
			t.Fatalf("order[%d] = %d, want %d — shards must preserve chunk order", i, idx, i)
		}
	}
}

func TestShardChunksEmptyInput(t *testing.T) {
	shards := shardChunks(nil, 4)
	if len(shards) != 4 {
		t.Fatalf("len(shards) = %d, want 4 empty shards", len(shards))
	}
	for _, s := range shards {
		if len(s) != 0 {
			t.Error("expected all shards empty for empty input")
		}
	}
}

// TestRunCommandRecoversFromWorkerPanic drives runCommand with a nil
// *embed.Embedder — Embed panics on the nil receiver — and checks the pool
// reports a WorkerCrash error on respCh instead of propagating the panic.
func TestRunCommandRecoversFromWorkerPanic(t *testing.T) {
	p := &Pool{log: zap.NewNop(), respCh: make(chan response, 1)}
	w := &worker{id: 0}
	var e *embed.Embedder

	p.runCommand(w, e, command{kind: cmdProcess, batchID: "b1", texts: []string{"x"}})

	resp := <-p.respCh
	if resp.kind != respError {
		t.Fatalf("resp.kind = %v, want respError", resp.kind)
	}
	if resp.batchID != "b1" {
		t.Fatalf("resp.batchID = %q, want %q", resp.batchID, "b1")
	}
	if errs.KindOf(resp.err) != errs.WorkerCrash {
		t.Fatalf("errs.KindOf(resp.err) = %q, want %q", errs.KindOf(resp.err), errs.WorkerCrash)
	}
}
