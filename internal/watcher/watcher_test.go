package watcher

import (
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/smartcoding/smartcoding/internal/config"
	"github.com/smartcoding/smartcoding/internal/coordinator"
	"github.com/smartcoding/smartcoding/internal/store"
)

func TestClassifyMapsOperationsToEventKinds(t *testing.T) {
	cases := []struct {
		op      fsnotify.Op
		want    coordinator.EventKind
		wantOk  bool
		comment string
	}{
		{fsnotify.Write, coordinator.EventAddOrChange, true, "write"},
		{fsnotify.Create, coordinator.EventAddOrChange, true, "create"},
		{fsnotify.Remove, coordinator.EventUnlink, true, "remove"},
		{fsnotify.Rename, coordinator.EventUnlink, true, "rename"},
		{fsnotify.Chmod, 0, false, "chmod alone is not classified"},
	}
	for _, c := range cases {
		kind, ok := classify(fsnotify.Event{Name: "f.go", Op: c.op})
		if ok != c.wantOk {
			t.Errorf("%s: ok = %v, want %v", c.comment, ok, c.wantOk)
			continue
		}
		if ok && kind != c.want {
			t.Errorf("%s: kind = %v, want %v", c.comment, kind, c.want)
		}
	}
}

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	s, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	cfg.SearchDirectory = t.TempDir()
	c, err := coordinator.New(cfg, s, nil)
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	t.Cleanup(c.Close)

	w := &Watcher{c: c, log: zap.NewNop(), timers: make(map[string]*time.Timer)}
	w.dispatchFn = w.dispatch
	return w
}

func TestDebounceCoalescesRapidEventsIntoOneDispatch(t *testing.T) {
	w := newTestWatcher(t)

	var mu sync.Mutex
	var calls []coordinator.EventKind
	done := make(chan struct{})
	w.dispatchFn = func(path string, kind coordinator.EventKind) {
		mu.Lock()
		calls = append(calls, kind)
		mu.Unlock()
		close(done)
	}

	w.debounce("a.go", coordinator.EventAddOrChange)
	w.debounce("a.go", coordinator.EventAddOrChange)
	w.debounce("a.go", coordinator.EventUnlink)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for debounced dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("dispatch called %d times, want exactly 1 (debounced)", len(calls))
	}
	if calls[0] != coordinator.EventUnlink {
		t.Fatalf("dispatched kind = %v, want EventUnlink (last reset wins)", calls[0])
	}
}
