package mirror

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/browsermirror/api/apitest"
	"github.com/grafana/browsermirror/common"
	"github.com/grafana/browsermirror/log"
)

func testViewConfig() viewConfig {
	return viewConfig{
		mirror: common.ScreenMirrorOptions{Interval: 5 * time.Millisecond},
		logger: log.NewNullLogger(),
	}
}

func newTestRegistry(t *testing.T, onEmpty func()) *Registry {
	t.Helper()

	r := newRegistry(context.Background(), testViewConfig(), onEmpty)
	t.Cleanup(r.Close)
	return r
}

type changeLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *changeLog) record(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf("%s %s", c.Type, c.View.ID()))
}

func (l *changeLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func ids(views []*ContextView) []string {
	out := make([]string, 0, len(views))
	for _, v := range views {
		out = append(out, v.ID())
	}
	return out
}

func TestRegistryAddRemove(t *testing.T) {
	t.Parallel()

	var empty atomic.Int32
	r := newTestRegistry(t, func() { empty.Add(1) })
	var changes changeLog
	r.Subscribe(changes.record)

	p1, p2 := apitest.NewPage("P1"), apitest.NewPage("P2")
	v1, added := r.Add(p1)
	require.True(t, added)
	again, added := r.Add(p1)
	assert.False(t, added)
	assert.Same(t, v1, again)
	_, added = r.Add(p2)
	require.True(t, added)

	closed := apitest.NewPage("P3")
	require.NoError(t, closed.Close(context.Background()))
	_, added = r.Add(closed)
	assert.False(t, added)

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []string{"P1", "P2"}, ids(r.Snapshot()))
	got, ok := r.Get("P2")
	require.True(t, ok)
	assert.Equal(t, "P2", got.ID())

	assert.False(t, r.Remove("nope"))
	assert.True(t, r.Remove("P1"))
	assert.False(t, r.Remove("P1"))
	assert.Zero(t, empty.Load())
	assert.True(t, r.Remove("P2"))
	assert.Equal(t, int32(1), empty.Load())

	assert.Equal(t, []string{"added P1", "added P2", "removed P1", "removed P2"}, changes.get())
}

func TestRegistryIntentsConverge(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	p1, p2 := apitest.NewPage("P1"), apitest.NewPage("P2")

	r.post(intent{op: intentAdd, page: p1})
	r.post(intent{op: intentAdd, page: p2})
	r.post(intent{op: intentAdd, page: p1})
	r.post(intent{op: intentRemove, id: "P1"})
	r.post(intent{op: intentRemove, id: "unknown"})
	r.post(intent{op: intentAdd, page: p1})

	require.Eventually(t, func() bool {
		got := ids(r.Snapshot())
		return len(got) == 2 && got[0] == "P2" && got[1] == "P1"
	}, eventually, time.Millisecond)
}

func TestRegistryConcurrentMutationsConverge(t *testing.T) {
	t.Parallel()

	const (
		workers   = 8
		perWorker = 30
	)
	r := newRegistry(context.Background(), viewConfig{
		mirror: common.ScreenMirrorOptions{Interval: time.Hour},
		logger: log.NewNullLogger(),
	}, nil)
	t.Cleanup(r.Close)

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				p := apitest.NewPage(fmt.Sprintf("W%d-%d", w, i))
				r.Add(p)
				r.post(intent{op: intentAdd, page: p})
				r.Add(p)
				if i%2 == 1 {
					continue
				}
				// A closed page is never registered again, whenever its
				// duplicate creation intent is applied.
				assert.NoError(t, p.Close(context.Background()))
				r.Remove(p.ID())
				r.post(intent{op: intentRemove, id: p.ID()})
				r.Remove(p.ID())
			}
		}()
	}
	wg.Wait()

	// The mailbox is applied in order: once the marker is in, every
	// intent posted before it was applied.
	r.post(intent{op: intentAdd, page: apitest.NewPage("marker")})
	require.Eventually(t, func() bool {
		_, ok := r.Get("marker")
		return ok
	}, eventually, time.Millisecond)
	require.True(t, r.Remove("marker"))

	got := ids(r.Snapshot())
	require.Len(t, got, workers*perWorker/2)
	assert.Equal(t, len(got), r.Count())
	seen := make(map[string]bool, len(got))
	for _, id := range got {
		assert.False(t, seen[id], "%s registered twice", id)
		seen[id] = true
	}
	for w := range workers {
		for i := range perWorker {
			id := fmt.Sprintf("W%d-%d", w, i)
			assert.Equal(t, i%2 == 1, seen[id], id)
		}
	}
}

func TestRegistryRemoveStopsMirroring(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	p := apitest.NewPage("P1")
	v, _ := r.Add(p)

	require.Eventually(t, func() bool {
		_, ok := v.Frame()
		return ok
	}, eventually, time.Millisecond)
	assert.Contains(t, p.FakeSession().Methods(), "Network.enable")

	r.Remove("P1")
	calls := p.ScreenshotCalls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, p.ScreenshotCalls())
	assert.Contains(t, p.FakeSession().Methods(), "Network.disable")
}

func TestRegistryRemoveWithViewObserverInRegistry(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	v, _ := r.Add(apitest.NewPage("P1"))

	var (
		once    sync.Once
		inside  = make(chan struct{})
		proceed = make(chan struct{})
		calls   atomic.Int32
	)
	v.Subscribe(func(ViewChange) {
		once.Do(func() {
			close(inside)
			<-proceed
		})
		// Reads the registry while the removal may be in progress.
		_, _ = r.Get("P1")
		_ = r.Count()
		calls.Add(1)
	})
	select {
	case <-inside:
	case <-time.After(eventually):
		t.Fatal("no frame published")
	}

	removed := make(chan bool)
	go func() { removed <- r.Remove("P1") }()
	time.Sleep(20 * time.Millisecond)
	close(proceed)

	select {
	case ok := <-removed:
		assert.True(t, ok)
	case <-time.After(eventually):
		t.Fatal("removal blocked on the view observer")
	}
	after := calls.Load()
	assert.Positive(t, after)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
	assert.Zero(t, r.Count())
}

func TestRegistryClose(t *testing.T) {
	t.Parallel()

	var empty atomic.Int32
	r := newRegistry(context.Background(), testViewConfig(), func() { empty.Add(1) })
	var changes changeLog
	r.Subscribe(changes.record)

	r.Add(apitest.NewPage("P1"))
	r.Add(apitest.NewPage("P2"))
	r.Close()
	r.Close()

	assert.Zero(t, r.Count())
	assert.Zero(t, empty.Load())
	assert.Equal(t, []string{"added P1", "added P2", "removed P1", "removed P2"}, changes.get())

	_, added := r.Add(apitest.NewPage("P3"))
	assert.False(t, added)
	r.post(intent{op: intentAdd, page: apitest.NewPage("P4")})
	assert.Zero(t, r.Count())
}

func TestRegistryQueueRunsAfterUnlock(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, nil)
	counts := make(chan int, 2)
	r.Subscribe(func(c Change) {
		r.Queue(func() { counts <- r.Count() })
	})

	r.Add(apitest.NewPage("P1"))
	r.Remove("P1")

	assert.Equal(t, 1, <-counts)
	assert.Equal(t, 0, <-counts)
}
