package mirror

import (
	"context"
	"sort"
	"sync"

	"github.com/grafana/browsermirror/api"
	"github.com/grafana/browsermirror/log"
)

// ChangeType tells additions from removals.
type ChangeType int

const (
	Added ChangeType = iota + 1
	Removed
)

func (t ChangeType) String() string {
	switch t {
	case Added:
		return "added"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Change is delivered to the observers of a Registry.
type Change struct {
	Type ChangeType
	View *ContextView
}

type intentOp int

const (
	intentAdd intentOp = iota + 1
	intentRemove
)

// intent is a registry mutation requested by a browser event.
type intent struct {
	op   intentOp
	page api.Page
	id   string
}

// Registry holds the mirrored contexts of one browser session in the order
// they were registered.
//
// Mutations and the dispatch of their notifications are serialized by one
// lock, so observers see changes in mutation order. Observers run with the
// lock held and must not call back into the registry; they use Queue for
// that. Browser events reach the registry as intents posted to a mailbox
// drained by one goroutine.
type Registry struct {
	cfg     viewConfig
	logger  *log.Logger
	onEmpty func()
	ctx     context.Context
	cancel  context.CancelFunc

	mu           sync.Mutex
	views        []*ContextView
	index        map[string]*ContextView
	observers    map[int]func(Change)
	nextObserver int
	closed       bool

	queueMu sync.Mutex
	queued  []func()

	mailboxMu     sync.Mutex
	mailbox       []intent
	mailboxClosed bool
	wake          chan struct{}
	stop          chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

// newRegistry returns a running registry. onEmpty is queued every time a
// removal leaves the registry empty.
func newRegistry(ctx context.Context, cfg viewConfig, onEmpty func()) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:       cfg,
		logger:    cfg.logger,
		onEmpty:   onEmpty,
		ctx:       ctx,
		cancel:    cancel,
		index:     make(map[string]*ContextView),
		observers: make(map[int]func(Change)),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.run()

	return r
}

// Add registers page and starts mirroring it. It is a noop for a page that
// is already registered or closed.
func (r *Registry) Add(page api.Page) (*ContextView, bool) {
	r.mu.Lock()
	v, added := r.addLocked(page)
	r.mu.Unlock()
	r.runQueued()

	return v, added
}

func (r *Registry) addLocked(page api.Page) (*ContextView, bool) {
	if r.closed {
		return nil, false
	}
	if v, ok := r.index[page.ID()]; ok {
		return v, false
	}
	if page.IsClosed() {
		r.logger.Debugf("Registry:add", "id:%s skipping closed page", page.ID())
		return nil, false
	}

	v := newContextView(page, r.cfg)
	v.start(r.ctx)
	r.views = append(r.views, v)
	r.index[page.ID()] = v
	r.logger.Debugf("Registry:add", "id:%s count:%d", page.ID(), len(r.views))
	r.notifyLocked(Change{Type: Added, View: v})

	return v, true
}

// Remove stops mirroring the context with id and forgets it. It is a noop
// for an unknown id.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	v := r.removeLocked(id)
	r.mu.Unlock()
	if v != nil {
		v.wait()
	}
	r.runQueued()

	return v != nil
}

// removeLocked halts and forgets the view with id. The caller waits for
// the view after releasing the lock, since the view's observers may be
// blocked on it.
func (r *Registry) removeLocked(id string) *ContextView {
	v, ok := r.index[id]
	if !ok {
		return nil
	}

	v.halt()
	delete(r.index, id)
	for i, rv := range r.views {
		if rv == v {
			r.views = append(r.views[:i], r.views[i+1:]...)
			break
		}
	}
	r.logger.Debugf("Registry:remove", "id:%s count:%d", id, len(r.views))
	r.notifyLocked(Change{Type: Removed, View: v})

	if len(r.views) == 0 && !r.closed && r.onEmpty != nil {
		r.Queue(r.onEmpty)
	}
	return v
}

func (r *Registry) notifyLocked(c Change) {
	ids := make([]int, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		r.observers[id](c)
	}
}

// Queue runs fn after the mutation in progress has released the registry
// lock, or right after the next one.
func (r *Registry) Queue(fn func()) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	r.queued = append(r.queued, fn)
}

func (r *Registry) runQueued() {
	for {
		r.queueMu.Lock()
		if len(r.queued) == 0 {
			r.queueMu.Unlock()
			return
		}
		fn := r.queued[0]
		r.queued = r.queued[1:]
		r.queueMu.Unlock()

		fn()
	}
}

// Subscribe calls fn for every change until cancel is called. fn runs with
// the registry locked.
func (r *Registry) Subscribe(fn func(Change)) (cancel func()) {
	r.mu.Lock()
	id := r.nextObserver
	r.nextObserver++
	r.observers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

// Snapshot returns the registered contexts in registration order.
func (r *Registry) Snapshot() []*ContextView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ContextView(nil), r.views...)
}

func (r *Registry) Get(id string) (*ContextView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.index[id]
	return v, ok
}

// post hands a mutation to the registry's goroutine. It never blocks.
// Intents posted after Close are dropped.
func (r *Registry) post(i intent) {
	r.mailboxMu.Lock()
	if r.mailboxClosed {
		r.mailboxMu.Unlock()
		return
	}
	r.mailbox = append(r.mailbox, i)
	r.mailboxMu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) next() (intent, bool) {
	r.mailboxMu.Lock()
	defer r.mailboxMu.Unlock()
	if len(r.mailbox) == 0 {
		return intent{}, false
	}
	i := r.mailbox[0]
	r.mailbox[0] = intent{}
	r.mailbox = r.mailbox[1:]
	return i, true
}

func (r *Registry) run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		i, ok := r.next()
		if !ok {
			select {
			case <-r.wake:
				continue
			case <-r.stop:
				return
			}
		}

		switch i.op {
		case intentAdd:
			r.Add(i.page)
		case intentRemove:
			r.Remove(i.id)
		}
	}
}

// Close stops the intent loop, then removes every context. Removals done
// by Close do not count as the registry becoming empty.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mailboxMu.Lock()
		r.mailboxClosed = true
		r.mailbox = nil
		r.mailboxMu.Unlock()

		close(r.stop)
		<-r.done

		r.mu.Lock()
		r.closed = true
		ids := make([]string, 0, len(r.views))
		for _, v := range r.views {
			ids = append(ids, v.ID())
		}
		removed := make([]*ContextView, 0, len(ids))
		for _, id := range ids {
			removed = append(removed, r.removeLocked(id))
		}
		r.mu.Unlock()
		for _, v := range removed {
			v.wait()
		}
		r.runQueued()
		r.cancel()
	})
}
