package mirror

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grafana/browsermirror/api"
	"github.com/grafana/browsermirror/common"
	"github.com/grafana/browsermirror/k6ext"
	"github.com/grafana/browsermirror/log"
)

// DefaultTitle is the title of a context until its first load.
const DefaultTitle = "New Tab"

const titleTimeout = 5 * time.Second

// ViewChangeType tells which part of a ContextView changed.
type ViewChangeType int

const (
	TitleChanged ViewChangeType = iota + 1
	FrameChanged
)

// ViewChange is delivered to the observers of a ContextView.
type ViewChange struct {
	Type  ViewChangeType
	View  *ContextView
	Title string
	Frame common.Frame
}

type viewConfig struct {
	mirror  common.ScreenMirrorOptions
	network common.NetworkTrackerOptions
	frames  *common.FrameRecorder
	metrics *k6ext.Recorder
	logger  *log.Logger
}

// ContextView is the mirrored state of one browsing context: its latest
// frame, its title and its network exchanges.
type ContextView struct {
	page    api.Page
	created time.Time
	mirror  *common.ScreenMirror
	tracker *common.NetworkTracker
	input   *Input
	frames  *common.FrameRecorder
	logger  *log.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	cancelLoad func()
	record     common.FrameSink
	wg         sync.WaitGroup
	titleMu    sync.Mutex

	mu           sync.Mutex
	title        string
	frame        common.Frame
	hasFrame     bool
	stopped      bool
	observers    map[int]func(ViewChange)
	nextObserver int
}

func newContextView(page api.Page, cfg viewConfig) *ContextView {
	v := &ContextView{
		page:      page,
		created:   time.Now(),
		input:     newInput(page),
		frames:    cfg.frames,
		logger:    cfg.logger,
		title:     DefaultTitle,
		observers: make(map[int]func(ViewChange)),
	}
	v.mirror = common.NewScreenMirror(page.ID(), page, cfg.mirror, v.onFrame, cfg.metrics, cfg.logger)
	v.tracker = common.NewNetworkTracker(page.Session(), cfg.network, cfg.metrics, cfg.logger)

	return v
}

// start runs the capture loop and the network tracking until stop.
func (v *ContextView) start(ctx context.Context) {
	v.ctx, v.cancel = context.WithCancel(ctx)
	if v.frames != nil {
		v.record = v.frames.Sink(v.ctx, v.ID())
	}
	v.cancelLoad = v.page.OnLoad(v.onLoad)
	v.mirror.Start(v.ctx)
	if err := v.tracker.Start(v.ctx); err != nil {
		v.logger.Warnf("ContextView:start", "id:%s network tracking disabled: %v", v.ID(), err)
	}
}

// halt cancels the loops of the view without waiting for them. Observers
// are not called once halt returns, but a call already running may still be
// in progress until wait returns.
func (v *ContextView) halt() {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	v.stopped = true
	v.mu.Unlock()

	if v.cancel == nil {
		return
	}
	v.cancelLoad()
	v.cancel()
}

// wait waits for the loops of a halted view to return.
func (v *ContextView) wait() {
	if v.cancel == nil {
		return
	}
	v.mirror.Stop()
	v.tracker.Stop()
	v.wg.Wait()
}

func (v *ContextView) onFrame(f common.Frame) {
	v.mu.Lock()
	v.frame, v.hasFrame = f, true
	fns := v.observersLocked()
	v.mu.Unlock()

	if v.record != nil {
		v.record(f)
	}
	for _, fn := range fns {
		fn(ViewChange{Type: FrameChanged, View: v, Frame: f})
	}
}

func (v *ContextView) onLoad() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		return
	}
	v.wg.Add(1)
	go v.refreshTitle()
}

func (v *ContextView) refreshTitle() {
	defer v.wg.Done()

	v.titleMu.Lock()
	defer v.titleMu.Unlock()

	ctx, cancel := context.WithTimeout(v.ctx, titleTimeout)
	defer cancel()
	title, err := v.page.Title(ctx)
	if err != nil {
		if v.ctx.Err() == nil {
			v.logger.Debugf("ContextView:refreshTitle", "id:%s err:%v", v.ID(), err)
		}
		return
	}
	if title == "" {
		title = DefaultTitle
	}

	v.mu.Lock()
	if title == v.title {
		v.mu.Unlock()
		return
	}
	v.title = title
	fns := v.observersLocked()
	v.mu.Unlock()

	for _, fn := range fns {
		fn(ViewChange{Type: TitleChanged, View: v, Title: title})
	}
}

// observersLocked returns nothing once the view is halted.
func (v *ContextView) observersLocked() []func(ViewChange) {
	if v.stopped {
		return nil
	}
	ids := make([]int, 0, len(v.observers))
	for id := range v.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(ViewChange), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, v.observers[id])
	}
	return fns
}

// Subscribe calls fn on every title or frame change until cancel is called
// or the context is removed from its registry. fn is called from the view's
// goroutines without any lock held, so it may call back into the view and
// the registry, but it must not block: a removal waits for it to return.
func (v *ContextView) Subscribe(fn func(ViewChange)) (cancel func()) {
	v.mu.Lock()
	id := v.nextObserver
	v.nextObserver++
	v.observers[id] = fn
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.observers, id)
		v.mu.Unlock()
	}
}

// ID is the target ID of the context.
func (v *ContextView) ID() string { return v.page.ID() }

// Page is the mirrored page.
func (v *ContextView) Page() api.Page { return v.page }

// Isolated reports whether the context has its own browser context.
func (v *ContextView) Isolated() bool { return v.page.BrowserContextID() != "" }

// Created is when the context was registered.
func (v *ContextView) Created() time.Time { return v.created }

// URL is the URL of the context's main frame.
func (v *ContextView) URL() string { return v.page.URL() }

func (v *ContextView) Title() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.title
}

// Frame returns the latest published frame, if any.
func (v *ContextView) Frame() (common.Frame, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frame, v.hasFrame
}

// Mirror is the capture loop of the context.
func (v *ContextView) Mirror() *common.ScreenMirror { return v.mirror }

// Tracker records the network exchanges of the context.
func (v *ContextView) Tracker() *common.NetworkTracker { return v.tracker }

// Input forwards user input to the context.
func (v *ContextView) Input() *Input { return v.input }

// Navigate navigates the context and waits for the load event.
func (v *ContextView) Navigate(ctx context.Context, url string) error {
	if err := v.page.Navigate(ctx, url, api.LifecycleEventLoad); err != nil {
		return fmt.Errorf("navigating context %s: %w", v.ID(), err)
	}
	return nil
}

// Close closes the context. The registry forgets it once the browser
// reports the target destroyed.
func (v *ContextView) Close(ctx context.Context) error {
	if err := v.page.Close(ctx); err != nil {
		return fmt.Errorf("closing context %s: %w", v.ID(), err)
	}
	return nil
}

// SetViewport resizes the context's viewport.
func (v *ContextView) SetViewport(ctx context.Context, width, height int64) error {
	if err := v.page.SetViewport(ctx, width, height); err != nil {
		return fmt.Errorf("resizing context %s: %w", v.ID(), err)
	}
	return nil
}
