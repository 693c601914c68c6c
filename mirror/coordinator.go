// Package mirror keeps one browser session per browser kind and mirrors
// every browsing context opened in it: screen frames, title and network
// exchanges.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/grafana/browsermirror/api"
	"github.com/grafana/browsermirror/chromium"
	"github.com/grafana/browsermirror/common"
	"github.com/grafana/browsermirror/env"
	"github.com/grafana/browsermirror/k6ext"
	"github.com/grafana/browsermirror/log"
	"github.com/grafana/browsermirror/trace"
)

const releaseTimeout = 10 * time.Second

// ErrCoordinatorClosed is returned when acquiring contexts after Close.
var ErrCoordinatorClosed = errors.New("coordinator closed")

// BrowserTypeFunc returns the browser type launching sessions of kind.
type BrowserTypeFunc func(kind Kind) (api.BrowserType, error)

// Options configures a Coordinator. The zero value launches local
// browsers with the default launch options.
type Options struct {
	Launch  *common.LaunchOptions
	Mirror  common.ScreenMirrorOptions
	Frames  *common.FrameRecorder
	Metrics *k6ext.Recorder
	Tracer  *trace.Tracer
	// EnvLookup is consulted by the default browser types.
	EnvLookup env.LookupFunc
	// BrowserTypes replaces the chromium browser types.
	BrowserTypes BrowserTypeFunc
}

type session struct {
	kind          Kind
	state         SessionState
	version       string
	browser       api.Browser
	registry      *Registry
	cancelTargets func()
}

// Coordinator owns the browser sessions, one per kind, started on the first
// context acquisition and released when their last context is gone.
type Coordinator struct {
	ctx    context.Context
	opts   Options
	tracer *trace.Tracer
	logger *log.Logger

	// bootstrapMu serializes session bootstraps and releases of all kinds.
	bootstrapMu sync.Mutex

	mu       sync.Mutex
	sessions map[Kind]*session
	busy     map[Kind]int
	closed   bool
	cascades sync.WaitGroup
}

// NewCoordinator returns a coordinator whose browsers live until ctx is
// done or Close is called.
func NewCoordinator(ctx context.Context, opts Options, logger *log.Logger) *Coordinator {
	if opts.Launch == nil {
		opts.Launch = common.NewLaunchOptions()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = trace.NewNoopTracer()
	}
	c := &Coordinator{
		ctx:      ctx,
		opts:     opts,
		tracer:   tracer,
		logger:   logger,
		sessions: make(map[Kind]*session),
		busy:     make(map[Kind]int),
	}
	if c.opts.BrowserTypes == nil {
		c.opts.BrowserTypes = c.chromiumBrowserType
	}

	return c
}

func (c *Coordinator) chromiumBrowserType(kind Kind) (api.BrowserType, error) {
	bt, err := chromium.NewBrowserType(string(kind), c.opts.Launch, c.opts.EnvLookup, c.tracer, c.logger)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	return bt, nil
}

func (c *Coordinator) viewConfig() viewConfig {
	return viewConfig{
		mirror: c.opts.Mirror,
		network: common.NetworkTrackerOptions{
			TotalBufferSize:    c.opts.Launch.NetworkTotalBuffer,
			ResourceBufferSize: c.opts.Launch.NetworkResourceBuffer,
		},
		frames:  c.opts.Frames,
		metrics: c.opts.Metrics,
		logger:  c.logger,
	}
}

// AcquireContext returns a new browsing context of kind, starting the
// kind's browser session first when there is none. An isolated context
// gets its own cookies and cache.
func (c *Coordinator) AcquireContext(ctx context.Context, kind Kind, isolated bool) (api.Page, error) {
	if !kind.Supported() {
		return nil, &UnsupportedKindError{Kind: kind}
	}
	if !c.enter(kind) {
		return nil, ErrCoordinatorClosed
	}
	defer c.leave(kind)

	ctx, span := c.tracer.Start(ctx, "mirror.acquire_context", oteltrace.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("isolated", isolated),
	))
	defer span.End()

	c.bootstrapMu.Lock()
	s := c.session(kind)
	if s == nil {
		page, err := c.bootstrap(ctx, kind, isolated)
		c.bootstrapMu.Unlock()
		trace.Fail(span, err)
		return page, err
	}
	c.bootstrapMu.Unlock()

	page, err := s.browser.NewPage(ctx, "about:blank", isolated)
	if err != nil {
		err = fmt.Errorf("creating %s context: %w", kind, err)
		trace.Fail(span, err)
		return nil, err
	}
	s.registry.Add(page)
	c.logger.Debugf("Coordinator:AcquireContext", "kind:%s id:%s isolated:%t", kind, page.ID(), isolated)

	return page, nil
}

func (c *Coordinator) enter(kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.busy[kind]++
	return true
}

func (c *Coordinator) leave(kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy[kind]--
}

func (c *Coordinator) session(kind Kind) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[kind]
}

// bootstrap starts the session of kind and returns its first context. On
// failure everything started is torn down and the kind can be retried.
func (c *Coordinator) bootstrap(ctx context.Context, kind Kind, isolated bool) (api.Page, error) {
	ctx, span := c.tracer.Start(ctx, "mirror.bootstrap")
	defer span.End()

	s := &session{kind: kind, state: Starting}
	c.mu.Lock()
	c.sessions[kind] = s
	c.mu.Unlock()

	c.logger.Infof("Coordinator:bootstrap", "starting %s session", kind)
	page, err := c.start(ctx, s, isolated)
	if err != nil {
		c.rollback(s)
		c.mu.Lock()
		delete(c.sessions, kind)
		c.mu.Unlock()
		err = &SessionBootstrapError{Kind: kind, Err: err}
		trace.Fail(span, err)
		c.logger.Errorf("Coordinator:bootstrap", "%v", err)
		return nil, err
	}

	c.mu.Lock()
	s.state = Ready
	c.mu.Unlock()
	c.logger.Infof("Coordinator:bootstrap", "%s session ready, version:%q", kind, s.version)

	return page, nil
}

func (c *Coordinator) start(ctx context.Context, s *session, isolated bool) (api.Page, error) {
	bt, err := c.opts.BrowserTypes(s.kind)
	if err != nil {
		return nil, err
	}
	browser, err := bt.Launch(c.ctx)
	if err != nil {
		return nil, fmt.Errorf("launching %s: %w", bt.Name(), err)
	}
	s.browser = browser

	var reg *Registry
	reg = newRegistry(c.ctx, c.viewConfig(), func() { c.cascade(s.kind, reg) })
	c.mu.Lock()
	s.registry = reg
	c.mu.Unlock()
	s.cancelTargets = browser.OnTargets(func(evt api.TargetEvent) {
		switch evt.Type {
		case api.PageCreated:
			reg.post(intent{op: intentAdd, page: evt.Page})
		case api.PageDestroyed:
			reg.post(intent{op: intentRemove, id: evt.TargetID})
		}
	})

	pages, err := browser.Pages(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering contexts: %w", err)
	}
	var first api.Page
	for _, p := range pages {
		// Discovery events may have registered p already.
		if v, _ := reg.Add(p); v != nil && first == nil {
			first = p
		}
	}
	if first == nil || isolated {
		if first, err = browser.NewPage(ctx, "about:blank", isolated); err != nil {
			return nil, fmt.Errorf("creating first context: %w", err)
		}
		reg.Add(first)
	}

	if s.version, err = browser.Version(ctx); err != nil {
		return nil, fmt.Errorf("reading browser version: %w", err)
	}

	return first, nil
}

func (c *Coordinator) rollback(s *session) {
	if s.cancelTargets != nil {
		s.cancelTargets()
	}
	if s.registry != nil {
		s.registry.Close()
	}
	if s.browser == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), releaseTimeout)
	defer cancel()
	if err := s.browser.Close(ctx); err != nil {
		c.logger.Debugf("Coordinator:rollback", "kind:%s closing browser: %v", s.kind, err)
	}
}

// cascade releases the session of kind once reg, its registry, is empty
// and no acquisition is in flight.
func (c *Coordinator) cascade(kind Kind, reg *Registry) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.cascades.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.cascades.Done()

		c.bootstrapMu.Lock()
		defer c.bootstrapMu.Unlock()

		c.mu.Lock()
		s := c.sessions[kind]
		idle := s != nil && s.registry == reg && s.state == Ready && c.busy[kind] == 0
		c.mu.Unlock()
		if !idle || reg.Count() > 0 {
			return
		}

		c.logger.Infof("Coordinator:cascade", "last %s context closed, releasing the session", kind)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), releaseTimeout)
		defer cancel()
		if err := c.release(ctx, s); err != nil {
			c.logger.Warnf("Coordinator:cascade", "%v", err)
		}
	}()
}

// ReleaseSession stops mirroring every context of kind and closes its
// browser. The next acquisition starts a new session. It is a noop when
// kind has no session.
func (c *Coordinator) ReleaseSession(ctx context.Context, kind Kind) error {
	c.bootstrapMu.Lock()
	defer c.bootstrapMu.Unlock()

	s := c.session(kind)
	if s == nil {
		return nil
	}
	return c.release(ctx, s)
}

// release must be called with bootstrapMu held.
func (c *Coordinator) release(ctx context.Context, s *session) error {
	s.cancelTargets()
	s.registry.Close()
	err := s.browser.Close(ctx)

	c.mu.Lock()
	s.state = Stopped
	if c.sessions[s.kind] == s {
		delete(c.sessions, s.kind)
	}
	c.mu.Unlock()
	c.logger.Infof("Coordinator:release", "%s session stopped", s.kind)

	if err != nil {
		return fmt.Errorf("closing %s browser: %w", s.kind, err)
	}
	return nil
}

// Close releases every session. Acquisitions fail afterwards.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	kinds := make([]Kind, 0, len(c.sessions))
	for k := range c.sessions {
		kinds = append(kinds, k)
	}
	c.mu.Unlock()
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var errs []error
	for _, k := range kinds {
		errs = append(errs, c.ReleaseSession(ctx, k))
	}
	c.cascades.Wait()

	return errors.Join(errs...)
}

// Busy reports whether an acquisition of kind is in flight.
func (c *Coordinator) Busy(kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy[kind] > 0
}

// State returns the lifecycle state of kind's session.
func (c *Coordinator) State(kind Kind) SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[kind]; ok {
		return s.state
	}
	return Uninitialized
}

// Version returns the product version of kind's browser, or an empty
// string when its session is not ready.
func (c *Coordinator) Version(kind Kind) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[kind]; ok && s.state == Ready {
		return s.version
	}
	return ""
}

// Registry returns the contexts of kind's session, or nil without one.
func (c *Coordinator) Registry(kind Kind) *Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[kind]; ok && s.registry != nil {
		return s.registry
	}
	return nil
}

// ContextCount returns the number of contexts mirrored for kind.
func (c *Coordinator) ContextCount(kind Kind) int {
	if r := c.Registry(kind); r != nil {
		return r.Count()
	}
	return 0
}
