/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	cdppage "github.com/chromedp/cdproto/page"
	cdpt "github.com/chromedp/cdproto/target"

	"github.com/grafana/browsermirror/api"
	cdpclient "github.com/grafana/browsermirror/cdp"
	"github.com/grafana/browsermirror/cdp/domains"
	"github.com/grafana/browsermirror/log"
	"github.com/grafana/browsermirror/trace"
)

var _ api.Page = &Page{}

// Page is a browser tab reached through its attached CDP session.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc

	session  *cdpclient.Session
	targets  domains.Target
	targetID cdpt.ID
	openerID cdpt.ID
	bctxID   cdp.BrowserContextID

	page      domains.Page
	emulation domains.Emulation
	runtime   domains.Runtime

	keyboard *Keyboard
	mouse    *Mouse

	closing   atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once

	urlMu       sync.RWMutex
	url         string
	mainFrameID cdp.FrameID

	listenersMu   sync.Mutex
	loadListeners map[int]func()
	nextListener  int
	signals       map[*lifecycleSignal]struct{}

	tracer *trace.Tracer
	logger *log.Logger
}

// NewPage enables the Page domain on session and starts following the
// page's lifecycle events. targets is the browser level Target domain,
// used to close the page.
func NewPage(
	ctx context.Context,
	session *cdpclient.Session,
	info *cdpt.Info,
	targets domains.Target,
	tracer *trace.Tracer,
	logger *log.Logger,
) (*Page, error) {
	if tracer == nil {
		tracer = trace.NewNoopTracer()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Page{
		ctx:           ctx,
		cancel:        cancel,
		session:       session,
		targets:       targets,
		targetID:      info.TargetID,
		openerID:      info.OpenerID,
		bctxID:        info.BrowserContextID,
		page:          domains.NewPage(session),
		emulation:     domains.NewEmulation(session),
		runtime:       domains.NewRuntime(session),
		closed:        make(chan struct{}),
		url:           info.URL,
		loadListeners: make(map[int]func()),
		signals:       make(map[*lifecycleSignal]struct{}),
		tracer:        tracer,
		logger:        logger,
	}
	p.keyboard = NewKeyboard(session)
	p.mouse = NewMouse(session, p.keyboard)

	p.logger.Debugf("Page:NewPage", "sid:%v tid:%v bctxid:%v", session.ID(), p.targetID, p.bctxID)

	p.initEvents()
	if err := p.page.Enable(ctx); err != nil {
		p.didClose()
		return nil, fmt.Errorf("initializing page %v: %w", p.targetID, err)
	}

	return p, nil
}

func (p *Page) initEvents() {
	events, cancel := p.session.Subscribe(p.ctx,
		cdproto.EventPageFrameNavigated,
		cdproto.EventPageDomContentEventFired,
		cdproto.EventPageLoadEventFired,
	)

	go func() {
		defer cancel()
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					p.logger.Debugf("Page:initEvents", "tid:%v events closed", p.targetID)
					p.didClose()
					return
				}
				p.onEvent(evt)
			case <-p.ctx.Done():
				return
			}
		}
	}()
}

func (p *Page) onEvent(evt *cdpclient.Event) {
	switch ev := evt.Data.(type) {
	case *cdppage.EventFrameNavigated:
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		p.urlMu.Lock()
		p.url = ev.Frame.URL
		p.mainFrameID = ev.Frame.ID
		p.urlMu.Unlock()
		p.logger.Debugf("Page:onFrameNavigated", "tid:%v url:%q", p.targetID, ev.Frame.URL)
	case *cdppage.EventDomContentEventFired:
		p.tracer.TraceEvent(string(p.targetID), "domcontentloaded")
		p.fireSignals(evt.Name)
	case *cdppage.EventLoadEventFired:
		p.tracer.TraceEvent(string(p.targetID), "load")
		p.fireSignals(evt.Name)

		p.listenersMu.Lock()
		fns := make([]func(), 0, len(p.loadListeners))
		for _, fn := range p.loadListeners {
			fns = append(fns, fn)
		}
		p.listenersMu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
}

func (p *Page) fireSignals(event cdproto.MethodType) {
	url := p.URL()

	p.listenersMu.Lock()
	defer p.listenersMu.Unlock()

	for s := range p.signals {
		if !s.matches(event, url) {
			continue
		}
		delete(p.signals, s)
		if s.fire() {
			p.logger.Debugf("Page:fireSignals", "tid:%v event:%s url:%q", p.targetID, event, url)
		}
	}
}

func (p *Page) armSignal(event cdproto.MethodType, urlSubstr string) *lifecycleSignal {
	s := newLifecycleSignal(event, urlSubstr)
	s.onCancel = func() {
		p.listenersMu.Lock()
		delete(p.signals, s)
		p.listenersMu.Unlock()
	}

	p.listenersMu.Lock()
	p.signals[s] = struct{}{}
	p.listenersMu.Unlock()

	return s
}

func (p *Page) didClose() {
	p.closeOnce.Do(func() {
		p.logger.Debugf("Page:didClose", "tid:%v", p.targetID)
		p.closing.Store(true)
		close(p.closed)
		p.cancel()
		p.tracer.EndTarget(string(p.targetID))
	})
}

// ID returns the target ID of the page.
func (p *Page) ID() string { return string(p.targetID) }

// OpenerID returns the target ID of the page that opened this one.
func (p *Page) OpenerID() string { return string(p.openerID) }

// BrowserContextID returns the browser context of the page, empty for the
// default context.
func (p *Page) BrowserContextID() string { return string(p.bctxID) }

// Session returns the CDP session attached to the page.
func (p *Page) Session() api.Session { return p.session }

// Keyboard returns the keyboard of the page.
func (p *Page) Keyboard() api.Keyboard { return p.keyboard }

// Mouse returns the mouse of the page.
func (p *Page) Mouse() api.Mouse { return p.mouse }

// URL returns the URL of the main frame.
func (p *Page) URL() string {
	p.urlMu.RLock()
	defer p.urlMu.RUnlock()
	return p.url
}

// IsClosed reports whether the page target is gone.
func (p *Page) IsClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Closed is closed once the page target is destroyed.
func (p *Page) Closed() <-chan struct{} { return p.closed }

// Close closes the page target. Closing a page twice, or one whose target
// is already destroyed, is a no-op.
func (p *Page) Close(ctx context.Context) error {
	if !p.closing.CompareAndSwap(false, true) {
		p.logger.Debugf("Page:Close", "tid:%v already closed", p.targetID)
		return nil
	}
	p.logger.Debugf("Page:Close", "tid:%v", p.targetID)

	_, span := p.tracer.TraceAPICall(ctx, string(p.targetID), "page.close")
	defer span.End()

	err := p.targets.CloseTarget(ctx, p.targetID)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, cdpclient.ErrConnectionClosed) {
		trace.Fail(span, err)
		p.closing.Store(false)
		return fmt.Errorf("closing page %v: %w", p.targetID, err)
	}
	p.didClose()

	return nil
}

// Navigate loads url in the main frame and waits for the waitUntil
// lifecycle event.
func (p *Page) Navigate(ctx context.Context, url string, waitUntil api.LifecycleEvent) error {
	if p.IsClosed() {
		return ErrTargetClosed
	}
	_, span := p.tracer.TraceNavigation(ctx, string(p.targetID), url)

	var s *lifecycleSignal
	switch waitUntil {
	case api.LifecycleEventDOMContentLoad:
		s = p.armSignal(cdproto.EventPageDomContentEventFired, "")
	case api.LifecycleEventLoad:
		s = p.armSignal(cdproto.EventPageLoadEventFired, "")
	}

	if _, err := p.page.Navigate(ctx, url, "", ""); err != nil {
		if s != nil {
			s.Cancel()
		}
		trace.Fail(span, err)
		return err //nolint:wrapcheck
	}
	if s == nil {
		return nil
	}

	select {
	case <-s.Done():
		return nil
	case <-p.closed:
		return fmt.Errorf("navigating to %q: %w", url, ErrTargetClosed)
	case <-ctx.Done():
		s.Cancel()
		trace.Fail(span, ctx.Err())
		return fmt.Errorf("navigating to %q: waiting for %s: %w", url, waitUntil, ctx.Err())
	}
}

// WaitForDOMContentLoaded arms a signal for the next DOMContentLoaded of
// a main frame URL that contains urlSubstr, ignoring case.
func (p *Page) WaitForDOMContentLoaded(urlSubstr string) api.Signal {
	return p.armSignal(cdproto.EventPageDomContentEventFired, urlSubstr)
}

// OnLoad calls fn on every load event of the page. fn is called from the
// page's event loop and must not block.
func (p *Page) OnLoad(fn func()) func() {
	p.listenersMu.Lock()
	id := p.nextListener
	p.nextListener++
	p.loadListeners[id] = fn
	p.listenersMu.Unlock()

	return func() {
		p.listenersMu.Lock()
		delete(p.loadListeners, id)
		p.listenersMu.Unlock()
	}
}

// Screenshot captures the viewport as JPEG.
func (p *Page) Screenshot(ctx context.Context, quality int64) ([]byte, error) {
	if p.IsClosed() {
		return nil, ErrTargetClosed
	}
	return p.page.CaptureScreenshot(ctx, quality) //nolint:wrapcheck
}

// SetViewport resizes the page's viewport.
func (p *Page) SetViewport(ctx context.Context, width, height int64) error {
	if p.IsClosed() {
		return ErrTargetClosed
	}
	if err := (&Viewport{Width: width, Height: height}).Validate(); err != nil {
		return err
	}
	return p.emulation.SetViewport(ctx, width, height) //nolint:wrapcheck
}

// Title returns the document title.
func (p *Page) Title(ctx context.Context) (string, error) {
	if p.IsClosed() {
		return "", ErrTargetClosed
	}
	return p.runtime.EvaluateString(ctx, "document.title") //nolint:wrapcheck
}

// Locate returns the first element that matches selector.
func (p *Page) Locate(ctx context.Context, selector string) (api.ElementHandle, error) {
	if p.IsClosed() {
		return nil, ErrTargetClosed
	}

	ctx, span := p.tracer.TraceAPICall(ctx, string(p.targetID), "page.locate")
	defer span.End()

	execCtx := cdp.WithExecutor(ctx, p.session)
	root, err := dom.GetDocument().WithDepth(0).Do(execCtx)
	if err != nil {
		trace.Fail(span, err)
		return nil, fmt.Errorf("getting document: %w", err)
	}
	nodeID, err := dom.QuerySelector(root.NodeID, selector).Do(execCtx)
	if err != nil {
		trace.Fail(span, err)
		return nil, fmt.Errorf("querying %q: %w", selector, err)
	}
	if nodeID == 0 {
		trace.Fail(span, ErrElementNotFound)
		return nil, fmt.Errorf("querying %q: %w", selector, ErrElementNotFound)
	}

	return &ElementHandle{page: p, nodeID: nodeID, selector: selector}, nil
}

// ReleaseInput releases every mouse button and key held on page.
func ReleaseInput(ctx context.Context, page api.Page) error {
	for _, b := range page.Mouse().Pressed() {
		if err := page.Mouse().Up(ctx, b); err != nil {
			return err //nolint:wrapcheck
		}
	}
	for _, k := range page.Keyboard().Pressed() {
		if err := page.Keyboard().Up(ctx, k); err != nil {
			return err //nolint:wrapcheck
		}
	}
	return nil
}
