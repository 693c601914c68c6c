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
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdpt "github.com/chromedp/cdproto/target"

	"github.com/grafana/browsermirror/api"
	cdpclient "github.com/grafana/browsermirror/cdp"
	"github.com/grafana/browsermirror/log"
	"github.com/grafana/browsermirror/trace"
)

var _ api.Browser = &Browser{}

const (
	BrowserStateOpen int64 = iota
	BrowserStateClosing
	BrowserStateClosed
)

// attachCall is an in-flight attachment to a page target.
type attachCall struct {
	done chan struct{}
	page *Page
	err  error
	// destroyed is set when the target went away during the attachment.
	destroyed bool
}

// Browser stores a Browser context.
type Browser struct {
	ctx context.Context

	state int64

	browserProc *BrowserProcess
	launchOpts  *LaunchOptions

	cdpClient *cdpclient.Client

	// Needed as the pages map is accessed from multiple goroutines: the
	// callers of the Browser API and the goroutine listening for CDP events.
	pagesMu       sync.RWMutex
	pages         map[cdpt.ID]*Page
	attaching     map[cdpt.ID]*attachCall
	ownedContexts map[cdpt.ID]cdp.BrowserContextID

	listenersMu  sync.RWMutex
	listeners    map[int]func(api.TargetEvent)
	nextListener int

	tracer *trace.Tracer
	logger *log.Logger
}

// NewBrowser creates a new browser, connects to it, then returns it.
func NewBrowser(
	ctx context.Context,
	browserProc *BrowserProcess,
	launchOpts *LaunchOptions,
	tracer *trace.Tracer,
	logger *log.Logger,
) (*Browser, error) {
	b := newBrowser(ctx, browserProc, launchOpts, tracer, logger)
	if err := b.connect(); err != nil {
		_ = b.cdpClient.Disconnect()
		return nil, err
	}
	return b, nil
}

// newBrowser returns a ready to use Browser without connecting to an actual browser.
func newBrowser(
	ctx context.Context,
	browserProc *BrowserProcess,
	launchOpts *LaunchOptions,
	tracer *trace.Tracer,
	logger *log.Logger,
) *Browser {
	if tracer == nil {
		tracer = trace.NewNoopTracer()
	}
	return &Browser{
		ctx:           ctx,
		cdpClient:     cdpclient.NewClient(ctx, logger),
		state:         BrowserStateOpen,
		browserProc:   browserProc,
		launchOpts:    launchOpts,
		pages:         make(map[cdpt.ID]*Page),
		attaching:     make(map[cdpt.ID]*attachCall),
		ownedContexts: make(map[cdpt.ID]cdp.BrowserContextID),
		listeners:     make(map[int]func(api.TargetEvent)),
		tracer:        tracer,
		logger:        logger,
	}
}

func (b *Browser) connect() error {
	b.logger.Debugf("Browser:connect", "wsURL:%q", b.browserProc.WsURL())
	if err := b.cdpClient.Connect(b.browserProc.WsURL()); err != nil {
		return fmt.Errorf("connecting to browser DevTools URL: %w", err)
	}

	return b.initEvents()
}

func (b *Browser) initEvents() error {
	events, cancel := b.cdpClient.Subscribe(b.ctx, "",
		cdproto.EventTargetTargetCreated,
		cdproto.EventTargetTargetDestroyed,
	)

	go func() {
		defer cancel()
		for {
			select {
			case event, ok := <-events:
				if !ok {
					b.onConnectionLost()
					return
				}
				switch ev := event.Data.(type) {
				case *cdpt.EventTargetCreated:
					b.onTargetCreated(ev.TargetInfo)
				case *cdpt.EventTargetDestroyed:
					b.onTargetDestroyed(ev.TargetID)
				}
			case <-b.ctx.Done():
				return
			}
		}
	}()

	if err := b.cdpClient.Target.SetDiscoverTargets(b.ctx, true); err != nil {
		return fmt.Errorf("discovering targets: %w", err)
	}

	return nil
}

// isTrackedPage reports whether info is a top level page. Popups (pages
// with an opener) and DevTools pages are not tracked.
func isTrackedPage(info *cdpt.Info) bool {
	if info == nil || info.Type != "page" {
		return false
	}
	if info.OpenerID != "" {
		return false
	}
	return !strings.HasPrefix(info.URL, "devtools://")
}

func (b *Browser) onTargetCreated(info *cdpt.Info) {
	if !isTrackedPage(info) {
		if info != nil {
			b.logger.Debugf("Browser:onTargetCreated", "tid:%v type:%q opener:%q ignored",
				info.TargetID, info.Type, info.OpenerID)
		}
		return
	}
	b.logger.Debugf("Browser:onTargetCreated", "tid:%v url:%q", info.TargetID, info.URL)

	go func() {
		ctx, cancel := context.WithTimeout(b.ctx, b.launchOpts.Timeout)
		defer cancel()
		if _, err := b.attachPage(ctx, info); err != nil && !errors.Is(err, ErrTargetClosed) {
			b.logger.Debugf("Browser:onTargetCreated", "tid:%v attaching: %v", info.TargetID, err)
		}
	}()
}

func (b *Browser) onTargetDestroyed(id cdpt.ID) {
	b.pagesMu.Lock()
	p, ok := b.pages[id]
	delete(b.pages, id)
	if call, attaching := b.attaching[id]; attaching {
		call.destroyed = true
	}
	bctxID, owned := b.ownedContexts[id]
	delete(b.ownedContexts, id)
	b.pagesMu.Unlock()

	if owned {
		go b.disposeContext(bctxID)
	}
	if !ok {
		b.logger.Debugf("Browser:onTargetDestroyed", "tid:%v untracked", id)
		return
	}
	b.logger.Debugf("Browser:onTargetDestroyed", "tid:%v", id)

	p.didClose()
	b.emit(api.TargetEvent{Type: api.PageDestroyed, TargetID: string(id)})
}

func (b *Browser) onConnectionLost() {
	b.logger.Debugf("Browser:onConnectionLost", "wsURL:%q err:%v", b.browserProc.WsURL(), b.cdpClient.Err())
	b.browserProc.didLoseConnection()
	b.closePages()
}

// closePages marks every tracked page closed and emits PageDestroyed for
// it. Each page is handled once, whichever of Close and the event loop gets
// there first.
func (b *Browser) closePages() {
	b.pagesMu.Lock()
	pages := b.pages
	b.pages = make(map[cdpt.ID]*Page)
	b.pagesMu.Unlock()

	for id, p := range pages {
		p.didClose()
		b.emit(api.TargetEvent{Type: api.PageDestroyed, TargetID: string(id)})
	}
}

// attachPage attaches to the page target once, however many callers race
// for it, and emits PageCreated when the page is new.
func (b *Browser) attachPage(ctx context.Context, info *cdpt.Info) (*Page, error) {
	b.pagesMu.Lock()
	if p, ok := b.pages[info.TargetID]; ok {
		b.pagesMu.Unlock()
		return p, nil
	}
	if call, ok := b.attaching[info.TargetID]; ok {
		b.pagesMu.Unlock()
		select {
		case <-call.done:
			return call.page, call.err
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for page %v: %w", info.TargetID, ctx.Err())
		}
	}
	call := &attachCall{done: make(chan struct{})}
	b.attaching[info.TargetID] = call
	b.pagesMu.Unlock()

	call.page, call.err = b.newPage(ctx, info)

	b.pagesMu.Lock()
	delete(b.attaching, info.TargetID)
	if call.err == nil && call.destroyed {
		call.page.didClose()
		call.page, call.err = nil, fmt.Errorf("attaching to page %v: %w", info.TargetID, ErrTargetClosed)
	}
	if call.err == nil {
		b.pages[info.TargetID] = call.page
	}
	b.pagesMu.Unlock()
	close(call.done)

	if call.err != nil {
		return nil, call.err
	}
	b.emit(api.TargetEvent{Type: api.PageCreated, TargetID: string(info.TargetID), Page: call.page})

	return call.page, nil
}

func (b *Browser) newPage(ctx context.Context, info *cdpt.Info) (*Page, error) {
	sid, err := b.cdpClient.Target.AttachToTarget(ctx, info.TargetID)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	session := b.cdpClient.Session(sid, info.TargetID)

	p, err := NewPage(b.ctx, session, info, b.cdpClient.Target, b.tracer, b.logger)
	if err != nil {
		return nil, err
	}
	if vp := b.launchOpts.Viewport; vp != nil {
		if err := p.SetViewport(ctx, vp.Width, vp.Height); err != nil {
			b.logger.Debugf("Browser:newPage", "tid:%v setting viewport: %v", info.TargetID, err)
		}
	}

	return p, nil
}

func (b *Browser) disposeContext(id cdp.BrowserContextID) {
	ctx, cancel := context.WithTimeout(b.ctx, b.launchOpts.Timeout)
	defer cancel()

	b.logger.Debugf("Browser:disposeContext", "bctxid:%v", id)
	if err := b.cdpClient.Target.DisposeBrowserContext(ctx, id); err != nil {
		b.logger.Debugf("Browser:disposeContext", "bctxid:%v: %v", id, err)
	}
}

func (b *Browser) emit(evt api.TargetEvent) {
	b.listenersMu.RLock()
	defer b.listenersMu.RUnlock()

	for _, fn := range b.listeners {
		fn(evt)
	}
}

// OnTargets registers fn for page creation and destruction events.
func (b *Browser) OnTargets(fn func(api.TargetEvent)) func() {
	b.listenersMu.Lock()
	id := b.nextListener
	b.nextListener++
	b.listeners[id] = fn
	b.listenersMu.Unlock()

	return func() {
		b.listenersMu.Lock()
		delete(b.listeners, id)
		b.listenersMu.Unlock()
	}
}

// Pages attaches to every top level page of the browser and returns them.
func (b *Browser) Pages(ctx context.Context) ([]api.Page, error) {
	if atomic.LoadInt64(&b.state) != BrowserStateOpen {
		return nil, ErrBrowserClosed
	}

	infos, err := b.cdpClient.Target.GetTargets(ctx)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	pages := make([]api.Page, 0, len(infos))
	for _, info := range infos {
		if !isTrackedPage(info) {
			continue
		}
		p, err := b.attachPage(ctx, info)
		if errors.Is(err, ErrTargetClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}

	return pages, nil
}

// NewPage creates a new tab in the browser window. An isolated page gets
// a fresh browser context, disposed of when the page is destroyed.
func (b *Browser) NewPage(ctx context.Context, url string, isolated bool) (api.Page, error) {
	if atomic.LoadInt64(&b.state) != BrowserStateOpen {
		return nil, ErrBrowserClosed
	}
	if url == "" {
		url = "about:blank"
	}

	var bctxID cdp.BrowserContextID
	if isolated {
		var err error
		if bctxID, err = b.cdpClient.Target.CreateBrowserContext(ctx, false); err != nil {
			return nil, fmt.Errorf("creating an isolated page: %w", err)
		}
	}

	tid, err := b.cdpClient.Target.CreateTarget(ctx, url, bctxID)
	if err != nil {
		if isolated {
			go b.disposeContext(bctxID)
		}
		return nil, fmt.Errorf("creating a new page: %w", err)
	}
	if isolated {
		b.pagesMu.Lock()
		b.ownedContexts[tid] = bctxID
		b.pagesMu.Unlock()
	}

	p, err := b.attachPage(ctx, &cdpt.Info{
		TargetID:         tid,
		Type:             "page",
		URL:              url,
		BrowserContextID: bctxID,
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

// Close shuts down the browser. Closing a remote browser only drops the
// connection to it.
func (b *Browser) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt64(&b.state, BrowserStateOpen, BrowserStateClosing) {
		// If we're already in a closing state then no need to continue.
		b.logger.Debugf("Browser:Close", "already in a closing state")
		return nil
	}
	b.logger.Debugf("Browser:Close", "wsURL:%q", b.browserProc.WsURL())
	defer func() {
		if err := b.browserProc.Cleanup(); err != nil {
			b.logger.Errorf("Browser:Close", "cleaning up the user data directory: %v", err)
		}
	}()

	b.browserProc.GracefulClose()

	var err error
	if b.browserProc.Pid() != unknownProcessPid {
		if cerr := b.cdpClient.Browser.Close(ctx); cerr != nil && !isClosedConnErr(cerr) {
			err = fmt.Errorf("closing the browser: %w", cerr)
		}
	}
	if derr := b.cdpClient.Disconnect(); derr != nil {
		b.logger.Debugf("Browser:Close", "disconnecting: %v", derr)
	}
	// Terminate cancels the event loop before it sees the subscription
	// close, so the pages are released here.
	b.closePages()
	b.browserProc.Terminate()
	atomic.StoreInt64(&b.state, BrowserStateClosed)

	return err
}

func isClosedConnErr(err error) bool {
	return errors.Is(err, cdpclient.ErrConnectionClosed) ||
		errors.Is(err, cdpclient.ErrNotConnected) ||
		errors.Is(err, context.Canceled)
}

// IsConnected returns whether the WebSocket connection to the browser process
// is active or not.
func (b *Browser) IsConnected() bool {
	return b.browserProc.isConnected() && atomic.LoadInt64(&b.state) == BrowserStateOpen
}

// Version returns the controlled browser's version.
func (b *Browser) Version(ctx context.Context) (string, error) {
	v, err := b.cdpClient.Browser.GetVersion(ctx)
	if err != nil {
		return "", err //nolint:wrapcheck
	}

	i := strings.Index(v.Product, "/")
	if i == -1 {
		return v.Product, nil
	}
	return v.Product[i+1:], nil
}

// UserAgent returns the controlled browser's user agent string.
func (b *Browser) UserAgent(ctx context.Context) (string, error) {
	v, err := b.cdpClient.Browser.GetVersion(ctx)
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	return v.UserAgent, nil
}
