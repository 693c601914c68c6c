package common

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"

	"github.com/grafana/browsermirror/api"
	cdpclient "github.com/grafana/browsermirror/cdp"
	"github.com/grafana/browsermirror/k6ext"
	"github.com/grafana/browsermirror/log"
)

// StatusPending is the status of an exchange still waiting for its response.
const StatusPending = "Pending"

// BodyKind selects the request or the response body of an exchange.
type BodyKind int

const (
	BodyRequest BodyKind = iota + 1
	BodyResponse
)

func (k BodyKind) String() string {
	switch k {
	case BodyRequest:
		return "request"
	case BodyResponse:
		return "response"
	}
	return "unknown"
}

// Body is a lazily fetched request or response body. Fetch errors are kept
// in Err.
type Body struct {
	Data    []byte
	Err     error
	Fetched bool
}

// Exchange is a request and, once it completed, its response.
type Exchange struct {
	Seq           int
	RequestID     network.RequestID
	Method        string
	URL           string
	InitiatorType string
	ResourceType  string
	Started       time.Time

	RequestHeaders map[string]string
	HasPostData    bool

	Status          string
	StatusCode      int64
	MimeType        string
	Duration        time.Duration
	ResponseHeaders map[string]string

	RequestBody  Body
	ResponseBody Body
}

// Pending reports whether the response has not completed yet.
func (e Exchange) Pending() bool {
	return e.Status == StatusPending
}

// DisplayURL returns the path and query of the URL.
func (e Exchange) DisplayURL() string {
	u, err := url.Parse(e.URL)
	if err != nil || u.Opaque != "" {
		return e.URL
	}
	return u.RequestURI()
}

// DurationDisplay returns the duration in whole milliseconds, empty while
// pending.
func (e Exchange) DurationDisplay() string {
	if e.Pending() {
		return ""
	}
	return fmt.Sprintf("%d ms", e.Duration.Milliseconds())
}

// ExchangeEventType is the kind of change an ExchangeEvent reports.
type ExchangeEventType int

const (
	ExchangeAppended ExchangeEventType = iota + 1
	ExchangeUpdated
	ExchangeBodyFetched
	ExchangesCleared
)

// ExchangeEvent notifies a change of the recorded exchanges. Exchange is
// unset for ExchangesCleared.
type ExchangeEvent struct {
	Type     ExchangeEventType
	Exchange Exchange
}

// NetworkTrackerOptions sizes the browser side buffers that keep bodies
// available for FetchBody. Zero leaves the browser's default.
type NetworkTrackerOptions struct {
	TotalBufferSize    int64
	ResourceBufferSize int64
}

// exchange is the tracker's record, guarded by the tracker mutex.
type exchange struct {
	Exchange

	requestTS *cdp.MonotonicTime
	response  *network.Response
	fetching  map[BodyKind]chan struct{}
}

// NetworkTracker records the network exchanges of a page.
type NetworkTracker struct {
	session api.Session
	opts    NetworkTrackerOptions
	metrics *k6ext.Recorder
	logger  *log.Logger

	mu        sync.Mutex
	exchanges []*exchange // ascending Seq
	nextSeq   int

	listenersMu  sync.RWMutex
	listeners    map[int]func(ExchangeEvent)
	nextListener int

	stateMu sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewNetworkTracker returns a tracker for the page behind session. metrics
// may be nil.
func NewNetworkTracker(
	session api.Session, opts NetworkTrackerOptions, metrics *k6ext.Recorder, logger *log.Logger,
) *NetworkTracker {
	return &NetworkTracker{
		session:   session,
		opts:      opts,
		metrics:   metrics,
		logger:    logger,
		listeners: make(map[int]func(ExchangeEvent)),
		done:      make(chan struct{}),
	}
}

// Start enables the Network domain and records exchanges until Stop. Later
// calls, and calls after Stop, do nothing.
func (t *NetworkTracker) Start(ctx context.Context) error {
	t.stateMu.Lock()
	if t.started || t.stopped {
		t.stateMu.Unlock()
		return nil
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.stateMu.Unlock()

	events, cancel := t.session.Subscribe(t.ctx,
		cdproto.EventNetworkRequestWillBeSent,
		cdproto.EventNetworkResponseReceived,
		cdproto.EventNetworkLoadingFinished,
		cdproto.EventNetworkLoadingFailed,
	)
	go t.loop(events, cancel)

	action := network.Enable()
	if t.opts.TotalBufferSize > 0 {
		action = action.WithMaxTotalBufferSize(t.opts.TotalBufferSize)
	}
	if t.opts.ResourceBufferSize > 0 {
		action = action.WithMaxResourceBufferSize(t.opts.ResourceBufferSize)
	}
	if err := action.Do(cdp.WithExecutor(t.ctx, t.session)); err != nil {
		return fmt.Errorf("enabling network tracking: %w", err)
	}

	return nil
}

func (t *NetworkTracker) loop(events <-chan *cdpclient.Event, cancel func()) {
	defer close(t.done)
	defer cancel()

	for {
		select {
		case <-t.ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch ev := evt.Data.(type) {
			case *network.EventRequestWillBeSent:
				t.onRequest(ev)
			case *network.EventResponseReceived:
				t.onResponseReceived(ev)
			case *network.EventLoadingFinished:
				t.complete(ev.RequestID, ev.Timestamp, "")
			case *network.EventLoadingFailed:
				t.complete(ev.RequestID, ev.Timestamp, ev.ErrorText)
			}
		}
	}
}

// Stop stops recording and releases the browser side buffers. It can be
// called more than once.
func (t *NetworkTracker) Stop() {
	t.stateMu.Lock()
	if t.stopped {
		t.stateMu.Unlock()
		return
	}
	t.stopped = true
	started := t.started
	t.stateMu.Unlock()

	if !started {
		return
	}
	t.cancel()
	<-t.done

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := network.Disable().Do(cdp.WithExecutor(ctx, t.session)); err != nil {
		t.logger.Debugf("NetworkTracker:Stop", "sid:%v disabling network: %v", t.session.ID(), err)
	}
}

func (t *NetworkTracker) onRequest(ev *network.EventRequestWillBeSent) {
	if ev.Request == nil {
		return
	}
	if ev.RedirectResponse != nil {
		t.onResponseReceived(&network.EventResponseReceived{
			RequestID: ev.RequestID,
			Response:  ev.RedirectResponse,
		})
		t.complete(ev.RequestID, ev.Timestamp, "")
	}

	e := &exchange{
		Exchange: Exchange{
			RequestID:      ev.RequestID,
			Method:         ev.Request.Method,
			URL:            ev.Request.URL + ev.Request.URLFragment,
			ResourceType:   string(ev.Type),
			RequestHeaders: headersToMap(ev.Request.Headers),
			HasPostData:    ev.Request.HasPostData,
			Status:         StatusPending,
			Started:        time.Now(),
		},
		requestTS: ev.Timestamp,
		fetching:  make(map[BodyKind]chan struct{}),
	}
	if ev.Initiator != nil {
		e.InitiatorType = string(ev.Initiator.Type)
	}
	if ev.WallTime != nil {
		e.Started = ev.WallTime.Time()
	}

	t.mu.Lock()
	e.Seq = t.nextSeq
	t.nextSeq++
	t.exchanges = append(t.exchanges, e)
	snapshot := e.Exchange
	t.mu.Unlock()

	t.logger.Tracef("NetworkTracker:onRequest", "rid:%v %s %s", ev.RequestID, e.Method, e.URL)
	t.push(func(m *k6ext.CustomMetrics) { t.metrics.Push(t.ctx, m.Exchanges, 1) })
	t.emit(ExchangeEvent{Type: ExchangeAppended, Exchange: snapshot})
}

func (t *NetworkTracker) onResponseReceived(ev *network.EventResponseReceived) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e := t.pendingLocked(ev.RequestID); e != nil {
		e.response = ev.Response
	}
}

// complete settles the first pending exchange of id. Completions that match
// no pending exchange are dropped.
func (t *NetworkTracker) complete(id network.RequestID, ts *cdp.MonotonicTime, errorText string) {
	t.mu.Lock()
	e := t.pendingLocked(id)
	if e == nil {
		t.mu.Unlock()
		t.logger.Debugf("NetworkTracker:complete", "rid:%v no pending exchange", id)
		return
	}

	switch {
	case errorText != "":
		e.Status = "Failed: " + errorText
	case e.response != nil:
		e.StatusCode = e.response.Status
		e.Status = fmt.Sprintf("%d %s", e.response.Status, e.response.StatusText)
		e.MimeType = e.response.MimeType
		e.ResponseHeaders = headersToMap(e.response.Headers)
	default:
		e.Status = "Finished"
	}
	if ts != nil && e.requestTS != nil {
		e.Duration = ts.Time().Sub(e.requestTS.Time())
	}
	snapshot := e.Exchange
	t.mu.Unlock()

	t.push(func(m *k6ext.CustomMetrics) {
		t.metrics.Push(t.ctx, m.ExchangeDuration, k6ext.Millis(snapshot.Duration))
	})
	t.emit(ExchangeEvent{Type: ExchangeUpdated, Exchange: snapshot})
}

func (t *NetworkTracker) lookupLocked(seq int) *exchange {
	i := sort.Search(len(t.exchanges), func(i int) bool { return t.exchanges[i].Seq >= seq })
	if i < len(t.exchanges) && t.exchanges[i].Seq == seq {
		return t.exchanges[i]
	}
	return nil
}

func (t *NetworkTracker) pendingLocked(id network.RequestID) *exchange {
	for _, e := range t.exchanges {
		if e.RequestID == id && e.Pending() {
			return e
		}
	}
	return nil
}

// Exchanges returns a snapshot of the recorded exchanges in request order.
func (t *NetworkTracker) Exchanges() []Exchange {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Exchange, len(t.exchanges))
	for i, e := range t.exchanges {
		out[i] = e.Exchange
	}
	return out
}

// Clear drops every recorded exchange. Sequence numbers keep counting, so
// a number taken before the clear never names a later exchange.
func (t *NetworkTracker) Clear() {
	t.mu.Lock()
	t.exchanges = nil
	t.mu.Unlock()

	t.emit(ExchangeEvent{Type: ExchangesCleared})
}

// SetCacheDisabled toggles ignoring the browser cache for the page.
func (t *NetworkTracker) SetCacheDisabled(ctx context.Context, disabled bool) error {
	if err := network.SetCacheDisabled(disabled).Do(cdp.WithExecutor(ctx, t.session)); err != nil {
		return fmt.Errorf("toggling cache: %w", err)
	}
	return nil
}

// FetchBody returns the body of the exchange with the given sequence
// number. The first call fetches it from the browser, later calls return
// the stored result, and concurrent first calls share one fetch. Errors are
// reported in the returned Body.
func (t *NetworkTracker) FetchBody(ctx context.Context, seq int, kind BodyKind) Body {
	for {
		t.mu.Lock()
		e := t.lookupLocked(seq)
		if e == nil {
			t.mu.Unlock()
			return Body{Err: fmt.Errorf("no exchange #%d", seq)}
		}
		slot := e.body(kind)
		if slot == nil {
			t.mu.Unlock()
			return Body{Err: fmt.Errorf("unknown body kind %d", kind)}
		}
		if slot.Fetched {
			b := *slot
			t.mu.Unlock()
			return b
		}
		if kind == BodyResponse && e.Pending() {
			t.mu.Unlock()
			return Body{Err: errors.New("response has not completed yet")}
		}
		if wait, ok := e.fetching[kind]; ok {
			t.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return Body{Err: ctx.Err()}
			}
		}

		wait := make(chan struct{})
		e.fetching[kind] = wait
		id, hasPostData := e.RequestID, e.HasPostData
		t.mu.Unlock()

		b := t.fetch(ctx, id, kind, hasPostData)

		t.mu.Lock()
		delete(e.fetching, kind)
		if b.Fetched {
			*e.body(kind) = b
		}
		snapshot := e.Exchange
		t.mu.Unlock()
		close(wait)

		if b.Err != nil {
			t.push(func(m *k6ext.CustomMetrics) { t.metrics.Push(ctx, m.BodyFetchErrors, 1) })
		}
		t.emit(ExchangeEvent{Type: ExchangeBodyFetched, Exchange: snapshot})

		return b
	}
}

func (t *NetworkTracker) fetch(ctx context.Context, id network.RequestID, kind BodyKind, hasPostData bool) Body {
	execCtx := cdp.WithExecutor(ctx, t.session)

	var (
		data []byte
		err  error
	)
	switch kind {
	case BodyRequest:
		if !hasPostData {
			return Body{Fetched: true}
		}
		var s string
		s, err = network.GetRequestPostData(id).Do(execCtx)
		data = []byte(s)
	case BodyResponse:
		data, err = network.GetResponseBody(id).Do(execCtx)
	}
	if ctx.Err() != nil {
		// The caller went away, a later call fetches again.
		return Body{Err: ctx.Err()}
	}
	if err != nil {
		t.logger.Debugf("NetworkTracker:FetchBody", "rid:%v %s body: %v", id, kind, err)
		return Body{Err: fmt.Errorf("fetching %s body of %v: %w", kind, id, err), Fetched: true}
	}

	return Body{Data: data, Fetched: true}
}

func (e *exchange) body(kind BodyKind) *Body {
	switch kind {
	case BodyRequest:
		return &e.RequestBody
	case BodyResponse:
		return &e.ResponseBody
	}
	return nil
}

// Subscribe calls fn for every change of the recorded exchanges.
func (t *NetworkTracker) Subscribe(fn func(ExchangeEvent)) func() {
	t.listenersMu.Lock()
	id := t.nextListener
	t.nextListener++
	t.listeners[id] = fn
	t.listenersMu.Unlock()

	return func() {
		t.listenersMu.Lock()
		delete(t.listeners, id)
		t.listenersMu.Unlock()
	}
}

func (t *NetworkTracker) emit(evt ExchangeEvent) {
	t.listenersMu.RLock()
	ids := make([]int, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(ExchangeEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.listeners[id])
	}
	t.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(evt)
	}
}

func (t *NetworkTracker) push(fn func(*k6ext.CustomMetrics)) {
	if t.metrics == nil {
		return
	}
	fn(t.metrics.Metrics)
}

func headersToMap(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return out
}
