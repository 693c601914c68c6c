// Package apitest provides in-memory implementations of the api interfaces
// for testing the layers written against them.
package apitest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/grafana/browsermirror/api"
	cdpclient "github.com/grafana/browsermirror/cdp"
)

// ErrClosed is returned by the operations of closed browsers and pages.
var ErrClosed = errors.New("closed")

// ErrNotFound is returned by Page.Locate for unknown selectors.
var ErrNotFound = errors.New("element not found")

// BrowserType launches Browsers built by New.
type BrowserType struct {
	// New builds the browser returned by the next Launch.
	New func() (*Browser, error)
	// Delay is waited before every launch, honoring the context.
	Delay time.Duration

	launches atomic.Int32
}

var _ api.BrowserType = &BrowserType{}

func (bt *BrowserType) ExecutablePath() string { return "" }
func (bt *BrowserType) Name() string           { return "fake" }

// Launch returns a new browser from New.
func (bt *BrowserType) Launch(ctx context.Context) (api.Browser, error) {
	bt.launches.Add(1)
	if bt.Delay > 0 {
		select {
		case <-time.After(bt.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b, err := bt.New()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Launches returns how many times Launch was called.
func (bt *BrowserType) Launches() int { return int(bt.launches.Load()) }

// Browser is a fake api.Browser holding pages in memory.
type Browser struct {
	// Configure is called on every page the browser creates.
	Configure func(*Page)

	VersionString string
	NewPageErr    error
	PagesErr      error
	VersionErr    error

	mu           sync.Mutex
	pages        []*Page
	listeners    map[int]func(api.TargetEvent)
	nextListener int
	nextID       int
	closed       bool
	closeCalls   int
}

var _ api.Browser = &Browser{}

// NewBrowser returns a browser without pages.
func NewBrowser() *Browser {
	return &Browser{
		VersionString: "FakeBrowser/1.0",
		listeners:     make(map[int]func(api.TargetEvent)),
	}
}

// AddPage adds an existing page to the browser, as target discovery does.
func (b *Browser) AddPage(p *Page) {
	b.mu.Lock()
	p.browser = b
	b.pages = append(b.pages, p)
	b.mu.Unlock()

	b.emit(api.TargetEvent{Type: api.PageCreated, TargetID: p.ID(), Page: p})
}

func (b *Browser) Close(context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.closeCalls++
	pages := b.pages
	b.pages = nil
	b.mu.Unlock()

	for _, p := range pages {
		p.markClosed()
	}
	return nil
}

// CloseCalls returns how many times Close was called.
func (b *Browser) CloseCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeCalls
}

func (b *Browser) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *Browser) NewPage(_ context.Context, url string, isolated bool) (api.Page, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.NewPageErr != nil {
		b.mu.Unlock()
		return nil, b.NewPageErr
	}
	b.nextID++
	p := NewPage(fmt.Sprintf("P%d", b.nextID))
	p.url = url
	if isolated {
		p.bctxID = fmt.Sprintf("B%d", b.nextID)
	}
	p.browser = b
	b.pages = append(b.pages, p)
	configure := b.Configure
	b.mu.Unlock()

	if configure != nil {
		configure(p)
	}
	b.emit(api.TargetEvent{Type: api.PageCreated, TargetID: p.ID(), Page: p})

	return p, nil
}

func (b *Browser) OnTargets(fn func(api.TargetEvent)) func() {
	b.mu.Lock()
	id := b.nextListener
	b.nextListener++
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *Browser) Pages(context.Context) ([]api.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PagesErr != nil {
		return nil, b.PagesErr
	}
	pages := make([]api.Page, 0, len(b.pages))
	for _, p := range b.pages {
		pages = append(pages, p)
	}
	return pages, nil
}

func (b *Browser) Version(context.Context) (string, error) {
	if b.VersionErr != nil {
		return "", b.VersionErr
	}
	return b.VersionString, nil
}

// PageCount returns the number of open pages.
func (b *Browser) PageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pages)
}

func (b *Browser) destroy(id string) {
	b.mu.Lock()
	for i, p := range b.pages {
		if p.ID() == id {
			b.pages = append(b.pages[:i], b.pages[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	b.emit(api.TargetEvent{Type: api.PageDestroyed, TargetID: id})
}

func (b *Browser) emit(evt api.TargetEvent) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(api.TargetEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.listeners[id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(evt)
	}
}

// Page is a fake api.Page. Its elements, screenshots and title are set by
// the test.
type Page struct {
	// NavigateFunc, when set, replaces the default navigation which only
	// records the URL and fires the load listeners.
	NavigateFunc func(ctx context.Context, p *Page, url string) error

	id       string
	bctxID   string
	browser  *Browser
	keyboard *Keyboard
	mouse    *Mouse
	session  *Session

	mu         sync.Mutex
	url        string
	title      string
	titleErr   error
	shot       []byte
	shotErr    error
	shotCalls  int
	viewport   [2]int64
	elements   map[string]*Element
	loadFns    map[int]func()
	nextLoad   int
	signals    []*Signal
	closeCalls int

	closed    chan struct{}
	closeOnce sync.Once
}

var _ api.Page = &Page{}

// NewPage returns an open page not attached to any browser.
func NewPage(id string) *Page {
	return &Page{
		id:       id,
		keyboard: &Keyboard{},
		mouse:    &Mouse{},
		session:  &Session{id: target.SessionID("S-" + id)},
		url:      "about:blank",
		shot:     []byte(id),
		elements: make(map[string]*Element),
		loadFns:  make(map[int]func()),
		closed:   make(chan struct{}),
	}
}

func (p *Page) ID() string               { return p.id }
func (p *Page) OpenerID() string         { return "" }
func (p *Page) BrowserContextID() string { return p.bctxID }
func (p *Page) Keyboard() api.Keyboard   { return p.keyboard }
func (p *Page) Mouse() api.Mouse         { return p.mouse }
func (p *Page) Session() api.Session     { return p.session }
func (p *Page) Closed() <-chan struct{}  { return p.closed }

// FakeKeyboard and FakeMouse return the input fakes to inspect.
func (p *Page) FakeKeyboard() *Keyboard { return p.keyboard }
func (p *Page) FakeMouse() *Mouse       { return p.mouse }
func (p *Page) FakeSession() *Session   { return p.session }

// Close closes the page and reports its destruction to the browser.
func (p *Page) Close(context.Context) error {
	p.mu.Lock()
	p.closeCalls++
	p.mu.Unlock()

	if p.markClosed() && p.browser != nil {
		p.browser.destroy(p.id)
	}
	return nil
}

// CloseCalls returns how many times Close was called.
func (p *Page) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

func (p *Page) markClosed() bool {
	closed := false
	p.closeOnce.Do(func() {
		close(p.closed)
		closed = true
	})
	return closed
}

func (p *Page) IsClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// AddElement makes selector resolve to el.
func (p *Page) AddElement(selector string, el *Element) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[selector] = el
}

func (p *Page) Locate(_ context.Context, selector string) (api.ElementHandle, error) {
	if p.IsClosed() {
		return nil, ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[selector]
	if !ok {
		return nil, fmt.Errorf("querying %q: %w", selector, ErrNotFound)
	}
	el.page = p
	return el, nil
}

func (p *Page) Navigate(ctx context.Context, url string, _ api.LifecycleEvent) error {
	if p.IsClosed() {
		return ErrClosed
	}
	if p.NavigateFunc != nil {
		return p.NavigateFunc(ctx, p, url)
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	p.Load()
	return nil
}

// Load calls the OnLoad listeners.
func (p *Page) Load() {
	p.mu.Lock()
	fns := make([]func(), 0, len(p.loadFns))
	for _, fn := range p.loadFns {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (p *Page) OnLoad(fn func()) func() {
	p.mu.Lock()
	id := p.nextLoad
	p.nextLoad++
	p.loadFns[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.loadFns, id)
		p.mu.Unlock()
	}
}

// SetScreenshot sets what the following Screenshot calls return.
func (p *Page) SetScreenshot(data []byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shot, p.shotErr = data, err
}

func (p *Page) Screenshot(context.Context, int64) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shotCalls++
	if p.IsClosed() {
		return nil, ErrClosed
	}
	return p.shot, p.shotErr
}

// ScreenshotCalls returns how many screenshots were taken.
func (p *Page) ScreenshotCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shotCalls
}

func (p *Page) SetViewport(_ context.Context, width, height int64) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid viewport %dx%d", width, height)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewport = [2]int64{width, height}
	return nil
}

// Viewport returns the last viewport set.
func (p *Page) Viewport() (width, height int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport[0], p.viewport[1]
}

// SetTitle sets what Title returns.
func (p *Page) SetTitle(title string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title, p.titleErr = title, err
}

func (p *Page) Title(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, p.titleErr
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) WaitForDOMContentLoaded(urlSubstr string) api.Signal {
	s := &Signal{substr: strings.ToLower(urlSubstr), done: make(chan struct{})}
	p.mu.Lock()
	p.signals = append(p.signals, s)
	p.mu.Unlock()
	return s
}

// DOMContentLoaded fires the armed signals whose filter matches url.
func (p *Page) DOMContentLoaded(url string) {
	p.mu.Lock()
	p.url = url
	signals := p.signals
	p.mu.Unlock()

	for _, s := range signals {
		if strings.Contains(strings.ToLower(url), s.substr) {
			s.fire()
		}
	}
}

// Signal is a fake api.Signal fired by Page.DOMContentLoaded.
type Signal struct {
	substr string

	mu       sync.Mutex
	done     chan struct{}
	fired    bool
	canceled bool
}

func (s *Signal) Done() <-chan struct{} { return s.done }

func (s *Signal) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = true
}

func (s *Signal) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired || s.canceled {
		return
	}
	s.fired = true
	close(s.done)
}

// Element is a fake api.ElementHandle.
type Element struct {
	Box api.Rect
	// OnClick is called after the click was recorded on the page's mouse.
	OnClick func(p *Page)

	page *Page
}

func (e *Element) BoundingBox(context.Context) (api.Rect, error) { return e.Box, nil }

func (e *Element) Click(ctx context.Context) error {
	x, y := e.Box.Center()
	if err := e.page.mouse.Click(ctx, x, y); err != nil {
		return err
	}
	if e.OnClick != nil {
		e.OnClick(e.page)
	}
	return nil
}

// Mouse is a fake api.Mouse recording the actions it receives.
type Mouse struct {
	mu      sync.Mutex
	actions []string
	pressed []api.MouseButton
}

var _ api.Mouse = &Mouse{}

func (m *Mouse) record(format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, fmt.Sprintf(format, args...))
}

func (m *Mouse) Click(_ context.Context, x, y float64) error {
	m.record("click %.0f,%.0f", x, y)
	return nil
}

func (m *Mouse) Down(_ context.Context, button api.MouseButton) error {
	m.record("down %s", button)
	m.mu.Lock()
	m.pressed = append(m.pressed, button)
	m.mu.Unlock()
	return nil
}

func (m *Mouse) Move(_ context.Context, x, y float64) error {
	m.record("move %.0f,%.0f", x, y)
	return nil
}

func (m *Mouse) Up(_ context.Context, button api.MouseButton) error {
	m.record("up %s", button)
	m.mu.Lock()
	for i, b := range m.pressed {
		if b == button {
			m.pressed = append(m.pressed[:i], m.pressed[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *Mouse) Wheel(_ context.Context, deltaX, deltaY float64) error {
	m.record("wheel %.0f,%.0f", deltaX, deltaY)
	return nil
}

func (m *Mouse) Pressed() []api.MouseButton {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]api.MouseButton(nil), m.pressed...)
}

// Actions returns the recorded actions in order.
func (m *Mouse) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.actions...)
}

// Keyboard is a fake api.Keyboard recording the actions it receives.
type Keyboard struct {
	mu      sync.Mutex
	actions []string
	pressed []string
}

var _ api.Keyboard = &Keyboard{}

func (k *Keyboard) record(format string, args ...any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.actions = append(k.actions, fmt.Sprintf(format, args...))
}

func (k *Keyboard) Down(_ context.Context, key string) error {
	k.record("down %s", key)
	k.mu.Lock()
	k.pressed = append(k.pressed, key)
	k.mu.Unlock()
	return nil
}

func (k *Keyboard) InsertText(_ context.Context, text string) error {
	k.record("insert %s", text)
	return nil
}

func (k *Keyboard) Press(_ context.Context, key string) error {
	k.record("press %s", key)
	return nil
}

func (k *Keyboard) Pressed() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.pressed...)
}

func (k *Keyboard) Type(_ context.Context, text string) error {
	k.record("type %s", text)
	return nil
}

func (k *Keyboard) Up(_ context.Context, key string) error {
	k.record("up %s", key)
	k.mu.Lock()
	for i, p := range k.pressed {
		if p == key {
			k.pressed = append(k.pressed[:i], k.pressed[i+1:]...)
			break
		}
	}
	k.mu.Unlock()
	return nil
}

// Actions returns the recorded actions in order.
func (k *Keyboard) Actions() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.actions...)
}

// Session is a fake api.Session that accepts every command and never
// emits events.
type Session struct {
	id target.SessionID

	mu      sync.Mutex
	methods []string
}

var _ api.Session = &Session{}

func (s *Session) ID() target.SessionID { return s.id }

func (s *Session) Execute(_ context.Context, method string, _ easyjson.Marshaler, _ easyjson.Unmarshaler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods = append(s.methods, method)
	return nil
}

func (s *Session) Subscribe(context.Context, ...cdproto.MethodType) (<-chan *cdpclient.Event, func()) {
	ch := make(chan *cdpclient.Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

// Methods returns the executed commands in order.
func (s *Session) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}
