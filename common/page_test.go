package common

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	cdppage "github.com/chromedp/cdproto/page"
	cdpt "github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/browsermirror/api"
	"github.com/grafana/browsermirror/cdp/cdptest"
	"github.com/grafana/browsermirror/log"
)

func newTestPage(t *testing.T, srv *cdptest.Server) *Page {
	t.Helper()

	c := newTestClient(t, srv)
	p, err := NewPage(context.Background(), c.Session(testSessionID, testTargetID),
		&cdpt.Info{TargetID: testTargetID, Type: "page", URL: "about:blank"},
		c.Target, nil, log.NewNullLogger())
	require.NoError(t, err)

	return p
}

func frameNavigated(url string) string {
	return `{"frame":{"id":"F1","loaderId":"L1","url":"` + url +
		`","securityOrigin":"https://example.com","mimeType":"text/html"}}`
}

// navigateTo answers Page.navigate by loading url in the main frame.
func navigateTo(url string) cdptest.HandlerFunc {
	return func(s *cdptest.Server, msg *cdproto.Message) (string, error) {
		s.Emit(cdproto.EventPageFrameNavigated, msg.SessionID, frameNavigated(url))
		s.Emit(cdproto.EventPageDomContentEventFired, msg.SessionID, `{"timestamp":1.5}`)
		s.Emit(cdproto.EventPageLoadEventFired, msg.SessionID, `{"timestamp":2}`)
		return `{"frameId":"F1","loaderId":"L1"}`, nil
	}
}

func TestPageNavigate(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t, cdptest.WithHandler(
		cdproto.CommandPageNavigate, navigateTo("https://example.com/search?q=go")))
	p := newTestPage(t, srv)

	var loads atomic.Int32
	cancel := p.OnLoad(func() { loads.Add(1) })
	defer cancel()

	require.NoError(t, p.Navigate(context.Background(), "https://example.com/search?q=go", api.LifecycleEventLoad))
	assert.Equal(t, "https://example.com/search?q=go", p.URL())
	assert.EqualValues(t, 1, loads.Load())
	assert.Equal(t, 1, srv.Count(cdproto.CommandPageEnable))

	var params cdppage.NavigateParams
	require.NoError(t, cdptest.Params(srv.Received(cdproto.CommandPageNavigate)[0], &params))
	assert.Equal(t, "https://example.com/search?q=go", params.URL)
	assert.Equal(t, testSessionID, srv.Received(cdproto.CommandPageNavigate)[0].SessionID)
}

func TestPageNavigateError(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t, cdptest.WithResult(
		cdproto.CommandPageNavigate, `{"frameId":"F1","errorText":"net::ERR_NAME_NOT_RESOLVED"}`))
	p := newTestPage(t, srv)

	err := p.Navigate(context.Background(), "https://nowhere.invalid", api.LifecycleEventLoad)
	assert.ErrorContains(t, err, "net::ERR_NAME_NOT_RESOLVED")
	p.listenersMu.Lock()
	assert.Empty(t, p.signals, "a failed navigation disarms its signal")
	p.listenersMu.Unlock()
}

func TestPageNavigateTimeout(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	p := newTestPage(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Navigate(ctx, "https://example.com", api.LifecycleEventDOMContentLoad)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPageWaitForDOMContentLoaded(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	p := newTestPage(t, srv)

	loaded := make(chan struct{}, 4)
	p.OnLoad(func() { loaded <- struct{}{} })

	sig := p.WaitForDOMContentLoaded("Q=selenium")

	srv.Emit(cdproto.EventPageFrameNavigated, testSessionID, frameNavigated("https://www.nuget.org/"))
	srv.Emit(cdproto.EventPageDomContentEventFired, testSessionID, `{"timestamp":1}`)
	srv.Emit(cdproto.EventPageLoadEventFired, testSessionID, `{"timestamp":2}`)
	receive(t, loaded)
	select {
	case <-sig.Done():
		t.Fatal("signal fired for a URL without the substring")
	default:
	}

	srv.Emit(cdproto.EventPageFrameNavigated, testSessionID, frameNavigated("https://www.nuget.org/packages?q=Selenium"))
	srv.Emit(cdproto.EventPageDomContentEventFired, testSessionID, `{"timestamp":3}`)
	receive(t, sig.Done())
	sig.Cancel()
}

func TestPageSignalCanceled(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	p := newTestPage(t, srv)

	loaded := make(chan struct{}, 4)
	p.OnLoad(func() { loaded <- struct{}{} })

	sig := p.WaitForDOMContentLoaded("")
	sig.Cancel()
	srv.Emit(cdproto.EventPageDomContentEventFired, testSessionID, `{"timestamp":1}`)
	srv.Emit(cdproto.EventPageLoadEventFired, testSessionID, `{"timestamp":2}`)
	receive(t, loaded)

	select {
	case <-sig.Done():
		t.Fatal("a canceled signal fired")
	default:
	}
}

func TestPageClose(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	p := newTestPage(t, srv)
	ctx := context.Background()

	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx))
	assert.True(t, p.IsClosed())
	assert.Equal(t, 1, srv.Count(cdproto.CommandTargetCloseTarget))
	receive(t, p.Closed())

	assert.ErrorIs(t, p.Navigate(ctx, "https://example.com", api.LifecycleEventNone), ErrTargetClosed)
	_, err := p.Screenshot(ctx, 60)
	assert.ErrorIs(t, err, ErrTargetClosed)
	_, err = p.Title(ctx)
	assert.ErrorIs(t, err, ErrTargetClosed)
	_, err = p.Locate(ctx, "body")
	assert.ErrorIs(t, err, ErrTargetClosed)
	assert.ErrorIs(t, p.SetViewport(ctx, 800, 600), ErrTargetClosed)
}

func TestPageCloseError(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	fail.Store(true)
	srv := cdptest.NewServer(t, cdptest.WithHandler(cdproto.CommandTargetCloseTarget,
		func(*cdptest.Server, *cdproto.Message) (string, error) {
			if fail.Load() {
				return "", errors.New("target is busy")
			}
			return `{"success":true}`, nil
		}))
	p := newTestPage(t, srv)

	err := p.Close(context.Background())
	assert.ErrorContains(t, err, "target is busy")
	assert.False(t, p.IsClosed())

	fail.Store(false)
	require.NoError(t, p.Close(context.Background()))
	assert.True(t, p.IsClosed())
	assert.Equal(t, 2, srv.Count(cdproto.CommandTargetCloseTarget))
}

func TestPageClosedWhenConnectionEnds(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	c := newTestClient(t, srv)
	p, err := NewPage(context.Background(), c.Session(testSessionID, testTargetID),
		&cdpt.Info{TargetID: testTargetID, Type: "page"}, c.Target, nil, log.NewNullLogger())
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())
	receive(t, p.Closed())
	assert.NoError(t, p.Close(context.Background()))
}

func TestPageCapabilities(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t,
		cdptest.WithResult(cdproto.CommandPageCaptureScreenshot, `{"data":"aGVsbG8="}`),
		cdptest.WithResult(cdproto.CommandRuntimeEvaluate, `{"result":{"type":"string","value":"NuGet Gallery"}}`),
	)
	p := newTestPage(t, srv)
	ctx := context.Background()

	data, err := p.Screenshot(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	var shot cdppage.CaptureScreenshotParams
	require.NoError(t, cdptest.Params(srv.Received(cdproto.CommandPageCaptureScreenshot)[0], &shot))
	assert.Equal(t, cdppage.CaptureScreenshotFormatJpeg, shot.Format)
	assert.EqualValues(t, 60, shot.Quality)

	title, err := p.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "NuGet Gallery", title)

	require.NoError(t, p.SetViewport(ctx, 800, 600))
	var vp emulation.SetDeviceMetricsOverrideParams
	require.NoError(t, cdptest.Params(srv.Received(cdproto.CommandEmulationSetDeviceMetricsOverride)[0], &vp))
	assert.EqualValues(t, 800, vp.Width)
	assert.EqualValues(t, 600, vp.Height)
	assert.Error(t, p.SetViewport(ctx, 0, 600))
	assert.Equal(t, 1, srv.Count(cdproto.CommandEmulationSetDeviceMetricsOverride))

	assert.Equal(t, string(testTargetID), p.ID())
	assert.Empty(t, p.OpenerID())
	assert.Empty(t, p.BrowserContextID())
	assert.Equal(t, testSessionID, p.Session().ID())
}

const (
	documentResult = `{"root":{"nodeId":1,"backendNodeId":1,"nodeType":9,"nodeName":"#document","localName":"","nodeValue":""}}`
	boxModelResult = `{"model":{"content":[10,20,110,20,110,60,10,60],"padding":[10,20,110,20,110,60,10,60],` +
		`"border":[10,20,110,20,110,60,10,60],"margin":[10,20,110,20,110,60,10,60],"width":100,"height":40}}`
)

func TestPageLocateAndClick(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t,
		cdptest.WithResult(cdproto.CommandDOMGetDocument, documentResult),
		cdptest.WithResult(cdproto.CommandDOMQuerySelector, `{"nodeId":5}`),
		cdptest.WithResult(cdproto.CommandDOMGetBoxModel, boxModelResult),
	)
	p := newTestPage(t, srv)
	ctx := context.Background()

	el, err := p.Locate(ctx, "[name='q']")
	require.NoError(t, err)

	box, err := el.BoundingBox(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.Rect{X: 10, Y: 20, Width: 100, Height: 40}, box)

	require.NoError(t, el.Click(ctx))
	events := srv.Received(cdproto.CommandInputDispatchMouseEvent)
	require.Len(t, events, 3)

	wantTypes := []input.MouseType{input.MouseMoved, input.MousePressed, input.MouseReleased}
	for i, msg := range events {
		var ev input.DispatchMouseEventParams
		require.NoError(t, cdptest.Params(msg, &ev))
		assert.Equal(t, wantTypes[i], ev.Type)
		assert.EqualValues(t, 60, ev.X)
		assert.EqualValues(t, 40, ev.Y)
	}
	assert.Empty(t, p.Mouse().Pressed())
}

func TestPageLocateNotFound(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t,
		cdptest.WithResult(cdproto.CommandDOMGetDocument, documentResult),
		cdptest.WithResult(cdproto.CommandDOMQuerySelector, `{"nodeId":0}`),
	)
	p := newTestPage(t, srv)

	_, err := p.Locate(context.Background(), "button.btn-search")
	assert.ErrorIs(t, err, ErrElementNotFound)
	assert.ErrorContains(t, err, "button.btn-search")
}
