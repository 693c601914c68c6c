package common

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/browsermirror/cdp/cdptest"
	"github.com/grafana/browsermirror/k6ext"
	"github.com/grafana/browsermirror/log"
)

const (
	requestR1 = `{"requestId":"R1","loaderId":"L1","documentURL":"https://example.com/",` +
		`"request":{"url":"https://example.com/search?q=go","method":"GET","headers":{"Accept":"text/html"}},` +
		`"timestamp":100,"wallTime":1700000000,"initiator":{"type":"parser"},"type":"Document"}`
	responseR1 = `{"requestId":"R1","loaderId":"L1","timestamp":100.2,"type":"Document",` +
		`"response":{"url":"https://example.com/search?q=go","status":200,"statusText":"OK",` +
		`"headers":{"Content-Type":"text/html"},"mimeType":"text/html"}}`
	finishedR1 = `{"requestId":"R1","timestamp":100.25,"encodedDataLength":10}`
)

func startTracker(
	t *testing.T, srv *cdptest.Server, opts NetworkTrackerOptions, rec *k6ext.Recorder,
) (*NetworkTracker, <-chan ExchangeEvent) {
	t.Helper()

	tr := NewNetworkTracker(newTestSession(t, srv), opts, rec, log.NewNullLogger())
	events := make(chan ExchangeEvent, 64)
	tr.Subscribe(func(evt ExchangeEvent) { events <- evt })
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(tr.Stop)

	return tr, events
}

func TestNetworkTrackerCompletesExchange(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	rec := k6ext.NewRecorder()
	tr, events := startTracker(t, srv, NetworkTrackerOptions{TotalBufferSize: 1 << 20}, rec)

	srv.Emit(cdproto.EventNetworkRequestWillBeSent, testSessionID, requestR1)
	evt := receive(t, events)
	require.Equal(t, ExchangeAppended, evt.Type)
	assert.True(t, evt.Exchange.Pending())
	assert.Equal(t, StatusPending, evt.Exchange.Status)
	assert.Equal(t, "/search?q=go", evt.Exchange.DisplayURL())
	assert.Equal(t, "parser", evt.Exchange.InitiatorType)
	assert.Empty(t, evt.Exchange.DurationDisplay())

	srv.Emit(cdproto.EventNetworkResponseReceived, testSessionID, responseR1)
	srv.Emit(cdproto.EventNetworkLoadingFinished, testSessionID, finishedR1)
	evt = receive(t, events)
	require.Equal(t, ExchangeUpdated, evt.Type)
	assert.Equal(t, "200 OK", evt.Exchange.Status)
	assert.EqualValues(t, 200, evt.Exchange.StatusCode)
	assert.Equal(t, 250*time.Millisecond, evt.Exchange.Duration)
	assert.Equal(t, "250 ms", evt.Exchange.DurationDisplay())
	assert.Equal(t, "text/html", evt.Exchange.ResponseHeaders["Content-Type"])
	assert.Equal(t, "text/html", evt.Exchange.RequestHeaders["Accept"])

	got := tr.Exchanges()
	require.Len(t, got, 1)
	assert.Equal(t, evt.Exchange.Status, got[0].Status)

	enable := srv.Received(cdproto.CommandNetworkEnable)
	require.Len(t, enable, 1)
	var params network.EnableParams
	require.NoError(t, cdptest.Params(enable[0], &params))
	assert.EqualValues(t, 1<<20, params.MaxTotalBufferSize)
	assert.Zero(t, params.MaxResourceBufferSize)

	tr.Stop()
	rec.Stop()
	names := map[string]bool{}
	for _, s := range rec.Summarize() {
		names[s.Name] = true
	}
	assert.True(t, names["browsermirror_exchanges"])
	assert.True(t, names["browsermirror_exchange_duration"])
}

func TestNetworkTrackerDropsUnmatchedCompletion(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	tr, events := startTracker(t, srv, NetworkTrackerOptions{}, nil)

	srv.Emit(cdproto.EventNetworkLoadingFinished, testSessionID, `{"requestId":"R9","timestamp":1,"encodedDataLength":0}`)
	srv.Emit(cdproto.EventNetworkRequestWillBeSent, testSessionID, requestR1)

	evt := receive(t, events)
	assert.Equal(t, ExchangeAppended, evt.Type)
	got := tr.Exchanges()
	require.Len(t, got, 1)
	assert.True(t, got[0].Pending())
}

func TestNetworkTrackerRedirectAndFailure(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	tr, events := startTracker(t, srv, NetworkTrackerOptions{}, nil)

	srv.Emit(cdproto.EventNetworkRequestWillBeSent, testSessionID, requestR1)
	srv.Emit(cdproto.EventNetworkRequestWillBeSent, testSessionID,
		`{"requestId":"R1","loaderId":"L1","documentURL":"https://example.com/",`+
			`"request":{"url":"https://example.com/next","method":"GET","headers":{}},`+
			`"timestamp":100.5,"wallTime":1700000000,"initiator":{"type":"other"},"type":"Document",`+
			`"redirectResponse":{"url":"https://example.com/search?q=go","status":302,"statusText":"Found","headers":{},"mimeType":""}}`)
	srv.Emit(cdproto.EventNetworkLoadingFailed, testSessionID,
		`{"requestId":"R1","timestamp":100.75,"type":"Document","errorText":"net::ERR_ABORTED","canceled":true}`)

	var seen []ExchangeEvent
	for len(seen) < 4 {
		seen = append(seen, receive(t, events))
	}
	assert.Equal(t, ExchangeAppended, seen[0].Type)
	assert.Equal(t, ExchangeUpdated, seen[1].Type)
	assert.Equal(t, ExchangeAppended, seen[2].Type)
	assert.Equal(t, ExchangeUpdated, seen[3].Type)

	got := tr.Exchanges()
	require.Len(t, got, 2)
	assert.Equal(t, "302 Found", got[0].Status)
	assert.Equal(t, 500*time.Millisecond, got[0].Duration)
	assert.Equal(t, 250*time.Millisecond, got[1].Duration)
	assert.Equal(t, "Failed: net::ERR_ABORTED", got[1].Status)
	assert.Equal(t, "/next", got[1].DisplayURL())
	assert.Equal(t, 1, got[1].Seq)
}

func TestNetworkTrackerFetchBody(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t, cdptest.WithResult(
		cdproto.CommandNetworkGetResponseBody, `{"body":"aGVsbG8=","base64Encoded":true}`,
	))
	tr, events := startTracker(t, srv, NetworkTrackerOptions{}, nil)
	ctx := context.Background()

	srv.Emit(cdproto.EventNetworkRequestWillBeSent, testSessionID, requestR1)
	receive(t, events)

	pending := tr.FetchBody(ctx, 0, BodyResponse)
	require.Error(t, pending.Err)
	assert.False(t, pending.Fetched)
	assert.Zero(t, srv.Count(cdproto.CommandNetworkGetResponseBody))

	srv.Emit(cdproto.EventNetworkResponseReceived, testSessionID, responseR1)
	srv.Emit(cdproto.EventNetworkLoadingFinished, testSessionID, finishedR1)
	receive(t, events)

	for range 2 {
		b := tr.FetchBody(ctx, 0, BodyResponse)
		require.NoError(t, b.Err)
		assert.True(t, b.Fetched)
		assert.Equal(t, "hello", string(b.Data))
	}
	assert.Equal(t, 1, srv.Count(cdproto.CommandNetworkGetResponseBody))
	assert.Equal(t, "hello", string(tr.Exchanges()[0].ResponseBody.Data))

	req := tr.FetchBody(ctx, 0, BodyRequest)
	require.NoError(t, req.Err)
	assert.True(t, req.Fetched)
	assert.Empty(t, req.Data)
	assert.Zero(t, srv.Count(cdproto.CommandNetworkGetRequestPostData))

	assert.Error(t, tr.FetchBody(ctx, 5, BodyResponse).Err)
}

func TestNetworkTrackerFetchBodyErrorIsKept(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := cdptest.NewServer(t, cdptest.WithHandler(
		cdproto.CommandNetworkGetResponseBody,
		func(*cdptest.Server, *cdproto.Message) (string, error) {
			<-release
			return "", errors.New("No resource with given identifier found")
		},
	))
	tr, events := startTracker(t, srv, NetworkTrackerOptions{}, nil)
	ctx := context.Background()

	srv.Emit(cdproto.EventNetworkRequestWillBeSent, testSessionID, requestR1)
	srv.Emit(cdproto.EventNetworkLoadingFinished, testSessionID, finishedR1)
	receive(t, events)
	receive(t, events)

	const callers = 5
	bodies := make([]Body, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bodies[i] = tr.FetchBody(ctx, 0, BodyResponse)
		}()
	}
	require.Eventually(t, func() bool {
		return srv.Count(cdproto.CommandNetworkGetResponseBody) == 1
	}, 5*time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, b := range bodies {
		require.Error(t, b.Err)
		assert.Contains(t, b.Err.Error(), "No resource with given identifier found")
		assert.True(t, b.Fetched)
		assert.Empty(t, b.Data)
	}
	again := tr.FetchBody(ctx, 0, BodyResponse)
	require.Error(t, again.Err)
	assert.True(t, again.Fetched)
	assert.Equal(t, 1, srv.Count(cdproto.CommandNetworkGetResponseBody))
	assert.Equal(t, again.Err, tr.Exchanges()[0].ResponseBody.Err)
}

func TestNetworkTrackerSeqSurvivesClear(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t, cdptest.WithResult(
		cdproto.CommandNetworkGetResponseBody, `{"body":"second","base64Encoded":false}`,
	))
	tr, events := startTracker(t, srv, NetworkTrackerOptions{}, nil)
	ctx := context.Background()

	srv.Emit(cdproto.EventNetworkRequestWillBeSent, testSessionID, requestR1)
	first := receive(t, events).Exchange
	assert.Equal(t, 0, first.Seq)

	tr.Clear()
	receive(t, events)

	srv.Emit(cdproto.EventNetworkRequestWillBeSent, testSessionID,
		`{"requestId":"R2","loaderId":"L1","documentURL":"https://example.com/",`+
			`"request":{"url":"https://example.com/next","method":"GET","headers":{}},`+
			`"timestamp":101,"initiator":{"type":"other"},"type":"Document"}`)
	second := receive(t, events).Exchange
	assert.Equal(t, 1, second.Seq)
	srv.Emit(cdproto.EventNetworkLoadingFinished, testSessionID,
		`{"requestId":"R2","timestamp":101.5,"encodedDataLength":6}`)
	receive(t, events)

	// A sequence number taken before the clear no longer resolves.
	assert.Error(t, tr.FetchBody(ctx, first.Seq, BodyResponse).Err)
	b := tr.FetchBody(ctx, second.Seq, BodyResponse)
	require.NoError(t, b.Err)
	assert.Equal(t, "second", string(b.Data))
	assert.Equal(t, 1, srv.Count(cdproto.CommandNetworkGetResponseBody))
}

func TestNetworkTrackerClearAndCache(t *testing.T) {
	t.Parallel()

	srv := cdptest.NewServer(t)
	tr, events := startTracker(t, srv, NetworkTrackerOptions{}, nil)

	srv.Emit(cdproto.EventNetworkRequestWillBeSent, testSessionID, requestR1)
	receive(t, events)

	tr.Clear()
	assert.Equal(t, ExchangesCleared, receive(t, events).Type)
	assert.Empty(t, tr.Exchanges())

	// A completion of a cleared exchange finds nothing to update.
	srv.Emit(cdproto.EventNetworkLoadingFinished, testSessionID, finishedR1)

	require.NoError(t, tr.SetCacheDisabled(context.Background(), true))
	calls := srv.Received(cdproto.CommandNetworkSetCacheDisabled)
	require.Len(t, calls, 1)
	var params network.SetCacheDisabledParams
	require.NoError(t, cdptest.Params(calls[0], &params))
	assert.True(t, params.CacheDisabled)

	tr.Stop()
	tr.Stop()
	assert.Equal(t, 1, srv.Count(cdproto.CommandNetworkDisable))
	assert.NoError(t, tr.Start(context.Background()))
	assert.Equal(t, 1, srv.Count(cdproto.CommandNetworkEnable))
}
