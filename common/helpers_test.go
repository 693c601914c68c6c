package common

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	cdpclient "github.com/grafana/browsermirror/cdp"
	"github.com/grafana/browsermirror/cdp/cdptest"
	"github.com/grafana/browsermirror/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testSessionID target.SessionID = "S1"
	testTargetID  target.ID        = "T1"
)

// newTestClient connects a client to srv and disconnects it when the test
// ends.
func newTestClient(t *testing.T, srv *cdptest.Server) *cdpclient.Client {
	t.Helper()

	c := cdpclient.NewClient(context.Background(), log.NewNullLogger())
	require.NoError(t, c.Connect(srv.URL()))
	t.Cleanup(func() { _ = c.Disconnect() })

	return c
}

func newTestSession(t *testing.T, srv *cdptest.Server) *cdpclient.Session {
	t.Helper()
	return newTestClient(t, srv).Session(testSessionID, testTargetID)
}

// receive waits for the next value of ch.
func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a value")
	}
	var zero T
	return zero
}
