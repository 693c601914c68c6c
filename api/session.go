package api

import (
	"context"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	cdpclient "github.com/grafana/browsermirror/cdp"
)

// Session is the CDP session attached to a page target.
type Session interface {
	cdp.Executor
	ID() target.SessionID
	// Subscribe delivers the given events of the session's target until
	// cancel is called or the connection ends.
	Subscribe(ctx context.Context, events ...cdproto.MethodType) (<-chan *cdpclient.Event, func())
}
