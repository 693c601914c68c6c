package cdp

import (
	"context"

	"github.com/chromedp/cdproto/target"
)

type ctxKey int

const (
	ctxKeySessionID ctxKey = iota
)

// WithSessionID routes the CDP commands executed with ctx to the target
// attached with sessionID.
func WithSessionID(ctx context.Context, sessionID target.SessionID) context.Context {
	return context.WithValue(ctx, ctxKeySessionID, sessionID)
}

// GetSessionID returns the session ID saved in ctx, or an empty string for
// the browser session.
func GetSessionID(ctx context.Context) target.SessionID {
	sid, _ := ctx.Value(ctxKeySessionID).(target.SessionID)
	return sid
}
