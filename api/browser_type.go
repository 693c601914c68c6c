package api

import "context"

// BrowserType launches or connects to one kind of browser.
type BrowserType interface {
	ExecutablePath() string
	// Launch starts the browser, or connects to a remote one when the type
	// was configured with a WebSocket URL.
	Launch(ctx context.Context) (Browser, error)
	Name() string
}
