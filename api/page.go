package api

import (
	"context"
	"strings"
)

// Page is the public interface of a browser tab.
type Page interface {
	ID() string
	OpenerID() string
	BrowserContextID() string

	Close(ctx context.Context) error
	IsClosed() bool
	// Closed is closed once the page target is destroyed.
	Closed() <-chan struct{}

	Keyboard() Keyboard
	Mouse() Mouse

	// Locate resolves the first element matching the CSS selector.
	Locate(ctx context.Context, selector string) (ElementHandle, error)
	Navigate(ctx context.Context, url string, waitUntil LifecycleEvent) error
	// OnLoad calls fn after every load event of the main frame.
	OnLoad(fn func()) (cancel func())
	Screenshot(ctx context.Context, quality int64) ([]byte, error)
	Session() Session
	SetViewport(ctx context.Context, width, height int64) error
	Title(ctx context.Context) (string, error)
	URL() string
	// WaitForDOMContentLoaded arms a signal that fires on the first
	// DOMContentLoaded of the main frame whose URL contains urlSubstr,
	// compared case-insensitively.
	WaitForDOMContentLoaded(urlSubstr string) Signal
}

// ElementHandle is a resolved DOM element.
type ElementHandle interface {
	// BoundingBox returns the element's content box in CSS pixels.
	BoundingBox(ctx context.Context) (Rect, error)
	// Click moves the mouse to the element's centre and clicks it.
	Click(ctx context.Context) error
}

// Rect is a rectangle in CSS pixels.
type Rect struct {
	X, Y, Width, Height float64
}

// Center returns the point in the middle of r.
func (r Rect) Center() (x, y float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Signal is a one-shot notification.
type Signal interface {
	// Done is closed when the signal fires. It never closes after Cancel.
	Done() <-chan struct{}
	Cancel()
}

// LifecycleEvent is the navigation milestone Navigate waits for.
type LifecycleEvent int

const (
	LifecycleEventNone LifecycleEvent = iota
	LifecycleEventDOMContentLoad
	LifecycleEventLoad
)

var lifecycleEventToString = map[LifecycleEvent]string{ //nolint:gochecknoglobals
	LifecycleEventNone:           "none",
	LifecycleEventDOMContentLoad: "interactive",
	LifecycleEventLoad:           "complete",
}

func (l LifecycleEvent) String() string {
	return lifecycleEventToString[l]
}

// ParseLifecycleEvent parses the names returned by String, plus the
// "domcontentloaded" and "load" aliases.
func ParseLifecycleEvent(s string) (LifecycleEvent, bool) {
	switch strings.ToLower(s) {
	case "none", "":
		return LifecycleEventNone, true
	case "interactive", "domcontentloaded":
		return LifecycleEventDOMContentLoad, true
	case "complete", "load":
		return LifecycleEventLoad, true
	}
	return LifecycleEventNone, false
}
