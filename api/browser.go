// Package api declares the browser automation surface the orchestration
// layer is written against. The CDP backed implementation lives in common.
package api

import "context"

// Browser is the public interface of a CDP browser.
type Browser interface {
	// Close closes the browser and the connection to it.
	Close(ctx context.Context) error
	// IsConnected reports whether the CDP connection is still up.
	IsConnected() bool
	// NewPage opens a page. An isolated page gets its own browser context
	// with separate cookies and cache.
	NewPage(ctx context.Context, url string, isolated bool) (Page, error)
	// OnTargets registers fn to be called for every page target created or
	// destroyed after the call. fn must not block.
	OnTargets(fn func(TargetEvent)) (cancel func())
	// Pages returns the page targets that exist in the browser.
	Pages(ctx context.Context) ([]Page, error)
	Version(ctx context.Context) (string, error)
}

// TargetEventType tells created page targets from destroyed ones.
type TargetEventType int

const (
	PageCreated TargetEventType = iota + 1
	PageDestroyed
)

func (t TargetEventType) String() string {
	switch t {
	case PageCreated:
		return "created"
	case PageDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// TargetEvent is emitted through Browser.OnTargets. Page is only set for
// created pages.
type TargetEvent struct {
	Type     TargetEventType
	TargetID string
	Page     Page
}
