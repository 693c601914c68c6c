package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpp "github.com/chromedp/cdproto/page"
)

// Page exposes the CDP Page domain actions.
type Page interface {
	CaptureScreenshot(ctx context.Context, quality int64) ([]byte, error)
	Enable(ctx context.Context) error
	Navigate(ctx context.Context, url, referrer string, frameID cdp.FrameID) (cdp.LoaderID, error)
	SetLifecycleEventsEnabled(ctx context.Context, enabled bool) error
}

var _ Page = &page{}

type page struct {
	exec cdp.Executor
}

// NewPage returns a new CDP Page domain wrapper.
func NewPage(exec cdp.Executor) Page {
	return &page{exec}
}

// CaptureScreenshot captures the viewport as a JPEG of the given quality.
func (p *page) CaptureScreenshot(ctx context.Context, quality int64) ([]byte, error) {
	action := cdpp.CaptureScreenshot().
		WithFormat(cdpp.CaptureScreenshotFormatJpeg).
		WithQuality(quality)
	buf, err := action.Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	return buf, nil
}

func (p *page) Enable(ctx context.Context) error {
	action := cdpp.Enable()
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("enabling page CDP domain: %w", err)
	}

	return nil
}

func (p *page) Navigate(ctx context.Context, url, referrer string, frameID cdp.FrameID) (cdp.LoaderID, error) {
	action := cdpp.Navigate(url)
	if referrer != "" {
		action = action.WithReferrer(referrer)
	}
	if frameID != "" {
		action = action.WithFrameID(frameID)
	}

	_, loaderID, errorText, err := action.Do(cdp.WithExecutor(ctx, p.exec))
	if err != nil {
		return "", fmt.Errorf("navigating to %q: %w", url, err)
	}
	if errorText != "" {
		return "", fmt.Errorf("navigating to %q: %s", url, errorText)
	}

	return loaderID, nil
}

func (p *page) SetLifecycleEventsEnabled(ctx context.Context, enabled bool) error {
	action := cdpp.SetLifecycleEventsEnabled(enabled)
	if err := action.Do(cdp.WithExecutor(ctx, p.exec)); err != nil {
		return fmt.Errorf("enabling lifecycle events: %w", err)
	}
	return nil
}
