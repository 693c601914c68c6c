package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpt "github.com/chromedp/cdproto/target"
)

// Target exposes the CDP Target domain actions.
type Target interface {
	AttachToTarget(ctx context.Context, id cdpt.ID) (cdpt.SessionID, error)
	CloseTarget(ctx context.Context, id cdpt.ID) error
	CreateBrowserContext(ctx context.Context, disposeOnDetach bool) (cdp.BrowserContextID, error)
	CreateTarget(ctx context.Context, url string, browserContextID cdp.BrowserContextID) (cdpt.ID, error)
	DisposeBrowserContext(ctx context.Context, id cdp.BrowserContextID) error
	GetTargets(ctx context.Context) ([]*cdpt.Info, error)
	SetDiscoverTargets(ctx context.Context, discover bool) error
}

var _ Target = &target{}

type target struct {
	exec cdp.Executor
}

// NewTarget returns a new CDP Target domain wrapper.
func NewTarget(exec cdp.Executor) Target {
	return &target{exec}
}

func (t *target) AttachToTarget(ctx context.Context, id cdpt.ID) (cdpt.SessionID, error) {
	action := cdpt.AttachToTarget(id).WithFlatten(true)
	sid, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", fmt.Errorf("attaching to target %v: %w", id, err)
	}
	return sid, nil
}

func (t *target) CloseTarget(ctx context.Context, id cdpt.ID) error {
	action := cdpt.CloseTarget(id)
	if err := action.Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("closing target %v: %w", id, err)
	}
	return nil
}

func (t *target) CreateBrowserContext(ctx context.Context, disposeOnDetach bool) (cdp.BrowserContextID, error) {
	action := cdpt.CreateBrowserContext().WithDisposeOnDetach(disposeOnDetach)
	id, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", fmt.Errorf("creating browser context: %w", err)
	}
	return id, nil
}

func (t *target) CreateTarget(ctx context.Context, url string, browserContextID cdp.BrowserContextID) (cdpt.ID, error) {
	action := cdpt.CreateTarget(url)
	if browserContextID != "" {
		action = action.WithBrowserContextID(browserContextID)
	}
	id, err := action.Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return "", fmt.Errorf("creating target %q: %w", url, err)
	}
	return id, nil
}

func (t *target) DisposeBrowserContext(ctx context.Context, id cdp.BrowserContextID) error {
	action := cdpt.DisposeBrowserContext(id)
	if err := action.Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("disposing browser context %v: %w", id, err)
	}
	return nil
}

func (t *target) GetTargets(ctx context.Context) ([]*cdpt.Info, error) {
	infos, err := cdpt.GetTargets().Do(cdp.WithExecutor(ctx, t.exec))
	if err != nil {
		return nil, fmt.Errorf("getting targets: %w", err)
	}
	return infos, nil
}

// SetDiscoverTargets executes the CDP Target.setDiscoverTargets command,
// which makes the browser emit targetCreated/targetDestroyed events.
func (t *target) SetDiscoverTargets(ctx context.Context, discover bool) error {
	action := cdpt.SetDiscoverTargets(discover)
	if err := action.Do(cdp.WithExecutor(ctx, t.exec)); err != nil {
		return fmt.Errorf("setting target discovery: %w", err)
	}
	return nil
}
