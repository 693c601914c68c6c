package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grafana/browsermirror/api"
	"github.com/grafana/browsermirror/common"
)

const (
	// MoveThrottle is the minimum time between two forwarded pointer moves.
	MoveThrottle = 50 * time.Millisecond
	// WheelScale converts wheel notches into scrolled CSS pixels.
	WheelScale = 100
)

// Input forwards the user input of a mirror surface to its page.
type Input struct {
	page api.Page
	now  func() time.Time

	mu       sync.Mutex
	lastMove time.Time
}

func newInput(page api.Page) *Input {
	return &Input{page: page, now: time.Now}
}

// PointerMove moves the pointer to x, y. Moves closer than MoveThrottle to
// the previously forwarded one are dropped and report false.
func (in *Input) PointerMove(ctx context.Context, x, y float64) (bool, error) {
	in.mu.Lock()
	now := in.now()
	if !in.lastMove.IsZero() && now.Sub(in.lastMove) < MoveThrottle {
		in.mu.Unlock()
		return false, nil
	}
	in.lastMove = now
	in.mu.Unlock()

	if err := in.page.Mouse().Move(ctx, x, y); err != nil {
		return false, fmt.Errorf("forwarding pointer move: %w", err)
	}
	return true, nil
}

// PointerDown presses button at x, y.
func (in *Input) PointerDown(ctx context.Context, x, y float64, button api.MouseButton) error {
	m := in.page.Mouse()
	if err := m.Move(ctx, x, y); err != nil {
		return fmt.Errorf("forwarding pointer down: %w", err)
	}
	if err := m.Down(ctx, button); err != nil {
		return fmt.Errorf("forwarding pointer down: %w", err)
	}
	return nil
}

// PointerUp releases button at x, y, then everything else still held.
func (in *Input) PointerUp(ctx context.Context, x, y float64, button api.MouseButton) error {
	m := in.page.Mouse()
	if err := m.Move(ctx, x, y); err != nil {
		return fmt.Errorf("forwarding pointer up: %w", err)
	}
	if err := m.Up(ctx, button); err != nil {
		return fmt.Errorf("forwarding pointer up: %w", err)
	}
	return in.ReleaseAll(ctx)
}

// Wheel scrolls by the given notches. Deltas are scaled by WheelScale and
// negated, a positive notch scrolling up or left.
func (in *Input) Wheel(ctx context.Context, deltaX, deltaY float64) error {
	if err := in.page.Mouse().Wheel(ctx, -deltaX*WheelScale, -deltaY*WheelScale); err != nil {
		return fmt.Errorf("forwarding wheel: %w", err)
	}
	return nil
}

// KeyDown presses key, a single character or a key name of the US layout.
func (in *Input) KeyDown(ctx context.Context, key string) error {
	if err := in.page.Keyboard().Down(ctx, key); err != nil {
		return fmt.Errorf("forwarding key down: %w", err)
	}
	return nil
}

// KeyUp releases key, then everything else still held.
func (in *Input) KeyUp(ctx context.Context, key string) error {
	if err := in.page.Keyboard().Up(ctx, key); err != nil {
		return fmt.Errorf("forwarding key up: %w", err)
	}
	return in.ReleaseAll(ctx)
}

// ReleaseAll releases every held button and key.
func (in *Input) ReleaseAll(ctx context.Context) error {
	if err := common.ReleaseInput(ctx, in.page); err != nil {
		return fmt.Errorf("releasing input: %w", err)
	}
	return nil
}
