package common

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"

	"github.com/grafana/browsermirror/api"
)

var _ api.Mouse = &Mouse{}

// buttonBits maps buttons to the bits of the CDP "buttons" field.
var buttonBits = map[api.MouseButton]int64{ //nolint:gochecknoglobals
	api.MouseButtonLeft:   1,
	api.MouseButtonRight:  2,
	api.MouseButtonMiddle: 4,
}

// Mouse represents a mouse input device bound to a page session. It keeps
// the pointer position and the held buttons, which every dispatched event
// reports.
type Mouse struct {
	session  cdp.Executor
	keyboard *Keyboard

	mu      sync.Mutex
	x, y    float64
	pressed map[api.MouseButton]bool
}

// NewMouse returns a mouse whose events carry the modifiers held on kb.
func NewMouse(session cdp.Executor, kb *Keyboard) *Mouse {
	return &Mouse{
		session:  session,
		keyboard: kb,
		pressed:  make(map[api.MouseButton]bool),
	}
}

// Move moves the pointer to x, y.
func (m *Mouse) Move(ctx context.Context, x, y float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.x, m.y = x, y
	action := input.DispatchMouseEvent(input.MouseMoved, x, y).
		WithButton(input.MouseButton(m.heldButton())).
		WithButtons(m.buttons()).
		WithModifiers(m.modifiers())
	if err := action.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("moving mouse to %.0f,%.0f: %w", x, y, err)
	}
	return nil
}

// Down presses button at the current position.
func (m *Mouse) Down(ctx context.Context, button api.MouseButton) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pressed[button] = true
	action := input.DispatchMouseEvent(input.MousePressed, m.x, m.y).
		WithButton(input.MouseButton(button)).
		WithButtons(m.buttons()).
		WithClickCount(1).
		WithModifiers(m.modifiers())
	if err := action.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("pressing mouse button %s: %w", button, err)
	}
	return nil
}

// Up releases button at the current position.
func (m *Mouse) Up(ctx context.Context, button api.MouseButton) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.up(ctx, button)
}

func (m *Mouse) up(ctx context.Context, button api.MouseButton) error {
	delete(m.pressed, button)
	action := input.DispatchMouseEvent(input.MouseReleased, m.x, m.y).
		WithButton(input.MouseButton(button)).
		WithButtons(m.buttons()).
		WithClickCount(1).
		WithModifiers(m.modifiers())
	if err := action.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("releasing mouse button %s: %w", button, err)
	}
	return nil
}

// Click moves to x, y and clicks the left button.
func (m *Mouse) Click(ctx context.Context, x, y float64) error {
	if err := m.Move(ctx, x, y); err != nil {
		return err
	}
	if err := m.Down(ctx, api.MouseButtonLeft); err != nil {
		return err
	}
	return m.Up(ctx, api.MouseButtonLeft)
}

// Wheel dispatches a wheel event at the current position.
func (m *Mouse) Wheel(ctx context.Context, deltaX, deltaY float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	action := input.DispatchMouseEvent(input.MouseWheel, m.x, m.y).
		WithButton(input.MouseButton("none")).
		WithButtons(m.buttons()).
		WithDeltaX(deltaX).
		WithDeltaY(deltaY).
		WithModifiers(m.modifiers())
	if err := action.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("scrolling mouse wheel: %w", err)
	}
	return nil
}

// Pressed returns the buttons currently held down.
func (m *Mouse) Pressed() []api.MouseButton {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]api.MouseButton, 0, len(m.pressed))
	for _, b := range []api.MouseButton{api.MouseButtonLeft, api.MouseButtonMiddle, api.MouseButtonRight} {
		if m.pressed[b] {
			out = append(out, b)
		}
	}
	return out
}

func (m *Mouse) buttons() int64 {
	var bits int64
	for b := range m.pressed {
		bits |= buttonBits[b]
	}
	return bits
}

func (m *Mouse) heldButton() api.MouseButton {
	for _, b := range []api.MouseButton{api.MouseButtonLeft, api.MouseButtonMiddle, api.MouseButtonRight} {
		if m.pressed[b] {
			return b
		}
	}
	return "none"
}

func (m *Mouse) modifiers() input.Modifier {
	if m.keyboard == nil {
		return 0
	}
	m.keyboard.mu.Lock()
	defer m.keyboard.mu.Unlock()
	return input.Modifier(m.keyboard.modifiers)
}
