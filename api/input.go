package api

import "context"

// MouseButton names a mouse button as CDP does.
type MouseButton string

const (
	MouseButtonLeft   MouseButton = "left"
	MouseButtonMiddle MouseButton = "middle"
	MouseButtonRight  MouseButton = "right"
)

// Mouse dispatches pointer events to a page.
type Mouse interface {
	Click(ctx context.Context, x, y float64) error
	Down(ctx context.Context, button MouseButton) error
	Move(ctx context.Context, x, y float64) error
	Up(ctx context.Context, button MouseButton) error
	// Wheel scrolls by the given deltas in CSS pixels.
	Wheel(ctx context.Context, deltaX, deltaY float64) error
	// Pressed returns the buttons currently held down.
	Pressed() []MouseButton
}

// Keyboard dispatches key events to a page.
type Keyboard interface {
	Down(ctx context.Context, key string) error
	InsertText(ctx context.Context, text string) error
	Press(ctx context.Context, key string) error
	// Pressed returns the keys currently held down.
	Pressed() []string
	Type(ctx context.Context, text string) error
	Up(ctx context.Context, key string) error
}
