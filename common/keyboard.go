/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"

	"github.com/grafana/browsermirror/api"
	"github.com/grafana/browsermirror/keyboard"
)

var _ api.Keyboard = &Keyboard{}

// Keyboard represents a keyboard input device.
// Each Page has a Keyboard bound to its session.
type Keyboard struct {
	session cdp.Executor

	mu          sync.Mutex
	layout      keyboard.Layout
	modifiers   keyboard.ModifierKey // like shift, alt, ctrl, ...
	pressedKeys map[int64]string     // key codes held through Down and Up
}

// NewKeyboard returns a new keyboard with a "us" layout.
func NewKeyboard(session cdp.Executor) *Keyboard {
	layout, _ := keyboard.LayoutFor(keyboard.US)
	return &Keyboard{
		session:     session,
		pressedKeys: make(map[int64]string),
		layout:      layout,
	}
}

// Down sends a key down message to a session target.
func (k *Keyboard) Down(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.down(ctx, key); err != nil {
		return fmt.Errorf("sending key down: %w", err)
	}
	return nil
}

// Up sends a key up message to a session target.
func (k *Keyboard) Up(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.up(ctx, key); err != nil {
		return fmt.Errorf("sending key up: %w", err)
	}
	return nil
}

// Press sends a key press message to a session target.
// A press message consists of successive key down and up messages.
func (k *Keyboard) Press(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.press(ctx, key); err != nil {
		return fmt.Errorf("pressing key: %w", err)
	}
	return nil
}

// InsertText inserts a text without dispatching key events.
func (k *Keyboard) InsertText(ctx context.Context, text string) error {
	if err := k.insertText(ctx, text); err != nil {
		return fmt.Errorf("inserting text: %w", err)
	}
	return nil
}

// Type sends a press message to a session target for each character in text.
//
// It sends an insertText message if a character is not among
// valid characters in the keyboard's layout.
func (k *Keyboard) Type(ctx context.Context, text string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.typ(ctx, text); err != nil {
		return fmt.Errorf("typing text: %w", err)
	}
	return nil
}

// Pressed returns the keys currently held down.
func (k *Keyboard) Pressed() []string {
	k.mu.Lock()
	defer k.mu.Unlock()

	keys := make([]string, 0, len(k.pressedKeys))
	for _, key := range k.pressedKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (k *Keyboard) down(ctx context.Context, key string) error {
	keyInput := keyboard.Key(key)
	if !k.layout.IsValidKey(keyInput) {
		return fmt.Errorf("%q is not a valid key for layout %q", key, k.layout.Name)
	}

	keyDef := k.layout.ModifiedKeyDefinition(keyInput, k.modifiers)
	k.modifiers |= k.layout.ModifierBitFromKey(keyDef.Key)
	text := keyDef.Text
	_, autoRepeat := k.pressedKeys[keyDef.KeyCode]
	k.pressedKeys[keyDef.KeyCode] = key

	keyType := input.KeyDown
	if text == "" {
		keyType = input.KeyRawDown
	}

	action := input.DispatchKeyEvent(keyType).
		WithModifiers(input.Modifier(k.modifiers)).
		WithKey(keyDef.Key).
		WithWindowsVirtualKeyCode(keyDef.KeyCode).
		WithCode(keyDef.Code).
		WithLocation(keyDef.Location).
		WithIsKeypad(keyDef.Location == 3).
		WithText(text).
		WithUnmodifiedText(text).
		WithAutoRepeat(autoRepeat)
	if err := action.Do(cdp.WithExecutor(ctx, k.session)); err != nil {
		return fmt.Errorf("dispatching key event down: %w", err)
	}

	return nil
}

func (k *Keyboard) up(ctx context.Context, key string) error {
	keyInput := keyboard.Key(key)
	if !k.layout.IsValidKey(keyInput) {
		return fmt.Errorf("%q is not a valid key for layout %q", key, k.layout.Name)
	}

	keyDef := k.layout.ModifiedKeyDefinition(keyInput, k.modifiers)
	k.modifiers &= ^k.layout.ModifierBitFromKey(keyDef.Key)
	delete(k.pressedKeys, keyDef.KeyCode)

	action := input.DispatchKeyEvent(input.KeyUp).
		WithModifiers(input.Modifier(k.modifiers)).
		WithKey(keyDef.Key).
		WithWindowsVirtualKeyCode(keyDef.KeyCode).
		WithCode(keyDef.Code).
		WithLocation(keyDef.Location)
	if err := action.Do(cdp.WithExecutor(ctx, k.session)); err != nil {
		return fmt.Errorf("dispatching key event up: %w", err)
	}

	return nil
}

func (k *Keyboard) insertText(ctx context.Context, text string) error {
	action := input.InsertText(text)
	if err := action.Do(cdp.WithExecutor(ctx, k.session)); err != nil {
		return fmt.Errorf("executing insert text: %w", err)
	}
	return nil
}

func (k *Keyboard) press(ctx context.Context, key string) error {
	if err := k.down(ctx, key); err != nil {
		return err
	}
	return k.up(ctx, key)
}

func (k *Keyboard) typ(ctx context.Context, text string) error {
	for _, c := range text {
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck
		}
		if k.layout.IsValidKey(keyboard.Key(c)) {
			if err := k.press(ctx, string(c)); err != nil {
				return err
			}
			continue
		}
		if err := k.insertText(ctx, string(c)); err != nil {
			return err
		}
	}

	return nil
}
