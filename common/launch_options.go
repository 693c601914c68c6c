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
	"errors"
	"fmt"
	"time"

	"github.com/grafana/browsermirror/env"
)

// Default page and launch settings.
const (
	DefaultScreenWidth  int64 = 1280
	DefaultScreenHeight int64 = 720
	DefaultTimeout            = env.DefaultTimeout
)

// Viewport is the size of the visible page area in CSS pixels.
type Viewport struct {
	Width  int64
	Height int64
}

// Validate reports a non-positive dimension.
func (v *Viewport) Validate() error {
	if v == nil {
		return nil
	}
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("invalid viewport %dx%d: width and height must be positive", v.Width, v.Height)
	}
	return nil
}

// LaunchOptions stores browser launch options.
type LaunchOptions struct {
	Args           []string
	BetaChannel    bool
	ExecutablePath string
	Headless       bool
	// WSURL connects to a running browser instead of launching one.
	WSURL   string
	Timeout time.Duration

	Viewport *Viewport

	NetworkTotalBuffer    int64
	NetworkResourceBuffer int64
}

// NewLaunchOptions returns the default launch options.
func NewLaunchOptions() *LaunchOptions {
	return &LaunchOptions{
		Headless:              true,
		Timeout:               DefaultTimeout,
		Viewport:              &Viewport{Width: DefaultScreenWidth, Height: DefaultScreenHeight},
		NetworkTotalBuffer:    env.DefaultNetworkTotalBuffer,
		NetworkResourceBuffer: env.DefaultNetworkResourceBuffer,
	}
}

// Apply copies the launch related settings of cfg into the options.
func (l *LaunchOptions) Apply(cfg env.Config) *LaunchOptions {
	if cfg.Headless.Valid {
		l.Headless = cfg.Headless.Bool
	}
	if cfg.BetaChannel.Valid {
		l.BetaChannel = cfg.BetaChannel.Bool
	}
	if cfg.ExecutablePath.Valid {
		l.ExecutablePath = cfg.ExecutablePath.String
	}
	if cfg.WSURL.Valid {
		l.WSURL = cfg.WSURL.String
	}
	if cfg.Timeout.Valid || cfg.Timeout.Duration > 0 {
		l.Timeout = cfg.Timeout.TimeDuration()
	}
	if cfg.NetworkTotalBuffer.Valid || cfg.NetworkTotalBuffer.Int64 > 0 {
		l.NetworkTotalBuffer = cfg.NetworkTotalBuffer.Int64
	}
	if cfg.NetworkResourceBuffer.Valid || cfg.NetworkResourceBuffer.Int64 > 0 {
		l.NetworkResourceBuffer = cfg.NetworkResourceBuffer.Int64
	}
	return l
}

// Validate validates the launch options.
func (l *LaunchOptions) Validate() error {
	if l.Timeout <= 0 {
		return errors.New("launch timeout must be positive")
	}
	if err := l.Viewport.Validate(); err != nil {
		return fmt.Errorf("validating viewport option: %w", err)
	}
	if l.NetworkTotalBuffer < 0 || l.NetworkResourceBuffer < 0 {
		return errors.New("network buffer sizes cannot be negative")
	}
	return nil
}

// IsRemote reports whether the options point to an already running browser.
func (l *LaunchOptions) IsRemote() bool {
	return l.WSURL != ""
}
