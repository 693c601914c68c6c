package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/browsermirror/env"
)

func TestLaunchOptionsApply(t *testing.T) {
	t.Parallel()

	cfg, err := env.GetConsolidatedConfig(env.MapLookup(map[string]string{
		"BROWSERMIRROR_HEADLESS":        "false",
		"BROWSERMIRROR_BETA_CHANNEL":    "true",
		"BROWSERMIRROR_WS_URL":          "ws://127.0.0.1:9222/devtools/browser/x",
		"BROWSERMIRROR_TIMEOUT":         "5s",
		"BROWSERMIRROR_EXECUTABLE_PATH": "/opt/chrome",
	}))
	require.NoError(t, err)

	opts := NewLaunchOptions().Apply(cfg)
	assert.False(t, opts.Headless)
	assert.True(t, opts.BetaChannel)
	assert.True(t, opts.IsRemote())
	assert.Equal(t, 5*time.Second, opts.Timeout)
	assert.Equal(t, "/opt/chrome", opts.ExecutablePath)
	assert.Equal(t, int64(env.DefaultNetworkTotalBuffer), opts.NetworkTotalBuffer)
	assert.NoError(t, opts.Validate())
}

func TestLaunchOptionsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := env.GetConsolidatedConfig(env.MapLookup(nil))
	require.NoError(t, err)

	opts := NewLaunchOptions().Apply(cfg)
	assert.True(t, opts.Headless)
	assert.False(t, opts.IsRemote())
	assert.Equal(t, DefaultTimeout, opts.Timeout)
	assert.Equal(t, &Viewport{Width: 1280, Height: 720}, opts.Viewport)
}

func TestLaunchOptionsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*LaunchOptions)
		errMsg string
	}{
		{name: "ok", modify: func(*LaunchOptions) {}},
		{
			name:   "zero_timeout",
			modify: func(o *LaunchOptions) { o.Timeout = 0 },
			errMsg: "launch timeout must be positive",
		},
		{
			name:   "bad_viewport",
			modify: func(o *LaunchOptions) { o.Viewport = &Viewport{Width: 0, Height: 10} },
			errMsg: "validating viewport option: invalid viewport 0x10: width and height must be positive",
		},
		{
			name:   "negative_buffer",
			modify: func(o *LaunchOptions) { o.NetworkResourceBuffer = -1 },
			errMsg: "network buffer sizes cannot be negative",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := NewLaunchOptions()
			tt.modify(opts)
			err := opts.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.errMsg)
		})
	}
}
