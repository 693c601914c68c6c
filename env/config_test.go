package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.k6.io/k6/lib/types"
	"gopkg.in/guregu/null.v3"
)

func TestGetConsolidatedConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := GetConsolidatedConfig(MapLookup(nil))
	require.NoError(t, err)

	assert.True(t, cfg.Headless.Bool)
	assert.False(t, cfg.BetaChannel.Bool)
	assert.Equal(t, DefaultMirrorInterval, cfg.MirrorInterval.TimeDuration())
	assert.EqualValues(t, DefaultScreenshotQuality, cfg.ScreenshotQuality.Int64)
	assert.EqualValues(t, DefaultFleetSize, cfg.FleetSize.Int64)
	assert.Equal(t, DefaultScenarioURL, cfg.ScenarioURL.String)
	assert.Equal(t, DefaultScenarioTimeout, cfg.ScenarioTimeout.TimeDuration())
}

func TestGetConsolidatedConfigFromEnv(t *testing.T) {
	t.Parallel()

	cfg, err := GetConsolidatedConfig(MapLookup(map[string]string{
		"BROWSERMIRROR_HEADLESS":           "false",
		"BROWSERMIRROR_BETA_CHANNEL":       "true",
		"BROWSERMIRROR_MIRROR_INTERVAL":    "1s",
		"BROWSERMIRROR_SCREENSHOT_QUALITY": "80",
		"BROWSERMIRROR_FLEET_SIZE":         "3",
		"BROWSERMIRROR_SCENARIO_TIMEOUT":   "5s",
		"BROWSERMIRROR_WS_URL":             "ws://127.0.0.1:9222/devtools/browser/abc",
	}))
	require.NoError(t, err)

	assert.False(t, cfg.Headless.Bool)
	assert.True(t, cfg.BetaChannel.Bool)
	assert.Equal(t, time.Second, cfg.MirrorInterval.TimeDuration())
	assert.EqualValues(t, 80, cfg.ScreenshotQuality.Int64)
	assert.EqualValues(t, 3, cfg.FleetSize.Int64)
	assert.Equal(t, 5*time.Second, cfg.ScenarioTimeout.TimeDuration())
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", cfg.WSURL.String)
}

func TestGetConsolidatedConfigInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad_bool", map[string]string{"BROWSERMIRROR_HEADLESS": "maybe"}},
		{"bad_quality", map[string]string{"BROWSERMIRROR_SCREENSHOT_QUALITY": "101"}},
		{"zero_fleet", map[string]string{"BROWSERMIRROR_FLEET_SIZE": "0"}},
		{"bad_duration", map[string]string{"BROWSERMIRROR_MIRROR_INTERVAL": "soon"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := GetConsolidatedConfig(MapLookup(tt.env))
			require.Error(t, err)
		})
	}
}

func TestConfigApplyKeepsUnsetValues(t *testing.T) {
	t.Parallel()

	base := NewConfig()
	got := base.Apply(Config{
		FleetSize:      null.IntFrom(7),
		MirrorInterval: types.NullDurationFrom(time.Second),
	})

	assert.EqualValues(t, 7, got.FleetSize.Int64)
	assert.Equal(t, time.Second, got.MirrorInterval.TimeDuration())
	assert.Equal(t, base.ScenarioURL, got.ScenarioURL)
	assert.Equal(t, base.Headless, got.Headless)
}

func TestIsRemoteBrowser(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		value    *string
		want     []string
		isRemote bool
	}{
		{name: "unset"},
		{name: "empty", value: strPtr("  ")},
		{name: "single", value: strPtr("ws://a"), want: []string{"ws://a"}, isRemote: true},
		{name: "list", value: strPtr("ws://a, ws://b,"), want: []string{"ws://a", "ws://b"}, isRemote: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := map[string]string{}
			if tt.value != nil {
				m[WebSocketURLs] = *tt.value
			}
			got, ok := IsRemoteBrowser(MapLookup(m))
			assert.Equal(t, tt.isRemote, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func strPtr(s string) *string { return &s }
