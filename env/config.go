package env

import (
	"fmt"
	"time"

	"github.com/mstoykov/envconfig"
	"go.k6.io/k6/lib/types"
	"gopkg.in/guregu/null.v3"
)

// Defaults used when neither the environment nor the command line say otherwise.
const (
	DefaultMirrorInterval        = 300 * time.Millisecond
	DefaultScreenshotQuality     = 60
	DefaultNetworkTotalBuffer    = 512 * 1024
	DefaultNetworkResourceBuffer = 256 * 1024
	DefaultFleetSize             = 10
	DefaultScenarioURL           = "https://nuget.org"
	DefaultScenarioTimeout       = 30 * time.Second
	DefaultTimeout               = 30 * time.Second
	DefaultTracesProto           = "http"
)

// Config holds every setting of the browsermirror runtime.
//
//nolint:lll
type Config struct {
	LogLevel          null.String `envconfig:"BROWSERMIRROR_LOG"`
	LogCategoryFilter null.String `envconfig:"BROWSERMIRROR_LOG_CATEGORY_FILTER"`
	LogCaller         null.Bool   `envconfig:"BROWSERMIRROR_CALLER"`

	Headless       null.Bool          `envconfig:"BROWSERMIRROR_HEADLESS"`
	BetaChannel    null.Bool          `envconfig:"BROWSERMIRROR_BETA_CHANNEL"`
	ExecutablePath null.String        `envconfig:"BROWSERMIRROR_EXECUTABLE_PATH"`
	WSURL          null.String        `envconfig:"BROWSERMIRROR_WS_URL"`
	Timeout        types.NullDuration `envconfig:"BROWSERMIRROR_TIMEOUT"`

	MirrorInterval    types.NullDuration `envconfig:"BROWSERMIRROR_MIRROR_INTERVAL"`
	ScreenshotQuality null.Int           `envconfig:"BROWSERMIRROR_SCREENSHOT_QUALITY"`
	FramesDir         null.String        `envconfig:"BROWSERMIRROR_FRAMES_DIR"`

	NetworkTotalBuffer    null.Int `envconfig:"BROWSERMIRROR_NETWORK_TOTAL_BUFFER"`
	NetworkResourceBuffer null.Int `envconfig:"BROWSERMIRROR_NETWORK_RESOURCE_BUFFER"`

	FleetSize       null.Int           `envconfig:"BROWSERMIRROR_FLEET_SIZE"`
	FleetIsolated   null.Bool          `envconfig:"BROWSERMIRROR_FLEET_ISOLATED"`
	ScenarioURL     null.String        `envconfig:"BROWSERMIRROR_SCENARIO_URL"`
	ScenarioTimeout types.NullDuration `envconfig:"BROWSERMIRROR_SCENARIO_TIMEOUT"`

	TracesEndpoint null.String `envconfig:"BROWSERMIRROR_TRACES_ENDPOINT"`
	TracesProto    null.String `envconfig:"BROWSERMIRROR_TRACES_PROTO"`
	TracesInsecure null.Bool   `envconfig:"BROWSERMIRROR_TRACES_INSECURE"`
}

// NewConfig returns a Config with the default values.
func NewConfig() Config {
	return Config{
		LogLevel:              null.NewString("info", false),
		Headless:              null.NewBool(true, false),
		BetaChannel:           null.NewBool(false, false),
		Timeout:               types.NewNullDuration(DefaultTimeout, false),
		MirrorInterval:        types.NewNullDuration(DefaultMirrorInterval, false),
		ScreenshotQuality:     null.NewInt(DefaultScreenshotQuality, false),
		NetworkTotalBuffer:    null.NewInt(DefaultNetworkTotalBuffer, false),
		NetworkResourceBuffer: null.NewInt(DefaultNetworkResourceBuffer, false),
		FleetSize:             null.NewInt(DefaultFleetSize, false),
		FleetIsolated:         null.NewBool(false, false),
		ScenarioURL:           null.NewString(DefaultScenarioURL, false),
		ScenarioTimeout:       types.NewNullDuration(DefaultScenarioTimeout, false),
		TracesProto:           null.NewString(DefaultTracesProto, false),
	}
}

// Apply saves the valid values of cfg in the receiver and returns the result.
//
//nolint:cyclop,gocognit
func (c Config) Apply(cfg Config) Config {
	if cfg.LogLevel.Valid && cfg.LogLevel.String != "" {
		c.LogLevel = cfg.LogLevel
	}
	if cfg.LogCategoryFilter.Valid {
		c.LogCategoryFilter = cfg.LogCategoryFilter
	}
	if cfg.LogCaller.Valid {
		c.LogCaller = cfg.LogCaller
	}
	if cfg.Headless.Valid {
		c.Headless = cfg.Headless
	}
	if cfg.BetaChannel.Valid {
		c.BetaChannel = cfg.BetaChannel
	}
	if cfg.ExecutablePath.Valid && cfg.ExecutablePath.String != "" {
		c.ExecutablePath = cfg.ExecutablePath
	}
	if cfg.WSURL.Valid && cfg.WSURL.String != "" {
		c.WSURL = cfg.WSURL
	}
	if cfg.Timeout.Valid {
		c.Timeout = cfg.Timeout
	}
	if cfg.MirrorInterval.Valid {
		c.MirrorInterval = cfg.MirrorInterval
	}
	if cfg.ScreenshotQuality.Valid {
		c.ScreenshotQuality = cfg.ScreenshotQuality
	}
	if cfg.FramesDir.Valid && cfg.FramesDir.String != "" {
		c.FramesDir = cfg.FramesDir
	}
	if cfg.NetworkTotalBuffer.Valid {
		c.NetworkTotalBuffer = cfg.NetworkTotalBuffer
	}
	if cfg.NetworkResourceBuffer.Valid {
		c.NetworkResourceBuffer = cfg.NetworkResourceBuffer
	}
	if cfg.FleetSize.Valid {
		c.FleetSize = cfg.FleetSize
	}
	if cfg.FleetIsolated.Valid {
		c.FleetIsolated = cfg.FleetIsolated
	}
	if cfg.ScenarioURL.Valid && cfg.ScenarioURL.String != "" {
		c.ScenarioURL = cfg.ScenarioURL
	}
	if cfg.ScenarioTimeout.Valid {
		c.ScenarioTimeout = cfg.ScenarioTimeout
	}
	if cfg.TracesEndpoint.Valid && cfg.TracesEndpoint.String != "" {
		c.TracesEndpoint = cfg.TracesEndpoint
	}
	if cfg.TracesProto.Valid && cfg.TracesProto.String != "" {
		c.TracesProto = cfg.TracesProto
	}
	if cfg.TracesInsecure.Valid {
		c.TracesInsecure = cfg.TracesInsecure
	}
	return c
}

// Validate reports the first setting that is out of range.
func (c Config) Validate() error {
	if q := c.ScreenshotQuality.Int64; q < 0 || q > 100 {
		return fmt.Errorf("screenshot quality must be between 0 and 100, got %d", q)
	}
	if c.MirrorInterval.TimeDuration() <= 0 {
		return fmt.Errorf("mirror interval must be positive, got %s", c.MirrorInterval.TimeDuration())
	}
	if c.FleetSize.Int64 < 1 {
		return fmt.Errorf("fleet size must be at least 1, got %d", c.FleetSize.Int64)
	}
	if c.ScenarioTimeout.TimeDuration() <= 0 {
		return fmt.Errorf("scenario timeout must be positive, got %s", c.ScenarioTimeout.TimeDuration())
	}
	if c.NetworkTotalBuffer.Int64 < 0 || c.NetworkResourceBuffer.Int64 < 0 {
		return fmt.Errorf("network buffer sizes cannot be negative")
	}
	return nil
}

// GetConsolidatedConfig combines the default config values with the
// environment variables read through lookup.
func GetConsolidatedConfig(lookup LookupFunc) (Config, error) {
	result := NewConfig()

	envConfig := Config{}
	if err := envconfig.Process("", &envConfig, func(key string) (string, bool) {
		return lookup(key)
	}); err != nil {
		return result, fmt.Errorf("parsing environment: %w", err)
	}
	result = result.Apply(envConfig)

	return result, result.Validate()
}
