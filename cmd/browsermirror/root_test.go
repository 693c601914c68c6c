package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/browsermirror/api"
	"github.com/grafana/browsermirror/api/apitest"
	"github.com/grafana/browsermirror/env"
	"github.com/grafana/browsermirror/fleet"
	"github.com/grafana/browsermirror/mirror"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	goleak.VerifyTestMain(m)
}

type testCmd struct {
	*rootCommand
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newTestCmd(ctx context.Context, envVars map[string]string, bt api.BrowserType) *testCmd {
	var stdout, stderr bytes.Buffer
	root := newRootCommand(ctx, env.MapLookup(envVars), &stdout, &stderr)
	if bt != nil {
		root.browserTypes = func(mirror.Kind) (api.BrowserType, error) { return bt, nil }
	}
	return &testCmd{rootCommand: root, stdout: &stdout, stderr: &stderr}
}

func (c *testCmd) execute(args ...string) error {
	c.cmd.SetArgs(args)
	return c.cmd.Execute()
}

// searchPage makes p answer the default search scenario by loading
// resultsURL.
func searchPage(resultsURL string) func(*apitest.Page) {
	return func(p *apitest.Page) {
		p.AddElement(fleet.DefaultSearchSelector, &apitest.Element{Box: api.Rect{Width: 10, Height: 10}})
		p.AddElement(fleet.DefaultButtonSelector, &apitest.Element{
			Box:     api.Rect{X: 20, Width: 10, Height: 10},
			OnClick: func(p *apitest.Page) { go p.DOMContentLoaded(resultsURL) },
		})
	}
}

func TestVersionCmd(t *testing.T) {
	t.Parallel()

	c := newTestCmd(context.Background(), map[string]string{
		// ignored by version
		"BROWSERMIRROR_SCREENSHOT_QUALITY": "500",
	}, nil)
	require.NoError(t, c.execute("version"))
	assert.Contains(t, c.stdout.String(), "browsermirror "+version)
}

func TestInvalidConfiguration(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		env  map[string]string
		args []string
	}{
		"env quality":  {env: map[string]string{"BROWSERMIRROR_SCREENSHOT_QUALITY": "500"}, args: []string{"fleet"}},
		"env garbage":  {env: map[string]string{"BROWSERMIRROR_FLEET_SIZE": "many"}, args: []string{"fleet"}},
		"flag size":    {args: []string{"fleet", "--size", "0"}},
		"flag quality": {args: []string{"watch", "--quality", "101"}},
		"log level":    {args: []string{"watch", "--log-level", "loud"}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			bt := &apitest.BrowserType{New: func() (*apitest.Browser, error) { return apitest.NewBrowser(), nil }}
			c := newTestCmd(context.Background(), tt.env, bt)
			require.Error(t, c.execute(tt.args...))
			assert.Zero(t, bt.Launches())
		})
	}
}

func TestUnsupportedKind(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"watch", "--kind", "firefox"},
		{"fleet", "--kind", "Firefox"},
	} {
		c := newTestCmd(context.Background(), nil, nil)
		err := c.execute(args...)
		var uerr *mirror.UnsupportedKindError
		require.ErrorAs(t, err, &uerr)
		assert.Equal(t, mirror.Firefox, uerr.Kind)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Parallel()

	c := newTestCmd(context.Background(), map[string]string{
		"BROWSERMIRROR_FLEET_SIZE":     "3",
		"BROWSERMIRROR_SCENARIO_URL":   "https://env.test",
		"BROWSERMIRROR_FLEET_ISOLATED": "true",
	}, nil)
	cmd, _, err := c.cmd.Find([]string{"fleet"})
	require.NoError(t, err)
	require.NoError(t, cmd.ParseFlags([]string{"--size", "4", "--interval", "1s"}))
	require.NoError(t, c.persistentPreRunE(cmd, nil))

	assert.EqualValues(t, 4, c.cfg.FleetSize.Int64)
	assert.Equal(t, time.Second, c.cfg.MirrorInterval.TimeDuration())
	assert.Equal(t, "https://env.test", c.cfg.ScenarioURL.String)
	assert.True(t, c.cfg.FleetIsolated.Bool)
	assert.True(t, c.cfg.Headless.Bool)
}

func TestFleetCmd(t *testing.T) {
	t.Parallel()

	b := apitest.NewBrowser()
	b.Configure = searchPage("https://nuget.test/packages?q=Selenium")
	bt := &apitest.BrowserType{New: func() (*apitest.Browser, error) { return b, nil }}
	c := newTestCmd(context.Background(), nil, bt)

	err := c.execute("fleet", "--size", "3", "--url", "https://nuget.test",
		"--scenario-timeout", "1s", "--linger", "20ms", "--interval", "5ms")
	require.NoError(t, err)

	out := c.stdout.String()
	assert.Contains(t, out, "fleet 3 x chrome on https://nuget.test")
	assert.Contains(t, out, "3/3 succeeded")
	assert.Contains(t, out, "browsermirror_scenario_duration")
	assert.Equal(t, 1, bt.Launches())
	assert.Equal(t, 1, b.CloseCalls())
}

func TestFleetCmdMultiWordQuery(t *testing.T) {
	t.Parallel()

	b := apitest.NewBrowser()
	b.Configure = searchPage("https://nuget.test/packages?q=web+driver%26co")
	bt := &apitest.BrowserType{New: func() (*apitest.Browser, error) { return b, nil }}
	c := newTestCmd(context.Background(), nil, bt)

	err := c.execute("fleet", "--size", "2", "--query", "web driver&co",
		"--scenario-timeout", "1s", "--linger", "0s", "--interval", "5ms")
	require.NoError(t, err)
	assert.Contains(t, c.stdout.String(), "2/2 succeeded")

	s, err := (&cmdFleet{root: c.rootCommand, query: "web driver&co"}).scenario()
	require.NoError(t, err)
	assert.Equal(t, "q=web+driver%26co", s.ResultFilter)
	assert.Equal(t, "web driver&co", s.Query)
}

func TestFleetCmdFailures(t *testing.T) {
	t.Parallel()

	bt := &apitest.BrowserType{New: func() (*apitest.Browser, error) { return apitest.NewBrowser(), nil }}
	c := newTestCmd(context.Background(), nil, bt)

	err := c.execute("fleet", "--size", "2", "--scenario-timeout", "10ms", "--linger", "0s", "--interval", "5ms")
	require.EqualError(t, err, "2 of 2 scenarios failed")
	assert.Contains(t, c.stdout.String(), "0/2 succeeded")
}

func TestWatchCmd(t *testing.T) {
	t.Parallel()

	b := apitest.NewBrowser()
	b.Configure = func(p *apitest.Page) { p.SetTitle("Mirrored", nil) }
	bt := &apitest.BrowserType{New: func() (*apitest.Browser, error) { return b, nil }}
	c := newTestCmd(context.Background(), nil, bt)

	err := c.execute("watch", "https://mirror.test", "--duration", "200ms", "--interval", "5ms")
	require.NoError(t, err)

	out := c.stdout.String()
	assert.Contains(t, out, "browser chrome FakeBrowser/1.0")
	assert.Contains(t, out, "+ P1 shared")
	assert.Contains(t, out, `P1 title "Mirrored"`)
	assert.Equal(t, 1, b.CloseCalls())
}

func TestWatchCmdLaunchError(t *testing.T) {
	t.Parallel()

	errLaunch := errors.New("no display")
	bt := &apitest.BrowserType{New: func() (*apitest.Browser, error) { return nil, errLaunch }}
	c := newTestCmd(context.Background(), nil, bt)

	err := c.execute("watch", "--duration", "1s")
	require.ErrorIs(t, err, errLaunch)
}
