package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"

	"go.k6.io/k6/lib/types"

	"github.com/grafana/browsermirror/common"
	"github.com/grafana/browsermirror/env"
	"github.com/grafana/browsermirror/k6ext"
	"github.com/grafana/browsermirror/log"
	"github.com/grafana/browsermirror/mirror"
	"github.com/grafana/browsermirror/otel"
	"github.com/grafana/browsermirror/storage"
	"github.com/grafana/browsermirror/trace"
)

//nolint:gochecknoglobals
var (
	bannerColor  = color.New(color.FgCyan)
	okColor      = color.New(color.FgGreen)
	failColor    = color.New(color.FgRed)
	detailColor  = color.New(color.Faint)
	version      = "0.1.0-dev"
	closeTimeout = 30 * time.Second
)

// console serializes the writes of concurrent reporters.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.w, format, args...)
}

type rootCommand struct {
	ctx    context.Context
	lookup env.LookupFunc
	stdout *console
	stderr io.Writer

	cmd    *cobra.Command
	cfg    env.Config
	logger *log.Logger

	kind    string
	noColor bool

	// browserTypes overrides the browser types of the coordinator.
	browserTypes mirror.BrowserTypeFunc
}

func newRootCommand(ctx context.Context, lookup env.LookupFunc, stdout, stderr io.Writer) *rootCommand {
	c := &rootCommand{
		ctx:    ctx,
		lookup: lookup,
		stdout: &console{w: stdout},
		stderr: stderr,
	}
	c.cmd = &cobra.Command{
		Use:               "browsermirror",
		Short:             "mirror browser contexts and drive fleets of them",
		Long:              bannerColor.Sprint("\nbrowsermirror mirrors the screen, title and network traffic of Chromium based browsers."),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.SetOut(stdout)
	c.cmd.SetErr(stderr)
	c.cmd.PersistentFlags().AddFlagSet(c.persistentFlagSet())
	c.cmd.AddCommand(
		getWatchCmd(c),
		getFleetCmd(c),
		getVersionCmd(c),
	)

	return c
}

func (c *rootCommand) persistentFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringVar(&c.kind, "kind", string(mirror.Chrome), "browser kind: chrome, edge or chromium")
	flags.String("log-level", "info", "log level: trace, debug, info, warn or error")
	flags.String("log-filter", "", "only log the categories matching this regular expression")
	flags.Bool("headless", true, "run the browser without a window")
	flags.Bool("beta", false, "launch the beta channel of the browser")
	flags.String("executable", "", "browser executable, overrides the lookup per kind")
	flags.String("ws-url", "", "connect to running browsers at these comma separated WebSocket URLs")
	flags.Duration("timeout", env.DefaultTimeout, "browser start timeout")
	flags.Duration("interval", env.DefaultMirrorInterval, "time between two screen captures")
	flags.Int64("quality", env.DefaultScreenshotQuality, "JPEG quality of the captures, 1 to 100")
	flags.String("frames-dir", "", "persist published frames in this directory")
	flags.String("traces-endpoint", "", "export traces to this OTLP endpoint")
	flags.BoolVar(&c.noColor, "no-color", false, "disable colored output")
	return flags
}

// flagConfig returns the settings set on the command line.
func flagConfig(flags *pflag.FlagSet) env.Config {
	var cfg env.Config
	if flags.Changed("log-level") {
		v, _ := flags.GetString("log-level")
		cfg.LogLevel = null.StringFrom(v)
	}
	if flags.Changed("log-filter") {
		v, _ := flags.GetString("log-filter")
		cfg.LogCategoryFilter = null.StringFrom(v)
	}
	if flags.Changed("headless") {
		v, _ := flags.GetBool("headless")
		cfg.Headless = null.BoolFrom(v)
	}
	if flags.Changed("beta") {
		v, _ := flags.GetBool("beta")
		cfg.BetaChannel = null.BoolFrom(v)
	}
	if flags.Changed("executable") {
		v, _ := flags.GetString("executable")
		cfg.ExecutablePath = null.StringFrom(v)
	}
	if flags.Changed("ws-url") {
		v, _ := flags.GetString("ws-url")
		cfg.WSURL = null.StringFrom(v)
	}
	if flags.Changed("timeout") {
		v, _ := flags.GetDuration("timeout")
		cfg.Timeout = types.NullDurationFrom(v)
	}
	if flags.Changed("interval") {
		v, _ := flags.GetDuration("interval")
		cfg.MirrorInterval = types.NullDurationFrom(v)
	}
	if flags.Changed("quality") {
		v, _ := flags.GetInt64("quality")
		cfg.ScreenshotQuality = null.IntFrom(v)
	}
	if flags.Changed("frames-dir") {
		v, _ := flags.GetString("frames-dir")
		cfg.FramesDir = null.StringFrom(v)
	}
	if flags.Changed("traces-endpoint") {
		v, _ := flags.GetString("traces-endpoint")
		cfg.TracesEndpoint = null.StringFrom(v)
	}
	if flags.Changed("size") {
		v, _ := flags.GetInt64("size")
		cfg.FleetSize = null.IntFrom(v)
	}
	if flags.Changed("isolated") {
		v, _ := flags.GetBool("isolated")
		cfg.FleetIsolated = null.BoolFrom(v)
	}
	if flags.Changed("url") {
		v, _ := flags.GetString("url")
		cfg.ScenarioURL = null.StringFrom(v)
	}
	if flags.Changed("scenario-timeout") {
		v, _ := flags.GetDuration("scenario-timeout")
		cfg.ScenarioTimeout = types.NullDurationFrom(v)
	}
	return cfg
}

// persistentPreRunE consolidates the configuration: defaults, then the
// environment, then the command line.
func (c *rootCommand) persistentPreRunE(cmd *cobra.Command, _ []string) error {
	if c.noColor {
		color.NoColor = true
	}

	cfg, err := env.GetConsolidatedConfig(c.lookup)
	if err != nil {
		return fmt.Errorf("reading configuration: %w", err)
	}
	cfg = cfg.Apply(flagConfig(cmd.Flags()))
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	c.cfg = cfg

	c.logger, err = log.NewFromConfig(c.stderr, cfg.LogLevel.String, cfg.LogCaller.Bool, cfg.LogCategoryFilter.String)
	if err != nil {
		return fmt.Errorf("configuring the logger: %w", err)
	}
	c.logger.Debugf("browsermirror", "version:%s", version)

	return nil
}

// runtime is what the mirroring commands share: the coordinator and its
// metrics and tracing.
type runtime struct {
	coord   *mirror.Coordinator
	metrics *k6ext.Recorder
	frames  *common.FrameRecorder
	tp      otel.TraceProvider
	tracer  *trace.Tracer
	logger  *log.Logger
}

func (c *rootCommand) newRuntime(kind mirror.Kind) (*runtime, error) {
	tp, err := otel.NewTraceProviderFromConfig(c.ctx,
		c.cfg.TracesProto.String, c.cfg.TracesEndpoint.String, c.cfg.TracesInsecure.Bool)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}

	rt := &runtime{
		metrics: k6ext.NewRecorder(),
		tp:      tp,
		tracer:  trace.NewTracer(c.logger, tp, map[string]string{"kind": string(kind)}),
		logger:  c.logger,
	}
	if dir := c.cfg.FramesDir.String; dir != "" {
		rt.frames = common.NewFrameRecorder(dir, &storage.LocalFilePersister{}, c.logger)
	}
	rt.coord = mirror.NewCoordinator(c.ctx, mirror.Options{
		Launch: common.NewLaunchOptions().Apply(c.cfg),
		Mirror: common.ScreenMirrorOptions{
			Interval: c.cfg.MirrorInterval.TimeDuration(),
			Quality:  c.cfg.ScreenshotQuality.Int64,
		},
		Frames:       rt.frames,
		Metrics:      rt.metrics,
		Tracer:       rt.tracer,
		EnvLookup:    c.lookup,
		BrowserTypes: c.browserTypes,
	}, c.logger)

	return rt, nil
}

// close releases the browsers and flushes metrics and traces. It runs even
// after the command's context is done.
func (rt *runtime) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	err := rt.coord.Close(ctx)
	rt.metrics.Stop()
	if terr := rt.tp.Shutdown(ctx); terr != nil {
		rt.logger.Warnf("runtime:close", "flushing traces: %v", terr)
	}
	return err //nolint:wrapcheck
}

// printSummary prints the aggregated metrics.
func printSummary(out *console, metrics *k6ext.Recorder) {
	summary := metrics.Summarize()
	if len(summary) == 0 {
		return
	}
	out.Printf("\n%s\n", bannerColor.Sprint("metrics"))
	for _, s := range summary {
		out.Printf("  %-36s %s\n", s.Name, detailColor.Sprint(formatValues(s.Values)))
	}
}

func formatValues(values map[string]float64) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.4g", k, values[k]))
	}
	return strings.Join(parts, " ")
}
