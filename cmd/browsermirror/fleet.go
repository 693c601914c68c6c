package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/grafana/browsermirror/env"
	"github.com/grafana/browsermirror/fleet"
	"github.com/grafana/browsermirror/mirror"
)

type cmdFleet struct {
	root   *rootCommand
	query  string
	linger time.Duration
}

func getFleetCmd(root *rootCommand) *cobra.Command {
	c := &cmdFleet{root: root}
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "run the search scenario in many contexts at once",
		Long: `Open --size browsing contexts of one browser, run the search scenario in
each of them concurrently and report how every scenario went.`,
		Args: cobra.NoArgs,
		RunE: c.run,
	}
	flags := cmd.Flags()
	flags.Int64("size", env.DefaultFleetSize, "number of concurrent scenarios")
	flags.Bool("isolated", false, "run every scenario in its own browser context")
	flags.String("url", env.DefaultScenarioURL, "page the scenarios start from")
	flags.Duration("scenario-timeout", env.DefaultScenarioTimeout, "time a scenario waits for the results page")
	flags.StringVar(&c.query, "query", fleet.DefaultQuery, "text to search for")
	flags.DurationVar(&c.linger, "linger", fleet.DefaultLinger, "time the results stay on screen")
	return cmd
}

func (c *cmdFleet) scenario() (fleet.Scenario, error) {
	cfg := c.root.cfg
	s := fleet.DefaultScenario()
	s.URL = cfg.ScenarioURL.String
	s.Timeout = cfg.ScenarioTimeout.TimeDuration()
	s.Query = c.query
	// The results URL carries the query form encoded.
	s.ResultFilter = "q=" + url.QueryEscape(c.query)
	s.Linger = c.linger

	return s, s.Validate()
}

func (c *cmdFleet) run(_ *cobra.Command, _ []string) (err error) {
	kind := mirror.ParseKind(c.root.kind)
	if !kind.Supported() {
		return &mirror.UnsupportedKindError{Kind: kind}
	}
	scenario, err := c.scenario()
	if err != nil {
		return err
	}
	size := int(c.root.cfg.FleetSize.Int64)
	if size < 1 {
		return fmt.Errorf("%w, got %d", fleet.ErrInvalidFleetSize, size)
	}

	rt, err := c.root.newRuntime(kind)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.close(); cerr != nil && err == nil {
			err = cerr
		}
		printSummary(c.root.stdout, rt.metrics)
	}()

	d := fleet.NewDriver(rt.coord, fleet.Options{
		Kind:     kind,
		Isolated: c.root.cfg.FleetIsolated.Bool,
		Scenario: scenario,
		Metrics:  rt.metrics,
		Tracer:   rt.tracer,
	}, c.root.logger)

	out := c.root.stdout
	out.Printf("%s %d x %s on %s\n", bannerColor.Sprint("fleet"), size, kind, scenario.URL)
	report, err := d.RunFleet(c.root.ctx, size)
	if err != nil {
		return err //nolint:wrapcheck
	}
	printReport(out, report)

	if report.Failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", report.Failed, len(report.Results))
	}
	return nil
}

func printReport(out *console, report fleet.Report) {
	for _, r := range report.Results {
		ctxID := r.ContextID
		if ctxID == "" {
			ctxID = "-"
		}
		if r.Err != nil {
			out.Printf("  %s #%-3d %-34s %s\n", failColor.Sprint("✗"), r.Index, ctxID, failColor.Sprint(r.Err))
			continue
		}
		out.Printf("  %s #%-3d %-34s %s\n", okColor.Sprint("✓"), r.Index, ctxID, detailColor.Sprint(r.Elapsed.Round(time.Millisecond)))
	}
	out.Printf("%d/%d succeeded in %s\n", report.Succeeded(), len(report.Results), report.Elapsed.Round(time.Millisecond))
}
