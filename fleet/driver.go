// Package fleet drives many browsing contexts through the same search
// scenario at once.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/browsermirror/api"
	"github.com/grafana/browsermirror/k6ext"
	"github.com/grafana/browsermirror/log"
	"github.com/grafana/browsermirror/mirror"
	"github.com/grafana/browsermirror/trace"
)

const closeTimeout = 10 * time.Second

// ErrInvalidFleetSize is returned for fleets of less than one scenario.
var ErrInvalidFleetSize = errors.New("fleet size must be at least 1")

// Acquirer hands out browsing contexts.
type Acquirer interface {
	AcquireContext(ctx context.Context, kind mirror.Kind, isolated bool) (api.Page, error)
}

// Options configures a Driver.
type Options struct {
	Kind     mirror.Kind
	Isolated bool
	Scenario Scenario
	Metrics  *k6ext.Recorder
	Tracer   *trace.Tracer
}

// Result is the outcome of one scenario of a fleet.
type Result struct {
	Index     int
	ContextID string
	Elapsed   time.Duration
	Err       error
}

// Report is the outcome of a fleet run. Results are ordered by index.
type Report struct {
	Elapsed time.Duration
	Results []Result
	Failed  int
}

// Succeeded returns the number of scenarios that completed.
func (r Report) Succeeded() int {
	return len(r.Results) - r.Failed
}

// Driver runs fleets of scenarios on the contexts of an Acquirer.
type Driver struct {
	acq    Acquirer
	opts   Options
	tracer *trace.Tracer
	logger *log.Logger
}

// NewDriver returns a driver of opts.Kind contexts.
func NewDriver(acq Acquirer, opts Options, logger *log.Logger) *Driver {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = trace.NewNoopTracer()
	}
	return &Driver{acq: acq, opts: opts, tracer: tracer, logger: logger}
}

// RunFleet runs size scenarios concurrently and waits for all of them.
// Scenario failures are reported in the Report and never stop the other
// scenarios. The returned error is only set when the fleet could not start.
func (d *Driver) RunFleet(ctx context.Context, size int) (Report, error) {
	if size < 1 {
		return Report{}, fmt.Errorf("%w, got %d", ErrInvalidFleetSize, size)
	}
	if err := d.opts.Scenario.Validate(); err != nil {
		return Report{}, err
	}
	if !d.opts.Kind.Supported() {
		return Report{}, &mirror.UnsupportedKindError{Kind: d.opts.Kind}
	}

	ctx, span := d.tracer.Start(ctx, "fleet.run", oteltrace.WithAttributes(
		attribute.String("kind", string(d.opts.Kind)),
		attribute.Int("size", size),
	))
	defer span.End()

	d.logger.Infof("Driver:RunFleet", "running %d %s scenarios, isolated:%t", size, d.opts.Kind, d.opts.Isolated)
	start := time.Now()
	results := make([]Result, size)

	var g errgroup.Group
	g.SetLimit(size)
	for i := range size {
		g.Go(func() error {
			results[i] = d.runScenario(ctx, i)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Elapsed: time.Since(start), Results: results}
	for _, r := range results {
		if r.Err != nil {
			report.Failed++
		}
	}
	d.push(func(m *k6ext.CustomMetrics) {
		d.opts.Metrics.Push(context.Background(), m.FleetDuration, k6ext.Millis(report.Elapsed))
	})
	if report.Failed > 0 {
		span.SetAttributes(attribute.Int("failed", report.Failed))
	}
	d.logger.Infof("Driver:RunFleet", "fleet done in %s, %d/%d succeeded", report.Elapsed, report.Succeeded(), size)

	return report, nil
}

func (d *Driver) runScenario(ctx context.Context, index int) Result {
	ctx, span := d.tracer.Start(ctx, "fleet.scenario", oteltrace.WithAttributes(attribute.Int("index", index)))
	defer span.End()

	start := time.Now()
	res := Result{Index: index}
	page, err := d.acq.AcquireContext(ctx, d.opts.Kind, d.opts.Isolated)
	if err == nil {
		res.ContextID = page.ID()
		span.SetAttributes(attribute.String("context", page.ID()))
		err = d.steps(ctx, page)
		if cerr := d.close(ctx, page); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				d.logger.Debugf("Driver:runScenario", "index:%d %v", index, cerr)
			}
		}
	} else {
		err = fmt.Errorf("acquiring context: %w", err)
	}
	res.Elapsed = time.Since(start)
	res.Err = err

	d.push(func(m *k6ext.CustomMetrics) {
		d.opts.Metrics.Push(context.Background(), m.ScenarioDuration, k6ext.Millis(res.Elapsed))
	})
	if err != nil {
		trace.Fail(span, err)
		d.push(func(m *k6ext.CustomMetrics) { d.opts.Metrics.Push(context.Background(), m.ScenariosFailed, 1) })
		d.logger.Warnf("Driver:runScenario", "scenario %d failed after %s: %v", index, res.Elapsed, err)
	} else {
		d.logger.Debugf("Driver:runScenario", "scenario %d done in %s on %s", index, res.Elapsed, res.ContextID)
	}

	return res
}

func (d *Driver) steps(ctx context.Context, page api.Page) error {
	s := d.opts.Scenario

	err := d.step(ctx, "navigate", func(ctx context.Context) error {
		return page.Navigate(ctx, s.URL, api.LifecycleEventLoad)
	})
	if err != nil {
		return fmt.Errorf("navigating to %q: %w", s.URL, err)
	}

	err = d.step(ctx, "search", func(ctx context.Context) error {
		box, err := page.Locate(ctx, s.SearchSelector)
		if err != nil {
			return err //nolint:wrapcheck
		}
		if err := box.Click(ctx); err != nil {
			return err //nolint:wrapcheck
		}
		return page.Keyboard().Type(ctx, s.Query)
	})
	if err != nil {
		return fmt.Errorf("typing the search: %w", err)
	}

	var sig api.Signal
	err = d.step(ctx, "submit", func(ctx context.Context) error {
		button, err := page.Locate(ctx, s.ButtonSelector)
		if err != nil {
			return err //nolint:wrapcheck
		}
		sig = page.WaitForDOMContentLoaded(s.ResultFilter)
		if err := button.Click(ctx); err != nil {
			sig.Cancel()
			return err //nolint:wrapcheck
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("submitting the search: %w", err)
	}
	defer sig.Cancel()

	err = d.step(ctx, "wait_results", func(ctx context.Context) error {
		timer := time.NewTimer(s.Timeout)
		defer timer.Stop()
		select {
		case <-sig.Done():
			return nil
		case <-timer.C:
			return &ScenarioTimeoutError{ContextID: page.ID(), Timeout: s.Timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return err
	}

	if s.Linger > 0 {
		timer := time.NewTimer(s.Linger)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (d *Driver) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := d.tracer.Start(ctx, "fleet."+name)
	defer span.End()

	err := fn(ctx)
	trace.Fail(span, err)
	return err
}

func (d *Driver) push(fn func(*k6ext.CustomMetrics)) {
	if d.opts.Metrics == nil {
		return
	}
	fn(d.opts.Metrics.Metrics)
}

// close closes page even when ctx is done.
func (d *Driver) close(ctx context.Context, page api.Page) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := page.Close(ctx); err != nil {
		return fmt.Errorf("closing context %s: %w", page.ID(), err)
	}
	return nil
}
