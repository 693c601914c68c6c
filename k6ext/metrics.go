// Package k6ext wires browsermirror measurements into k6 metric types.
package k6ext

import (
	"context"
	"time"

	k6metrics "go.k6.io/k6/metrics"
)

// CustomMetrics are the metrics emitted by browsermirror components.
type CustomMetrics struct {
	FramesPublished *k6metrics.Metric
	FramesSkipped   *k6metrics.Metric
	CaptureErrors   *k6metrics.Metric

	Exchanges        *k6metrics.Metric
	ExchangeDuration *k6metrics.Metric
	BodyFetchErrors  *k6metrics.Metric

	ScenarioDuration *k6metrics.Metric
	ScenariosFailed  *k6metrics.Metric
	FleetDuration    *k6metrics.Metric
}

// RegisterCustomMetrics creates and registers our custom metrics with the
// registry and returns our internal struct pointer.
func RegisterCustomMetrics(registry *k6metrics.Registry) *CustomMetrics {
	return &CustomMetrics{
		FramesPublished: registry.MustNewMetric(
			"browsermirror_frames_published", k6metrics.Counter),
		FramesSkipped: registry.MustNewMetric(
			"browsermirror_frames_skipped", k6metrics.Counter),
		CaptureErrors: registry.MustNewMetric(
			"browsermirror_capture_errors", k6metrics.Counter),
		Exchanges: registry.MustNewMetric(
			"browsermirror_exchanges", k6metrics.Counter),
		ExchangeDuration: registry.MustNewMetric(
			"browsermirror_exchange_duration", k6metrics.Trend, k6metrics.Time),
		BodyFetchErrors: registry.MustNewMetric(
			"browsermirror_body_fetch_errors", k6metrics.Counter),
		ScenarioDuration: registry.MustNewMetric(
			"browsermirror_scenario_duration", k6metrics.Trend, k6metrics.Time),
		ScenariosFailed: registry.MustNewMetric(
			"browsermirror_scenarios_failed", k6metrics.Counter),
		FleetDuration: registry.MustNewMetric(
			"browsermirror_fleet_duration", k6metrics.Trend, k6metrics.Time),
	}
}

// PushIfNotDone is a helper function to push a sample to a channel if the
// context is not done. It returns true if the sample was pushed, false if the
// context was done.
func PushIfNotDone(ctx context.Context, output chan<- k6metrics.SampleContainer, sample k6metrics.SampleContainer) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case output <- sample:
		return true
	}
}

// Sample returns a single measurement of m taken now.
func Sample(m *k6metrics.Metric, value float64) k6metrics.Sample {
	return k6metrics.Sample{
		TimeSeries: k6metrics.TimeSeries{Metric: m},
		Time:       time.Now(),
		Value:      value,
	}
}

// Millis converts d to the float milliseconds k6 uses for time metrics.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
