package k6ext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	k6metrics "go.k6.io/k6/metrics"
)

func TestRecorderSummarize(t *testing.T) {
	t.Parallel()

	r := NewRecorder()

	ctx := context.Background()
	require.True(t, r.Push(ctx, r.Metrics.FramesPublished, 1))
	require.True(t, r.Push(ctx, r.Metrics.FramesPublished, 1))
	require.True(t, r.Push(ctx, r.Metrics.ScenarioDuration, Millis(250*time.Millisecond)))
	require.True(t, r.Push(ctx, r.Metrics.ScenarioDuration, Millis(750*time.Millisecond)))
	r.Stop()

	sum := r.Summarize()
	require.Len(t, sum, 2)

	assert.Equal(t, "browsermirror_frames_published", sum[0].Name)
	assert.Equal(t, 2.0, sum[0].Values["count"])

	assert.Equal(t, "browsermirror_scenario_duration", sum[1].Name)
	assert.Equal(t, 250.0, sum[1].Values["min"])
	assert.Equal(t, 750.0, sum[1].Values["max"])
}

func TestRecorderPushAfterStop(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	r.Stop()

	assert.False(t, r.Push(context.Background(), r.Metrics.CaptureErrors, 1))
}

func TestPushIfNotDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan k6metrics.SampleContainer)
	r := NewRecorder()
	defer r.Stop()

	assert.False(t, PushIfNotDone(ctx, out, Sample(r.Metrics.Exchanges, 1)))
	assert.False(t, r.Push(ctx, r.Metrics.Exchanges, 1))
}

func TestMillis(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1500.0, Millis(1500*time.Millisecond))
}
