package k6ext

import (
	"context"
	"sort"
	"sync"
	"time"

	k6metrics "go.k6.io/k6/metrics"
)

// Recorder collects samples pushed by the components and aggregates them
// into one sink per metric.
type Recorder struct {
	Metrics *CustomMetrics

	samples chan k6metrics.SampleContainer
	done    chan struct{}
	started time.Time

	pushMu  sync.RWMutex
	stopped bool

	mu    sync.Mutex
	sinks map[*k6metrics.Metric]k6metrics.Sink
}

// NewRecorder registers the custom metrics in a fresh registry and starts
// the aggregation loop, which runs until Stop is called.
func NewRecorder() *Recorder {
	r := &Recorder{
		Metrics: RegisterCustomMetrics(k6metrics.NewRegistry()),
		samples: make(chan k6metrics.SampleContainer, 128),
		done:    make(chan struct{}),
		started: time.Now(),
		sinks:   make(map[*k6metrics.Metric]k6metrics.Sink),
	}
	go r.loop()

	return r
}

func (r *Recorder) loop() {
	defer close(r.done)
	for sc := range r.samples {
		r.add(sc)
	}
}

func (r *Recorder) add(sc k6metrics.SampleContainer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range sc.GetSamples() {
		sink, ok := r.sinks[s.Metric]
		if !ok {
			sink = k6metrics.NewSink(s.Metric.Type)
			r.sinks[s.Metric] = sink
		}
		sink.Add(s)
	}
}

// Push pushes a single measurement of m unless ctx is done.
func (r *Recorder) Push(ctx context.Context, m *k6metrics.Metric, value float64) bool {
	if r == nil {
		return false
	}
	r.pushMu.RLock()
	defer r.pushMu.RUnlock()
	if r.stopped {
		return false
	}
	return PushIfNotDone(ctx, r.samples, Sample(m, value))
}

// Stop ends the aggregation loop after the queued samples are consumed.
// Pushes after Stop are dropped.
func (r *Recorder) Stop() {
	r.pushMu.Lock()
	if r.stopped {
		r.pushMu.Unlock()
		return
	}
	r.stopped = true
	close(r.samples)
	r.pushMu.Unlock()

	<-r.done
}

// Summary is the aggregated value of one metric.
type Summary struct {
	Name   string
	Values map[string]float64
}

// Summarize returns the aggregated values of every metric with samples,
// ordered by metric name.
func (r *Recorder) Summarize() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := time.Since(r.started)
	out := make([]Summary, 0, len(r.sinks))
	for m, sink := range r.sinks {
		if sink.IsEmpty() {
			continue
		}
		out = append(out, Summary{Name: m.Name, Values: sink.Format(elapsed)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}
