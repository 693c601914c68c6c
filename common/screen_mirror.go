package common

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/grafana/browsermirror/k6ext"
	"github.com/grafana/browsermirror/log"
)

const (
	DefaultMirrorInterval = 300 * time.Millisecond
	DefaultMirrorQuality  = 60
)

// Snapshotter captures the visible area of a page as JPEG.
type Snapshotter interface {
	Screenshot(ctx context.Context, quality int64) ([]byte, error)
}

// Frame is a published capture of a page.
type Frame struct {
	Data []byte
	Hash uint64
	Time time.Time
	Seq  int64
}

// FrameSink receives each published frame. It is called from the mirror
// loop and should return quickly.
type FrameSink func(Frame)

// ScreenMirrorOptions tunes the capture loop. Zero values select the
// defaults.
type ScreenMirrorOptions struct {
	Interval time.Duration
	Quality  int64
}

func (o ScreenMirrorOptions) withDefaults() ScreenMirrorOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultMirrorInterval
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = DefaultMirrorQuality
	}
	return o
}

// ScreenMirror periodically captures a page and publishes the capture when
// it differs from the previously published one.
type ScreenMirror struct {
	id      string
	target  Snapshotter
	opts    ScreenMirrorOptions
	sink    FrameSink
	metrics *k6ext.Recorder
	logger  *log.Logger

	mu       sync.Mutex
	current  *Frame
	seq      int64
	captures atomic.Int64
	errs     atomic.Int64

	stateMu sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScreenMirror returns a mirror of target. id names the page in logs.
// sink and metrics may be nil.
func NewScreenMirror(
	id string, target Snapshotter, opts ScreenMirrorOptions, sink FrameSink,
	metrics *k6ext.Recorder, logger *log.Logger,
) *ScreenMirror {
	return &ScreenMirror{
		id:      id,
		target:  target,
		opts:    opts.withDefaults(),
		sink:    sink,
		metrics: metrics,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start runs the capture loop until Stop is called or ctx is done.
func (m *ScreenMirror) Start(ctx context.Context) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop ends the capture loop and waits for it to return. It can be called
// more than once.
func (m *ScreenMirror) Stop() {
	m.stateMu.Lock()
	if m.stopped {
		m.stateMu.Unlock()
		return
	}
	m.stopped = true
	started := m.started
	m.stateMu.Unlock()

	if !started {
		return
	}
	m.cancel()
	<-m.done
}

// Current returns the last published frame.
func (m *ScreenMirror) Current() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Frame{}, false
	}
	return *m.current, true
}

// CaptureErrors is the number of failed captures so far.
func (m *ScreenMirror) CaptureErrors() int64 {
	return m.errs.Load()
}

// Captures is the number of successful captures so far, published or not.
func (m *ScreenMirror) Captures() int64 {
	return m.captures.Load()
}

func (m *ScreenMirror) loop(ctx context.Context) {
	defer close(m.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		m.capture(ctx)
		timer.Reset(m.opts.Interval)
	}
}

func (m *ScreenMirror) capture(ctx context.Context) {
	data, err := m.target.Screenshot(ctx, m.opts.Quality)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return
		}
		m.errs.Add(1)
		m.push(func(cm *k6ext.CustomMetrics) { m.metrics.Push(context.Background(), cm.CaptureErrors, 1) })
		m.logger.Debugf("ScreenMirror:capture", "id:%s err:%v", m.id, err)
		return
	}
	m.captures.Add(1)

	hash := xxhash.Sum64(data)

	m.mu.Lock()
	if m.current != nil && m.current.Hash == hash {
		m.mu.Unlock()
		m.push(func(cm *k6ext.CustomMetrics) { m.metrics.Push(context.Background(), cm.FramesSkipped, 1) })
		return
	}
	m.seq++
	f := &Frame{Data: data, Hash: hash, Time: time.Now(), Seq: m.seq}
	m.current = f
	m.mu.Unlock()

	m.logger.Tracef("ScreenMirror:capture", "id:%s seq:%d hash:%x size:%d", m.id, f.Seq, hash, len(data))
	m.push(func(cm *k6ext.CustomMetrics) { m.metrics.Push(context.Background(), cm.FramesPublished, 1) })
	if m.sink != nil {
		m.sink(*f)
	}
}

func (m *ScreenMirror) push(fn func(*k6ext.CustomMetrics)) {
	if m.metrics == nil {
		return
	}
	fn(m.metrics.Metrics)
}
