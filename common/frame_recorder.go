package common

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/grafana/browsermirror/log"
	"github.com/grafana/browsermirror/storage"
)

// FrameRecorder persists published frames as <dir>/<context id>/<seq>.jpg.
type FrameRecorder struct {
	dir       string
	persister storage.FilePersister
	logger    *log.Logger

	mu     sync.Mutex
	counts map[string]int
	errs   int
}

// NewFrameRecorder returns a recorder writing below dir through persister.
func NewFrameRecorder(dir string, persister storage.FilePersister, logger *log.Logger) *FrameRecorder {
	return &FrameRecorder{
		dir:       dir,
		persister: persister,
		logger:    logger,
		counts:    make(map[string]int),
	}
}

// Path is where the frame with seq of contextID is stored.
func (r *FrameRecorder) Path(contextID string, seq int64) string {
	return filepath.Join(r.dir, contextID, fmt.Sprintf("%06d.jpg", seq))
}

// Record persists f as a frame of contextID.
func (r *FrameRecorder) Record(ctx context.Context, contextID string, f Frame) error {
	path := r.Path(contextID, f.Seq)
	if err := r.persister.Persist(ctx, path, bytes.NewReader(f.Data)); err != nil {
		r.mu.Lock()
		r.errs++
		r.mu.Unlock()
		return fmt.Errorf("recording frame %d of %s: %w", f.Seq, contextID, err)
	}

	r.mu.Lock()
	r.counts[contextID]++
	r.mu.Unlock()

	return nil
}

// Sink returns a FrameSink recording the frames of contextID. Failures are
// logged and counted.
func (r *FrameRecorder) Sink(ctx context.Context, contextID string) FrameSink {
	return func(f Frame) {
		if err := r.Record(ctx, contextID, f); err != nil {
			r.logger.Debugf("FrameRecorder:Sink", "%v", err)
		}
	}
}

// Recorded returns how many frames of contextID were persisted.
func (r *FrameRecorder) Recorded(contextID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[contextID]
}

// Errors is the number of frames that could not be persisted.
func (r *FrameRecorder) Errors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs
}
