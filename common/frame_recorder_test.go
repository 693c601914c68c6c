package common

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/browsermirror/log"
	"github.com/grafana/browsermirror/storage"
)

type failingPersister struct{}

func (failingPersister) Persist(context.Context, string, io.Reader) error {
	return errors.New("disk full")
}

func TestFrameRecorder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := NewFrameRecorder(dir, &storage.LocalFilePersister{}, log.NewNullLogger())
	sink := r.Sink(context.Background(), "T1")

	sink(Frame{Data: []byte("first"), Seq: 1})
	sink(Frame{Data: []byte("second"), Seq: 2})

	assert.Equal(t, filepath.Join(dir, "T1", "000002.jpg"), r.Path("T1", 2))
	data, err := os.ReadFile(r.Path("T1", 2))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
	assert.Equal(t, 2, r.Recorded("T1"))
	assert.Zero(t, r.Recorded("T2"))
	assert.Zero(t, r.Errors())
}

func TestFrameRecorderErrors(t *testing.T) {
	t.Parallel()

	r := NewFrameRecorder(t.TempDir(), failingPersister{}, log.NewNullLogger())
	err := r.Record(context.Background(), "T1", Frame{Seq: 7})
	assert.ErrorContains(t, err, "disk full")

	r.Sink(context.Background(), "T1")(Frame{Seq: 8})
	assert.Equal(t, 2, r.Errors())
	assert.Zero(t, r.Recorded("T1"))
}
