package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirMakeAndCleanup(t *testing.T) {
	t.Parallel()

	var d Dir
	require.NoError(t, d.Make(t.TempDir(), ""))

	fi, err := os.Stat(d.Dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	require.NoError(t, d.Cleanup())
	_, err = os.Stat(d.Dir)
	assert.True(t, os.IsNotExist(err))

	// Cleaning up twice is harmless.
	require.NoError(t, d.Cleanup())
}

func TestDirKeepsUserProvidedDir(t *testing.T) {
	t.Parallel()

	userDir := t.TempDir()

	var d Dir
	require.NoError(t, d.Make("", userDir))
	assert.Equal(t, userDir, d.Dir)
	assert.Equal(t, userDir+string(os.PathSeparator)+"x", d.Path("x"))

	require.NoError(t, d.Cleanup())
	_, err := os.Stat(userDir)
	assert.NoError(t, err)
}
