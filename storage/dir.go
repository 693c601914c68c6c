package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir is a temporary directory, typically a browser's user data directory,
// that is removed on Cleanup unless it was provided by the user.
type Dir struct {
	Dir    string
	remove bool
}

// Make creates a new temporary directory under tmpDir (the system default
// when empty) unless dir is already set, in which case dir is used as is and
// is never removed.
func (d *Dir) Make(tmpDir string, dir string) error {
	if dir = strings.TrimSpace(dir); dir != "" {
		d.Dir = dir
		return nil
	}

	var err error
	if d.Dir, err = os.MkdirTemp(tmpDir, "browsermirror-data-*"); err != nil {
		return fmt.Errorf("creating a temporary directory: %w", err)
	}
	d.remove = true

	return nil
}

// Path joins elem to the directory.
func (d *Dir) Path(elem ...string) string {
	return filepath.Join(append([]string{d.Dir}, elem...)...)
}

// Cleanup removes the directory if Make created it.
func (d *Dir) Cleanup() error {
	if !d.remove || d.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(d.Dir); err != nil {
		return fmt.Errorf("removing %q: %w", d.Dir, err)
	}
	d.remove = false

	return nil
}
