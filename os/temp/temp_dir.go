// Package temp manages the stage root and the per-job stage dirs below it.
package temp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TempDir is a directory that may hold other TempDirs.
type TempDir struct {
	Dir string
}

// ExclusiveDir creates the named subdirectory, creating d first if needed. It
// fails with an os.IsExist error when the subdirectory is already there, so two
// jobs never share a stage dir.
func (d *TempDir) ExclusiveDir(name string) (*TempDir, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, os.PathSeparator) {
		return nil, fmt.Errorf("temp: invalid dir name %q", name)
	}
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return nil, err
	}
	p := filepath.Join(d.Dir, name)
	if err := os.Mkdir(p, 0755); err != nil {
		return nil, err
	}
	return &TempDir{Dir: p}, nil
}

func (d *TempDir) Path(name string) string { return filepath.Join(d.Dir, name) }

func (d *TempDir) RemoveAll() error { return os.RemoveAll(d.Dir) }
