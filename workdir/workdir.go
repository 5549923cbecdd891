// Package workdir provides the per-run scratch directory that holds saved
// attachments until the run ends.
package workdir

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
)

// ErrStorage is returned when the directory cannot be created.
var ErrStorage = errors.New("working directory unavailable")

var unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Dir is a directory exclusively owned by one run.
type Dir struct {
	path string

	once sync.Once
	ok   bool
	err  error
}

// Acquire creates a new unique directory under root. An empty root uses the
// system temp directory.
func Acquire(root, label string) (*Dir, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o700); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	pattern := "mail2mail-"
	if l := unsafeLabel.ReplaceAllString(label, "_"); l != "" {
		pattern += l + "-"
	}
	path, err := os.MkdirTemp(root, pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return &Dir{path: path}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string {
	return d.path
}

// Release removes the directory and everything below it. Only the first call
// does any work; later calls report the same outcome.
func (d *Dir) Release() bool {
	if d == nil {
		return true
	}
	d.once.Do(func() {
		d.err = os.RemoveAll(d.path)
		if d.err == nil {
			if _, statErr := os.Stat(d.path); statErr == nil {
				d.err = fmt.Errorf("%s still exists", d.path)
			}
		}
		d.ok = d.err == nil
	})
	return d.ok
}

// Err returns the error that made Release fail, if any.
func (d *Dir) Err() error {
	if d == nil {
		return nil
	}
	return d.err
}
