//go:build !(darwin || linux || freebsd || netbsd || openbsd)

package runlock

import (
	"errors"
	"fmt"
	"os"
)

// Acquire creates path exclusively. A stale file left by a crashed
// process must be removed by hand.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	if err != nil {
		return nil, fmt.Errorf("runlock: create %s: %w", path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{path: path, release: func() error {
		f.Close()
		return os.Remove(path)
	}}, nil
}
