//go:build darwin || linux || freebsd || netbsd || openbsd

package runlock

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// Acquire takes a non-blocking exclusive flock on path, creating the
// file if needed. It fails fast with ErrLocked.
func Acquire(path string) (*Lock, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runlock: open %s: %w", path, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("runlock: flock %s: %w", path, err)
	}

	// The pid is informational only.
	if err := unix.Ftruncate(fd, 0); err == nil {
		unix.Pwrite(fd, []byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &Lock{path: path, release: func() error {
		unix.Flock(fd, unix.LOCK_UN)
		return unix.Close(fd)
	}}, nil
}
