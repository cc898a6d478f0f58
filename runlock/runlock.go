// Package runlock keeps two revwatch processes from running against the
// same state at once. The lock is advisory and released by the kernel
// when the process dies.
package runlock

import "errors"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("runlock: held by another process")

// Lock is a held lock. Release it when the run is over.
type Lock struct {
	path    string
	release func() error
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.release == nil {
		return nil
	}
	err := l.release()
	l.release = nil
	return err
}
