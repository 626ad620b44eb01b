//go:build unix

package cachedfilestore

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// fileLock is an advisory, whole-file flock held for the duration of one
// cache mutation. No library in the dependency set offers cross-process
// file locking, so this one piece falls back to the syscall package
// directly rather than to a pack dependency.
type fileLock struct {
	f *os.File
}

func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return nil, errors.Wrap(err, "cachedfilestore: open lock file")
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "cachedfilestore: flock")
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) unlock() error {
	if err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.f.Close()
		return errors.Wrap(err, "cachedfilestore: unflock")
	}
	return l.f.Close()
}
