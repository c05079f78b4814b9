//go:build linux || darwin || freebsd || netbsd || openbsd

package elfwriter

import (
	"fmt"
	"os"

	sys "golang.org/x/sys/unix"
)

// FileLock is an advisory exclusive lock on an object file.
type FileLock struct {
	f *os.File
}

// Lock takes an exclusive flock on path, blocking until it is available.
// Commit replaces the file by renaming, so after acquiring the lock the
// descriptor is checked to still be the file at path and the lock is
// retaken otherwise.
func Lock(path string) (*FileLock, error) {
	for tries := 0; tries < 10; tries++ {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		if err := sys.Flock(int(f.Fd()), sys.LOCK_EX); err != nil {
			f.Close()
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		held, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		cur, err := os.Stat(path)
		if err == nil && os.SameFile(held, cur) {
			return &FileLock{f: f}, nil
		}
		f.Close()
	}
	return nil, fmt.Errorf("locking %s: file keeps being replaced", path)
}

// Unlock releases the lock.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	sys.Flock(int(l.f.Fd()), sys.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
