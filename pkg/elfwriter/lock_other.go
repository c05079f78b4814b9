//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package elfwriter

// FileLock is a no-op on platforms without flock.
type FileLock struct{}

// Lock does nothing on this platform.
func Lock(path string) (*FileLock, error) {
	return &FileLock{}, nil
}

// Unlock does nothing on this platform.
func (l *FileLock) Unlock() error {
	return nil
}
