//go:build !windows

package scheduler

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// sweepLock keeps two coordinators sharing a store from sweeping it in the
// same tick. The holder writes its pid and acquisition time into the file.
type sweepLock struct {
	path string
	file *os.File
}

func newSweepLock(path string) *sweepLock {
	return &sweepLock{path: path}
}

// tryAcquire returns false without error when another process holds the lock.
func (l *sweepLock) tryAcquire() (bool, error) {
	if l.file != nil {
		return true, nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return false, fmt.Errorf("open sweep lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("flock %s: %w", l.path, err)
	}
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	l.file = f
	return true, nil
}

func (l *sweepLock) release() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	f.Close()
	os.Remove(l.path)
	return err
}
