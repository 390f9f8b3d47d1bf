//go:build windows

package scheduler

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// sweepLock on Windows relies on exclusive creation of the lock file.
type sweepLock struct {
	path string
	held bool
}

func newSweepLock(path string) *sweepLock {
	return &sweepLock{path: path}
}

func (l *sweepLock) tryAcquire() (bool, error) {
	if l.held {
		return true, nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create sweep lock: %w", err)
	}
	_, _ = fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := f.Close(); err != nil {
		_ = os.Remove(l.path)
		return false, err
	}
	l.held = true
	return true, nil
}

func (l *sweepLock) release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
