package concurrency

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// WorkspaceLock is an advisory, cross-process lock on a sentinel file under
// the workspace's state directory. It guarantees at most one agent process
// mutates a given workspace at a time; readers are not serialized against it.
type WorkspaceLock struct {
	path string
	file *os.File
}

// NewWorkspaceLock returns a lock bound to a sentinel file inside stateDir.
// The file is created on first Acquire/TryAcquire if it does not exist.
func NewWorkspaceLock(stateDir string) *WorkspaceLock {
	return &WorkspaceLock{path: filepath.Join(stateDir, "workspace.lock")}
}

// TryAcquire takes the lock without blocking, reporting false if another
// process currently holds it.
func (l *WorkspaceLock) TryAcquire() (bool, error) {
	f, err := l.open()
	if err != nil {
		return false, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock %s: %w", l.path, err)
	}
	l.file = f
	return true, nil
}

// Acquire blocks until the lock is free or ctx is done, polling at a short
// interval since flock(2) has no context-aware blocking variant.
func (l *WorkspaceLock) Acquire(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		ok, err := l.TryAcquire()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release unlocks and closes the underlying file descriptor. Safe to call
// even if the lock was never acquired.
func (l *WorkspaceLock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

func (l *WorkspaceLock) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
}
