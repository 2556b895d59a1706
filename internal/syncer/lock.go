package syncer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ErrLocked is returned by TryAcquire when another process holds the lock.
var ErrLocked = errors.New("syncer: drain lock held by another process")

// DrainLock serializes drains across every process that opens the same
// database. It is an advisory flock on a file next to the database, so it is
// released by the kernel when the holder exits.
type DrainLock struct {
	path string
}

// NewDrainLock returns a lock on path. The file is created on first use and
// never removed.
func NewDrainLock(path string) *DrainLock {
	return &DrainLock{path: path}
}

// LockPathFor returns the lock file used for the database at dbPath.
func LockPathFor(dbPath string) string {
	return dbPath + ".lock"
}

// TryAcquire takes the lock without blocking. It returns ErrLocked when
// another holder has it. Two handles in one process also exclude each other.
func (l *DrainLock) TryAcquire() (release func(), err error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening drain lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("locking %s: %w", l.path, err)
	}

	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}
