package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked is returned when another worker process holds the lock.
var ErrLocked = errors.New("worker already running")

// PIDLock keeps a single worker per port. The lock lives as long as the
// file descriptor stays open.
type PIDLock struct {
	path string
	f    *os.File
}

// AcquirePIDLock takes an exclusive non-blocking flock(2) on lockPath and
// writes the current PID into it.
func AcquirePIDLock(lockPath string) (*PIDLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, perr := ReadPID(lockPath); perr == nil {
				return nil, fmt.Errorf("%w: pid %d holds %s", ErrLocked, pid, lockPath)
			}
			return nil, fmt.Errorf("%w: %s is locked", ErrLocked, lockPath)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}

	return &PIDLock{path: lockPath, f: f}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// ReadPID returns the PID recorded in a lock file.
func ReadPID(lockPath string) (int, error) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse pid in %s: %w", lockPath, err)
	}
	return pid, nil
}

// DefaultPath is the lock file used for a worker bound to port.
func DefaultPath(port int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("dgworker-%d.pid", port))
}

func (l *PIDLock) Path() string { return l.path }

// Release unlocks and removes the lock file.
func (l *PIDLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}
