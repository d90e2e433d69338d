// Package lock keeps two patchbay daemons from sharing one data
// directory. "system start" stamps its PID into patchbay.pid next to the
// history database and holds an exclusive flock(2) on it for the life of
// the process; a second start against the same directory fails fast
// instead of fighting over the listener and the sqlite file.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDLock is the held lock. The flock lives exactly as long as the open
// descriptor, so a killed daemon releases it with no cleanup pass.
type PIDLock struct {
	path string
	f    *os.File
}

// Acquire takes the exclusive non-blocking lock at path and stamps the
// current PID into the file. On contention the error names the holding
// PID when the file yields one.
func Acquire(path string) (*PIDLock, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		pid := holderPID(f)
		_ = f.Close()
		if pid != 0 {
			return nil, fmt.Errorf("acquire lock: held by pid %d: %w", pid, err)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	drop := func(step string, err error) (*PIDLock, error) {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return drop("truncate lock file", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return drop("seek lock file", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return drop("write pid", err)
	}
	if err := f.Sync(); err != nil {
		return drop("sync lock file", err)
	}

	return &PIDLock{path: path, f: f}, nil
}

// holderPID reads whatever PID the current holder stamped. Zero when the
// file is empty or garbled.
func holderPID(f *os.File) int {
	b := make([]byte, 32)
	n, err := f.ReadAt(b, 0)
	if n == 0 && err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b[:n])))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

// Path reports where the lock file sits.
func (l *PIDLock) Path() string { return l.path }

// Release drops the flock and closes the file. Safe on a nil or already
// released lock; the PID file itself stays behind as a breadcrumb.
func (l *PIDLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
