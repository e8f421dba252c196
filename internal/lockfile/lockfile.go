// Package lockfile guards a state directory so only one CheckIn process uses
// a SQLite database at a time. The flock is released by the kernel if the
// process dies.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is created inside the state directory.
const LockFileName = "checkin.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes an exclusive, non-blocking lock on stateDir. When another
// process holds it the returned error is a *LockError describing the holder.
func AcquireLock(stateDir string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// O_TRUNC would wipe the holder's pid before we know whether we got the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(lockPath)
		slog.Error("AcquireLock: state directory is locked by another instance",
			"lock_path", lockPath, "holder", holder, "error", err)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	info := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := file.Truncate(0); err == nil {
		_, err = file.WriteAt([]byte(info), 0)
	}
	if err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("AcquireLock: sync failed", "lock_path", lockPath, "error", err)
	}

	slog.Info("AcquireLock: state directory locked", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Error("Lock.Release: unlock failed", "lock_path", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Error("Lock.Release: close failed", "lock_path", l.path, "error", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: remove failed", "lock_path", l.path, "error", err)
	}
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// LockError reports a lock held by another process.
type LockError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another CheckIn instance is using this state directory (lock file %s", e.LockPath)
	if e.Holder != "" {
		msg += ", held by " + e.Holder
	}
	return msg + "); stop it or choose a different -state-dir"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil || len(data) == 0 {
		return ""
	}
	pid := extractPID(string(data))
	if pid <= 0 {
		return strings.TrimSpace(string(data))
	}
	if isProcessRunning(pid) {
		return fmt.Sprintf("PID %d (running)", pid)
	}
	return fmt.Sprintf("PID %d (not running, stale lock)", pid)
}

// extractPID reads the pid=N line written by AcquireLock.
func extractPID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid="); ok {
			if pid, err := strconv.Atoi(v); err == nil {
				return pid
			}
		}
	}
	return 0
}

// isProcessRunning sends signal 0, which only checks for existence.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
