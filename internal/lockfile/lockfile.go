// Package lockfile keeps two LeadPipe processes from sharing one state directory.
//
// The lock is an flock on a file in the state directory; the kernel drops it when the
// process exits, so a crash never leaves a lock that blocks the next start.
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

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "leadpipe.lock"

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the lock of stateDir, creating the directory when needed. When
// another process holds it, the returned *LockError describes that process.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	lockPath := filepath.Join(stateDir, LockFileName)

	// O_TRUNC would wipe the holder's details before we know whether we got the lock.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		holder := describeHolder(lockPath)
		slog.Error("AcquireLock: state directory is locked by another instance", "lock_path", lockPath, "holder", holder)
		return nil, &LockError{LockPath: lockPath, Holder: holder, Cause: err}
	}

	info := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := writeInfo(file, info); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("AcquireLock: state directory locked", "lock_path", lockPath, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

func writeInfo(file *os.File, info string) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(info), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("AcquireLock: failed to sync lock file", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: failed to unlock", "lock_path", l.path, "error", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Warn("Lock.Release: failed to close lock file", "lock_path", l.path, "error", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	l.file = nil
	slog.Info("Lock.Release: state directory unlocked", "lock_path", l.path)
	return nil
}

// LockError reports a state directory already locked by another process.
type LockError struct {
	LockPath string
	Holder   string
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another LeadPipe instance is already using this state directory (lock file %s)", e.LockPath)
	if e.Holder != "" {
		fmt.Fprintf(&b, "; holder: %s", e.Holder)
	}
	b.WriteString("; if no other instance is running, remove the lock file and retry")
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// describeHolder summarizes the process recorded in an existing lock file.
func describeHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unknown (lock file unreadable)"
	}
	pid := extractPID(string(data))
	if pid <= 0 {
		return "unknown"
	}
	if isProcessRunning(pid) {
		return fmt.Sprintf("PID %d (running)", pid)
	}
	return fmt.Sprintf("PID %d (not running)", pid)
}

// extractPID returns the value of the "pid=" line, or 0.
func extractPID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		value, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		if pid, err := strconv.Atoi(value); err == nil {
			return pid
		}
	}
	return 0
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
