package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockAcquisition(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Unexpected lock path %s", lock.Path())
	}
	content, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	if !strings.HasPrefix(string(content), fmt.Sprintf("pid=%d\n", os.Getpid())) {
		t.Errorf("Lock file should start with our PID, got %q", content)
	}
	if !strings.Contains(string(content), "started=") {
		t.Errorf("Lock file should record the start time, got %q", content)
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()
	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatalf("Second lock acquisition should have failed")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got: %T", err)
	}
	if !strings.Contains(lockErr.Holder, fmt.Sprintf("PID %d (running)", os.Getpid())) {
		t.Errorf("Holder should name the running process, got %q", lockErr.Holder)
	}
	if !strings.Contains(err.Error(), dir) {
		t.Errorf("Error message should contain the lock path: %s", err)
	}

	// The failed attempt must not have wiped the holder's details.
	content, _ := os.ReadFile(lock1.Path())
	if extractPID(string(content)) != os.Getpid() {
		t.Errorf("Lock file content was modified by a failed attempt: %q", content)
	}
}

func TestLockReleaseAndReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Failed to release lock: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("Lock file should be removed after release")
	}
	if err := lock.Release(); err != nil {
		t.Errorf("Multiple releases should be safe: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	again.Release()
}

func TestExtractPID(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected int
	}{
		{"valid pid", "pid=12345\n", 12345},
		{"pid with start time", "pid=67890\nstarted=2025-01-01T00:00:00Z\n", 67890},
		{"pid on second line", "started=x\npid=42\n", 42},
		{"no pid", "other=info", 0},
		{"empty content", "", 0},
		{"invalid pid", "pid=abc", 0},
		{"no equals", "pid12345", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPID(tt.content); got != tt.expected {
				t.Errorf("extractPID(%q) = %d, want %d", tt.content, got, tt.expected)
			}
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Errorf("Our own process should be detected as running")
	}
}

func TestNonExistentDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Should be able to create directory and acquire lock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Directory should have been created: %v", err)
	}
}
