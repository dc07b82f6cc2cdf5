// Package lockfile guards a storage root against overlapping sweeps with an flock
// that the kernel releases when the process exits.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FileName is the lock file created in the storage root.
const FileName = "chansweep.lock"

// Lock is a held storage root lock.
type Lock struct {
	file   *os.File
	path   string
	logger *slog.Logger
}

// Acquire takes an exclusive, non-blocking lock on dir. If another process holds it
// the returned error is a *LockError.
func Acquire(dir string, logger *slog.Logger) (*Lock, error) {
	path := filepath.Join(dir, FileName)
	l := logger.With(slog.String("lock_path", path))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}
	// Not truncated before the flock succeeds so a holder's pid stays readable.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		info := holderInfo(path)
		l.Error("Storage root is locked by another sweep.", "holder", info, "error", err)
		return nil, &LockError{Path: path, Holder: info, Cause: err}
	}

	if err := file.Truncate(0); err == nil {
		_, err = file.WriteAt([]byte(fmt.Sprintf("pid=%d\n", os.Getpid())), 0)
		if err != nil {
			l.Warn("Failed to record pid in lock file.", "error", err)
		}
	}
	l.Debug("Acquired storage root lock.")
	return &Lock{file: file, path: path, logger: l}, nil
}

// Release clears the recorded pid and unlocks. The file itself stays so every process
// always locks the same inode. Calling Release more than once is harmless.
func (lk *Lock) Release() error {
	if lk == nil || lk.file == nil {
		return nil
	}
	if err := lk.file.Truncate(0); err != nil {
		lk.logger.Warn("Failed to clear lock file.", "error", err)
	}
	unlockErr := syscall.Flock(int(lk.file.Fd()), syscall.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil
	if unlockErr != nil {
		return fmt.Errorf("failed to release lock %s: %w", lk.path, unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close lock file %s: %w", lk.path, closeErr)
	}
	lk.logger.Debug("Released storage root lock.")
	return nil
}

// LockError reports that another process holds the lock.
type LockError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another chansweep process is using this storage root (lock file %s", e.Path)
	if e.Holder != "" {
		msg += ", holder " + e.Holder
	}
	return msg + "); remove the lock file only if that process is gone"
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// holderInfo describes the pid recorded in the lock file, if any.
func holderInfo(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	content := strings.TrimSpace(string(data))
	pidStr, ok := strings.CutPrefix(content, "pid=")
	if !ok {
		return content
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return content
	}
	if processRunning(pid) {
		return fmt.Sprintf("pid %d (running)", pid)
	}
	return fmt.Sprintf("pid %d (not running, stale lock)", pid)
}

func processRunning(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
