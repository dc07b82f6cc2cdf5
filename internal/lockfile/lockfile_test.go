package lockfile

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAcquireWritesPid(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "root")
	lock, err := Acquire(dir, discard())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if want := fmt.Sprintf("pid=%d\n", os.Getpid()); string(content) != want {
		t.Errorf("lock file content = %q, want %q", content, want)
	}
}

func TestAcquireConflict(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir, discard())
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer first.Release()

	second, err := Acquire(dir, discard())
	if err == nil {
		second.Release()
		t.Fatal("second Acquire should fail while the first lock is held")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *LockError, got %T: %v", err, err)
	}
	if !strings.Contains(lockErr.Holder, "running") {
		t.Errorf("holder should describe the running process, got %q", lockErr.Holder)
	}

	// The holder's pid survives the failed attempt.
	content, _ := os.ReadFile(filepath.Join(dir, FileName))
	if !strings.Contains(string(content), fmt.Sprintf("pid=%d", os.Getpid())) {
		t.Errorf("lock file clobbered by failed attempt: %q", content)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("lock file should survive release: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("released lock file should hold no pid, size %d", info.Size())
	}
	again, err := Acquire(dir, discard())
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestReleaseKeepsSingleInode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	first, err := Acquire(dir, discard())
	if err != nil {
		t.Fatal(err)
	}
	// A process that opened the file while the lock was held.
	stale, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer stale.Close()
	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := Acquire(dir, discard())
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer second.Release()
	if err := syscall.Flock(int(stale.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err == nil {
		t.Error("a descriptor opened before release must not lock alongside the new holder")
	}
}
