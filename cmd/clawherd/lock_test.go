package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireLockAndRelease(t *testing.T) {
	home := t.TempDir()
	release, err := acquireLock(home, "main")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	path := filepath.Join(home, "locks", "main.lock")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lockfile missing: %v", err)
	}
	release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("lockfile not removed: %v", err)
	}
}

func TestAcquireLockContention(t *testing.T) {
	home := t.TempDir()
	release, err := acquireLock(home, "main")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	// Our own pid holds the lock and is alive, so a second acquire must fail.
	if _, err := acquireLock(home, "main"); err == nil {
		t.Fatalf("expected contention error")
	}
	// A different slug is independent.
	release2, err := acquireLock(home, "staging")
	if err != nil {
		t.Fatalf("acquire other slug: %v", err)
	}
	release2()
}

func TestAcquireLockReclaimsStale(t *testing.T) {
	home := t.TempDir()
	lockDir := filepath.Join(home, "locks")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Pid 0 never names a live process; the lock must be reclaimed.
	if err := os.WriteFile(filepath.Join(lockDir, "main.lock"), []byte("0\n"), 0o644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}
	release, err := acquireLock(home, "main")
	if err != nil {
		t.Fatalf("expected stale lock reclaim, got %v", err)
	}
	release()
}
