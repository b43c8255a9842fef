package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// acquireLock takes an advisory per-slug lockfile under {home}/locks so two
// clawherd invocations cannot mutate the same instance at once. The returned
// release func removes the file; a lock held by a dead process is reclaimed.
func acquireLock(homeDir, slug string) (func(), error) {
	lockDir := filepath.Join(homeDir, "locks")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(lockDir, slug+".lock")

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lockfile: %w", err)
		}
		pid, readErr := lockHolder(path)
		if readErr == nil && processAlive(pid) {
			return nil, fmt.Errorf("instance %q is locked by pid %d", slug, pid)
		}
		// Stale lock from a dead process; reclaim and retry once.
		_ = os.Remove(path)
	}
	return nil, fmt.Errorf("instance %q: lock contention", slug)
}

func lockHolder(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
