// Package conn abstracts shell execution and filesystem access for engines.
// Commands report nonzero exits in the result, never as an error; errors are
// reserved for transport-level failures (spawn failure, timeout plumbing).
package conn

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// ErrNotFound is returned by ReadFile when the path does not exist, so callers
// can tell a missing optional file from a real I/O failure.
var ErrNotFound = errors.New("path not found")

// ExecResult is the structured outcome of a command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Ok reports whether the command exited zero.
func (r ExecResult) Ok() bool { return r.ExitCode == 0 }

// ExecOptions tunes a single Run call.
type ExecOptions struct {
	Env     map[string]string
	Dir     string
	Timeout time.Duration
}

// DirEntry is one entry from a single-level directory listing.
type DirEntry struct {
	Name  string
	IsDir bool
}

// Connection executes commands and performs filesystem I/O on one host.
type Connection interface {
	// Run executes a named program with arguments.
	Run(ctx context.Context, name string, args []string, opts ExecOptions) (ExecResult, error)
	// Shell executes a raw shell line via sh -c.
	Shell(ctx context.Context, line string) (ExecResult, error)
	// ReadFile reads a file to a string. Missing paths return ErrNotFound.
	ReadFile(ctx context.Context, path string) (string, error)
	// WriteFile writes content, creating the file with the given mode.
	WriteFile(ctx context.Context, path, content string, mode fs.FileMode) error
	// MkdirAll creates a directory and any missing parents.
	MkdirAll(ctx context.Context, path string) error
	// Exists reports whether the path exists.
	Exists(ctx context.Context, path string) (bool, error)
	// Remove deletes a path; recursive removes directory trees.
	Remove(ctx context.Context, path string, recursive bool) error
	// ListDir lists one level of directory entries.
	ListDir(ctx context.Context, path string) ([]DirEntry, error)
	// CopyFile copies a regular file.
	CopyFile(ctx context.Context, src, dst string) error
	// Platform reports the host OS ("linux", "darwin", ...).
	Platform(ctx context.Context) (string, error)
}
