package conn

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
)

// Mem is an in-memory Connection used by engine tests. Filesystem state lives
// in a path→content map; command execution is delegated to a caller-supplied
// hook so tests can script systemctl/launchctl output.
type Mem struct {
	mu    sync.Mutex
	files map[string]string
	dirs  map[string]bool

	// RunFunc handles Run calls. Nil means every command exits 127.
	RunFunc func(name string, args []string) (ExecResult, error)
	// OS is returned by Platform. Defaults to "linux".
	OS string
}

// NewMem returns an empty in-memory connection.
func NewMem() *Mem {
	return &Mem{files: make(map[string]string), dirs: make(map[string]bool)}
}

// Put seeds a file, creating parent directories.
func (m *Mem) Put(p, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = content
	m.addParents(p)
}

// PutDir seeds an empty directory.
func (m *Mem) PutDir(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[path.Clean(p)] = true
	m.addParents(path.Clean(p) + "/.")
}

// Delete removes a seeded file.
func (m *Mem) Delete(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, p)
}

// Content returns the current content of a file and whether it exists.
func (m *Mem) Content(p string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.files[p]
	return c, ok
}

func (m *Mem) addParents(p string) {
	for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		m.dirs[dir] = true
	}
}

func (m *Mem) Run(_ context.Context, name string, args []string, _ ExecOptions) (ExecResult, error) {
	if m.RunFunc != nil {
		return m.RunFunc(name, args)
	}
	return ExecResult{ExitCode: 127, Stderr: name + ": command not found"}, nil
}

func (m *Mem) Shell(ctx context.Context, line string) (ExecResult, error) {
	return m.Run(ctx, "sh", []string{"-c", line}, ExecOptions{})
}

func (m *Mem) ReadFile(_ context.Context, p string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[p]
	if !ok {
		return "", fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return content, nil
}

func (m *Mem) WriteFile(_ context.Context, p, content string, _ fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = content
	m.addParents(p)
	return nil
}

func (m *Mem) MkdirAll(_ context.Context, p string) error {
	m.PutDir(p)
	return nil
}

func (m *Mem) Exists(_ context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; ok {
		return true, nil
	}
	return m.dirs[path.Clean(p)], nil
}

func (m *Mem) Remove(_ context.Context, p string, recursive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if recursive {
		prefix := path.Clean(p) + "/"
		for f := range m.files {
			if strings.HasPrefix(f, prefix) {
				delete(m.files, f)
			}
		}
		for d := range m.dirs {
			if d == path.Clean(p) || strings.HasPrefix(d, prefix) {
				delete(m.dirs, d)
			}
		}
	}
	delete(m.files, p)
	delete(m.dirs, path.Clean(p))
	return nil
}

func (m *Mem) ListDir(_ context.Context, p string) ([]DirEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clean := path.Clean(p)
	if !m.dirs[clean] {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	seen := make(map[string]bool)
	var out []DirEntry
	add := func(name string, isDir bool) {
		if name == "" || name == "." || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, DirEntry{Name: name, IsDir: isDir})
	}
	prefix := clean + "/"
	for f := range m.files {
		if strings.HasPrefix(f, prefix) {
			rest := strings.TrimPrefix(f, prefix)
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				add(rest[:i], true)
			} else {
				add(rest, false)
			}
		}
	}
	for d := range m.dirs {
		if strings.HasPrefix(d, prefix) {
			rest := strings.TrimPrefix(d, prefix)
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				rest = rest[:i]
			}
			add(rest, true)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Mem) CopyFile(ctx context.Context, src, dst string) error {
	content, err := m.ReadFile(ctx, src)
	if err != nil {
		return err
	}
	return m.WriteFile(ctx, dst, content, 0o644)
}

func (m *Mem) Platform(_ context.Context) (string, error) {
	if m.OS != "" {
		return m.OS, nil
	}
	return "linux", nil
}
