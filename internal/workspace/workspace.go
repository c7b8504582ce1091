// Package workspace manages the short-lived directories that stage untrusted
// sources and build artifacts.
//
// Every run gets its own directory under the configured root (the system temp
// dir by default). The Manager caps how many of them may exist at once so a
// runaway caller cannot exhaust disk or inodes:
//
//   - Names combine pid, a nanosecond timestamp and 64 bits from crypto/rand
//   - Directories are owner-only (0700) on every non-Windows platform
//   - Release runs at most once and removes the tree unless retained
package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultPrefix is prepended to every workspace directory name.
	DefaultPrefix = "coderun_"

	// DefaultMaxLive caps concurrently existing workspaces per process.
	DefaultMaxLive = 100

	// DefaultMaxPathLength rejects absurdly deep temp roots.
	DefaultMaxPathLength = 4096

	dirPerm  os.FileMode = 0700
	filePerm os.FileMode = 0600
)

// ErrExhausted is returned by Acquire when the live-workspace ceiling is reached.
var ErrExhausted = errors.New("too many workspaces in use")

// Config configures a Manager. Zero values fall back to package defaults.
type Config struct {
	Root          string // Parent directory. Empty = os.TempDir().
	Prefix        string // Directory name prefix. Empty = DefaultPrefix.
	MaxLive       int    // Live-workspace ceiling. 0 = DefaultMaxLive.
	MaxPathLength int    // Maximum absolute path length. 0 = DefaultMaxPathLength.
}

// Manager hands out workspaces and accounts for the ones still alive.
// Safe for concurrent use.
type Manager struct {
	root          string
	prefix        string
	maxLive       int
	maxPathLength int
	logger        *slog.Logger

	mu   sync.Mutex
	live map[string]struct{} // absolute paths of unreleased workspaces
}

// NewManager creates a Manager. It does not touch the filesystem.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	root := cfg.Root
	if root == "" {
		root = os.TempDir()
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	maxLive := cfg.MaxLive
	if maxLive <= 0 {
		maxLive = DefaultMaxLive
	}
	maxPath := cfg.MaxPathLength
	if maxPath <= 0 {
		maxPath = DefaultMaxPathLength
	}
	return &Manager{
		root:          root,
		prefix:        prefix,
		maxLive:       maxLive,
		maxPathLength: maxPath,
		logger:        logger,
		live:          make(map[string]struct{}),
	}
}

// Root returns the directory workspaces are created in.
func (m *Manager) Root() string { return m.root }

// Prefix returns the directory name prefix shared by all workspaces.
func (m *Manager) Prefix() string { return m.prefix }

// Limit returns the live-workspace ceiling.
func (m *Manager) Limit() int { return m.maxLive }

// Live returns the number of acquired, unreleased workspaces.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// IsLive reports whether path belongs to a workspace that has not been released.
func (m *Manager) IsLive(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[path]
	return ok
}

// Acquire creates a fresh owner-only directory and hands exclusive ownership
// to the caller, who must call Release exactly once (extra calls are no-ops).
//
// The ceiling check, directory creation and accounting happen under one lock:
// concurrent callers can never jointly exceed the limit, and a failed creation
// leaves the count untouched.
func (m *Manager) Acquire() (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.live) >= m.maxLive {
		return nil, fmt.Errorf("%w (limit %d)", ErrExhausted, m.maxLive)
	}

	name, err := m.newName()
	if err != nil {
		return nil, fmt.Errorf("generating workspace name: %w", err)
	}
	path := filepath.Join(m.root, name)
	if len(path) > m.maxPathLength {
		return nil, fmt.Errorf("workspace path too long (%d > %d)", len(path), m.maxPathLength)
	}

	if err := os.Mkdir(path, dirPerm); err != nil {
		return nil, fmt.Errorf("creating workspace %s: %w", path, err)
	}
	// Mkdir is subject to umask; force owner-only explicitly.
	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, dirPerm); err != nil {
			if rmErr := os.RemoveAll(path); rmErr != nil {
				m.logger.Warn("failed to remove workspace after chmod error",
					slog.String("dir", path),
					slog.String("error", rmErr.Error()),
				)
			}
			return nil, fmt.Errorf("restricting workspace permissions: %w", err)
		}
	}

	m.live[path] = struct{}{}
	m.logger.Debug("workspace acquired",
		slog.String("dir", path),
		slog.Int("live", len(m.live)),
	)
	return &Workspace{path: path, manager: m}, nil
}

// newName returns <prefix><pid>_<unix-nanos>_<16 hex chars>.
func (m *Manager) newName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return m.prefix +
		strconv.Itoa(os.Getpid()) + "_" +
		strconv.FormatInt(time.Now().UnixNano(), 10) + "_" +
		hex.EncodeToString(b), nil
}

// forget drops path from the live set. Returns the remaining count.
func (m *Manager) forget(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, path)
	return len(m.live)
}

// Workspace is one exclusively owned staging directory.
type Workspace struct {
	path    string
	manager *Manager

	mu     sync.Mutex
	retain bool
	once   sync.Once
}

// Path returns the absolute workspace directory.
func (w *Workspace) Path() string { return w.path }

// Join returns a path inside the workspace.
func (w *Workspace) Join(elem ...string) string {
	return filepath.Join(append([]string{w.path}, elem...)...)
}

// Retain keeps the directory on disk after Release (diagnostics opt-in).
func (w *Workspace) Retain() {
	w.mu.Lock()
	w.retain = true
	w.mu.Unlock()
}

// Retained reports whether the directory will survive Release.
func (w *Workspace) Retained() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retain
}

// WriteFile writes data to rel inside the workspace, creating parents.
func (w *Workspace) WriteFile(rel string, data []byte) error {
	dst, err := w.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(dst, data, filePerm); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

// CopyFile copies the file at src to rel inside the workspace.
func (w *Workspace) CopyFile(src, rel string) error {
	dst, err := w.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", rel, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", rel, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying to %s: %w", rel, err)
	}
	return out.Close()
}

// resolve maps rel into the workspace and refuses anything escaping it.
func (w *Workspace) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative to the workspace", rel)
	}
	dst := filepath.Join(w.path, rel)
	if dst != w.path && !isWithin(w.path, dst) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return dst, nil
}

func isWithin(root, path string) bool {
	r, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return r != ".." && !filepath.IsAbs(r) && !startsWithParent(r)
}

func startsWithParent(rel string) bool {
	return len(rel) >= 3 && rel[:2] == ".." && os.IsPathSeparator(rel[2])
}

// Release returns the workspace to the pool. The live count is decremented
// exactly once; the directory is removed unless Retain was called. Removal
// errors are logged, never returned: by the time Release runs the outcome of
// the run is already decided.
func (w *Workspace) Release() {
	w.once.Do(func() {
		live := w.manager.forget(w.path)

		if w.Retained() {
			w.manager.logger.Info("workspace retained",
				slog.String("dir", w.path),
				slog.Int("live", live),
			)
			return
		}
		if err := os.RemoveAll(w.path); err != nil {
			w.manager.logger.Warn("failed to remove workspace",
				slog.String("dir", w.path),
				slog.String("error", err.Error()),
			)
			return
		}
		w.manager.logger.Debug("workspace released",
			slog.String("dir", w.path),
			slog.Int("live", live),
		)
	})
}
