// Package janitor removes workspaces left behind by crashed processes or
// retained for diagnostics and since forgotten.
package janitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultMaxAge is how old an unowned workspace must be before it is swept.
const DefaultMaxAge = time.Hour

// LiveSet reports whether a workspace is owned by a run in this process.
// *workspace.Manager satisfies it.
type LiveSet interface {
	IsLive(path string) bool
}

// Config configures a Janitor.
type Config struct {
	Root   string
	Prefix string
	MaxAge time.Duration
}

// Result summarises one sweep.
type Result struct {
	Scanned int      // prefix-matching directories examined
	Removed []string // paths deleted
	Failed  int      // deletions that errored
}

// Janitor sweeps stale workspaces from a root directory.
type Janitor struct {
	cfg    Config
	live   LiveSet
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Janitor. A nil live set treats every directory as unowned.
func New(cfg Config, live LiveSet, logger *slog.Logger) *Janitor {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Janitor{cfg: cfg, live: live, logger: logger, now: time.Now}
}

// Sweep deletes every directory directly under the root whose name carries
// the workspace prefix, whose modification time is older than MaxAge, and
// which is not live. Symlinks and plain files are never touched.
func (j *Janitor) Sweep(ctx context.Context) (Result, error) {
	var res Result
	if j.cfg.Prefix == "" {
		return res, fmt.Errorf("janitor: refusing to sweep without a prefix")
	}

	entries, err := os.ReadDir(j.cfg.Root)
	if err != nil {
		return res, fmt.Errorf("reading workspace root %s: %w", j.cfg.Root, err)
	}

	cutoff := j.now().Add(-j.cfg.MaxAge)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), j.cfg.Prefix) {
			continue
		}
		res.Scanned++

		path := filepath.Join(j.cfg.Root, entry.Name())
		if j.live != nil && j.live.IsLive(path) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed concurrently.
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			res.Failed++
			j.logger.Warn("failed to remove stale workspace",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.Removed = append(res.Removed, path)
		j.logger.Info("removed stale workspace",
			slog.String("path", path),
			slog.Duration("age", j.now().Sub(info.ModTime()).Round(time.Second)),
		)
	}
	return res, nil
}
