// Package runner is the entry point every front end (CLI, HTTP, MCP) shares:
// it validates a source, resolves its language, runs the pipeline and records
// the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jkaninda/coderun/internal/fault"
	"github.com/jkaninda/coderun/internal/pipeline"
	"github.com/jkaninda/coderun/internal/sandbox"
	"github.com/jkaninda/coderun/internal/storage"
	"github.com/jkaninda/coderun/internal/workspace"
)

// DefaultMaxSourceBytes caps accepted source files.
const DefaultMaxSourceBytes = 50 << 20

const recordTimeout = 5 * time.Second

// Recorder persists run history. storage.RunStore satisfies it.
type Recorder interface {
	Record(ctx context.Context, run *storage.Run) error
}

// Config configures a Runner.
type Config struct {
	MaxSourceBytes int64
	// Client tags history rows with the front end that issued the run.
	Client string
}

// Runner validates sources and dispatches them to language pipelines.
type Runner struct {
	cfg      Config
	registry *pipeline.Registry
	engine   *pipeline.Engine
	history  Recorder
	logger   *slog.Logger
}

// NewRunner creates a Runner. A nil history disables recording.
func NewRunner(cfg Config, registry *pipeline.Registry, engine *pipeline.Engine, history Recorder, logger *slog.Logger) *Runner {
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = DefaultMaxSourceBytes
	}
	if cfg.Client == "" {
		cfg.Client = "cli"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{cfg: cfg, registry: registry, engine: engine, history: history, logger: logger}
}

// Registry returns the language registry.
func (r *Runner) Registry() *pipeline.Registry { return r.registry }

// Run executes the source file at path. The report is nil when the source
// never reached a pipeline (invalid path or unsupported extension); no
// workspace is acquired and nothing is recorded in that case.
func (r *Runner) Run(ctx context.Context, source string) (*pipeline.Report, error) {
	if err := ValidateSource(source, r.cfg.MaxSourceBytes); err != nil {
		return nil, err
	}
	recipe, err := r.registry.Lookup(source)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("running source",
		slog.String("language", recipe.Language),
		slog.String("source", source),
	)
	rep, runErr := r.engine.Pipeline(recipe).Run(ctx, source)
	r.record(ctx, rep, runErr)
	return rep, runErr
}

// RunCode stages code under filename in a fresh workspace and runs it.
// filename is reduced to its base name; its extension selects the language.
// The upload workspace counts against the same live ceiling as the run's own.
func (r *Runner) RunCode(ctx context.Context, filename string, code []byte) (*pipeline.Report, error) {
	name, err := uploadName(filename)
	if err != nil {
		return nil, err
	}
	if _, err := r.registry.Lookup(name); err != nil {
		return nil, err
	}
	if int64(len(code)) > r.cfg.MaxSourceBytes {
		return nil, fault.Newf(fault.ValidationRejected, "source is %d bytes, limit is %d", len(code), r.cfg.MaxSourceBytes)
	}

	ws, err := r.engine.Workspaces().Acquire()
	if err != nil {
		if errors.Is(err, workspace.ErrExhausted) {
			return nil, fault.New(fault.ResourceExhausted, err)
		}
		return nil, fault.New(fault.SetupFailure, err)
	}
	defer ws.Release()

	if err := ws.WriteFile(name, code); err != nil {
		return nil, fault.New(fault.SetupFailure, fmt.Errorf("staging upload: %w", err))
	}
	return r.Run(ctx, ws.Join(name))
}

// ValidateSource checks that path names a readable regular file no larger
// than maxBytes. Failures are ValidationRejected.
func ValidateSource(path string, maxBytes int64) error {
	if strings.TrimSpace(path) == "" {
		return fault.Newf(fault.ValidationRejected, "no source file given")
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fault.Newf(fault.ValidationRejected, "source file %s does not exist", path)
		}
		return fault.New(fault.ValidationRejected, fmt.Errorf("stat %s: %w", path, err))
	}
	if !info.Mode().IsRegular() {
		return fault.Newf(fault.ValidationRejected, "%s is not a regular file", path)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return fault.Newf(fault.ValidationRejected, "%s is %d bytes, limit is %d", path, info.Size(), maxBytes)
	}
	f, err := os.Open(path)
	if err != nil {
		return fault.New(fault.ValidationRejected, fmt.Errorf("%s is not readable: %w", path, err))
	}
	return f.Close()
}

func uploadName(filename string) (string, error) {
	name := filepath.Base(filepath.Clean(strings.ReplaceAll(filename, "\\", "/")))
	switch name {
	case "", ".", "..", "/":
		return "", fault.Newf(fault.ValidationRejected, "invalid filename %q", filename)
	}
	return name, nil
}

// record writes the run to history. Failures are logged, never returned:
// the run outcome stands on its own.
func (r *Runner) record(ctx context.Context, rep *pipeline.Report, runErr error) {
	if r.history == nil || rep == nil {
		return
	}
	row := NewRecord(rep, runErr, r.cfg.Client)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := r.history.Record(ctx, &row); err != nil {
		r.logger.Warn("failed to record run", slog.String("error", err.Error()))
	}
}

// NewRecord converts a pipeline report and its error into a history row.
func NewRecord(rep *pipeline.Report, runErr error, client string) storage.Run {
	row := storage.Run{
		Language:  rep.Language,
		Source:    rep.Source,
		Client:    client,
		State:     rep.State.String(),
		ExitCode:  fault.ExitCode(runErr),
		TimedOut:  rep.State == pipeline.TimedOut,
		Retained:  rep.Retained,
		Duration:  rep.Duration,
		CreatedAt: time.Now().UTC(),
	}
	if rep.Retained {
		row.Workspace = rep.Workspace
	}
	if runErr != nil {
		row.Kind = fault.KindOf(runErr).String()
		row.Error = runErr.Error()
	}
	if rep.Compile != nil {
		row.CompileDuration = rep.Compile.Duration
		row.Signal = rep.Compile.Signal
		if rep.Compile.Outcome == sandbox.TimedOut {
			row.TimedOut = true
		}
	}
	if rep.Run != nil {
		row.RunDuration = rep.Run.Duration
		if rep.Run.Signal != "" {
			row.Signal = rep.Run.Signal
		}
	}
	return row
}
