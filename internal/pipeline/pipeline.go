// Package pipeline implements the two-phase compile/run contract shared by
// every supported language. Languages differ only in their Recipe.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/jkaninda/coderun/internal/fault"
	"github.com/jkaninda/coderun/internal/sandbox"
	"github.com/jkaninda/coderun/internal/toolchain"
	"github.com/jkaninda/coderun/internal/workspace"
)

const (
	DefaultCompileTimeout = 60 * time.Second
	DefaultRunTimeout     = 30 * time.Second
)

// State is a step of the per-run state machine:
//
//	Idle -> WorkspaceAcquired -> [Compiling -> Compiled | CompileFailed]
//	     -> Running -> Succeeded | RunFailed | TimedOut
type State int

const (
	Idle State = iota
	WorkspaceAcquired
	Compiling
	Compiled
	CompileFailed
	Running
	Succeeded
	RunFailed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case WorkspaceAcquired:
		return "workspace_acquired"
	case Compiling:
		return "compiling"
	case Compiled:
		return "compiled"
	case CompileFailed:
		return "compile_failed"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case RunFailed:
		return "run_failed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Report describes one pipeline run, whatever its outcome.
type Report struct {
	Language  string
	Source    string
	State     State
	States    []State // every state visited, in order
	Workspace string
	Retained  bool
	Compile   *sandbox.Result
	Run       *sandbox.Result
	Duration  time.Duration
}

func (r *Report) advance(s State) {
	r.State = s
	r.States = append(r.States, s)
}

// Config holds engine-wide settings.
type Config struct {
	CompileTimeout time.Duration
	RunTimeout     time.Duration

	// Retain keeps every workspace on disk after the run for diagnostics.
	Retain bool
}

// Engine owns the collaborators shared by every Pipeline.
type Engine struct {
	cfg        Config
	workspaces *workspace.Manager
	executor   sandbox.Executor
	resolver   *toolchain.Resolver
	logger     *slog.Logger
}

// NewEngine creates an Engine. A nil resolver searches the process PATH.
func NewEngine(cfg Config, workspaces *workspace.Manager, executor sandbox.Executor, resolver *toolchain.Resolver, logger *slog.Logger) *Engine {
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = DefaultCompileTimeout
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if resolver == nil {
		resolver = toolchain.FromEnv()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		cfg:        cfg,
		workspaces: workspaces,
		executor:   executor,
		resolver:   resolver,
		logger:     logger,
	}
}

// Workspaces returns the manager pipelines acquire from.
func (e *Engine) Workspaces() *workspace.Manager { return e.workspaces }

// Pipeline binds r to the engine.
func (e *Engine) Pipeline(r Recipe) *Pipeline {
	return &Pipeline{recipe: r, engine: e}
}

// Pipeline runs sources of one language.
type Pipeline struct {
	recipe Recipe
	engine *Engine
}

// Recipe returns the language recipe this pipeline runs.
func (p *Pipeline) Recipe() Recipe { return p.recipe }

// Run builds (if needed) and runs source, which must be an already validated
// file path. The returned Report is never nil. A nil error means the guest
// exited with status 0; otherwise the error is a *fault.Error.
//
// The workspace is released exactly once before Run returns, on every path.
func (p *Pipeline) Run(ctx context.Context, source string) (*Report, error) {
	start := time.Now()
	rep := &Report{Language: p.recipe.Language, Source: source}
	rep.advance(Idle)
	defer func() { rep.Duration = time.Since(start) }()

	logger := p.engine.logger.With(
		slog.String("language", p.recipe.Language),
		slog.String("source", source),
	)

	ws, err := p.engine.workspaces.Acquire()
	if err != nil {
		if errors.Is(err, workspace.ErrExhausted) {
			return rep, fault.New(fault.ResourceExhausted, err)
		}
		return rep, fault.New(fault.SetupFailure, err)
	}
	rep.advance(WorkspaceAcquired)
	rep.Workspace = ws.Path()
	if p.engine.cfg.Retain {
		ws.Retain()
		rep.Retained = true
	}
	defer ws.Release()

	v, err := p.prepare(ws, source)
	if err != nil {
		logger.Error("failed to stage workspace", slog.String("error", err.Error()))
		return rep, fault.New(fault.SetupFailure, err)
	}

	if p.recipe.Compile != "" {
		rep.advance(Compiling)
		res, err := p.engine.executor.Execute(ctx, sandbox.Request{
			Command: v.expand(p.recipe.Compile),
			Timeout: p.engine.cfg.CompileTimeout,
			Dir:     ws.Path(),
		})
		rep.Compile = res
		if err != nil {
			rep.advance(CompileFailed)
			return rep, fault.FromExecutor(fault.PhaseCompile, err)
		}
		if !res.Success() {
			rep.advance(CompileFailed)
			logger.Info("compilation failed", slog.String("result", res.String()))
			return rep, fault.Compilation(res)
		}
		rep.advance(Compiled)
	}

	runTimeout := p.engine.cfg.RunTimeout
	if p.recipe.BuildOnRun {
		runTimeout += p.engine.cfg.CompileTimeout
	}

	rep.advance(Running)
	res, err := p.engine.executor.Execute(ctx, sandbox.Request{
		Command: v.expand(p.recipe.runTemplate(runtime.GOOS)),
		Timeout: runTimeout,
		Dir:     ws.Path(),
	})
	rep.Run = res
	if err != nil {
		rep.advance(RunFailed)
		return rep, fault.FromExecutor(fault.PhaseRun, err)
	}

	switch {
	case res.Success():
		rep.advance(Succeeded)
		return rep, nil
	case res.Outcome == sandbox.TimedOut:
		rep.advance(TimedOut)
	default:
		rep.advance(RunFailed)
	}
	logger.Info("execution failed", slog.String("result", res.String()))
	return rep, fault.Execution(res)
}

// prepare stages recipe files into ws and resolves template values.
func (p *Pipeline) prepare(ws *workspace.Workspace, source string) (vars, error) {
	abs, err := filepath.Abs(source)
	if err != nil {
		return vars{}, err
	}
	v := vars{
		src:  abs,
		ws:   ws.Path(),
		bin:  ws.Join("out" + exeSuffix()),
		stem: stem(abs),
	}
	if len(p.recipe.Compiler) > 0 {
		v.compiler = p.engine.resolver.First(p.recipe.Compiler...)
	}
	if len(p.recipe.Runner) > 0 {
		v.runner = p.engine.resolver.First(p.recipe.Runner...)
	}

	for rel, content := range p.recipe.Files {
		if err := ws.WriteFile(filepath.FromSlash(rel), []byte(content)); err != nil {
			return vars{}, err
		}
	}
	if p.recipe.Stage != "" {
		rel := filepath.FromSlash(v.expandRaw(p.recipe.Stage))
		if err := ws.CopyFile(abs, rel); err != nil {
			return vars{}, err
		}
		v.staged = ws.Join(rel)
	}
	return v, nil
}
