package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/shlex"
)

const (
	defaultTimeout = 30 * time.Second

	// defaultWaitDelay bounds how long Wait blocks on I/O after the process
	// has been killed.
	defaultWaitDelay = 2 * time.Second
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	DefaultTimeout time.Duration

	// Standard streams handed to the child. Nil = inherit from this process.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Guard executes commands as child processes of this one.
//
// Guarantees:
//   - Commands failing Validate never spawn a process
//   - The command line is split into an argument vector and executed
//     directly; no shell ever interprets it
//   - The child runs in its own process group (POSIX) and the whole group
//     is killed and reaped when the timeout elapses
//   - A child reading the controlling terminal owns the foreground while it
//     runs; the terminal returns to this process afterwards
//   - Signals, timeouts and exit codes are reported as distinct outcomes
//   - Output is not captured; the child writes straight to the configured streams
type Guard struct {
	defaultTimeout time.Duration
	stdin          io.Reader
	stdout         io.Writer
	stderr         io.Writer
	logger         *slog.Logger
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig, logger *slog.Logger) *Guard {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	g := &Guard{
		defaultTimeout: timeout,
		stdin:          cfg.Stdin,
		stdout:         cfg.Stdout,
		stderr:         cfg.Stderr,
		logger:         logger,
	}
	if g.stdin == nil {
		g.stdin = os.Stdin
	}
	if g.stdout == nil {
		g.stdout = os.Stdout
	}
	if g.stderr == nil {
		g.stderr = os.Stderr
	}
	return g
}

// Execute validates, spawns and waits for req.Command.
//
// A returned error means no meaningful Result exists: the command was
// rejected (ErrRejected), could not be started (ErrSpawn) or the caller
// canceled ctx (ErrCanceled). Nonzero exits, signals and timeouts are all
// Results with a nil error.
func (g *Guard) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := Validate(req.Command); err != nil {
		g.logger.Warn("command rejected",
			slog.String("command", req.Command),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	argv, err := shlex.Split(req.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrRejected)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Stdin = g.stdin
	cmd.Stdout = g.stdout
	cmd.Stderr = g.stderr
	cmd.WaitDelay = defaultWaitDelay
	release := platform.prepare(cmd)

	g.logger.Info("executing command",
		slog.Any("argv", argv),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)
	release()

	res := &Result{
		Command:  req.Command,
		Timeout:  timeout,
		Duration: duration,
	}

	if runErr == nil {
		res.Outcome = Exited
		g.logCompleted(res)
		return res, nil
	}

	// The caller went away. Not a timeout, not a guest failure.
	if ctx.Err() != nil {
		g.logger.Warn("command canceled",
			slog.String("command", req.Command),
			slog.Duration("duration", duration),
		)
		return nil, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	}

	// Deadline first: a killed process also looks signaled.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.Outcome = TimedOut
		res.ExitCode = -1
		g.logger.Warn("command timed out",
			slog.String("command", req.Command),
			slog.Duration("timeout", timeout),
			slog.Duration("duration", duration),
		)
		return res, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		g.logger.Error("failed to start command",
			slog.String("command", req.Command),
			slog.String("error", runErr.Error()),
		)
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, argv[0], runErr)
	}

	if sig, ok := platform.signaled(exitErr.ProcessState); ok {
		res.Outcome = Signaled
		res.ExitCode = -1
		res.Signal = sig
	} else {
		res.Outcome = Exited
		res.ExitCode = exitErr.ExitCode()
	}
	g.logCompleted(res)
	return res, nil
}

func (g *Guard) logCompleted(res *Result) {
	g.logger.Info("command completed",
		slog.String("outcome", res.Outcome.String()),
		slog.Int("exit_code", res.ExitCode),
		slog.String("signal", res.Signal),
		slog.Duration("duration", res.Duration),
	)
}

// processControl hides how a platform isolates, kills and inspects children.
type processControl interface {
	// prepare configures cmd before Start: process group placement and the
	// kill performed when its context ends. The returned func runs once the
	// child has been reaped.
	prepare(cmd *exec.Cmd) func()

	// signaled reports the terminating signal name, if any.
	signaled(state *os.ProcessState) (string, bool)
}
