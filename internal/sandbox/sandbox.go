// Package sandbox provides the guarded process-execution primitive every
// compile and run step goes through. Nothing in coderun spawns a process
// except via an Executor.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrRejected marks commands refused before any process was spawned.
	ErrRejected = errors.New("command rejected")

	// ErrSpawn marks failures to create the process at all (binary not
	// found, permission denied, fork failure). Distinct from a nonzero exit.
	ErrSpawn = errors.New("process could not be started")

	// ErrCanceled is returned when the caller's context ends before the
	// command does. Timeouts are not cancellations; they are a Result.
	ErrCanceled = errors.New("execution canceled")
)

// Executor runs one command to completion.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Request is an immutable description of one command invocation.
type Request struct {
	// Command is the literal command line, e.g. `gcc "main.c" -o "out"`.
	Command string

	// Timeout bounds wall-clock time. Zero = executor default.
	Timeout time.Duration

	// Dir is the working directory. Empty = inherit.
	Dir string
}

// Outcome classifies how a command ended.
type Outcome int

const (
	Exited Outcome = iota
	Signaled
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Exited:
		return "exited"
	case Signaled:
		return "signaled"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Result captures how a command terminated. ExitCode is only meaningful
// when Outcome is Exited; a process killed after its timeout never reports
// an exit code, so 124 from the guest stays distinguishable from a timeout.
type Result struct {
	Command  string
	Outcome  Outcome
	ExitCode int
	Signal   string
	Timeout  time.Duration
	Duration time.Duration
}

// Success reports a normal exit with status 0.
func (r *Result) Success() bool {
	return r != nil && r.Outcome == Exited && r.ExitCode == 0
}

func (r *Result) String() string {
	if r == nil {
		return "<nil>"
	}
	switch r.Outcome {
	case Exited:
		return "exit status " + strconv.Itoa(r.ExitCode)
	case Signaled:
		return "terminated by signal " + r.Signal
	case TimedOut:
		return fmt.Sprintf("timed out after %s", r.Timeout)
	default:
		return "unknown outcome"
	}
}
