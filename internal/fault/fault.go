// Package fault defines the failure taxonomy shared by every stage of a run.
// Callers branch on Kind to tell "your program failed" from "your program
// failed to build" from "the sandbox could not proceed".
package fault

import (
	"errors"
	"fmt"

	"github.com/jkaninda/coderun/internal/sandbox"
	"github.com/jkaninda/coderun/internal/workspace"
)

// Kind classifies a failure.
type Kind int

const (
	// SetupFailure covers filesystem, toolchain and infrastructure problems
	// not attributable to compiling or running the guest program.
	SetupFailure Kind = iota
	ResourceExhausted
	ValidationRejected
	CompilationFailure
	ExecutionFailure
	UnsupportedInput
)

func (k Kind) String() string {
	switch k {
	case SetupFailure:
		return "setup_failure"
	case ResourceExhausted:
		return "resource_exhausted"
	case ValidationRejected:
		return "validation_rejected"
	case CompilationFailure:
		return "compilation_failure"
	case ExecutionFailure:
		return "execution_failure"
	case UnsupportedInput:
		return "unsupported_input"
	default:
		return "unknown"
	}
}

// Phase names the pipeline step a failure belongs to.
type Phase string

const (
	PhaseNone    Phase = ""
	PhaseCompile Phase = "compile"
	PhaseRun     Phase = "run"
)

// Error is a classified failure. Result is set for compilation and execution
// failures that produced a process outcome.
type Error struct {
	Kind   Kind
	Phase  Phase
	Result *sandbox.Result
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Result != nil && e.Kind == CompilationFailure:
		return "compilation failed: " + e.Result.String()
	case e.Result != nil && e.Kind == ExecutionFailure:
		return "execution failed: " + e.Result.String()
	case e.Err != nil && e.Phase != PhaseNone:
		return fmt.Sprintf("%s (%s phase): %v", e.Kind, e.Phase, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf formats a message and wraps it with kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Compilation reports a compile step that did not succeed.
func Compilation(res *sandbox.Result) *Error {
	return &Error{Kind: CompilationFailure, Phase: PhaseCompile, Result: res}
}

// Execution reports a run step that did not succeed.
func Execution(res *sandbox.Result) *Error {
	return &Error{Kind: ExecutionFailure, Phase: PhaseRun, Result: res}
}

// FromExecutor classifies an error returned by a sandbox.Executor during
// phase. Rejections keep their own kind; everything else is setup.
func FromExecutor(phase Phase, err error) *Error {
	kind := SetupFailure
	if errors.Is(err, sandbox.ErrRejected) {
		kind = ValidationRejected
	}
	return &Error{Kind: kind, Phase: phase, Err: err}
}

// KindOf classifies any error. Unclassified errors are setup failures.
func KindOf(err error) Kind {
	var fe *Error
	switch {
	case errors.As(err, &fe):
		return fe.Kind
	case errors.Is(err, workspace.ErrExhausted):
		return ResourceExhausted
	case errors.Is(err, sandbox.ErrRejected):
		return ValidationRejected
	default:
		return SetupFailure
	}
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ResultOf returns the process outcome attached to err, if any.
func ResultOf(err error) *sandbox.Result {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Result
	}
	return nil
}

// ExitCode maps err to a process exit status: 0 for nil, the guest's own
// status when its run phase exited normally with a nonzero code, and 1 for
// every other failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == ExecutionFailure && fe.Result != nil &&
		fe.Result.Outcome == sandbox.Exited && fe.Result.ExitCode > 0 && fe.Result.ExitCode < 256 {
		return fe.Result.ExitCode
	}
	return 1
}
