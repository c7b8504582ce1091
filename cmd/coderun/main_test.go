package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/coderun/internal/fault"
	"github.com/jkaninda/coderun/internal/sandbox"
	"github.com/jkaninda/coderun/internal/storage"
)

func TestExitError(t *testing.T) {
	runErr := fault.Execution(&sandbox.Result{Outcome: sandbox.Exited, ExitCode: 42})
	err := fmt.Errorf("wrapped: %w", &exitError{code: fault.ExitCode(runErr), err: runErr})

	var exitErr *exitError
	if !errors.As(err, &exitErr) {
		t.Fatal("exitError not found in chain")
	}
	if exitErr.code != 42 {
		t.Errorf("code = %d, want 42", exitErr.code)
	}
	if !fault.Is(err, fault.ExecutionFailure) {
		t.Error("exitError must keep the fault kind reachable")
	}
}

func TestPrintRuns(t *testing.T) {
	var buf bytes.Buffer
	runs := []storage.Run{
		{Language: "c", Source: "/home/me/hello.c", Client: "cli", State: "succeeded", Duration: 1234 * time.Millisecond, CreatedAt: time.Now()},
		{Language: "python", Source: "/tmp/main.py", Client: "http", State: "run_failed", Kind: "execution_failure", ExitCode: 3},
	}
	if err := printRuns(&buf, runs); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "CREATED") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "hello.c") || strings.Contains(lines[1], "/home/me") {
		t.Errorf("row 1 = %q, want base name only", lines[1])
	}
	if !strings.Contains(lines[2], "run_failed (execution_failure)") {
		t.Errorf("row 2 = %q", lines[2])
	}
}
