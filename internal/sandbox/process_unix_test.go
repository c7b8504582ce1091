//go:build unix

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func skipIfNoShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available, skipping integration test")
	}
}

func newTestGuard(t *testing.T, stdout *bytes.Buffer) *Guard {
	t.Helper()
	skipIfNoShell(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cfg := GuardConfig{DefaultTimeout: 10 * time.Second}
	if stdout != nil {
		cfg.Stdout = stdout
	}
	return NewGuard(cfg, logger)
}

func TestGuard_ExitZero(t *testing.T) {
	g := newTestGuard(t, nil)

	res, err := g.Execute(context.Background(), Request{Command: "true"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success() {
		t.Errorf("expected success, got %s", res)
	}
}

func TestGuard_ExitCodePropagated(t *testing.T) {
	g := newTestGuard(t, nil)

	res, err := g.Execute(context.Background(), Request{Command: `sh -c "exit 42"`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != Exited {
		t.Fatalf("outcome = %s, want exited", res.Outcome)
	}
	if res.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", res.ExitCode)
	}
}

func TestGuard_Exit124IsNotTimeout(t *testing.T) {
	g := newTestGuard(t, nil)

	res, err := g.Execute(context.Background(), Request{Command: `sh -c "exit 124"`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != Exited || res.ExitCode != 124 {
		t.Errorf("got %s, want exit status 124", res)
	}
}

func TestGuard_Timeout(t *testing.T) {
	g := newTestGuard(t, nil)

	start := time.Now()
	res, err := g.Execute(context.Background(), Request{
		Command: "sleep 30",
		Timeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != TimedOut {
		t.Fatalf("outcome = %s, want timed_out", res.Outcome)
	}
	if res.Success() {
		t.Error("timed out command must not report success")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s, child was not killed promptly", elapsed)
	}
}

func TestGuard_TimeoutKillsProcessGroup(t *testing.T) {
	g := newTestGuard(t, nil)

	// The subshell forks a grandchild; the whole group must die.
	start := time.Now()
	res, err := g.Execute(context.Background(), Request{
		Command: `sh -c "(sleep 30)"`,
		Timeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != TimedOut {
		t.Fatalf("outcome = %s, want timed_out", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s, group was not killed promptly", elapsed)
	}
}

func TestGuard_Signaled(t *testing.T) {
	g := newTestGuard(t, nil)

	// pid 0 targets the child's own process group.
	res, err := g.Execute(context.Background(), Request{Command: `sh -c "kill -KILL 0"`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != Signaled {
		t.Fatalf("outcome = %s, want signaled", res.Outcome)
	}
	if res.Signal != "SIGKILL" {
		t.Errorf("signal = %q, want SIGKILL", res.Signal)
	}
}

func TestGuard_SpawnFailure(t *testing.T) {
	g := newTestGuard(t, nil)

	res, err := g.Execute(context.Background(), Request{Command: "definitely-not-a-real-binary-xyz"})
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v (%v)", err, res)
	}
}

func TestGuard_Canceled(t *testing.T) {
	g := newTestGuard(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	_, err := g.Execute(ctx, Request{Command: "sleep 30"})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
}

func TestGuard_StreamsAndDir(t *testing.T) {
	var out bytes.Buffer
	g := newTestGuard(t, &out)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello guard"), 0600); err != nil {
		t.Fatal(err)
	}

	res, err := g.Execute(context.Background(), Request{
		Command: "cat hello.txt",
		Dir:     dir,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success() {
		t.Fatalf("expected success, got %s", res)
	}
	if !strings.Contains(out.String(), "hello guard") {
		t.Errorf("stdout = %q, want it to contain %q", out.String(), "hello guard")
	}
}

func TestGuard_QuotedArgumentsWithSpaces(t *testing.T) {
	var out bytes.Buffer
	g := newTestGuard(t, &out)

	dir := t.TempDir()
	name := filepath.Join(dir, "with space.txt")
	if err := os.WriteFile(name, []byte("spaced"), 0600); err != nil {
		t.Fatal(err)
	}

	res, err := g.Execute(context.Background(), Request{Command: `cat "` + name + `"`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success() {
		t.Fatalf("expected success, got %s", res)
	}
	if out.String() != "spaced" {
		t.Errorf("stdout = %q, want %q", out.String(), "spaced")
	}
}
