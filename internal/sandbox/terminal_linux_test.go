//go:build linux

package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

const terminalHelperEnv = "CODERUN_TERMINAL_HELPER"

// openPTY allocates a pseudo-terminal pair and returns the master and the
// slave device path.
func openPTY() (*os.File, string, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, "", err
	}
	fd := int(master.Fd())
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, "", fmt.Errorf("unlock pty: %w", err)
	}
	n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, "", fmt.Errorf("pty number: %w", err)
	}
	return master, fmt.Sprintf("/dev/pts/%d", n), nil
}

// TestGuard_TerminalStdin re-runs this test binary as a session leader whose
// controlling terminal is a fresh pty, then has the helper read one byte
// from that terminal through the Guard.
func TestGuard_TerminalStdin(t *testing.T) {
	if _, err := exec.LookPath("head"); err != nil {
		t.Skip("head not available, skipping integration test")
	}
	master, slaveName, err := openPTY()
	if err != nil {
		t.Skipf("pseudo-terminals unavailable: %v", err)
	}
	defer master.Close()

	slave, err := os.OpenFile(slaveName, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		t.Skipf("opening %s: %v", slaveName, err)
	}
	defer slave.Close()

	var out bytes.Buffer
	cmd := exec.Command(os.Args[0], "-test.run=^TestTerminalHelper$", "-test.v")
	cmd.Env = append(os.Environ(), terminalHelperEnv+"=1")
	cmd.Stdin = slave
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 0}
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting helper: %v", err)
	}

	// Canonical mode holds the line until the guest reads it.
	if _, err := master.Write([]byte("x\n")); err != nil {
		t.Fatalf("writing to pty: %v", err)
	}
	go io.Copy(io.Discard, master) // echo

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("helper failed: %v\n%s", err, out.String())
		}
		if !strings.Contains(out.String(), "PASS") {
			t.Errorf("helper did not report success:\n%s", out.String())
		}
	case <-time.After(30 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatalf("helper hung:\n%s", out.String())
	}
}

// TestTerminalHelper runs only inside the process started by
// TestGuard_TerminalStdin.
func TestTerminalHelper(t *testing.T) {
	if os.Getenv(terminalHelperEnv) != "1" {
		t.Skip("runs as a child of TestGuard_TerminalStdin")
	}

	g := NewGuard(GuardConfig{Stdout: io.Discard}, nil)
	res, err := g.Execute(context.Background(), Request{Command: "head -c 1", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != Exited || res.ExitCode != 0 {
		t.Fatalf("result = %s, want exited with code 0", res)
	}

	fg, err := unix.IoctlGetInt(0, unix.TIOCGPGRP)
	if err != nil {
		t.Fatalf("reading foreground group: %v", err)
	}
	if fg != unix.Getpgrp() {
		t.Errorf("foreground group = %d, want %d (terminal not reclaimed)", fg, unix.Getpgrp())
	}
}

func TestForegroundTerminal_NotATerminal(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	tests := []struct {
		name string
		in   io.Reader
	}{
		{"nil", nil},
		{"buffer", strings.NewReader("x")},
		{"pipe", r},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, ok := foregroundTerminal(tc.in); ok {
				t.Error("expected no terminal")
			}
		})
	}
}
