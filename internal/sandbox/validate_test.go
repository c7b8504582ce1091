package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		command string
		wantErr bool
	}{
		{"plain", `gcc "main.c" -o "out"`, false},
		{"flags", "python3 -u script.py", false},
		{"empty", "", true},
		{"blank", "   \t ", true},
		{"semicolon", "echo hi; rm -rf /", true},
		{"and", "true && false", true},
		{"or", "true || false", true},
		{"pipe", "cat a | sh", true},
		{"backtick", "echo `id`", true},
		{"dollar", "echo $HOME", true},
		{"redirect in", "sh < evil", true},
		{"redirect out", "echo x > /etc/passwd", true},
		{"background", "sleep 1 &", true},
		{"newline", "echo a\necho b", true},
		{"carriage return", "echo a\recho b", true},
		{"ampersand in path", `python3 "/tmp/a&b.py"`, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.command)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate(%q) error = %v, wantErr %v", tc.command, err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrRejected) {
				t.Errorf("error %v does not wrap ErrRejected", err)
			}
		})
	}
}

func TestGuard_RejectsBeforeSpawn(t *testing.T) {
	g := NewGuard(GuardConfig{}, nil)

	// Would create a file if it ever reached a process.
	marker := filepath.Join(t.TempDir(), "spawned")
	res, err := g.Execute(context.Background(), Request{Command: "touch " + marker + "; echo"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Errorf("marker file exists, process was spawned")
	}
}

func TestGuard_UnbalancedQuotesRejected(t *testing.T) {
	g := NewGuard(GuardConfig{}, nil)
	_, err := g.Execute(context.Background(), Request{Command: `python3 "unterminated`})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestResult_String(t *testing.T) {
	tests := []struct {
		res  *Result
		want string
	}{
		{&Result{Outcome: Exited, ExitCode: 124}, "exit status 124"},
		{&Result{Outcome: Signaled, Signal: "SIGKILL"}, "terminated by signal SIGKILL"},
		{&Result{Outcome: TimedOut, Timeout: 2e9}, "timed out after 2s"},
		{nil, "<nil>"},
	}
	for _, tc := range tests {
		if got := tc.res.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}

func TestResult_Success(t *testing.T) {
	if !(&Result{Outcome: Exited}).Success() {
		t.Error("exit 0 should be success")
	}
	if (&Result{Outcome: Exited, ExitCode: 1}).Success() {
		t.Error("exit 1 should not be success")
	}
	if (&Result{Outcome: TimedOut}).Success() {
		t.Error("timeout should not be success")
	}
	var nilRes *Result
	if nilRes.Success() {
		t.Error("nil result should not be success")
	}
}
