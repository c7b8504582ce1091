package mcpserver

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/coderun/internal/fault"
	"github.com/jkaninda/coderun/internal/pipeline"
	"github.com/jkaninda/coderun/internal/sandbox"
)

type fakeRunner struct {
	filename string
	code     string
	rep      *pipeline.Report
	err      error
}

func (f *fakeRunner) RunCode(_ context.Context, filename string, code []byte) (*pipeline.Report, error) {
	f.filename = filename
	f.code = string(code)
	return f.rep, f.err
}

func callTool(t *testing.T, s *Server, name string, args any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	var (
		res *mcp.CallToolResult
		err error
	)
	switch name {
	case ToolCodeRun:
		res, err = s.handleCodeRun(context.Background(), req)
	case ToolLanguages:
		res, err = s.handleLanguages(context.Background(), req)
	default:
		t.Fatalf("unknown tool %s", name)
	}
	if err != nil {
		t.Fatalf("%s returned error: %v", name, err)
	}
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content len = %d, want 1", len(res.Content))
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want mcp.TextContent", res.Content[0])
	}
	return tc.Text
}

func TestCodeRun_Success(t *testing.T) {
	fr := &fakeRunner{rep: &pipeline.Report{
		Language: "python",
		State:    pipeline.Succeeded,
		Run:      &sandbox.Result{Command: "python3 main.py", Outcome: sandbox.Exited},
	}}
	s := New(fr, pipeline.DefaultRegistry(), "test", nil)

	res := callTool(t, s, ToolCodeRun, map[string]any{"filename": "main.py", "code": "print(1)"})
	if res.IsError {
		t.Error("successful run reported as error")
	}
	if fr.filename != "main.py" || fr.code != "print(1)" {
		t.Errorf("runner got %q / %q", fr.filename, fr.code)
	}
	text := resultText(t, res)
	for _, want := range []string{"language: python", "state: succeeded", "exit code: 0"} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q:\n%s", want, text)
		}
	}
}

func TestCodeRun_GuestFailure(t *testing.T) {
	run := &sandbox.Result{Command: "python3 main.py", Outcome: sandbox.Exited, ExitCode: 42}
	fr := &fakeRunner{
		rep: &pipeline.Report{Language: "python", State: pipeline.RunFailed, Run: run},
		err: fault.Execution(run),
	}
	s := New(fr, pipeline.DefaultRegistry(), "", nil)

	res := callTool(t, s, ToolCodeRun, map[string]any{"filename": "main.py", "code": "raise SystemExit(42)"})
	if !res.IsError {
		t.Error("failed run should be an error result")
	}
	text := resultText(t, res)
	if !strings.Contains(text, "exit code: 42") || !strings.Contains(text, "execution_failure") {
		t.Errorf("summary = %q", text)
	}
}

func TestCodeRun_InvalidArguments(t *testing.T) {
	fr := &fakeRunner{}
	s := New(fr, pipeline.DefaultRegistry(), "", nil)

	tests := []struct {
		name string
		args any
	}{
		{"not an object", "main.py"},
		{"missing filename", map[string]any{"code": "x"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := callTool(t, s, ToolCodeRun, tc.args)
			if !res.IsError {
				t.Error("expected error result")
			}
		})
	}
	if fr.filename != "" {
		t.Error("runner called for invalid arguments")
	}
}

func TestLanguagesTool(t *testing.T) {
	s := New(&fakeRunner{}, pipeline.DefaultRegistry(), "", nil)
	text := resultText(t, callTool(t, s, ToolLanguages, map[string]any{}))

	for _, want := range []string{"c (compiled): .c", "python (interpreted): .py"} {
		if !strings.Contains(text, want) {
			t.Errorf("languages missing %q:\n%s", want, text)
		}
	}
}

func TestSummary_Unresolved(t *testing.T) {
	text := Summary(nil, fault.Newf(fault.UnsupportedInput, "no recipe for %q", ".foo"))
	if strings.Contains(text, "state:") {
		t.Errorf("unresolved run should have no state line:\n%s", text)
	}
	if !strings.Contains(text, "exit code: 1") || !strings.Contains(text, "unsupported_input") {
		t.Errorf("summary = %q", text)
	}
}
