package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/shlex"

	"github.com/jkaninda/coderun/internal/fault"
	"github.com/jkaninda/coderun/internal/sandbox"
	"github.com/jkaninda/coderun/internal/toolchain"
	"github.com/jkaninda/coderun/internal/workspace"
)

// fakeExecutor replays scripted outcomes in call order.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    []sandbox.Request
	outcomes []fakeOutcome
	onCall   func(req sandbox.Request)
}

type fakeOutcome struct {
	res *sandbox.Result
	err error
}

func (f *fakeExecutor) Execute(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(req)
	}
	i := len(f.calls)
	f.calls = append(f.calls, req)
	if i >= len(f.outcomes) {
		return &sandbox.Result{Command: req.Command, Outcome: sandbox.Exited}, nil
	}
	o := f.outcomes[i]
	if o.res != nil {
		o.res.Command = req.Command
	}
	return o.res, o.err
}

func exited(code int) fakeOutcome {
	return fakeOutcome{res: &sandbox.Result{Outcome: sandbox.Exited, ExitCode: code}}
}

func timedOut() fakeOutcome {
	return fakeOutcome{res: &sandbox.Result{Outcome: sandbox.TimedOut, ExitCode: -1, Timeout: time.Second}}
}

func failed(err error) fakeOutcome {
	return fakeOutcome{err: err}
}

type harness struct {
	engine *Engine
	exec   *fakeExecutor
	mgr    *workspace.Manager
	source string
}

func newHarness(t *testing.T, cfg Config, maxLive int, outcomes ...fakeOutcome) *harness {
	t.Helper()
	mgr := workspace.NewManager(workspace.Config{Root: t.TempDir(), MaxLive: maxLive}, nil)
	fx := &fakeExecutor{outcomes: outcomes}
	eng := NewEngine(cfg, mgr, fx, toolchain.NewResolver(""), nil)

	src := filepath.Join(t.TempDir(), "main.c")
	if err := os.WriteFile(src, []byte("int main(void){return 0;}"), 0644); err != nil {
		t.Fatal(err)
	}
	return &harness{engine: eng, exec: fx, mgr: mgr, source: src}
}

var compiledRecipe = Recipe{
	Language:   "c",
	Extensions: []string{".c"},
	Compiler:   []string{"gcc"},
	Compile:    "{compiler} {src} -o {bin}",
	Run:        "{bin}",
}

var interpretedRecipe = Recipe{
	Language:   "python",
	Extensions: []string{".py"},
	Runner:     []string{"python3"},
	Run:        "{runner} {src}",
}

func assertNoWorkspaces(t *testing.T, h *harness) {
	t.Helper()
	if h.mgr.Live() != 0 {
		t.Errorf("Live() = %d after run, want 0", h.mgr.Live())
	}
	entries, err := os.ReadDir(h.mgr.Root())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("workspace root not empty after run: %d entries", len(entries))
	}
}

func assertStates(t *testing.T, rep *Report, want ...State) {
	t.Helper()
	if len(rep.States) != len(want) {
		t.Fatalf("states = %v, want %v", rep.States, want)
	}
	for i := range want {
		if rep.States[i] != want[i] {
			t.Fatalf("states = %v, want %v", rep.States, want)
		}
	}
	if rep.State != want[len(want)-1] {
		t.Errorf("final state = %s, want %s", rep.State, want[len(want)-1])
	}
}

func TestPipeline_CompiledSuccess(t *testing.T) {
	h := newHarness(t, Config{}, 0, exited(0), exited(0))

	rep, err := h.engine.Pipeline(compiledRecipe).Run(context.Background(), h.source)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertStates(t, rep, Idle, WorkspaceAcquired, Compiling, Compiled, Running, Succeeded)

	if len(h.exec.calls) != 2 {
		t.Fatalf("executor called %d times, want 2", len(h.exec.calls))
	}
	compile, run := h.exec.calls[0], h.exec.calls[1]
	if compile.Timeout != DefaultCompileTimeout {
		t.Errorf("compile timeout = %s, want %s", compile.Timeout, DefaultCompileTimeout)
	}
	if run.Timeout != DefaultRunTimeout {
		t.Errorf("run timeout = %s, want %s", run.Timeout, DefaultRunTimeout)
	}
	if compile.Dir != rep.Workspace || run.Dir != rep.Workspace {
		t.Errorf("commands not run inside workspace %s", rep.Workspace)
	}
	if !strings.Contains(compile.Command, quote(h.source)) {
		t.Errorf("compile command %q does not reference source", compile.Command)
	}
	if !strings.Contains(run.Command, quote(filepath.Join(rep.Workspace, "out"+exeSuffix()))) {
		t.Errorf("run command %q does not reference artifact", run.Command)
	}
	assertNoWorkspaces(t, h)
}

func TestPipeline_CompileFailureSkipsRun(t *testing.T) {
	h := newHarness(t, Config{}, 0, exited(1))

	rep, err := h.engine.Pipeline(compiledRecipe).Run(context.Background(), h.source)
	if !fault.Is(err, fault.CompilationFailure) {
		t.Fatalf("err = %v, want compilation failure", err)
	}
	assertStates(t, rep, Idle, WorkspaceAcquired, Compiling, CompileFailed)

	if len(h.exec.calls) != 1 {
		t.Errorf("executor called %d times, run phase must not be attempted", len(h.exec.calls))
	}
	if rep.Run != nil {
		t.Error("Report.Run set although run was skipped")
	}
	if fault.ExitCode(err) != 1 {
		t.Errorf("ExitCode = %d, want 1", fault.ExitCode(err))
	}
	assertNoWorkspaces(t, h)
}

func TestPipeline_CompileSignaledIsCompilationFailure(t *testing.T) {
	h := newHarness(t, Config{}, 0, fakeOutcome{res: &sandbox.Result{Outcome: sandbox.Signaled, Signal: "SIGSEGV"}})

	_, err := h.engine.Pipeline(compiledRecipe).Run(context.Background(), h.source)
	if !fault.Is(err, fault.CompilationFailure) {
		t.Fatalf("err = %v, want compilation failure", err)
	}
	if res := fault.ResultOf(err); res == nil || res.Signal != "SIGSEGV" {
		t.Errorf("ResultOf = %v, want SIGSEGV", res)
	}
}

func TestPipeline_CompileTimeoutIsCompilationFailure(t *testing.T) {
	h := newHarness(t, Config{}, 0, timedOut())

	rep, err := h.engine.Pipeline(compiledRecipe).Run(context.Background(), h.source)
	if !fault.Is(err, fault.CompilationFailure) {
		t.Fatalf("err = %v, want compilation failure", err)
	}
	if rep.State != CompileFailed {
		t.Errorf("state = %s, want compile_failed", rep.State)
	}
}

func TestPipeline_RunFailureKeepsTaxonomy(t *testing.T) {
	h := newHarness(t, Config{}, 0, exited(0), exited(3))

	rep, err := h.engine.Pipeline(compiledRecipe).Run(context.Background(), h.source)
	if !fault.Is(err, fault.ExecutionFailure) {
		t.Fatalf("err = %v, want execution failure", err)
	}
	assertStates(t, rep, Idle, WorkspaceAcquired, Compiling, Compiled, Running, RunFailed)
	if fault.ExitCode(err) != 3 {
		t.Errorf("ExitCode = %d, want 3", fault.ExitCode(err))
	}
	assertNoWorkspaces(t, h)
}

func TestPipeline_InterpretedExitCodePropagated(t *testing.T) {
	h := newHarness(t, Config{RunTimeout: 2 * time.Second}, 0, exited(42))

	rep, err := h.engine.Pipeline(interpretedRecipe).Run(context.Background(), h.source)
	if !fault.Is(err, fault.ExecutionFailure) {
		t.Fatalf("err = %v, want execution failure", err)
	}
	assertStates(t, rep, Idle, WorkspaceAcquired, Running, RunFailed)
	if got := fault.ExitCode(err); got != 42 {
		t.Errorf("ExitCode = %d, want 42", got)
	}
	if len(h.exec.calls) != 1 {
		t.Fatalf("executor called %d times, want 1", len(h.exec.calls))
	}
	if h.exec.calls[0].Timeout != 2*time.Second {
		t.Errorf("timeout = %s, want 2s", h.exec.calls[0].Timeout)
	}
	// Missing interpreter falls back to the bare name.
	if !strings.HasPrefix(h.exec.calls[0].Command, `"python3" `) {
		t.Errorf("command = %q, want bare interpreter name", h.exec.calls[0].Command)
	}
	assertNoWorkspaces(t, h)
}

func TestPipeline_Timeout(t *testing.T) {
	h := newHarness(t, Config{}, 0, timedOut())

	rep, err := h.engine.Pipeline(interpretedRecipe).Run(context.Background(), h.source)
	if !fault.Is(err, fault.ExecutionFailure) {
		t.Fatalf("err = %v, want execution failure", err)
	}
	if rep.State != TimedOut {
		t.Errorf("state = %s, want timed_out", rep.State)
	}
	if fault.ExitCode(err) != 1 {
		t.Errorf("ExitCode = %d, want 1 for timeout", fault.ExitCode(err))
	}
	assertNoWorkspaces(t, h)
}

func TestPipeline_ExecutorErrors(t *testing.T) {
	tests := []struct {
		name   string
		recipe Recipe
		err    error
		want   fault.Kind
		state  State
	}{
		{"compile spawn", compiledRecipe, fmt.Errorf("%w: gcc", sandbox.ErrSpawn), fault.SetupFailure, CompileFailed},
		{"compile rejected", compiledRecipe, fmt.Errorf("%w: bad", sandbox.ErrRejected), fault.ValidationRejected, CompileFailed},
		{"run spawn", interpretedRecipe, fmt.Errorf("%w: python3", sandbox.ErrSpawn), fault.SetupFailure, RunFailed},
		{"run canceled", interpretedRecipe, fmt.Errorf("%w: context canceled", sandbox.ErrCanceled), fault.SetupFailure, RunFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{}, 0, failed(tc.err))

			rep, err := h.engine.Pipeline(tc.recipe).Run(context.Background(), h.source)
			if got := fault.KindOf(err); got != tc.want {
				t.Errorf("kind = %s, want %s (err %v)", got, tc.want, err)
			}
			if rep.State != tc.state {
				t.Errorf("state = %s, want %s", rep.State, tc.state)
			}
			if !errors.Is(err, tc.err) {
				t.Errorf("err %v does not wrap %v", err, tc.err)
			}
			assertNoWorkspaces(t, h)
		})
	}
}

func TestPipeline_ResourceExhausted(t *testing.T) {
	h := newHarness(t, Config{}, 1)

	held, err := h.mgr.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	rep, err := h.engine.Pipeline(interpretedRecipe).Run(context.Background(), h.source)
	if !fault.Is(err, fault.ResourceExhausted) {
		t.Fatalf("err = %v, want resource exhausted", err)
	}
	assertStates(t, rep, Idle)
	if len(h.exec.calls) != 0 {
		t.Error("executor called without a workspace")
	}
	if h.mgr.Live() != 1 {
		t.Errorf("Live() = %d, want 1", h.mgr.Live())
	}
}

func TestPipeline_Retain(t *testing.T) {
	h := newHarness(t, Config{Retain: true}, 0, exited(1))

	rep, err := h.engine.Pipeline(compiledRecipe).Run(context.Background(), h.source)
	if !fault.Is(err, fault.CompilationFailure) {
		t.Fatalf("err = %v", err)
	}
	if !rep.Retained {
		t.Error("Report.Retained = false")
	}
	info, err := os.Stat(rep.Workspace)
	if err != nil {
		t.Fatalf("retained workspace missing: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0700 {
		t.Errorf("retained workspace permissions = %o, want 0700", info.Mode().Perm())
	}
	if h.mgr.Live() != 0 {
		t.Errorf("Live() = %d, want 0", h.mgr.Live())
	}
}

func TestPipeline_StagesFilesBeforeBuild(t *testing.T) {
	h := newHarness(t, Config{CompileTimeout: 10 * time.Second, RunTimeout: 5 * time.Second}, 0, exited(0))

	var staged []string
	h.exec.onCall = func(req sandbox.Request) {
		for _, rel := range []string{"Cargo.toml", filepath.Join("src", "main.rs")} {
			if _, err := os.Stat(filepath.Join(req.Dir, rel)); err == nil {
				staged = append(staged, rel)
			}
		}
	}

	rust, err := DefaultRegistry().Lookup("main.rs")
	if err != nil {
		t.Fatal(err)
	}
	rep, err := h.engine.Pipeline(rust).Run(context.Background(), h.source)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertStates(t, rep, Idle, WorkspaceAcquired, Running, Succeeded)
	if len(staged) != 2 {
		t.Errorf("staged files = %v, want Cargo.toml and src/main.rs", staged)
	}
	if got := h.exec.calls[0].Timeout; got != 15*time.Second {
		t.Errorf("build-on-run timeout = %s, want compile + run = 15s", got)
	}
	assertNoWorkspaces(t, h)
}

func TestPipeline_ConcurrentRunsRespectCeiling(t *testing.T) {
	const limit = 3
	h := newHarness(t, Config{}, limit)

	block := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(limit)

	slow := &blockingExecutor{entered: &entered, release: block}
	eng := NewEngine(Config{}, h.mgr, slow, toolchain.NewResolver(""), nil)

	var wg sync.WaitGroup
	errs := make(chan error, limit+2)
	for i := 0; i < limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Pipeline(interpretedRecipe).Run(context.Background(), h.source)
			errs <- err
		}()
	}
	entered.Wait()

	// Every workspace is held; one more run must be turned away.
	_, err := eng.Pipeline(interpretedRecipe).Run(context.Background(), h.source)
	if !fault.Is(err, fault.ResourceExhausted) {
		t.Errorf("err = %v, want resource exhausted", err)
	}

	close(block)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("blocked run failed: %v", err)
		}
	}
	assertNoWorkspaces(t, h)
}

type blockingExecutor struct {
	entered *sync.WaitGroup
	release chan struct{}
}

func (b *blockingExecutor) Execute(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
	b.entered.Done()
	<-b.release
	return &sandbox.Result{Command: req.Command, Outcome: sandbox.Exited}, nil
}

func TestExpand(t *testing.T) {
	v := vars{
		src:      "/home/me/my code/Main.java",
		ws:       "/tmp/coderun_1",
		bin:      "/tmp/coderun_1/out",
		compiler: "/usr/bin/javac",
		runner:   "/usr/bin/java",
		stem:     "Main",
	}

	got := v.expand("{compiler} -d {ws} {src}")
	argv, err := shlex.Split(got)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/usr/bin/javac", "-d", "/tmp/coderun_1", "/home/me/my code/Main.java"}
	if strings.Join(argv, "|") != strings.Join(want, "|") {
		t.Errorf("argv = %q, want %q", argv, want)
	}

	got = v.expand("{runner} {ws/{stem}.js}")
	argv, err = shlex.Split(got)
	if err != nil {
		t.Fatal(err)
	}
	wantJS := filepath.Join("/tmp/coderun_1", "Main.js")
	if len(argv) != 2 || argv[1] != wantJS {
		t.Errorf("argv = %q, want [... %q]", argv, wantJS)
	}
}

func TestQuoteRoundTrip(t *testing.T) {
	for _, s := range []string{
		`C:\Users\me\main.c`,
		`/tmp/with "quotes"/a.py`,
		"/plain/path",
		"/with space/x",
	} {
		argv, err := shlex.Split(quote(s))
		if err != nil {
			t.Fatalf("Split(%q): %v", quote(s), err)
		}
		if len(argv) != 1 || argv[0] != s {
			t.Errorf("round trip of %q = %q", s, argv)
		}
	}
}
