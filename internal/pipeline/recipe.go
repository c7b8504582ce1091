package pipeline

import (
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// Recipe describes how one language is built and run. It is plain data; the
// Engine supplies every behavior.
//
// Templates may reference:
//
//	{src}       absolute path of the submitted source file
//	{staged}    absolute path of the staged copy (see Stage)
//	{ws}        workspace directory
//	{ws/a/b}    path a/b inside the workspace
//	{bin}       default build artifact, <ws>/out (plus .exe on Windows)
//	{compiler}  resolved compiler executable
//	{runner}    resolved runtime or interpreter executable
//	{stem}      source file name without extension (unquoted)
//	{exe}       ".exe" on Windows, empty elsewhere (unquoted)
//
// Path placeholders expand double-quoted so paths with spaces survive
// tokenisation.
type Recipe struct {
	Language   string
	Extensions []string // lower-case, dot-prefixed

	// Executable candidates in preference order. The first one found on the
	// search path wins; otherwise the first name is used as-is.
	Compiler []string
	Runner   []string

	// Compile is empty for interpreted languages.
	Compile string
	Run     string

	// RunWindows replaces Run on Windows, e.g. to launch a .NET assembly
	// directly instead of through mono.
	RunWindows string

	// Stage, when set, copies the source to this workspace-relative path
	// before compiling. May contain {stem}.
	Stage string

	// Files are written into the workspace before compiling.
	Files map[string]string

	// BuildOnRun marks toolchains whose run command also builds (cargo run,
	// go run). They get a single phase bounded by compile + run timeouts.
	BuildOnRun bool
}

// Compiled reports whether the language has a build step of any shape.
func (r Recipe) Compiled() bool {
	return r.Compile != "" || r.BuildOnRun
}

// runTemplate returns the run template used on goos.
func (r Recipe) runTemplate(goos string) string {
	if goos == "windows" && r.RunWindows != "" {
		return r.RunWindows
	}
	return r.Run
}

func (r Recipe) validate() error {
	if r.Language == "" {
		return fmt.Errorf("recipe has no language name")
	}
	if len(r.Extensions) == 0 {
		return fmt.Errorf("recipe %s: no extensions", r.Language)
	}
	for _, ext := range r.Extensions {
		if !strings.HasPrefix(ext, ".") || ext != strings.ToLower(ext) {
			return fmt.Errorf("recipe %s: extension %q must be lower-case and start with '.'", r.Language, ext)
		}
	}
	if r.Run == "" {
		return fmt.Errorf("recipe %s: no run template", r.Language)
	}
	if r.BuildOnRun && r.Compile != "" {
		return fmt.Errorf("recipe %s: build-on-run recipes cannot have a compile template", r.Language)
	}
	uses := r.Compile + " " + r.Run + " " + r.RunWindows
	if strings.Contains(uses, "{compiler}") && len(r.Compiler) == 0 {
		return fmt.Errorf("recipe %s: template uses {compiler} but no compiler is listed", r.Language)
	}
	if strings.Contains(uses, "{runner}") && len(r.Runner) == 0 {
		return fmt.Errorf("recipe %s: template uses {runner} but no runner is listed", r.Language)
	}
	if strings.Contains(uses, "{staged}") && r.Stage == "" {
		return fmt.Errorf("recipe %s: template uses {staged} but Stage is empty", r.Language)
	}
	return nil
}

// vars holds the concrete values substituted into a Recipe's templates.
type vars struct {
	src      string
	staged   string
	ws       string
	bin      string
	compiler string
	runner   string
	stem     string
}

var wsPathPattern = regexp.MustCompile(`\{ws/([^{}]+)\}`)

func exeSuffix() string {
	if runtime.GOOS == "windows" {
		return ".exe"
	}
	return ""
}

// expand substitutes v into tpl. Raw values go first so they can appear
// inside {ws/...} paths.
func (v vars) expand(tpl string) string {
	s := v.expandRaw(tpl)

	s = wsPathPattern.ReplaceAllStringFunc(s, func(m string) string {
		rel := m[len("{ws/") : len(m)-1]
		return quote(filepath.Join(v.ws, filepath.FromSlash(rel)))
	})

	return strings.NewReplacer(
		"{src}", quote(v.src),
		"{staged}", quote(v.staged),
		"{ws}", quote(v.ws),
		"{bin}", quote(v.bin),
		"{compiler}", quote(v.compiler),
		"{runner}", quote(v.runner),
	).Replace(s)
}

// expandRaw substitutes only the unquoted placeholders.
func (v vars) expandRaw(s string) string {
	return strings.NewReplacer(
		"{stem}", v.stem,
		"{exe}", exeSuffix(),
	).Replace(s)
}

// quote wraps s in double quotes, escaping backslashes and quotes so the
// value comes back intact from shlex.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// stem returns the file name of path without its extension.
func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
