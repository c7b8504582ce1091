package pipeline

const cargoManifest = `[package]
name = "temp_rust_bin"
version = "0.1.0"
edition = "2021"

[dependencies]

[profile.release]
opt-level = 2
debug = false

[profile.dev]
opt-level = 0
debug = true
`

// Builtin returns the recipes for every supported language.
func Builtin() []Recipe {
	return []Recipe{
		// Native
		{
			Language:   "c",
			Extensions: []string{".c"},
			Compiler:   []string{"gcc", "cc", "clang"},
			Compile:    "{compiler} -std=c11 -Wall -Wextra -O2 {src} -o {bin}",
			Run:        "{bin}",
		},
		{
			Language:   "cpp",
			Extensions: []string{".cpp", ".cc", ".cxx", ".c++"},
			Compiler:   []string{"g++", "c++", "clang++"},
			Compile:    "{compiler} -std=c++17 -Wall -Wextra -O2 {src} -o {bin}",
			Run:        "{bin}",
		},
		{
			Language:   "rust",
			Extensions: []string{".rs"},
			Runner:     []string{"cargo"},
			Files:      map[string]string{"Cargo.toml": cargoManifest},
			Stage:      "src/main.rs",
			Run:        "{runner} run --quiet --release --manifest-path {ws/Cargo.toml}",
			BuildOnRun: true,
		},
		{
			Language:   "go",
			Extensions: []string{".go"},
			Runner:     []string{"go"},
			Run:        "{runner} run {src}",
			BuildOnRun: true,
		},
		{
			Language:   "swift",
			Extensions: []string{".swift"},
			Runner:     []string{"swift"},
			Run:        "{runner} {src}",
			BuildOnRun: true,
		},

		// Managed runtimes
		{
			Language:   "java",
			Extensions: []string{".java"},
			Compiler:   []string{"javac"},
			Runner:     []string{"java"},
			Compile:    "{compiler} -d {ws} {src}",
			Run:        "{runner} -cp {ws} {stem}",
		},
		{
			Language:   "kotlin",
			Extensions: []string{".kt", ".kts"},
			Compiler:   []string{"kotlinc"},
			Runner:     []string{"kotlin"},
			Compile:    "{compiler} {src} -include-runtime -d {ws/program.jar}",
			Run:        "{runner} {ws/program.jar}",
		},
		{
			Language:   "scala",
			Extensions: []string{".scala"},
			Compiler:   []string{"scalac"},
			Runner:     []string{"scala"},
			Compile:    "{compiler} -d {ws} {src}",
			Run:        "{runner} -cp {ws} {stem}",
		},
		{
			Language:   "csharp",
			Extensions: []string{".cs"},
			Compiler:   []string{"csc", "mcs"},
			Runner:     []string{"mono"},
			Compile:    "{compiler} -out:{ws/program.exe} {src}",
			Run:        "{runner} {ws/program.exe}",
			RunWindows: "{ws/program.exe}",
		},
		{
			Language:   "typescript",
			Extensions: []string{".ts"},
			Compiler:   []string{"tsc"},
			Runner:     []string{"node"},
			Compile:    "{compiler} {src} --outDir {ws} --target ES2020 --module commonjs",
			Run:        "{runner} {ws/{stem}.js}",
		},

		// Interpreters
		{
			Language:   "javascript",
			Extensions: []string{".js", ".mjs"},
			Runner:     []string{"node"},
			Run:        "{runner} {src}",
		},
		{
			Language:   "python",
			Extensions: []string{".py", ".py3"},
			Runner:     []string{"python3", "python"},
			Run:        "{runner} {src}",
		},
		{
			Language:   "ruby",
			Extensions: []string{".rb"},
			Runner:     []string{"ruby"},
			Run:        "{runner} {src}",
		},
		{
			Language:   "php",
			Extensions: []string{".php"},
			Runner:     []string{"php"},
			Run:        "{runner} {src}",
		},
		{
			Language:   "lua",
			Extensions: []string{".lua"},
			Runner:     []string{"lua", "lua5.4", "lua5.3", "lua5.2", "lua5.1"},
			Run:        "{runner} {src}",
		},
		{
			Language:   "perl",
			Extensions: []string{".pl", ".pm"},
			Runner:     []string{"perl"},
			Run:        "{runner} {src}",
		},
		{
			Language:   "shell",
			Extensions: []string{".sh", ".bash"},
			Runner:     []string{"bash", "sh"},
			Run:        "{runner} {src}",
		},
	}
}
