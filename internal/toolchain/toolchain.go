// Package toolchain locates compilers and interpreters on the search path.
package toolchain

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Resolver looks executables up in a fixed list of directories. Results are
// cached per name. Safe for concurrent use.
type Resolver struct {
	dirs []string

	mu    sync.Mutex
	cache map[string]string // name -> absolute path, "" if not found
}

// NewResolver creates a Resolver over pathList, a PATH-style value.
func NewResolver(pathList string) *Resolver {
	var dirs []string
	for _, d := range filepath.SplitList(pathList) {
		if d == "" {
			continue
		}
		dirs = append(dirs, d)
	}
	return &Resolver{dirs: dirs, cache: make(map[string]string)}
}

// FromEnv creates a Resolver over the current process's PATH.
func FromEnv() *Resolver {
	return NewResolver(os.Getenv("PATH"))
}

// Resolve returns the absolute path of name when it exists on the search
// path, otherwise name unchanged. Absence is never an error here; a missing
// toolchain surfaces when the process fails to spawn.
func (r *Resolver) Resolve(name string) string {
	if p, ok := r.lookup(name); ok {
		return p
	}
	return name
}

// Found reports whether name exists on the search path.
func (r *Resolver) Found(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// First resolves the first candidate present on the search path, falling
// back to the first candidate's bare name.
func (r *Resolver) First(candidates ...string) string {
	if len(candidates) == 0 {
		return ""
	}
	for _, c := range candidates {
		if p, ok := r.lookup(c); ok {
			return p
		}
	}
	return candidates[0]
}

func (r *Resolver) lookup(name string) (string, bool) {
	if name == "" || strings.ContainsRune(name, os.PathSeparator) {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cache[name]; ok {
		return p, p != ""
	}

	found := ""
	for _, dir := range r.dirs {
		for _, candidate := range executableNames(name) {
			p := filepath.Join(dir, candidate)
			if isExecutable(p) {
				if abs, err := filepath.Abs(p); err == nil {
					p = abs
				}
				found = p
				break
			}
		}
		if found != "" {
			break
		}
	}
	r.cache[name] = found
	return found, found != ""
}

func executableNames(name string) []string {
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		return []string{name + ".exe", name}
	}
	return []string{name}
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0111 != 0
}
