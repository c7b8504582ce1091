package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jkaninda/coderun/internal/fault"
)

// Registry maps file extensions to recipes.
type Registry struct {
	byExt   map[string]Recipe
	recipes []Recipe
}

// NewRegistry indexes recipes by extension. Invalid recipes and extensions
// claimed twice are construction errors.
func NewRegistry(recipes ...Recipe) (*Registry, error) {
	r := &Registry{byExt: make(map[string]Recipe)}
	for _, rec := range recipes {
		if err := rec.validate(); err != nil {
			return nil, err
		}
		for _, ext := range rec.Extensions {
			if prev, ok := r.byExt[ext]; ok {
				return nil, fmt.Errorf("extension %s claimed by both %s and %s", ext, prev.Language, rec.Language)
			}
			r.byExt[ext] = rec
		}
		r.recipes = append(r.recipes, rec)
	}
	return r, nil
}

// DefaultRegistry returns a Registry over Builtin.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		panic("pipeline: invalid builtin recipes: " + err.Error())
	}
	return r
}

// Lookup resolves the recipe for path by its extension, case-insensitively.
// Unknown or missing extensions are UnsupportedInput failures.
func (r *Registry) Lookup(path string) (Recipe, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return Recipe{}, fault.Newf(fault.UnsupportedInput, "%s has no file extension", filepath.Base(path))
	}
	rec, ok := r.byExt[ext]
	if !ok {
		return Recipe{}, fault.Newf(fault.UnsupportedInput, "unsupported file extension %q", ext)
	}
	return rec, nil
}

// Recipes returns every registered recipe in registration order.
func (r *Registry) Recipes() []Recipe {
	out := make([]Recipe, len(r.recipes))
	copy(out, r.recipes)
	return out
}

// Extensions returns every registered extension, sorted.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
