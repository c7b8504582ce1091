package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkaninda/coderun/internal/pipeline"
	"github.com/jkaninda/coderun/internal/toolchain"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List supported languages and their toolchains",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		printLanguages(pipeline.DefaultRegistry(), toolchain.FromEnv())
	},
}

func printLanguages(registry *pipeline.Registry, resolver *toolchain.Resolver) {
	var compiled, interpreted []pipeline.Recipe
	for _, r := range registry.Recipes() {
		if r.Compiled() {
			compiled = append(compiled, r)
		} else {
			interpreted = append(interpreted, r)
		}
	}

	fmt.Println("Compiled:")
	for _, r := range compiled {
		printRecipe(r, resolver)
	}
	fmt.Println("\nInterpreted:")
	for _, r := range interpreted {
		printRecipe(r, resolver)
	}
}

func printRecipe(r pipeline.Recipe, resolver *toolchain.Resolver) {
	var tools []string
	for _, candidates := range [][]string{r.Compiler, r.Runner} {
		if len(candidates) == 0 {
			continue
		}
		tools = append(tools, toolName(candidates, resolver))
	}
	fmt.Printf("  %-11s %-22s %s\n", r.Language, strings.Join(r.Extensions, " "), strings.Join(tools, ", "))
}

// toolName returns the first candidate on the search path, or the preferred
// one marked as missing.
func toolName(candidates []string, resolver *toolchain.Resolver) string {
	for _, c := range candidates {
		if resolver.Found(c) {
			return c
		}
	}
	return candidates[0] + " (not found)"
}
