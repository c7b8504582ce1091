// coderun compiles and runs a single source file, picking the toolchain from
// the file extension.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "coderun [file]",
	Short: "Compile and run a single source file in a throwaway workspace",
	Long: `coderun copies a source file into a private temporary workspace, compiles it
when the language needs a build step, runs it with the caller's terminal, and
removes the workspace afterwards.

The file extension selects the language; run "coderun languages" for the list.
Set KEEP_TEMP (or pass --keep) to leave the workspace on disk for inspection.

Exit status is 0 on success, the program's own status when it exits nonzero,
and 1 for every other failure.`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runFile, // Default to running the given file.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, serveCmd, mcpCmd, languagesCmd, historyCmd, cleanCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		code := 1
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			code = exitErr.code
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(code)
	}
}

// exitError carries the process status a failed run maps to.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
