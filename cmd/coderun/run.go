package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/coderun/internal/fault"
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Compile and run a single source file",
	Example: `  coderun run hello.c
  KEEP_TEMP=1 coderun run Main.java
  coderun hello.py`,
	Args: cobra.ExactArgs(1),
	RunE: runFile,
}

// runFile runs one source file with the caller's terminal attached.
func runFile(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}

	cfg, logger, err := loadConfig(false)
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger, sharedOptions{client: "cli"})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context: an interrupt kills the child and releases the workspace.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep, err := sc.Runner.Run(ctx, args[0])
	if rep != nil && rep.Retained {
		fmt.Fprintf(os.Stderr, "workspace kept at %s\n", rep.Workspace)
	}
	if err != nil {
		logger.Debug("run failed",
			slog.String("source", args[0]),
			slog.String("kind", fault.KindOf(err).String()),
		)
		return &exitError{code: fault.ExitCode(err), err: err}
	}
	return nil
}
