package main

import (
	"bytes"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/coderun/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the code_run tool over MCP (stdio)",
	Long: `Serve coderun as a Model Context Protocol tool server on stdin/stdout.

The protocol owns stdout, so guest program output is written to stderr and
guest programs read an empty stdin.`,
	RunE: runMCP,
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(true)
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger, sharedOptions{
		client: "mcp",
		stdin:  bytes.NewReader(nil),
		stdout: os.Stderr,
	})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	return mcpserver.New(sc.Runner, sc.Registry, version, logger).ServeStdio()
}
