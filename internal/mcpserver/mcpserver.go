// Package mcpserver exposes coderun as an MCP (Model Context Protocol) tool
// server over stdio for `coderun mcp`.
//
// The protocol owns stdout, so the guard that runs guest programs must be
// configured to write their output elsewhere (stderr).
package mcpserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/coderun/internal/fault"
	"github.com/jkaninda/coderun/internal/pipeline"
)

const (
	ToolCodeRun   = "code_run"
	ToolLanguages = "code_languages"
)

// CodeRunner runs uploaded source code.
type CodeRunner interface {
	RunCode(ctx context.Context, filename string, code []byte) (*pipeline.Report, error)
}

// Server wires coderun into an MCP server.
type Server struct {
	runner   CodeRunner
	registry *pipeline.Registry
	logger   *slog.Logger
	mcp      *server.MCPServer
}

// New creates the MCP server and registers its tools.
func New(r CodeRunner, registry *pipeline.Registry, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{
		runner:   r,
		registry: registry,
		logger:   logger,
		mcp:      server.NewMCPServer("coderun", version),
	}

	s.mcp.AddTool(mcp.Tool{
		Name: ToolCodeRun,
		Description: fmt.Sprintf("Compile and run a single source file on this host. The file extension selects the language (%s). "+
			"Returns the final state and exit code; program output is not captured.",
			strings.Join(registry.Extensions(), ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"filename": map[string]any{
					"type":        "string",
					"description": "File name including extension, e.g. main.c or script.py",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to compile and run",
				},
			},
			Required: []string{"filename", "code"},
		},
	}, s.handleCodeRun)

	s.mcp.AddTool(mcp.Tool{
		Name:        ToolLanguages,
		Description: "List the languages code_run supports and whether each has a build step.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, s.handleLanguages)

	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio serves the protocol on stdin/stdout until stdin closes.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting", slog.Int("languages", len(s.registry.Recipes())))
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleCodeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}
	filename, _ := args["filename"].(string)
	code, _ := args["code"].(string)
	if filename == "" {
		return errResult("error: 'filename' is required"), nil
	}

	s.logger.InfoContext(ctx, "mcp code run",
		slog.String("filename", filename),
		slog.Int("bytes", len(code)),
	)

	rep, err := s.runner.RunCode(ctx, filename, []byte(code))
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: Summary(rep, err)}},
		IsError: err != nil,
	}, nil
}

func (s *Server) handleLanguages(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var b strings.Builder
	for _, r := range s.registry.Recipes() {
		kind := "interpreted"
		if r.Compiled() {
			kind = "compiled"
		}
		fmt.Fprintf(&b, "%s (%s): %s\n", r.Language, kind, strings.Join(r.Extensions, ", "))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: b.String()}},
	}, nil
}

// Summary renders a run outcome as plain text for tool results.
func Summary(rep *pipeline.Report, err error) string {
	var b strings.Builder
	if rep != nil {
		fmt.Fprintf(&b, "language: %s\n", rep.Language)
		fmt.Fprintf(&b, "state: %s\n", rep.State)
		if rep.Compile != nil {
			fmt.Fprintf(&b, "compile: %s\n", rep.Compile)
		}
		if rep.Run != nil {
			fmt.Fprintf(&b, "run: %s\n", rep.Run)
		}
		fmt.Fprintf(&b, "duration: %s\n", rep.Duration.Round(time.Millisecond))
		if rep.Retained {
			fmt.Fprintf(&b, "workspace: %s\n", rep.Workspace)
		}
	}
	fmt.Fprintf(&b, "exit code: %d\n", fault.ExitCode(err))
	if err != nil {
		fmt.Fprintf(&b, "error (%s): %v\n", fault.KindOf(err), err)
	}
	return b.String()
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
