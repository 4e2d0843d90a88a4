// Package mcpserver exposes the sandbox as a Model Context Protocol tool, so agents can run
// snippets through the same pipeline as the HTTP API.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dontdude/syscore/internal/domain"
	"github.com/dontdude/syscore/internal/profiler"
)

// ToolName is the name the execution tool is registered under.
const ToolName = "execute_code"

// Jobs runs a job to completion. The worker pool satisfies it.
type Jobs interface {
	Submit(ctx context.Context, job domain.Job) (domain.Result, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	jobs      Jobs
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

type toolResult struct {
	JobID    string              `json:"job_id"`
	ExitCode int                 `json:"exit_code"`
	Uploaded bool                `json:"uploaded"`
	Events   int                 `json:"events"`
	Trace    []domain.TraceEvent `json:"trace"`
}

// New creates the server and registers its tools.
func New(jobs Jobs, version string, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		jobs:      jobs,
		logger:    logger,
		mcpServer: server.NewMCPServer("syscore", version),
	}
	s.registerExecuteTool()
	return s
}

func (s *MCPServer) registerExecuteTool() {
	langs := profiler.Languages()
	enum := make([]string, 0, len(langs))
	for _, l := range langs {
		enum = append(enum, l.String())
	}

	tool := mcp.Tool{
		Name:        ToolName,
		Description: "Run a code snippet in a network-less, resource-limited container and return its execution trace",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Guest language",
					"enum":        enum,
				},
			},
			Required: []string{"code", "language"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleExecute)
}

func (s *MCPServer) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}
	tag, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}

	lang, err := domain.ParseLanguage(tag)
	if err != nil {
		return errorResult(err), nil
	}

	job := domain.NewJob(lang, code)
	s.logger.Info("Code execution requested via MCP", "jobID", job.ID, "language", lang)

	res, err := s.jobs.Submit(ctx, job)
	if err != nil {
		var execErr *domain.ExecError
		if errors.As(err, &execErr) && execErr.RanButUploadFailed() {
			s.logger.Warn("Trace upload failed", "jobID", job.ID, "error", err)
		} else {
			s.logger.Error("Execution failed", "jobID", job.ID, "error", err)
		}
		return errorResult(err), nil
	}

	body, err := json.Marshal(toolResult{
		JobID:    res.JobID,
		ExitCode: res.ExitCode,
		Uploaded: res.Uploaded,
		Events:   len(res.Events),
		Trace:    res.Events,
	})
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(body),
			},
		},
	}, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: fmt.Sprintf("Execution failed: %v", err),
			},
		},
		IsError: true,
	}
}

// ServeStdio serves MCP on stdin/stdout until the client disconnects.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("Starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}
