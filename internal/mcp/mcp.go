// Package mcp implements the Model Context Protocol server for DIG.
//
// The MCP server exposes the read side of the HTTP API, plus event
// recording, as MCP tools and resources so coding agents can look up what
// happened to earlier changes before they make the next one.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/internal/service/correlation"
	"github.com/ashita-ai/dig/internal/service/datahealth"
	"github.com/ashita-ai/dig/internal/service/ingest"
	"github.com/ashita-ai/dig/internal/service/learnings"
	"github.com/ashita-ai/dig/internal/service/psr"
	"github.com/ashita-ai/dig/internal/storage"
)

// Deps are the services the MCP tools call.
type Deps struct {
	Store       storage.Store
	Ingest      *ingest.Service
	Correlation *correlation.Service
	PSR         *psr.Service
	Matcher     *learnings.Matcher
	DataHealth  *datahealth.Service
}

// Server wraps the MCP server with DIG's service layer.
type Server struct {
	mcpServer    *mcpserver.MCPServer
	deps         Deps
	logger       *slog.Logger
	checkTracker *checkTracker
}

// New creates and configures a new MCP server with all resources, tools
// and prompts.
func New(deps Deps, logger *slog.Logger, version string) *Server {
	s := &Server{
		deps:         deps,
		logger:       logger,
		checkTracker: newCheckTracker(6 * time.Hour),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"dig",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// jsonResult renders v as indented JSON text content, followed by any notes.
func jsonResult(v any, notes ...string) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to encode result: %v", err))
	}
	contents := []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}}
	for _, n := range notes {
		contents = append(contents, mcplib.TextContent{Type: "text", Text: n})
	}
	return &mcplib.CallToolResult{Content: contents}
}

// toolError turns a service error into an error result an agent can act on.
// Unexpected failures are logged and reported without internals.
func (s *Server) toolError(tool string, err error) *mcplib.CallToolResult {
	var (
		ve  *model.ValidationError
		dup *storage.DuplicateIDError
	)
	switch {
	case errors.As(err, &ve):
		return errorResult("invalid input: " + ve.Error())
	case errors.As(err, &dup):
		return errorResult(fmt.Sprintf("event %s already exists; pass idempotent=true to treat identical retries as success", dup.ID))
	case errors.Is(err, storage.ErrNotFound):
		return errorResult("not found")
	}
	s.logger.Error("mcp: tool failed", "tool", tool, "error", err)
	return errorResult(fmt.Sprintf("%s failed: %v", tool, err))
}
