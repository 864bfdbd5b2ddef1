// Package mcp implements the Model Context Protocol server for Soudan.
//
// The MCP server exposes consultation requests to MCP-compatible AI agents:
// tools to ask a human, poll for the answer, and browse the queue, plus
// resources over the pending backlog. It delegates to the same service layer
// as the HTTP API, so lifecycle guards behave identically on both surfaces.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/soudan-ai/soudan/internal/model"
	"github.com/soudan-ai/soudan/internal/service/requests"
	"github.com/soudan-ai/soudan/internal/storage"
)

// Server wraps the MCP server with Soudan's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	requests  *requests.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(svc *requests.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		requests: svc,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"soudan",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// soudan://requests/pending — the queue awaiting human review.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"soudan://requests/pending",
			"Pending Requests",
			mcplib.WithResourceDescription("Consultation requests awaiting a human response"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePendingRequests,
	)

	// soudan://requests/{id} — one request with its full response, if any.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"soudan://requests/{id}",
			"Consultation Request",
			mcplib.WithTemplateDescription("A single consultation request with its current state and response"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRequestByID,
	)
}

func (s *Server) handlePendingRequests(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	pending := model.StatePending
	list, total, err := s.requests.List(ctx, storage.RequestFilter{State: &pending, Limit: 50})
	if err != nil {
		return nil, fmt.Errorf("mcp: pending requests: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"requests": list,
		"total":    total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal pending: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "soudan://requests/pending",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRequestByID(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	var rawID string
	if _, err := fmt.Sscanf(uri, "soudan://requests/%s", &rawID); err != nil || rawID == "" {
		return nil, fmt.Errorf("mcp: invalid request URI: %s", uri)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid request id %q: %w", rawID, err)
	}

	req, err := s.requests.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: get request: %w", err)
	}

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal request: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
