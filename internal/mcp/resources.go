package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	uriActiveLearnings = "dig://learnings/active"
	uriDataHealth      = "dig://health/data"
)

func (s *Server) registerResources() {
	// dig://learnings/active: learnings not superseded by a newer one.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriActiveLearnings,
			"Active Learnings",
			mcplib.WithResourceDescription("Learnings currently in force, highest confidence first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveLearnings,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriDataHealth,
			"Data Health",
			mcplib.WithResourceDescription("Integrity and coverage of the recorded event log"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleDataHealthResource,
	)

	// dig://changes/{id}/trace: compact trace of one change.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"dig://changes/{id}/trace",
			"Change Trace",
			mcplib.WithTemplateDescription("Sessions, interactions, rollouts and outcomes of one change"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleChangeTraceResource,
	)
}

func (s *Server) handleActiveLearnings(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	active, err := s.deps.Matcher.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: active learnings: %w", err)
	}
	return textResource(uriActiveLearnings, map[string]any{
		"learnings": compactEvents(active),
		"total":     len(active),
	})
}

func (s *Server) handleDataHealthResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	report, err := s.deps.DataHealth.Compute(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: data health: %w", err)
	}
	return textResource(uriDataHealth, report)
}

func (s *Server) handleChangeTraceResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	changeID, err := parseChangeTraceURI(uri)
	if err != nil {
		return nil, err
	}
	tr, err := s.deps.Correlation.Trace(ctx, changeID)
	if err != nil {
		return nil, fmt.Errorf("mcp: trace %s: %w", changeID, err)
	}
	return textResource(uri, compactTrace(tr))
}

// parseChangeTraceURI extracts the change id from dig://changes/{id}/trace.
func parseChangeTraceURI(uri string) (string, error) {
	rest, ok := strings.CutPrefix(uri, "dig://changes/")
	if !ok {
		return "", fmt.Errorf("mcp: invalid change trace URI: %s", uri)
	}
	id, ok := strings.CutSuffix(rest, "/trace")
	if !ok {
		return "", fmt.Errorf("mcp: invalid change trace URI: %s", uri)
	}
	if id == "" {
		return "", fmt.Errorf("mcp: invalid change trace URI: empty change id")
	}
	if strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid change trace URI: malformed change id %q", id)
	}
	return id, nil
}

func textResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
