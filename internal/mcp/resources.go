package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const knowledgeURI = "kotae://knowledge"

// knowledgeResourceLimit bounds how many documents the resource returns.
const knowledgeResourceLimit = 50

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			knowledgeURI,
			"Knowledge Base",
			mcplib.WithResourceDescription("Most recently updated documents in the knowledge base"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleKnowledge,
	)
}

func (s *Server) handleKnowledge(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	docs, err := s.knowledge.List(ctx, knowledgeResourceLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: knowledge: %w", err)
	}

	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal knowledge: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      knowledgeURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
