// Package mcp implements the Model Context Protocol server for kotae.
//
// It exposes grounded question answering and knowledge search as MCP tools,
// the knowledge base as a resource, and a prompt that steers an agent
// toward answering from retrieved documents.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kotae/internal/service/chat"
	"github.com/ashita-ai/kotae/internal/service/knowledge"
)

// Server wraps the MCP server with kotae's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	chat      *chat.Session
	knowledge *knowledge.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools, resources
// and prompts registered.
func New(chatSession *chat.Session, knowledgeSvc *knowledge.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		chat:      chatSession,
		knowledge: knowledgeSvc,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kotae",
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

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}
