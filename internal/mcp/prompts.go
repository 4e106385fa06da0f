package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// grounded-answer walks an agent through search-then-ask for one topic.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("grounded-answer",
			mcplib.WithPromptDescription("Answer a question from the knowledge base, checking the sources first"),
			mcplib.WithArgument("question",
				mcplib.ArgumentDescription("The question to answer"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleGroundedAnswerPrompt,
	)

	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining when to use the kotae tools"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleGroundedAnswerPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	question := request.Params.Arguments["question"]
	if question == "" {
		return nil, fmt.Errorf("question argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Answer from the knowledge base",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Answer this question using the knowledge base: %q

1. CALL kotae_search with the question to see which documents match.
   If nothing comes back, say the knowledge base has no answer rather than guessing.

2. CALL kotae_ask with the same question. Pass enable_reasoning=true when the
   question needs more than one fact combined.

3. REPLY with the answer. Quote the retrieved documents it relied on, and mention
   the confidence score when it is below 0.5.`, question),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(context.Context, mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "kotae tool usage for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to kotae, a question answering service backed by a curated
knowledge base. Every answer it gives is recorded with the documents it was
grounded on, so answers can be audited later.

## Available Tools

- kotae_search: Find documents by semantic similarity. Cheap, no generation.
- kotae_ask: Get a generated answer grounded in the most similar documents.

## Guidance

Prefer kotae_search when you only need to know whether something is covered.
Use kotae_ask for a user-facing answer. Keep the returned chat_id if the user
may want to give feedback on the answer.`,
				},
			},
		},
	}, nil
}
