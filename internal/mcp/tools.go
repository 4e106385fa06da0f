package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kotae/internal/model"
)

func (s *Server) registerTools() {
	// kotae_ask: run a full conversation and return the collected answer.
	s.mcpServer.AddTool(
		mcplib.NewTool("kotae_ask",
			mcplib.WithDescription(`Answer a question from the knowledge base.

WHEN TO USE: When you need an answer grounded in the documents this service
holds (policies, product facts, internal FAQs). The answer is generated from
the most similar documents; if nothing matches, the model answers without
context and says so.

WHAT YOU GET BACK:
- chat_id: id of the audit record for this answer
- answer: the generated answer
- confidence: 0.0-1.0 self-assessment, present when the judge is enabled
- retrieved_docs: the document contents the answer was grounded on`),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("query",
				mcplib.Description("The question to answer"),
				mcplib.Required(),
				mcplib.MaxLength(model.MaxQueryLen),
			),
			mcplib.WithBoolean("enable_reasoning",
				mcplib.Description("Think through the question before answering. Slower, better on multi-step questions."),
				mcplib.DefaultBool(true),
			),
		),
		s.handleAsk,
	)

	// kotae_search: retrieval only, no generation.
	s.mcpServer.AddTool(
		mcplib.NewTool("kotae_search",
			mcplib.WithDescription(`Search the knowledge base by semantic similarity.

WHEN TO USE: When you want the raw documents rather than a generated answer,
for example to quote a policy verbatim or to check whether anything relevant
exists before asking.

Results are ordered most similar first. Only documents whose similarity is
strictly above min_similarity are returned.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language search query"),
				mcplib.Required(),
				mcplib.MaxLength(model.MaxQueryLen),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(model.MaxSearchLimit),
			),
			mcplib.WithNumber("min_similarity",
				mcplib.Description("Similarity threshold, at least 0 and below 1"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
		),
		s.handleSearch,
	)
}

type askResult struct {
	ChatID        string   `json:"chat_id"`
	Answer        string   `json:"answer"`
	Reasoning     *string  `json:"reasoning,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	RetrievedDocs []string `json:"retrieved_docs"`
	LatencyMS     int64    `json:"latency_ms"`
}

func (s *Server) handleAsk(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if strings.TrimSpace(query) == "" {
		return errorResult("query is required"), nil
	}
	if len(query) > model.MaxQueryLen {
		return errorResult(fmt.Sprintf("query exceeds %d bytes", model.MaxQueryLen)), nil
	}

	stream := s.chat.Start(ctx, model.ConversationRequest{
		Query:           query,
		EnableReasoning: request.GetBool("enable_reasoning", true),
	})
	for _, err := range stream.All() {
		if err != nil {
			return errorResult(fmt.Sprintf("%s: %v", model.ErrorCode(err), err)), nil
		}
	}

	out, ok := stream.Outcome()
	if !ok {
		return errorResult("conversation did not complete"), nil
	}
	data, _ := json.MarshalIndent(askResult{
		ChatID:        out.ChatID.String(),
		Answer:        out.Answer,
		Reasoning:     out.Reasoning,
		Confidence:    out.Confidence,
		RetrievedDocs: out.RetrievedDocs,
		LatencyMS:     out.TotalLatency.Milliseconds(),
	}, "", "  ")
	return textResult(string(data)), nil
}

func (s *Server) handleSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req := model.SearchRequest{
		Query: request.GetString("query", ""),
		Limit: request.GetInt("limit", 0),
	}
	if strings.TrimSpace(req.Query) == "" {
		return errorResult("query is required"), nil
	}
	if args := request.GetArguments(); args != nil {
		if _, ok := args["min_similarity"]; ok {
			req.MinSimilarity = model.Ptr(request.GetFloat("min_similarity", 0))
		}
	}

	results, err := s.knowledge.Search(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(map[string]any{
		"results": results,
		"total":   len(results),
	}, "", "  ")
	return textResult(string(data)), nil
}
