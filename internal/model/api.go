package model

import (
	"time"
)

// Field length limits for request bodies. These bound what flows into the
// embedding pipeline and the prompt.
const (
	MaxQueryLen       = 8 * 1024
	MaxDocumentLen    = 256 * 1024
	MaxDocumentIDLen  = 255
	MaxFeedbackLen    = 4 * 1024
	MaxDocumentsBatch = 256
	MaxSearchLimit    = 100
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeEmbeddingFailed  = "EMBEDDING_FAILED"
	ErrCodeRetrievalFailed  = "RETRIEVAL_FAILED"
	ErrCodeGenerationFailed = "GENERATION_FAILED"
)

// ChatRequest is the request body for POST /chat. EnableReasoning is a
// pointer so an omitted field can default to true.
type ChatRequest struct {
	Query           string `json:"query"`
	EnableReasoning *bool  `json:"enable_reasoning,omitempty"`
}

// ConversationRequest converts the wire form into the immutable request
// consumed by the chat engine.
func (r ChatRequest) ConversationRequest() ConversationRequest {
	enable := true
	if r.EnableReasoning != nil {
		enable = *r.EnableReasoning
	}
	return ConversationRequest{Query: r.Query, EnableReasoning: enable}
}

// ChatDone is the payload of the terminal "done" SSE event.
type ChatDone struct {
	ChatID              string   `json:"chat_id"`
	Confidence          *float64 `json:"confidence,omitempty"`
	FirstTokenLatencyMS *int64   `json:"first_token_latency_ms,omitempty"`
	TotalLatencyMS      int64    `json:"total_latency_ms"`
}

// DocumentInput is one document in POST /knowledge/update.
type DocumentInput struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	ExtraInfo map[string]any `json:"extra_info,omitempty"`
}

// UpsertDocumentsResponse is the response for POST /knowledge/update.
type UpsertDocumentsResponse struct {
	Status   string   `json:"status"`
	Upserted []string `json:"upserted"`
}

// DeleteDocumentResponse is the response for DELETE /knowledge/{doc_id}.
type DeleteDocumentResponse struct {
	Success bool   `json:"success"`
	Deleted string `json:"deleted,omitempty"`
	Message string `json:"message,omitempty"`
}

// SearchRequest is the request body for POST /knowledge/search.
// Zero values fall back to the configured defaults.
type SearchRequest struct {
	Query         string   `json:"query"`
	Limit         int      `json:"limit,omitempty"`
	MinSimilarity *float64 `json:"min_similarity,omitempty"`
}

// FeedbackRequest is the request body for POST /audit/{chat_id}/feedback.
type FeedbackRequest struct {
	Feedback string `json:"feedback"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	RecordStore string `json:"record_store"`
	VectorIndex string `json:"vector_index"`
	SSEBroker   string `json:"sse_broker,omitempty"`
	Uptime      int64  `json:"uptime_seconds"`
}
