package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// ActionType classifies an action log entry.
type ActionType string

const (
	ActionList   ActionType = "list"
	ActionSearch ActionType = "search"
	ActionUpsert ActionType = "upsert"
	ActionDelete ActionType = "delete"
	ActionChat   ActionType = "chat"
	ActionUpdate ActionType = "update"
	ActionInsert ActionType = "insert"
)

// ParseActionType validates s against the known action types.
func ParseActionType(s string) (ActionType, error) {
	switch a := ActionType(s); a {
	case ActionList, ActionSearch, ActionUpsert, ActionDelete, ActionChat, ActionUpdate, ActionInsert:
		return a, nil
	}
	return "", fmt.Errorf("unknown action_type %q", s)
}

// ActionStatus is the outcome of a logged action.
type ActionStatus string

const (
	StatusSuccess ActionStatus = "success"
	StatusFailed  ActionStatus = "failed"
	StatusOther   ActionStatus = "other"
)

// ParseActionStatus validates s against the known statuses.
func ParseActionStatus(s string) (ActionStatus, error) {
	switch st := ActionStatus(s); st {
	case StatusSuccess, StatusFailed, StatusOther:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Resource types recorded in action logs.
const (
	ResourceLLM         = "llm"
	ResourceDocument    = "document"
	ResourceVectorStore = "vector_store"
	ResourceAudit       = "audit"
)

// ActionLogRecord is one append-only entry in the structured action log.
type ActionLogRecord struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	ActionType   ActionType      `json:"action_type" db:"action_type"`
	ResourceType string          `json:"resource_type" db:"resource_type"`
	ResourceID   *string         `json:"resource_id,omitempty" db:"resource_id"`
	RequestData  json.RawMessage `json:"request_data,omitempty" db:"request_data"`
	ResponseData json.RawMessage `json:"response_data,omitempty" db:"response_data"`
	Status       ActionStatus    `json:"status" db:"status"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
	LatencyMS    *int64          `json:"latency_ms,omitempty" db:"latency_ms"`
	ExtraInfo    json.RawMessage `json:"extra_info,omitempty" db:"extra_info"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// ActionLogSummary is the list view of an action log entry, without payloads.
type ActionLogSummary struct {
	ID           uuid.UUID    `json:"id" db:"id"`
	ActionType   ActionType   `json:"action_type" db:"action_type"`
	ResourceType string       `json:"resource_type" db:"resource_type"`
	ResourceID   *string      `json:"resource_id,omitempty" db:"resource_id"`
	Status       ActionStatus `json:"status" db:"status"`
	LatencyMS    *int64       `json:"latency_ms,omitempty" db:"latency_ms"`
	Timestamp    time.Time    `json:"timestamp" db:"timestamp"`
}

// ActionLogFilter selects action log entries. Nil fields do not filter.
type ActionLogFilter struct {
	ActionType   *ActionType
	ResourceType *string
	Status       *ActionStatus
	Offset       int
	Limit        int
}

// AuditRecord is the audit trail of one completed conversation, keyed by chat id.
// LatencyMS is total latency; FirstTokenLatencyMS is kept alongside it.
type AuditRecord struct {
	ChatID              uuid.UUID `json:"chat_id" db:"chat_id"`
	Question            string    `json:"question" db:"question"`
	Response            string    `json:"response" db:"response"`
	RetrievedDocs       []string  `json:"retrieved_docs" db:"retrieved_docs"`
	Reasoning           *string   `json:"reasoning,omitempty" db:"reasoning"`
	Confidence          *float64  `json:"confidence,omitempty" db:"confidence"`
	LatencyMS           int64     `json:"latency_ms" db:"latency_ms"`
	FirstTokenLatencyMS *int64    `json:"first_token_latency_ms,omitempty" db:"first_token_latency_ms"`
	Feedback            *string   `json:"feedback,omitempty" db:"feedback"`
	Timestamp           time.Time `json:"timestamp" db:"timestamp"`
}

// Document is a knowledge base entry with its embedding.
type Document struct {
	ID        string           `json:"id"`
	Content   string           `json:"content"`
	Embedding *pgvector.Vector `json:"-"`
	ExtraInfo json.RawMessage  `json:"extra_info,omitempty"`
	Size      int              `json:"size"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// MustJSON marshals v for an opaque payload column. Values that cannot be
// marshaled are recorded as a JSON string describing the failure.
func MustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprintf("unmarshalable payload: %v", err))
	}
	return b
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
