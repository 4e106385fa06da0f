package model

import (
	"time"

	"github.com/google/uuid"
)

// ConversationRequest is one accepted chat turn. Immutable once accepted.
type ConversationRequest struct {
	Query           string
	EnableReasoning bool
}

// RetrievedDocument is a stored document matched by the similarity retriever.
// Similarity is 1 - cosine distance.
type RetrievedDocument struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// Contents returns the document contents in retrieval order.
func Contents(docs []RetrievedDocument) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Content
	}
	return out
}

// ConversationOutcome is the terminal projection of a conversation, used for
// logging and for the stream's closing event.
type ConversationOutcome struct {
	ChatID            uuid.UUID
	Query             string
	Answer            string
	Reasoning         *string
	RetrievedDocs     []string
	FirstTokenLatency *time.Duration
	TotalLatency      time.Duration
	Confidence        *float64
	Status            ActionStatus
	Error             string
}

// Done converts a successful outcome into the "done" event payload.
func (o ConversationOutcome) Done() ChatDone {
	d := ChatDone{
		ChatID:         o.ChatID.String(),
		Confidence:     o.Confidence,
		TotalLatencyMS: o.TotalLatency.Milliseconds(),
	}
	if o.FirstTokenLatency != nil {
		ms := o.FirstTokenLatency.Milliseconds()
		d.FirstTokenLatencyMS = &ms
	}
	return d
}
