// Package chat runs retrieval-augmented conversations: it retrieves grounding
// documents, answers directly or after a reasoning pass, streams the answer,
// and records the outcome.
package chat

import (
	"github.com/google/uuid"

	"github.com/ashita-ai/kotae/internal/model"
)

// Step is a node of the conversation graph.
type Step int

const (
	StepStart Step = iota
	StepRetrieveDocs
	StepDirectAnswer
	StepReasoning
	StepFinalAnswer
	StepDone
	StepFailed
)

var stepNames = [...]string{
	StepStart:        "start",
	StepRetrieveDocs: "retrieve_docs",
	StepDirectAnswer: "direct_answer",
	StepReasoning:    "reasoning_step",
	StepFinalAnswer:  "final_answer",
	StepDone:         "done",
	StepFailed:       "failed",
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return "unknown"
	}
	return stepNames[s]
}

// Terminal reports whether no step follows s.
func (s Step) Terminal() bool {
	return s == StepDone || s == StepFailed
}

// Event is the result of running one step.
type Event int

const (
	EventOK Event = iota
	EventFailed
)

// Next returns the step that follows step after ev. The branch between the
// direct and reasoning paths is taken once, right after retrieval. Terminal
// steps are absorbing.
func Next(step Step, ev Event, enableReasoning bool) Step {
	if step.Terminal() {
		return step
	}
	if ev == EventFailed {
		return StepFailed
	}
	switch step {
	case StepStart:
		return StepRetrieveDocs
	case StepRetrieveDocs:
		if enableReasoning {
			return StepReasoning
		}
		return StepDirectAnswer
	case StepReasoning:
		return StepFinalAnswer
	case StepDirectAnswer, StepFinalAnswer:
		return StepDone
	}
	return StepFailed
}

// Conversation is the state of one chat turn. It is owned by the goroutine
// driving the conversation and never shared.
type Conversation struct {
	ChatID          uuid.UUID
	Query           string
	EnableReasoning bool

	Step      Step
	Docs      []model.RetrievedDocument
	Reasoning *string
	Answer    *string

	// FailedAt and Err are set when Step is StepFailed.
	FailedAt Step
	Err      error
}

// NewConversation starts a conversation for req with a fresh chat id.
func NewConversation(req model.ConversationRequest) *Conversation {
	return &Conversation{
		ChatID:          uuid.New(),
		Query:           req.Query,
		EnableReasoning: req.EnableReasoning,
		Step:            StepStart,
	}
}
