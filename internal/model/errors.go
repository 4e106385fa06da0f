package model

import "errors"

// Conversation error taxonomy. Collaborator failures are wrapped with one of
// these so callers can classify them with errors.Is.
var (
	// ErrEmbedding is returned when the embedding provider fails.
	ErrEmbedding = errors.New("embedding failed")

	// ErrRetrieval is returned when the vector store fails. An empty result is
	// not a retrieval error.
	ErrRetrieval = errors.New("retrieval failed")

	// ErrGeneration is returned when the language model call fails.
	ErrGeneration = errors.New("generation failed")

	// ErrPersistence wraps record store failures inside the action logger.
	// It never reaches a conversation's caller.
	ErrPersistence = errors.New("persistence failed")

	// ErrStreamReuse is returned when a conversation stream is iterated twice.
	ErrStreamReuse = errors.New("conversation stream already consumed")
)

// ErrorCode maps an error to the API error code reported to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrEmbedding):
		return ErrCodeEmbeddingFailed
	case errors.Is(err, ErrRetrieval):
		return ErrCodeRetrievalFailed
	case errors.Is(err, ErrGeneration):
		return ErrCodeGenerationFailed
	default:
		return ErrCodeInternalError
	}
}
