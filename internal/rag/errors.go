package rag

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every pipeline component. Callers match them with
// errors.Is; components wrap them with context using fmt.Errorf("...: %w").
var (
	// ErrConfig reports an invalid option combination (e.g. overlap >= chunk size).
	// It is returned before any processing starts.
	ErrConfig = errors.New("invalid configuration")

	// ErrDimension reports a vector whose length does not match the index.
	ErrDimension = errors.New("vector dimension mismatch")

	// ErrIndexCorruption reports a persisted index file that cannot be decoded.
	ErrIndexCorruption = errors.New("index file corrupt")

	// ErrEmbedding reports a failure of the embedding collaborator.
	ErrEmbedding = errors.New("embedding failed")

	// ErrEngineUnavailable reports that the generation engine could not be
	// reached or refused to open a stream.
	ErrEngineUnavailable = errors.New("generation engine unavailable")

	// ErrRetrievalTimeout reports that retrieval exceeded its per-call deadline.
	ErrRetrievalTimeout = errors.New("retrieval timed out")

	// ErrStreamInterrupted reports a generation engine fault after streaming began.
	ErrStreamInterrupted = errors.New("stream interrupted")

	// ErrGenerationTimeout reports that generation exceeded its per-request deadline.
	ErrGenerationTimeout = errors.New("generation timed out")

	// ErrQueueFull reports that the ingestion worker queue rejected a document.
	ErrQueueFull = errors.New("ingestion queue full")

	// ErrUnsupportedFormat reports a document whose mime type has no extractor.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrSessionNotFound reports an operation on an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateMessage reports a retried message whose first submission
	// has not produced an answer yet.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrContextBudget reports that the fixed part of a prompt alone exceeds
	// the token budget.
	ErrContextBudget = errors.New("prompt exceeds context budget")
)

// DimensionError is returned when a vector's length differs from the fixed
// dimension of the index it is written to or loaded into.
type DimensionError struct {
	// Want is the dimension the index was created with.
	Want int
	// Got is the dimension that was supplied.
	Got int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: want %d, got %d", ErrDimension, e.Want, e.Got)
}

// Is reports whether target is ErrDimension so callers can match either form.
func (e *DimensionError) Is(target error) bool {
	return target == ErrDimension
}
