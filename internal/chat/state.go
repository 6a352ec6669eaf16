package chat

import (
	"encoding/json"
	"time"

	"github.com/54b3r/ragstream-go/internal/rag"
)

// State is a point in a request's lifecycle:
//
//	PENDING → RETRIEVING → GENERATING → STREAMING → COMPLETED | FAILED | CANCELLED
//
// RETRIEVING is skipped when retrieval is disabled for the request.
type State int32

const (
	StatePending State = iota
	StateRetrieving
	StateGenerating
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = [...]string{
	StatePending:    "PENDING",
	StateRetrieving: "RETRIEVING",
	StateGenerating: "GENERATING",
	StateStreaming:  "STREAMING",
	StateCompleted:  "COMPLETED",
	StateFailed:     "FAILED",
	StateCancelled:  "CANCELLED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// Source is a retrieved chunk as shown to clients.
type Source struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Source     string  `json:"source"`
	Content    string  `json:"content"`
	Score      float32 `json:"score"`
}

// Sources converts ranked results to their client form, keeping order.
func Sources(results []rag.Result) []Source {
	out := make([]Source, len(results))
	for i, r := range results {
		out[i] = Source{
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Source:     r.Source,
			Content:    r.Snippet(),
			Score:      r.Score,
		}
	}
	return out
}

// Event is one unit delivered to the consumer. Done is set only on the
// terminal event; Err, when set, accompanies it. Sources appears on at most
// one event per request.
type Event struct {
	Chunk          string   `json:"chunk"`
	Done           bool     `json:"done"`
	Sources        []Source `json:"sources,omitempty"`
	Err            error    `json:"-"`
	Partial        string   `json:"partial,omitempty"`
	Degraded       bool     `json:"degraded,omitempty"`
	DegradedReason string   `json:"degraded_reason,omitempty"`
	Model          string   `json:"model,omitempty"`
}

// MarshalJSON adds the error text under "error".
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(e)}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}

// Result is the final outcome of a request, available from Run.Wait.
type Result struct {
	SessionID      string
	State          State
	Text           string
	Sources        []rag.Result
	Model          string
	Degraded       bool
	DegradedReason string
	Err            error
	Latency        time.Duration
}
