// Package rag defines the types and collaborator interfaces shared by the
// retrieval-augmented generation pipeline: index entries, ranked results,
// the embedding and generation engine contracts, and the vector index
// contract.
// Concrete implementations (in-memory index, Qdrant, Ollama, OpenAI) satisfy
// these interfaces so the orchestration layers never depend on a backend.
package rag

import (
	"context"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
)

// SnippetLength is the number of characters kept in a result snippet.
const SnippetLength = 200

// Entry is a single chunk vector plus the metadata needed to rank and cite it.
type Entry struct {
	// ID is the stable chunk identifier.
	ID string

	// Vector is the chunk embedding. Its length must equal the index dimension.
	Vector []float32

	// DocumentID identifies the document that owns this chunk.
	DocumentID string

	// Source is the origin path, URL, or name of the owning document.
	Source string

	// ChunkIndex is the position of the chunk within its document.
	ChunkIndex int

	// Text is the chunk content.
	Text string

	// Metadata holds arbitrary key-value pairs (kind, title, mime type, etc.).
	Metadata map[string]string
}

// Result is one ranked retrieval hit.
type Result struct {
	// ChunkID is the identifier of the matching chunk.
	ChunkID string

	// DocumentID identifies the document that owns the chunk.
	DocumentID string

	// Source is the origin of the owning document.
	Source string

	// ChunkIndex is the position of the chunk within its document.
	ChunkIndex int

	// Text is the full chunk content.
	Text string

	// Metadata is the chunk's metadata as stored in the index.
	Metadata map[string]string

	// Score is the cosine similarity in [0,1]; higher is more relevant.
	Score float32

	// Seq is the insertion order of the chunk, used to break score ties.
	Seq uint64
}

// Snippet returns the first SnippetLength characters of the chunk text,
// followed by "..." when the text was shortened.
func (r Result) Snippet() string {
	if utf8.RuneCountInString(r.Text) <= SnippetLength {
		return r.Text
	}
	n := 0
	for i := range r.Text {
		if n == SnippetLength {
			return r.Text[:i] + "..."
		}
		n++
	}
	return r.Text
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines and must wrap
// failures with ErrEmbedding.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex stores chunk vectors and ranks them by cosine similarity.
// Implementations must be safe to call from multiple goroutines.
type VectorIndex interface {
	// Upsert inserts or overwrites entries. A vector whose length differs from
	// Dimension is rejected with a *DimensionError and nothing is written.
	Upsert(ctx context.Context, entries ...Entry) error

	// Remove deletes entries by chunk id. Absent ids are ignored.
	Remove(ctx context.Context, ids ...string) error

	// Search returns at most k entries ordered by descending score, ties
	// broken by earliest insertion. An empty index yields an empty result.
	Search(ctx context.Context, query []float32, k int) ([]Result, error)

	// Generation increases on every successful mutation. Caches use it to
	// detect that their contents are stale.
	Generation() uint64

	// Dimension is the fixed vector length accepted by the index.
	Dimension() int
}

// TextStream yields generated text increments in order. Recv returns io.EOF
// once the engine has finished; any other error means the stream broke.
type TextStream interface {
	Recv() (string, error)
	// Close releases the underlying connection. It is safe to call more
	// than once and before the stream is drained.
	Close()
}

// Generator is the generation engine contract. Generate must honour ctx
// cancellation within one increment.
type Generator interface {
	// Model identifies the model serving the request.
	Model() string
	// Generate starts a streamed completion of msgs. Failure to start wraps
	// ErrEngineUnavailable.
	Generate(ctx context.Context, msgs []*schema.Message) (TextStream, error)
}
