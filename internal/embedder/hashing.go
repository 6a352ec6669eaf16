package embedder

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/54b3r/ragstream-go/internal/rag"
)

// DefaultHashingDimensions is the vector length of the local embedder.
const DefaultHashingDimensions = 384

// hashTokenPattern matches letter/digit runs, including inner apostrophes.
var hashTokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}\p{N}]+)*`)

// HashingEmbedder maps text to a fixed-length vector by hashing lower-cased
// word unigrams and bigrams into signed buckets (the "hashing trick"), then
// L2-normalising. It is deterministic, needs no model or network, and gives
// identical texts a cosine similarity of exactly 1.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder returns a HashingEmbedder producing dim-length vectors.
func NewHashingEmbedder(dim int) (*HashingEmbedder, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("hashing embedder: dimensions must be positive, got %d: %w", dim, rag.ErrConfig)
	}
	return &HashingEmbedder{dim: dim}, nil
}

// Dimensions returns the vector length.
func (e *HashingEmbedder) Dimensions() int { return e.dim }

// Embed converts each text into a normalised hashed feature vector.
func (e *HashingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("hashing embedder: %w: %w", rag.ErrEmbedding, err)
		}
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *HashingEmbedder) vector(text string) []float32 {
	acc := make([]float64, e.dim)
	tokens := hashTokenPattern.FindAllString(strings.ToLower(text), -1)
	for i, tok := range tokens {
		e.add(acc, tok, 1)
		if i > 0 {
			e.add(acc, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var sum float64
	for _, x := range acc {
		sum += x * x
	}
	vec := make([]float32, e.dim)
	if sum == 0 {
		return vec
	}
	n := math.Sqrt(sum)
	for i, x := range acc {
		vec[i] = float32(x / n)
	}
	return vec
}

// add hashes feature into a bucket; one hash bit picks the sign so
// collisions tend to cancel instead of accumulating.
func (e *HashingEmbedder) add(acc []float64, feature string, weight float64) {
	h := xxhash.Sum64String(feature)
	bucket := h % uint64(e.dim)
	if h>>63 == 1 {
		weight = -weight
	}
	acc[bucket] += weight
}
