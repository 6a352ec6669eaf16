// Package chunker splits document text into bounded, overlapping chunks.
//
// The unit of measure is a word: a maximal run of non-whitespace characters.
// Cut points prefer paragraph boundaries, then sentence boundaries, and fall
// back to a hard cut at the size limit. Consecutive chunks share exactly
// Overlap words, and every chunk records its byte span in the source so the
// original text can be reassembled exactly.
package chunker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/54b3r/ragstream-go/internal/rag"
)

// unitPattern matches one word.
var unitPattern = regexp.MustCompile(`\S+`)

// strength ranks the boundary between two adjacent words.
type strength int

const (
	word strength = iota
	sentence
	paragraph
)

// Chunk is one bounded span of a document.
type Chunk struct {
	// Index is the position of the chunk within its document, starting at 0.
	Index int
	// Text is source[Start:End].
	Text string
	// Start is the byte offset of the chunk in the source text.
	Start int
	// End is the byte offset one past the last byte of the chunk.
	End int
	// TokenCount is the number of words in the chunk.
	TokenCount int
	// OverlapTokens is the number of leading words repeated from the previous chunk.
	OverlapTokens int
}

// Content returns the chunk text without surrounding whitespace. It is what
// gets embedded and indexed.
func (c Chunk) Content() string {
	return strings.TrimSpace(c.Text)
}

// Splitter holds a validated size/overlap pair.
type Splitter struct {
	size    int
	overlap int
}

// New validates size and overlap and returns a Splitter. It fails with
// rag.ErrConfig when size is not positive, overlap is negative, or overlap
// is not smaller than size.
func New(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunker: chunk size must be positive, got %d: %w", size, rag.ErrConfig)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("chunker: overlap must not be negative, got %d: %w", overlap, rag.ErrConfig)
	}
	if overlap >= size {
		return nil, fmt.Errorf("chunker: overlap %d must be smaller than chunk size %d: %w", overlap, size, rag.ErrConfig)
	}
	return &Splitter{size: size, overlap: overlap}, nil
}

// Split is shorthand for New(size, overlap) followed by Splitter.Split.
func Split(text string, size, overlap int) ([]Chunk, error) {
	s, err := New(size, overlap)
	if err != nil {
		return nil, err
	}
	return s.Split(text), nil
}

// Size returns the maximum number of words per chunk.
func (s *Splitter) Size() int { return s.size }

// Overlap returns the number of words shared by consecutive chunks.
func (s *Splitter) Overlap() int { return s.overlap }

// Split cuts text into chunks. Empty or whitespace-only text yields nil.
func (s *Splitter) Split(text string) []Chunk {
	units := unitPattern.FindAllStringIndex(text, -1)
	n := len(units)
	if n == 0 {
		return nil
	}

	var chunks []Chunk
	start, prevEnd := 0, 0
	for {
		end := min(start+s.size, n)
		cut := n
		if end < n {
			cut = s.cutPoint(text, units, start, end)
		}

		c := Chunk{
			Index:      len(chunks),
			TokenCount: cut - start,
			End:        len(text),
		}
		if cut < n {
			c.End = units[cut-1][1]
		}
		switch {
		case len(chunks) == 0:
			c.Start = 0
		case s.overlap == 0:
			c.Start = prevEnd
		default:
			c.Start = units[start][0]
			c.OverlapTokens = s.overlap
		}
		c.Text = text[c.Start:c.End]
		chunks = append(chunks, c)

		if cut == n {
			return chunks
		}
		prevEnd = c.End
		start = cut - s.overlap
	}
}

// cutPoint picks the word index at which the chunk starting at start ends.
// Candidates lie in [lo, end]; lo keeps every chunk longer than the overlap
// and, when possible, at least half the size limit.
func (s *Splitter) cutPoint(text string, units [][]int, start, end int) int {
	lo := max(start+s.overlap+1, start+s.size/2)
	for _, want := range []strength{paragraph, sentence} {
		for j := end; j >= lo; j-- {
			if boundary(text, units, j) == want {
				return j
			}
		}
	}
	return end
}

// boundary classifies the gap between word j-1 and word j.
func boundary(text string, units [][]int, j int) strength {
	sep := text[units[j-1][1]:units[j][0]]
	if strings.Count(sep, "\n") >= 2 {
		return paragraph
	}
	prev := strings.TrimRight(text[units[j-1][0]:units[j-1][1]], `"')]}»”’`)
	if prev != "" && strings.ContainsAny(prev[len(prev)-1:], ".!?") {
		return sentence
	}
	return word
}

// Reassemble concatenates chunks with their overlapping prefixes removed.
// For the output of Split it returns the original text.
func Reassemble(chunks []Chunk) string {
	var b strings.Builder
	covered := 0
	for _, c := range chunks {
		skip := max(covered-c.Start, 0)
		if skip < len(c.Text) {
			b.WriteString(c.Text[skip:])
		}
		covered = max(covered, c.End)
	}
	return b.String()
}
