// Package index implements the in-memory embedding index.
//
// Readers load an immutable snapshot through an atomic pointer and never take
// a lock. Writers are serialised by a mutex; each mutation builds a complete
// new snapshot and publishes it with a single pointer swap, so a search always
// observes one fully committed state. Once the index grows past a threshold
// the snapshot also carries an inverted-file (IVF) cluster layout, rebuilt the
// same way: built off to the side, then swapped in.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/54b3r/ragstream-go/internal/metrics"
	"github.com/54b3r/ragstream-go/internal/rag"
)

const (
	// DefaultRebuildThreshold is the entry count at which the index switches
	// from exhaustive search to clustered search.
	DefaultRebuildThreshold = 2048

	// DefaultProbes is the number of nearest clusters searched per query.
	DefaultProbes = 8
)

// record is an entry as stored in a snapshot. Records are never mutated after
// they are published.
type record struct {
	entry rag.Entry
	norm  float64
	seq   uint64
}

// snapshot is one immutable committed state of the index.
type snapshot struct {
	records map[string]*record
	ivf     *ivf
}

// Stats is a point-in-time summary of the index.
type Stats struct {
	// Entries is the number of live entries.
	Entries int `json:"entries"`
	// Dimension is the fixed vector length.
	Dimension int `json:"dimension"`
	// Clusters is the number of IVF clusters, or 0 when search is exhaustive.
	Clusters int `json:"clusters"`
	// Generation is the mutation counter.
	Generation uint64 `json:"generation"`
}

// Option configures an Index.
type Option func(*Index)

// WithRebuildThreshold sets the entry count that triggers clustering.
// Values below 1 disable clustering.
func WithRebuildThreshold(n int) Option {
	return func(ix *Index) { ix.rebuildThreshold = n }
}

// WithProbes sets how many clusters a clustered search visits first.
func WithProbes(n int) Option {
	return func(ix *Index) {
		if n > 0 {
			ix.probes = n
		}
	}
}

// WithLogger sets the logger used for rebuild and load events.
func WithLogger(log *slog.Logger) Option {
	return func(ix *Index) {
		if log != nil {
			ix.log = log
		}
	}
}

// WithMetrics reports entry counts and rebuilds to m.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(ix *Index) { ix.metrics = m }
}

// Index is a fixed-dimension cosine-similarity index. It satisfies
// rag.VectorIndex and is safe for concurrent use.
type Index struct {
	dim              int
	rebuildThreshold int
	probes           int
	log              *slog.Logger
	metrics          *metrics.Pipeline

	// mu serialises writers. Readers only touch snap.
	mu      sync.Mutex
	nextSeq uint64

	snap atomic.Pointer[snapshot]
	gen  atomic.Uint64
}

var _ rag.VectorIndex = (*Index)(nil)

// New constructs an empty index accepting vectors of length dim.
func New(dim int, opts ...Option) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("index: dimension must be positive, got %d: %w", dim, rag.ErrConfig)
	}
	ix := &Index{
		dim:              dim,
		rebuildThreshold: DefaultRebuildThreshold,
		probes:           DefaultProbes,
		log:              slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.snap.Store(&snapshot{records: map[string]*record{}})
	return ix, nil
}

// Dimension returns the fixed vector length.
func (ix *Index) Dimension() int { return ix.dim }

// Generation returns the mutation counter.
func (ix *Index) Generation() uint64 { return ix.gen.Load() }

// Len returns the number of live entries.
func (ix *Index) Len() int { return len(ix.snap.Load().records) }

// Stats returns a summary of the current snapshot.
func (ix *Index) Stats() Stats {
	s := ix.snap.Load()
	st := Stats{Entries: len(s.records), Dimension: ix.dim, Generation: ix.gen.Load()}
	if s.ivf != nil {
		st.Clusters = len(s.ivf.centroids)
	}
	return st
}

// Upsert inserts or overwrites entries. The whole call is rejected with a
// *rag.DimensionError, leaving the index unchanged, if any vector has the
// wrong length, and with rag.ErrConfig if any component is NaN or infinite.
// An overwritten entry keeps its original insertion order.
func (ix *Index) Upsert(ctx context.Context, entries ...rag.Entry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("index: upsert: %w", err)
	}
	for _, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("index: upsert: entry id must not be empty: %w", rag.ErrConfig)
		}
		if len(e.Vector) != ix.dim {
			return fmt.Errorf("index: upsert %s: %w", e.ID, &rag.DimensionError{Want: ix.dim, Got: len(e.Vector)})
		}
		if i := slices.IndexFunc(e.Vector, nonFinite); i >= 0 {
			return fmt.Errorf("index: upsert %s: component %d is %v: %w", e.ID, i, e.Vector[i], rag.ErrConfig)
		}
	}
	if len(entries) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	old := ix.snap.Load()
	records := maps.Clone(old.records)
	for _, e := range entries {
		rec := newRecord(e)
		if prev, ok := records[e.ID]; ok {
			rec.seq = prev.seq
		} else {
			ix.nextSeq++
			rec.seq = ix.nextSeq
		}
		records[e.ID] = rec
	}
	ix.commit(old, records)
	return nil
}

// Remove deletes entries by id. Unknown ids are ignored.
func (ix *Index) Remove(ctx context.Context, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("index: remove: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	old := ix.snap.Load()
	records := maps.Clone(old.records)
	for _, id := range ids {
		delete(records, id)
	}
	ix.commit(old, records)
	return nil
}

// RemoveDocument deletes every entry owned by documentID and returns how many
// were removed.
func (ix *Index) RemoveDocument(ctx context.Context, documentID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("index: remove document: %w", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	old := ix.snap.Load()
	records := maps.Clone(old.records)
	removed := 0
	for id, rec := range records {
		if rec.entry.DocumentID == documentID {
			delete(records, id)
			removed++
		}
	}
	if removed > 0 {
		ix.commit(old, records)
	}
	return removed, nil
}

// Reset removes every entry.
func (ix *Index) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("index: reset: %w", err)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.commit(ix.snap.Load(), map[string]*record{})
	return nil
}

// Entries returns a copy of every live entry in insertion order.
func (ix *Index) Entries() []rag.Entry {
	recs := ordered(ix.snap.Load().records)
	out := make([]rag.Entry, len(recs))
	for i, r := range recs {
		out[i] = cloneEntry(r.entry)
	}
	return out
}

// Search returns at most k entries ranked by cosine similarity, descending,
// ties broken by insertion order. Scores are clamped to [0,1].
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]rag.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("index: search: %w", &rag.DimensionError{Want: ix.dim, Got: len(query)})
	}
	if slices.ContainsFunc(query, nonFinite) {
		return nil, fmt.Errorf("index: search: query has a non-finite component: %w", rag.ErrConfig)
	}
	snap := ix.snap.Load()
	if k <= 0 || len(snap.records) == 0 {
		return []rag.Result{}, nil
	}

	qnorm := norm(query)
	var candidates []*record
	if snap.ivf != nil {
		candidates = snap.ivf.candidates(query, k, ix.probes)
	} else {
		candidates = make([]*record, 0, len(snap.records))
		for _, r := range snap.records {
			candidates = append(candidates, r)
		}
	}

	results := make([]rag.Result, 0, len(candidates))
	for _, r := range candidates {
		results = append(results, toResult(r, cosine(query, qnorm, r)))
	}
	slices.SortFunc(results, compareResults)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// commit publishes a new snapshot built from records. The caller holds mu.
func (ix *Index) commit(old *snapshot, records map[string]*record) {
	next := &snapshot{records: records}
	switch {
	case ix.rebuildThreshold < 1 || len(records) < ix.rebuildThreshold:
		// exhaustive search
	case old.ivf == nil || old.ivf.stale(len(records)):
		start := time.Now()
		next.ivf = buildIVF(records)
		elapsed := time.Since(start)
		ix.metrics.ObserveRebuild(elapsed)
		ix.log.Info("index: clusters rebuilt",
			slog.Int("entries", len(records)),
			slog.Int("clusters", len(next.ivf.centroids)),
			slog.Duration("duration", elapsed),
		)
	default:
		next.ivf = old.ivf.reassign(records)
	}
	ix.snap.Store(next)
	ix.gen.Add(1)
	ix.metrics.SetIndexEntries(len(records))
}

// newRecord copies e so later changes by the caller cannot leak into a
// published snapshot.
func newRecord(e rag.Entry) *record {
	c := cloneEntry(e)
	return &record{entry: c, norm: norm(c.Vector)}
}

func cloneEntry(e rag.Entry) rag.Entry {
	e.Vector = slices.Clone(e.Vector)
	e.Metadata = maps.Clone(e.Metadata)
	return e
}

// ordered returns records sorted by insertion sequence.
func ordered(records map[string]*record) []*record {
	out := make([]*record, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *record) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}

func toResult(r *record, score float32) rag.Result {
	return rag.Result{
		ChunkID:    r.entry.ID,
		DocumentID: r.entry.DocumentID,
		Source:     r.entry.Source,
		ChunkIndex: r.entry.ChunkIndex,
		Text:       r.entry.Text,
		Metadata:   maps.Clone(r.entry.Metadata),
		Score:      score,
		Seq:        r.seq,
	}
}

// compareResults orders by score descending, then insertion order ascending.
func compareResults(a, b rag.Result) int {
	switch {
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func nonFinite(x float32) bool {
	f := float64(x)
	return math.IsNaN(f) || math.IsInf(f, 0)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// cosine returns the clamped cosine similarity between q and r. Zero vectors
// score 0.
func cosine(q []float32, qnorm float64, r *record) float32 {
	if qnorm == 0 || r.norm == 0 {
		return 0
	}
	s := dot(q, r.entry.Vector) / (qnorm * r.norm)
	return float32(min(max(s, 0), 1))
}
