// Package retrieval turns a query into a ranked, deduplicated list of source
// chunks. It embeds the query, over-fetches from the index, filters by score,
// collapses near-duplicate chunks of the same document, and caches the final
// list until the index changes or the entry expires.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/54b3r/ragstream-go/internal/metrics"
	"github.com/54b3r/ragstream-go/internal/rag"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultTopK         = 5
	DefaultOverfetch    = 3
	DefaultDedupEpsilon = 0.05
	DefaultCacheTTL     = 5 * time.Minute
	DefaultTimeout      = 5 * time.Second

	defaultCacheEntries = 4096
)

// Config tunes an Orchestrator.
type Config struct {
	// DefaultTopK is used when Retrieve is called with topK <= 0.
	DefaultTopK int
	// Overfetch multiplies topK for the index search so post-filtering
	// still leaves enough results.
	Overfetch int
	// DedupEpsilon is the score distance under which two chunks of the same
	// document count as near duplicates. Zero collapses exact ties only.
	DedupEpsilon float32
	// CacheTTL bounds how long a cached result list is served. Negative
	// disables caching.
	CacheTTL time.Duration
	// CacheEntries bounds the number of cached queries.
	CacheEntries int64
	// Timeout bounds embedding plus search for a single call.
	Timeout time.Duration
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	embedder rag.Embedder
	index    rag.VectorIndex
	cfg      Config
	cache    *ristretto.Cache[string, cached]
	log      *slog.Logger
	metrics  *metrics.Pipeline
}

// cached is a result list tagged with the index generation it was built from.
type cached struct {
	generation uint64
	results    []rag.Result
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics reports cache lookups and latency to m.
func WithMetrics(m *metrics.Pipeline) Option { return func(o *Orchestrator) { o.metrics = m } }

// New constructs an Orchestrator over the given embedder and index.
func New(embedder rag.Embedder, index rag.VectorIndex, cfg Config, opts ...Option) (*Orchestrator, error) {
	if embedder == nil {
		return nil, fmt.Errorf("retrieval: embedder must not be nil: %w", rag.ErrConfig)
	}
	if index == nil {
		return nil, fmt.Errorf("retrieval: index must not be nil: %w", rag.ErrConfig)
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = DefaultTopK
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = DefaultOverfetch
	}
	if cfg.DedupEpsilon < 0 {
		return nil, fmt.Errorf("retrieval: dedup epsilon must not be negative: %w", rag.ErrConfig)
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = defaultCacheEntries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	o := &Orchestrator{embedder: embedder, index: index, cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	if cfg.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, cached]{
			NumCounters: cfg.CacheEntries * 10,
			MaxCost:     cfg.CacheEntries,
			BufferItems: 64,
			// Every entry costs 1 so MaxCost counts queries.
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("retrieval: create cache: %w", err)
		}
		o.cache = cache
	}
	return o, nil
}

// Close releases the cache.
func (o *Orchestrator) Close() {
	if o.cache != nil {
		o.cache.Close()
	}
}

// Retrieve returns at most topK results scoring at least threshold. An empty
// index or a query nothing clears yields an empty list, not an error.
//
// Embedding failures wrap rag.ErrEmbedding. When the per-call timeout fires
// the error wraps rag.ErrRetrievalTimeout.
func (o *Orchestrator) Retrieve(ctx context.Context, query string, topK int, threshold float32) ([]rag.Result, error) {
	if topK <= 0 {
		topK = o.cfg.DefaultTopK
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("retrieval: score threshold %v outside [0,1]: %w", threshold, rag.ErrConfig)
	}
	norm := Normalize(query)
	if norm == "" {
		return []rag.Result{}, nil
	}

	key := cacheKey(norm, topK, threshold)
	gen := o.index.Generation()
	if res, ok := o.lookup(key, gen); ok {
		return res, nil
	}

	start := time.Now()
	results, err := o.fetch(ctx, query, topK, threshold)
	if err != nil {
		return nil, err
	}
	o.metrics.ObserveRetrieval(time.Since(start))

	// Only cache what was computed against an unchanged index.
	if o.cache != nil && o.index.Generation() == gen {
		o.cache.SetWithTTL(key, cached{generation: gen, results: results}, 1, o.cfg.CacheTTL)
		o.cache.Wait()
	}

	o.log.Debug("retrieval: fetched",
		slog.Int("results", len(results)),
		slog.Int("top_k", topK),
		slog.Duration("latency", time.Since(start)),
	)
	return clone(results), nil
}

// lookup serves key from the cache when it was filled at generation gen.
// An entry from an older generation means the index changed, so the whole
// cache is dropped.
func (o *Orchestrator) lookup(key string, gen uint64) ([]rag.Result, bool) {
	if o.cache == nil {
		return nil, false
	}
	c, ok := o.cache.Get(key)
	if ok && c.generation != gen {
		o.cache.Clear()
		ok = false
	}
	o.metrics.CacheLookup(ok)
	if !ok {
		return nil, false
	}
	return clone(c.results), true
}

// fetch runs embedding and search under the per-call timeout. The work runs
// in its own goroutine so a collaborator that ignores cancellation cannot
// hold the caller past the deadline.
func (o *Orchestrator) fetch(ctx context.Context, query string, topK int, threshold float32) ([]rag.Result, error) {
	tctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	type outcome struct {
		results []rag.Result
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.search(tctx, query, topK, threshold)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("retrieval: %w after %s: %w", rag.ErrRetrievalTimeout, o.cfg.Timeout, out.err)
		}
		return out.results, out.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("retrieval: %w", ctx.Err())
		}
		return nil, fmt.Errorf("retrieval: %w after %s", rag.ErrRetrievalTimeout, o.cfg.Timeout)
	}
}

func (o *Orchestrator) search(ctx context.Context, query string, topK int, threshold float32) ([]rag.Result, error) {
	vecs, err := o.embedder.Embed(ctx, []string{query})
	if err != nil {
		if errors.Is(err, rag.ErrEmbedding) {
			return nil, fmt.Errorf("retrieval: embed query: %w", err)
		}
		return nil, fmt.Errorf("retrieval: embed query: %w: %w", rag.ErrEmbedding, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("retrieval: embedder returned %d vectors for 1 query: %w", len(vecs), rag.ErrEmbedding)
	}

	hits, err := o.index.Search(ctx, vecs[0], topK*o.cfg.Overfetch)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}
	return Rank(hits, topK, threshold, o.cfg.DedupEpsilon), nil
}

// Rank applies the post-search pipeline to hits, which must already be sorted
// by descending score: drop results below threshold, collapse near-duplicate
// chunks of the same document (keeping the higher-ranked one), then truncate
// to topK.
func Rank(hits []rag.Result, topK int, threshold, epsilon float32) []rag.Result {
	out := make([]rag.Result, 0, min(len(hits), topK))
	kept := make(map[string][]float32)
	for _, h := range hits {
		if len(out) == topK {
			break
		}
		if h.Score < threshold {
			continue
		}
		doc := h.DocumentID
		if doc == "" {
			doc = h.Source
		}
		if nearDuplicate(kept[doc], h.Score, epsilon) {
			continue
		}
		kept[doc] = append(kept[doc], h.Score)
		out = append(out, h)
	}
	return out
}

func nearDuplicate(scores []float32, score, epsilon float32) bool {
	for _, s := range scores {
		if s-score <= epsilon {
			return true
		}
	}
	return false
}

// Normalize lower-cases the query, collapses whitespace runs, and trims it.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func cacheKey(norm string, topK int, threshold float32) string {
	return strconv.Itoa(topK) + "|" + strconv.FormatFloat(float64(threshold), 'g', -1, 32) + "|" + norm
}

func clone(rs []rag.Result) []rag.Result {
	return append(make([]rag.Result, 0, len(rs)), rs...)
}
