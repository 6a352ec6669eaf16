// Package ingest implements the document ingestion pipeline. Documents are
// extracted to text, fingerprinted, chunked, embedded on a bounded worker
// pool, and upserted into the vector index. Re-ingesting a source replaces
// every chunk of its previous version; unchanged content is skipped.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/54b3r/ragstream-go/internal/chunker"
	"github.com/54b3r/ragstream-go/internal/metrics"
	"github.com/54b3r/ragstream-go/internal/rag"
)

// ErrDocumentNotFound is returned when deleting a source that has no chunks.
var ErrDocumentNotFound = errors.New("ingest: document not found")

// Defaults applied by NewPipeline for zero Config fields.
const (
	DefaultChunkSize        = 200
	DefaultChunkOverlap     = 40
	DefaultWorkers          = 4
	DefaultQueueSize        = 64
	DefaultBatchSize        = 32
	DefaultHTTPTimeout      = 30 * time.Second
	DefaultMaxDocumentBytes = 10 << 20
)

// Document is one unit of ingestion.
type Document struct {
	// Source identifies the document: a file path, a URL, or a caller-chosen
	// name for pasted text. Re-ingesting a source supersedes it.
	Source string
	// Content is the raw document body.
	Content []byte
	// MIMEType selects the extractor; see ExtractorFor.
	MIMEType string
	// Metadata is copied onto every chunk and overrides inferred values.
	Metadata map[string]string
}

// Index is the subset of the vector index the pipeline mutates.
type Index interface {
	rag.VectorIndex
	RemoveDocument(ctx context.Context, documentID string) (int, error)
	Reset(ctx context.Context) error
	Len() int
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// ChunkSize is the maximum number of words per chunk.
	ChunkSize int

	// ChunkOverlap is the number of words shared by consecutive chunks.
	// Zero means no overlap.
	ChunkOverlap int

	// Workers is the number of concurrent embedding jobs.
	Workers int

	// QueueSize bounds how many submissions may wait for a free worker.
	// Beyond it documents are rejected with rag.ErrQueueFull.
	QueueSize int

	// BatchSize is the number of chunks sent per embedding call.
	BatchSize int

	// HTTPTimeout is the timeout for each URL fetch.
	HTTPTimeout time.Duration

	// MaxDocumentBytes caps fetched and uploaded document bodies.
	MaxDocumentBytes int64

	// UserAgent is sent with URL fetches.
	UserAgent string
}

// Status is the per-document outcome of an ingestion.
type Status string

const (
	StatusIngested Status = "ingested"
	StatusSkipped  Status = "skipped"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

// Outcome reports what happened to one document.
type Outcome struct {
	Source     string `json:"source"`
	DocumentID string `json:"document_id,omitempty"`
	Status     Status `json:"status"`
	Chunks     int    `json:"chunks"`
	Err        error  `json:"-"`
}

// Report aggregates a batch. Err joins every per-document error; a failed
// document never aborts the rest of the batch.
type Report struct {
	Ingested  int       `json:"ingested"`
	Skipped   int       `json:"skipped"`
	Chunks    int       `json:"chunks"`
	Documents []Outcome `json:"documents"`
	Err       error     `json:"-"`
}

// Info describes the knowledge base.
type Info struct {
	Documents    int `json:"documents"`
	Chunks       int `json:"chunks"`
	Dimension    int `json:"dimension"`
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`
}

// Pipeline orchestrates extract → chunk → embed → upsert for documents.
type Pipeline struct {
	embedder rag.Embedder
	index    Index
	splitter *chunker.Splitter
	cfg      Config
	pool     *ants.Pool
	registry *registry

	httpClient *http.Client
	log        *slog.Logger
	metrics    *metrics.Pipeline
	progress   func(Outcome)

	// locks serialises work on the same source.
	locks sync.Map
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMetrics reports document outcomes to m.
func WithMetrics(m *metrics.Pipeline) Option { return func(p *Pipeline) { p.metrics = m } }

// WithHTTPClient replaces the client used for URL fetches.
func WithHTTPClient(c *http.Client) Option { return func(p *Pipeline) { p.httpClient = c } }

// WithProgress registers a callback invoked once per finished document.
func WithProgress(fn func(Outcome)) Option { return func(p *Pipeline) { p.progress = fn } }

// NewPipeline constructs a Pipeline. Invalid chunk settings fail with
// rag.ErrConfig. Call Release when done.
func NewPipeline(embedder rag.Embedder, index Index, cfg Config, opts ...Option) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingest: embedder must not be nil: %w", rag.ErrConfig)
	}
	if index == nil {
		return nil, fmt.Errorf("ingest: index must not be nil: %w", rag.ErrConfig)
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ragstream/1.0 (document ingestion)"
	}

	splitter, err := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	pool, err := ants.NewPool(cfg.Workers, ants.WithMaxBlockingTasks(cfg.QueueSize))
	if err != nil {
		return nil, fmt.Errorf("ingest: worker pool: %w", err)
	}

	p := &Pipeline{
		embedder:   embedder,
		index:      index,
		splitter:   splitter,
		cfg:        cfg,
		pool:       pool,
		registry:   newRegistry(),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Release stops the worker pool. Ingest calls after Release fail.
func (p *Pipeline) Release() { p.pool.Release() }

// Sync rebuilds the document registry from index entries, typically after
// loading a persisted index, so unchanged documents are skipped again.
func (p *Pipeline) Sync(entries []rag.Entry) { p.registry.rebuild(entries) }

// prepared is a document ready to be embedded.
type prepared struct {
	doc         Document
	documentID  string
	fingerprint string
	meta        InferredMetadata
	chunks      []chunker.Chunk
}

// Ingest processes docs and reports per-document outcomes. Each document is
// embedded as one job on the worker pool; when the pool's wait queue is full
// the document is rejected with rag.ErrQueueFull.
func (p *Pipeline) Ingest(ctx context.Context, docs ...Document) Report {
	outcomes := make([]Outcome, len(docs))
	var wg sync.WaitGroup

	for i, doc := range docs {
		prep, out, ok := p.prepare(doc)
		if !ok {
			outcomes[i] = out
			continue
		}
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			outcomes[i] = p.run(ctx, prep)
		})
		if err != nil {
			wg.Done()
			if errors.Is(err, ants.ErrPoolOverload) {
				err = fmt.Errorf("ingest: %s: %w", doc.Source, rag.ErrQueueFull)
			} else {
				err = fmt.Errorf("ingest: %s: submit: %w", doc.Source, err)
			}
			outcomes[i] = Outcome{Source: doc.Source, DocumentID: prep.documentID, Status: StatusRejected, Err: err}
		}
	}
	wg.Wait()

	rep := Report{Documents: outcomes}
	var errs []error
	for _, o := range outcomes {
		switch o.Status {
		case StatusIngested:
			rep.Ingested++
			rep.Chunks += o.Chunks
		case StatusSkipped:
			rep.Skipped++
		}
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
		p.metrics.IngestOutcome(string(o.Status), o.Chunks)
		if p.progress != nil {
			p.progress(o)
		}
	}
	rep.Err = errors.Join(errs...)

	p.log.Info("ingest: batch finished",
		slog.Int("documents", len(docs)),
		slog.Int("ingested", rep.Ingested),
		slog.Int("skipped", rep.Skipped),
		slog.Int("chunks", rep.Chunks),
		slog.Int("errors", len(errs)),
	)
	return rep
}

// prepare extracts, fingerprints and chunks doc. It returns ok == false
// with a final outcome when the document needs no embedding.
func (p *Pipeline) prepare(doc Document) (prepared, Outcome, bool) {
	out := Outcome{Source: doc.Source, DocumentID: DocumentID(doc.Source)}
	reject := func(err error) (prepared, Outcome, bool) {
		out.Status = StatusRejected
		out.Err = err
		p.log.Warn("ingest: document rejected", slog.String("source", doc.Source), slog.String("error", err.Error()))
		return prepared{}, out, false
	}

	if doc.Source == "" {
		return reject(fmt.Errorf("ingest: document source must not be empty: %w", rag.ErrConfig))
	}
	if int64(len(doc.Content)) > p.cfg.MaxDocumentBytes {
		return reject(fmt.Errorf("ingest: %s: %d bytes exceeds limit of %d: %w", doc.Source, len(doc.Content), p.cfg.MaxDocumentBytes, rag.ErrConfig))
	}
	mimeType := doc.MIMEType
	if mimeType == "" {
		mimeType = MIMEForPath(doc.Source)
	}
	ex, err := ExtractorFor(mimeType)
	if err != nil {
		return reject(fmt.Errorf("ingest: %s: %w", doc.Source, err))
	}
	text, err := ex.Extract(doc.Content)
	if err != nil {
		return reject(fmt.Errorf("ingest: %s: extract: %w", doc.Source, err))
	}

	fp := Fingerprint(text)
	if p.registry.unchanged(doc.Source, fp) {
		out.Status = StatusSkipped
		p.log.Debug("ingest: document unchanged", slog.String("source", doc.Source))
		return prepared{}, out, false
	}

	chunks := p.splitter.Split(text)
	if len(chunks) == 0 {
		return reject(fmt.Errorf("ingest: %s: no text content: %w", doc.Source, rag.ErrUnsupportedFormat))
	}
	return prepared{
		doc:         doc,
		documentID:  out.DocumentID,
		fingerprint: fp,
		meta:        InferMetadata(doc.Source, mimeType, text),
		chunks:      chunks,
	}, out, true
}

// run embeds and indexes one prepared document on a pool worker.
func (p *Pipeline) run(ctx context.Context, prep prepared) (out Outcome) {
	src := prep.doc.Source
	out = Outcome{Source: src, DocumentID: prep.documentID}
	defer func() {
		if r := recover(); r != nil {
			out.Status = StatusFailed
			out.Err = fmt.Errorf("ingest: %s: panic: %v", src, r)
		}
	}()

	mu := p.lock(src)
	mu.Lock()
	defer mu.Unlock()

	if p.registry.unchanged(src, prep.fingerprint) {
		out.Status = StatusSkipped
		return out
	}

	entries, err := p.embed(ctx, prep)
	if err != nil {
		out.Status = StatusFailed
		out.Err = err
		p.log.Warn("ingest: embedding failed", slog.String("source", src), slog.String("error", err.Error()))
		return out
	}

	known := p.registry.known(src)
	if !known {
		// Chunks of a version indexed before this process started are
		// unknown to the registry; purge them by document id.
		if _, err := p.index.RemoveDocument(ctx, prep.documentID); err != nil {
			out.Status = StatusFailed
			out.Err = fmt.Errorf("ingest: %s: purge previous version: %w", src, err)
			return out
		}
	}
	if err := p.index.Upsert(ctx, entries...); err != nil {
		out.Status = StatusFailed
		out.Err = fmt.Errorf("ingest: %s: upsert: %w", src, err)
		p.log.Warn("ingest: upsert failed", slog.String("source", src), slog.String("error", err.Error()))
		return out
	}

	info := &DocumentInfo{
		ID:          prep.documentID,
		Source:      src,
		Title:       entries[0].Metadata[MetaTitle],
		Kind:        entries[0].Metadata[MetaKind],
		Fingerprint: prep.fingerprint,
		Chunks:      len(entries),
		IngestedAt:  time.Now().UTC(),
		chunkIDs:    make([]string, len(entries)),
	}
	for i, e := range entries {
		info.chunkIDs[i] = e.ID
	}
	if stale := p.registry.swap(info); len(stale) > 0 {
		if err := p.index.Remove(context.WithoutCancel(ctx), stale...); err != nil {
			p.log.Error("ingest: remove superseded chunks",
				slog.String("source", src),
				slog.Int("chunks", len(stale)),
				slog.String("error", err.Error()),
			)
		}
	}

	out.Status = StatusIngested
	out.Chunks = len(entries)
	p.log.Info("ingest: document indexed",
		slog.String("source", src),
		slog.String("document_id", prep.documentID),
		slog.Int("chunks", len(entries)),
	)
	return out
}

// embed computes vectors in batches and builds the index entries.
func (p *Pipeline) embed(ctx context.Context, prep prepared) ([]rag.Entry, error) {
	meta := prep.meta.Map(prep.doc.Metadata)
	meta[MetaFingerprint] = prep.fingerprint

	entries := make([]rag.Entry, 0, len(prep.chunks))
	for start := 0; start < len(prep.chunks); start += p.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("ingest: %s: %w", prep.doc.Source, err)
		}
		batch := prep.chunks[start:min(start+p.cfg.BatchSize, len(prep.chunks))]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content()
		}
		vectors, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("ingest: %s: %w", prep.doc.Source, err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("ingest: %s: got %d vectors for %d chunks: %w", prep.doc.Source, len(vectors), len(batch), rag.ErrEmbedding)
		}
		for i, c := range batch {
			entries = append(entries, rag.Entry{
				ID:         chunkID(prep.documentID, prep.fingerprint, c.Index),
				Vector:     vectors[i],
				DocumentID: prep.documentID,
				Source:     prep.doc.Source,
				ChunkIndex: c.Index,
				Text:       texts[i],
				Metadata:   meta,
			})
		}
	}
	return entries, nil
}

func (p *Pipeline) lock(source string) *sync.Mutex {
	mu, _ := p.locks.LoadOrStore(source, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// DeleteDocument removes every chunk of source from the index and forgets
// the document. It returns the number of chunks removed.
func (p *Pipeline) DeleteDocument(ctx context.Context, source string) (int, error) {
	mu := p.lock(source)
	mu.Lock()
	defer mu.Unlock()

	n, err := p.index.RemoveDocument(ctx, DocumentID(source))
	if err != nil {
		return 0, fmt.Errorf("ingest: delete %s: %w", source, err)
	}
	_, known := p.registry.remove(source)
	if n == 0 && !known {
		return 0, fmt.Errorf("%w: %s", ErrDocumentNotFound, source)
	}
	p.log.Info("ingest: document deleted", slog.String("source", source), slog.Int("chunks", n))
	return n, nil
}

// Clear removes every document from the knowledge base.
func (p *Pipeline) Clear(ctx context.Context) error {
	if err := p.index.Reset(ctx); err != nil {
		return fmt.Errorf("ingest: clear: %w", err)
	}
	p.registry.reset()
	p.log.Info("ingest: knowledge base cleared")
	return nil
}

// Documents lists the registered documents ordered by source.
func (p *Pipeline) Documents() []DocumentInfo { return p.registry.list() }

// Info describes the knowledge base.
func (p *Pipeline) Info() Info {
	return Info{
		Documents:    len(p.registry.list()),
		Chunks:       p.index.Len(),
		Dimension:    p.index.Dimension(),
		ChunkSize:    p.splitter.Size(),
		ChunkOverlap: p.splitter.Overlap(),
	}
}
