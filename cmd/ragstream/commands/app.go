package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragstream-go/internal/chat"
	"github.com/54b3r/ragstream-go/internal/config"
	"github.com/54b3r/ragstream-go/internal/embedder"
	"github.com/54b3r/ragstream-go/internal/index"
	"github.com/54b3r/ragstream-go/internal/index/qdrant"
	"github.com/54b3r/ragstream-go/internal/ingest"
	"github.com/54b3r/ragstream-go/internal/metrics"
	"github.com/54b3r/ragstream-go/internal/rag"
	"github.com/54b3r/ragstream-go/internal/retrieval"
	"github.com/54b3r/ragstream-go/internal/session"
)

// chatTimeoutSlack is the headroom added on top of the pipeline timeouts.
const chatTimeoutSlack = 30 * time.Second

// app is the knowledge-base side of the pipeline shared by every command:
// embedder, vector index, ingestion and retrieval. Generation is wired
// separately because only serve and ask need a model.
type app struct {
	log       *slog.Logger
	opts      config.Options
	rt        config.Runtime
	metrics   *metrics.Pipeline
	embedder  rag.Embedder
	dimension int

	// memIndex is set for the in-memory backend, store for Qdrant.
	memIndex *index.Index
	store    *qdrant.Store

	kb        *ingest.Pipeline
	retrieval *retrieval.Orchestrator

	persistMu sync.Mutex
}

// newApp resolves options from the environment and builds the pipeline.
// reg receives pipeline metrics; nil disables them.
func newApp(ctx context.Context, log *slog.Logger, reg prometheus.Registerer) (*app, error) {
	opts, err := config.OptionsFromEnv()
	if err != nil {
		return nil, err
	}
	rt, err := config.RuntimeFromEnv()
	if err != nil {
		return nil, err
	}

	if err := embedder.Validate(log); err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	backend := embedder.ResolveBackend()
	a := &app{
		log:       log,
		opts:      opts,
		rt:        rt,
		embedder:  emb,
		dimension: embedder.DefaultDimensions(backend),
	}
	if reg != nil {
		a.metrics = metrics.New(reg)
	}
	log.Info("embedder initialised", slog.String("backend", backend), slog.Int("dimension", a.dimension))

	var idx ingest.Index
	switch rt.IndexBackend {
	case config.BackendQdrant:
		store, err := qdrant.New(ctx, &qdrant.Config{
			Host:       os.Getenv("QDRANT_HOST"),
			Port:       envInt("QDRANT_PORT", 0),
			Collection: os.Getenv("QDRANT_COLLECTION"),
			VectorSize: a.dimension,
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     os.Getenv("QDRANT_TLS") == "true",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
		}
		a.store = store
		idx = store
		log.Info("index: qdrant backend ready", slog.Int("entries", store.Len()))

	default:
		mem, err := index.New(a.dimension, index.WithLogger(log), index.WithMetrics(a.metrics))
		if err != nil {
			return nil, err
		}
		switch err := mem.Load(ctx, rt.IndexPath); {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			log.Info("index: starting empty", slog.String("path", rt.IndexPath))
		case errors.Is(err, rag.ErrIndexCorruption), errors.Is(err, rag.ErrDimension):
			// The unreadable file stays on disk until the next persist
			// replaces it.
			log.Error("index: unusable index file, starting empty",
				slog.String("path", rt.IndexPath),
				slog.Any("error", err),
			)
		default:
			return nil, err
		}
		a.memIndex = mem
		idx = mem
	}

	a.kb, err = ingest.NewPipeline(emb, idx, ingest.Config{
		ChunkSize:    opts.ChunkSize,
		ChunkOverlap: opts.ChunkOverlap,
		Workers:      rt.IngestWorkers,
		QueueSize:    rt.IngestQueue,
	}, ingest.WithLogger(log), ingest.WithMetrics(a.metrics))
	if err != nil {
		a.Close()
		return nil, err
	}
	if a.memIndex != nil {
		a.kb.Sync(a.memIndex.Entries())
	}

	a.retrieval, err = retrieval.New(emb, idx, retrieval.Config{
		DefaultTopK:  opts.TopK,
		Overfetch:    rt.Overfetch,
		DedupEpsilon: rt.DedupEpsilon,
		CacheTTL:     rt.CacheTTL,
		Timeout:      rt.RetrievalTimeout,
	}, retrieval.WithLogger(log), retrieval.WithMetrics(a.metrics))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// newChat builds a chat coordinator over the app's retrieval.
func (a *app) newChat(engine rag.Generator, sessions *session.Manager) (*chat.Coordinator, error) {
	return chat.New(a.retrieval, sessions, engine, chat.Config{
		TopK:              a.opts.TopK,
		ScoreThreshold:    a.opts.ScoreThreshold,
		MaxContextTokens:  a.opts.MaxContextTokens,
		SystemPreamble:    a.rt.SystemPreamble,
		RetrievalTimeout:  a.rt.RetrievalTimeout,
		GenerationTimeout: a.rt.GenerationTimeout,
	}, chat.WithLogger(a.log), chat.WithMetrics(a.metrics))
}

// chatTimeout bounds one HTTP chat request. It leaves room for retrieval,
// the full generation budget and the terminal event, so a slow engine ends
// as a generation timeout with its partial output.
func (a *app) chatTimeout() time.Duration {
	return a.rt.RetrievalTimeout + a.rt.GenerationTimeout + chatTimeoutSlack
}

// indexPath is the file backing the in-memory index, or "" for Qdrant.
func (a *app) indexPath() string {
	if a.memIndex == nil {
		return ""
	}
	return a.rt.IndexPath
}

// persist writes the in-memory index to disk. Qdrant is durable on its own.
func (a *app) persist(context.Context) error {
	if a.memIndex == nil {
		return nil
	}
	a.persistMu.Lock()
	defer a.persistMu.Unlock()
	return a.memIndex.Persist(a.rt.IndexPath)
}

// Close releases the worker pool, the retrieval cache and the Qdrant client.
func (a *app) Close() {
	if a.retrieval != nil {
		a.retrieval.Close()
	}
	if a.kb != nil {
		a.kb.Release()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
