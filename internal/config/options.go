package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/54b3r/ragstream-go/internal/rag"
)

// Environment variables read by OptionsFromEnv and RuntimeFromEnv.
const (
	EnvChunkSize         = "RAG_CHUNK_SIZE"
	EnvChunkOverlap      = "RAG_CHUNK_OVERLAP"
	EnvTopK              = "RAG_TOP_K"
	EnvScoreThreshold    = "RAG_SCORE_THRESHOLD"
	EnvMaxContextTokens  = "RAG_MAX_CONTEXT_TOKENS"
	EnvOverfetch         = "RAG_OVERFETCH"
	EnvDedupEpsilon      = "RAG_DEDUP_EPSILON"
	EnvCacheTTL          = "RAG_CACHE_TTL"
	EnvRetrievalTimeout  = "RAG_RETRIEVAL_TIMEOUT"
	EnvGenerationTimeout = "RAG_GENERATION_TIMEOUT"
	EnvIngestWorkers     = "RAG_INGEST_WORKERS"
	EnvIngestQueue       = "RAG_INGEST_QUEUE"
	EnvIndexPath         = "RAG_INDEX_PATH"
	EnvIndexBackend      = "RAG_INDEX_BACKEND"
	EnvSessionMaxTurns   = "RAG_SESSION_MAX_TURNS"
	EnvSystemPreamble    = "RAG_SYSTEM_PREAMBLE"
)

// Index backends.
const (
	BackendMemory = "memory"
	BackendQdrant = "qdrant"
)

// Options is the closed set of pipeline options. Every field has a default
// from DefaultOptions.
type Options struct {
	// ChunkSize is the maximum number of words per chunk.
	ChunkSize int
	// ChunkOverlap is the number of words copied from the tail of one chunk
	// to the head of the next. Must be smaller than ChunkSize.
	ChunkOverlap int
	// TopK is the maximum number of retrieved sources per request.
	TopK int
	// ScoreThreshold drops results whose cosine score is below it.
	ScoreThreshold float32
	// MaxContextTokens is the prompt budget used when assembling prompts.
	MaxContextTokens int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		ChunkSize:        200,
		ChunkOverlap:     40,
		TopK:             5,
		ScoreThreshold:   0.2,
		MaxContextTokens: 6000,
	}
}

// Validate rejects invalid combinations with rag.ErrConfig.
func (o Options) Validate() error {
	var errs []error
	if o.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", o.ChunkSize))
	}
	if o.ChunkOverlap < 0 {
		errs = append(errs, fmt.Errorf("chunk overlap must not be negative, got %d", o.ChunkOverlap))
	}
	if o.ChunkSize > 0 && o.ChunkOverlap >= o.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", o.ChunkOverlap, o.ChunkSize))
	}
	if o.TopK <= 0 {
		errs = append(errs, fmt.Errorf("top_k must be positive, got %d", o.TopK))
	}
	if o.ScoreThreshold < 0 || o.ScoreThreshold > 1 {
		errs = append(errs, fmt.Errorf("score threshold must be within [0,1], got %g", o.ScoreThreshold))
	}
	if o.MaxContextTokens <= 0 {
		errs = append(errs, fmt.Errorf("max context tokens must be positive, got %d", o.MaxContextTokens))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid options: %w: %w", rag.ErrConfig, errors.Join(errs...))
	}
	return nil
}

// OptionsFromEnv reads Options from the environment over DefaultOptions and
// validates the result. Unparseable values fail with rag.ErrConfig.
func OptionsFromEnv() (Options, error) {
	o := DefaultOptions()
	p := envParser{}
	p.intVar(EnvChunkSize, &o.ChunkSize)
	p.intVar(EnvChunkOverlap, &o.ChunkOverlap)
	p.intVar(EnvTopK, &o.TopK)
	p.floatVar(EnvScoreThreshold, &o.ScoreThreshold)
	p.intVar(EnvMaxContextTokens, &o.MaxContextTokens)
	if err := p.err(); err != nil {
		return Options{}, err
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// Runtime holds the operational settings that tune but do not define the
// pipeline.
type Runtime struct {
	Overfetch         int
	DedupEpsilon      float32
	CacheTTL          time.Duration
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
	IngestWorkers     int
	IngestQueue       int
	IndexPath         string
	IndexBackend      string
	SessionMaxTurns   int
	SystemPreamble    string
}

// DefaultRuntime returns the operational defaults.
func DefaultRuntime() Runtime {
	return Runtime{
		Overfetch:         3,
		DedupEpsilon:      0.05,
		CacheTTL:          5 * time.Minute,
		RetrievalTimeout:  5 * time.Second,
		GenerationTimeout: 2 * time.Minute,
		IngestWorkers:     4,
		IngestQueue:       64,
		IndexPath:         DefaultIndexPath(),
		IndexBackend:      BackendMemory,
		SessionMaxTurns:   200,
	}
}

// DefaultIndexPath returns ~/.ragstream/index.bin, or index.bin in the
// working directory when the home directory is unknown.
func DefaultIndexPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "index.bin"
	}
	return filepath.Join(home, ".ragstream", "index.bin")
}

// RuntimeFromEnv reads Runtime from the environment over DefaultRuntime.
func RuntimeFromEnv() (Runtime, error) {
	r := DefaultRuntime()
	p := envParser{}
	p.intVar(EnvOverfetch, &r.Overfetch)
	p.floatVar(EnvDedupEpsilon, &r.DedupEpsilon)
	p.durationVar(EnvCacheTTL, &r.CacheTTL)
	p.durationVar(EnvRetrievalTimeout, &r.RetrievalTimeout)
	p.durationVar(EnvGenerationTimeout, &r.GenerationTimeout)
	p.intVar(EnvIngestWorkers, &r.IngestWorkers)
	p.intVar(EnvIngestQueue, &r.IngestQueue)
	p.intVar(EnvSessionMaxTurns, &r.SessionMaxTurns)
	if v := os.Getenv(EnvIndexPath); v != "" {
		r.IndexPath = v
	}
	if v := os.Getenv(EnvIndexBackend); v != "" {
		r.IndexBackend = v
	}
	r.SystemPreamble = os.Getenv(EnvSystemPreamble)
	if err := p.err(); err != nil {
		return Runtime{}, err
	}
	if r.IndexBackend != BackendMemory && r.IndexBackend != BackendQdrant {
		return Runtime{}, fmt.Errorf("config: %s must be %q or %q, got %q: %w",
			EnvIndexBackend, BackendMemory, BackendQdrant, r.IndexBackend, rag.ErrConfig)
	}
	return r, nil
}

// envParser collects parse failures so every bad variable is reported.
type envParser struct {
	errs []error
}

func (p *envParser) intVar(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s=%q is not an integer", key, v))
		return
	}
	*dst = n
}

func (p *envParser) floatVar(key string, dst *float32) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s=%q is not a number", key, v))
		return
	}
	*dst = float32(f)
}

func (p *envParser) durationVar(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s=%q is not a duration", key, v))
		return
	}
	*dst = d
}

func (p *envParser) err() error {
	if len(p.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w: %w", rag.ErrConfig, errors.Join(p.errs...))
}
