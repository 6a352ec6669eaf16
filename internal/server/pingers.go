package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/ragstream-go/internal/provider"
	"github.com/54b3r/ragstream-go/internal/rag"
)

// EnginePinger probes the generation engine. A token-free health check is
// used when the backend offers one; otherwise a one-word generation is
// opened and closed after its first increment.
type EnginePinger struct {
	engine      rag.Generator
	healthCheck provider.HealthCheckConfig
	name        string
}

// NewEnginePinger constructs an EnginePinger. hc may be nil.
func NewEnginePinger(engine rag.Generator, hc provider.HealthCheckConfig, name string) *EnginePinger {
	return &EnginePinger{engine: engine, healthCheck: hc, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *EnginePinger) Name() string { return p.name }

// Ping reports whether the engine is reachable.
func (p *EnginePinger) Ping(ctx context.Context) error {
	if p.healthCheck != nil {
		if err := p.healthCheck.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s health check failed: %w", p.name, err)
		}
		return nil
	}

	stream, err := p.engine.Generate(ctx, provider.PingMessages())
	if err != nil {
		return fmt.Errorf("generate failed: %w", err)
	}
	defer stream.Close()
	if _, err := stream.Recv(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("stream failed: %w", err)
	}
	return nil
}

// EmbedderPinger probes the embedding engine with a one-word batch and
// checks the returned dimension against the index.
type EmbedderPinger struct {
	embedder  rag.Embedder
	dimension int
}

// NewEmbedderPinger constructs an EmbedderPinger. dimension 0 skips the
// dimension check.
func NewEmbedderPinger(e rag.Embedder, dimension int) *EmbedderPinger {
	return &EmbedderPinger{embedder: e, dimension: dimension}
}

// Name returns the dependency label used in readiness responses.
func (p *EmbedderPinger) Name() string { return "embedder" }

// Ping embeds a probe word.
func (p *EmbedderPinger) Ping(ctx context.Context) error {
	vecs, err := p.embedder.Embed(ctx, []string{"ping"})
	if err != nil {
		return err
	}
	if len(vecs) != 1 {
		return fmt.Errorf("embedder returned %d vectors for 1 input", len(vecs))
	}
	if p.dimension > 0 && len(vecs[0]) != p.dimension {
		return &rag.DimensionError{Want: p.dimension, Got: len(vecs[0])}
	}
	return nil
}

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
type QdrantPinger struct {
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}
