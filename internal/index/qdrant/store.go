// Package qdrant provides a rag.VectorIndex backed by a Qdrant collection,
// selected with RAG_INDEX_BACKEND=qdrant as the remote alternative to the
// in-memory index.
package qdrant

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/ragstream-go/internal/rag"
)

// Payload keys written alongside each point.
const (
	keyChunkID    = "chunk_id"
	keyDocumentID = "document_id"
	keySource     = "source"
	keyContent    = "content"
	keyChunkIndex = "chunk_index"
)

// pointNamespace derives point UUIDs for chunk ids that are not UUIDs already.
var pointNamespace = uuid.MustParse("6f1e3c2a-8d4b-4a7e-9c1f-2b5d7e9a0c3d")

// Config holds connection parameters for a Qdrant vector store instance.
type Config struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize int

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// Store implements rag.VectorIndex on top of a Qdrant collection. Scores come
// from Qdrant's cosine distance; ties keep Qdrant's order.
type Store struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this store.
	cfg *Config

	// gen counts successful mutations made through this Store.
	gen atomic.Uint64
}

var _ rag.VectorIndex = (*Store)(nil)

// New connects to Qdrant, creates the collection if needed, and returns a
// ready-to-use Store.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "ragstream"
	}
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("qdrant: vector size must be positive, got %d: %w", cfg.VectorSize, rag.ErrConfig)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	s := &Store{client: client, cfg: cfg}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// Client exposes the gRPC client for health probes.
func (s *Store) Client() *qdrant.Client { return s.client }

// Dimension returns the collection vector size.
func (s *Store) Dimension() int { return s.cfg.VectorSize }

// Generation returns the number of successful mutations made through s.
func (s *Store) Generation() uint64 { return s.gen.Load() }

// ensureCollection creates the Qdrant collection if it does not already exist.
func (s *Store) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.cfg.VectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}
	return nil
}

// Upsert writes entries as points. Vectors of the wrong length are rejected
// before anything is sent.
func (s *Store) Upsert(ctx context.Context, entries ...rag.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(entries))
	for _, e := range entries {
		if len(e.Vector) != s.cfg.VectorSize {
			return fmt.Errorf("qdrant: upsert %s: %w", e.ID, &rag.DimensionError{Want: s.cfg.VectorSize, Got: len(e.Vector)})
		}
		points = append(points, &qdrant.PointStruct{
			Id:      PointID(e.ID),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: qdrant.NewValueMap(payload(e)),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}
	s.gen.Add(1)
	return nil
}

// Search performs a cosine similarity search and returns the top-k results.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]rag.Result, error) {
	if len(query) != s.cfg.VectorSize {
		return nil, fmt.Errorf("qdrant: search: %w", &rag.DimensionError{Want: s.cfg.VectorSize, Got: len(query)})
	}
	if k <= 0 {
		return []rag.Result{}, nil
	}
	limit := uint64(k)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	results := make([]rag.Result, 0, len(points))
	for _, p := range points {
		r := fromPayload(p.GetPayload())
		if r.ChunkID == "" {
			r.ChunkID = p.GetId().GetUuid()
		}
		r.Score = min(max(p.GetScore(), 0), 1)
		results = append(results, r)
	}
	return results, nil
}

// Remove deletes points by chunk id.
func (s *Store) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, PointID(id))
	}
	if err := s.delete(ctx, qdrant.NewPointsSelector(pointIDs...)); err != nil {
		return err
	}
	s.gen.Add(1)
	return nil
}

// RemoveDocument deletes every point owned by documentID.
func (s *Store) RemoveDocument(ctx context.Context, documentID string) (int, error) {
	filter := &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(keyDocumentID, documentID)}}
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.cfg.Collection,
		Filter:         filter,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant: count document %s: %w", documentID, err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.delete(ctx, qdrant.NewPointsSelectorFilter(filter)); err != nil {
		return 0, err
	}
	s.gen.Add(1)
	return int(n), nil
}

// Len returns the exact number of points in the collection, or 0 when the
// count cannot be read.
func (s *Store) Len() int {
	n, err := s.client.Count(context.Background(), &qdrant.CountPoints{
		CollectionName: s.cfg.Collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0
	}
	return int(n)
}

// Reset drops and recreates the collection.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.client.DeleteCollection(ctx, s.cfg.Collection); err != nil {
		return fmt.Errorf("qdrant: drop collection %q: %w", s.cfg.Collection, err)
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}
	s.gen.Add(1)
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) delete(ctx context.Context, sel *qdrant.PointsSelector) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         sel,
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w", err)
	}
	return nil
}

// PointID maps a chunk id to a Qdrant point id. UUID chunk ids are used as
// is; anything else is hashed into a name-based UUID.
func PointID(chunkID string) *qdrant.PointId {
	if u, err := uuid.Parse(chunkID); err == nil {
		return qdrant.NewIDUUID(u.String())
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(chunkID)).String())
}

// payload flattens an entry into point payload. Metadata keys never shadow
// the reserved keys.
func payload(e rag.Entry) map[string]any {
	p := make(map[string]any, len(e.Metadata)+5)
	for k, v := range e.Metadata {
		p[k] = v
	}
	p[keyChunkID] = e.ID
	p[keyDocumentID] = e.DocumentID
	p[keySource] = e.Source
	p[keyContent] = e.Text
	p[keyChunkIndex] = strconv.Itoa(e.ChunkIndex)
	return p
}

// fromPayload is the inverse of payload.
func fromPayload(p map[string]*qdrant.Value) rag.Result {
	var r rag.Result
	for k, v := range p {
		s := v.GetStringValue()
		switch k {
		case keyChunkID:
			r.ChunkID = s
		case keyDocumentID:
			r.DocumentID = s
		case keySource:
			r.Source = s
		case keyContent:
			r.Text = s
		case keyChunkIndex:
			r.ChunkIndex, _ = strconv.Atoi(s)
		default:
			if r.Metadata == nil {
				r.Metadata = make(map[string]string)
			}
			r.Metadata[k] = s
		}
	}
	return r
}
