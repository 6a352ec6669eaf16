package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/ragstream-go/internal/embedder"
	"github.com/54b3r/ragstream-go/internal/index"
	"github.com/54b3r/ragstream-go/internal/rag"
)

const testDim = 64

func newPipeline(t *testing.T, cfg Config, emb rag.Embedder) (*Pipeline, *index.Index) {
	t.Helper()
	ix, err := index.New(testDim)
	require.NoError(t, err)
	if emb == nil {
		emb, err = embedder.NewHashingEmbedder(testDim)
		require.NoError(t, err)
	}
	p, err := NewPipeline(emb, ix, cfg)
	require.NoError(t, err)
	t.Cleanup(p.Release)
	return p, ix
}

func textDoc(source, body string) Document {
	return Document{Source: source, Content: []byte(body), MIMEType: MIMEPlain}
}

func chunkTexts(ix *index.Index) []string {
	entries := ix.Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].ChunkIndex < entries[j].ChunkIndex })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

func TestIngest_ChunksAndFindsExactChunk(t *testing.T) {
	t.Parallel()
	p, ix := newPipeline(t, Config{ChunkSize: 4, ChunkOverlap: 2}, nil)
	ctx := context.Background()

	rep := p.Ingest(ctx, textDoc("letters", "A B C D E F"))
	require.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.Ingested)
	assert.Equal(t, 2, rep.Chunks)
	assert.Equal(t, []string{"A B C D", "C D E F"}, chunkTexts(ix))

	emb, err := embedder.NewHashingEmbedder(testDim)
	require.NoError(t, err)
	q, err := emb.Embed(ctx, []string{"A B C D"})
	require.NoError(t, err)
	res, err := ix.Search(ctx, q[0], 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "A B C D", res[0].Text)
	assert.InDelta(t, 1.0, res[0].Score, 1e-5)
	assert.Equal(t, DocumentID("letters"), res[0].DocumentID)
	assert.Equal(t, Fingerprint("A B C D E F"), res[0].Metadata[MetaFingerprint])
}

func TestIngest_UnchangedIsSkipped(t *testing.T) {
	t.Parallel()
	p, ix := newPipeline(t, Config{ChunkSize: 4, ChunkOverlap: 1}, nil)
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx, textDoc("doc", "one two three four five")).Err)
	gen := ix.Generation()

	rep := p.Ingest(ctx, textDoc("doc", "one two three four five"))
	require.NoError(t, rep.Err)
	assert.Equal(t, 0, rep.Ingested)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, StatusSkipped, rep.Documents[0].Status)
	assert.Equal(t, gen, ix.Generation())
}

func TestIngest_ReingestSupersedesPreviousVersion(t *testing.T) {
	t.Parallel()
	p, ix := newPipeline(t, Config{ChunkSize: 3}, nil)
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx, textDoc("doc", "a b c d e f g h i")).Err)
	require.Equal(t, 3, ix.Len())

	require.NoError(t, p.Ingest(ctx, textDoc("doc", "x y z")).Err)
	assert.Equal(t, []string{"x y z"}, chunkTexts(ix))

	docs := p.Documents()
	require.Len(t, docs, 1)
	assert.Equal(t, 1, docs[0].Chunks)
	assert.Equal(t, Fingerprint("x y z"), docs[0].Fingerprint)
}

func TestIngest_PurgesVersionUnknownToRegistry(t *testing.T) {
	t.Parallel()
	ix, err := index.New(testDim)
	require.NoError(t, err)
	emb, err := embedder.NewHashingEmbedder(testDim)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := NewPipeline(emb, ix, Config{ChunkSize: 2})
	require.NoError(t, err)
	defer first.Release()
	require.NoError(t, first.Ingest(ctx, textDoc("doc", "old text that spans chunks")).Err)

	second, err := NewPipeline(emb, ix, Config{ChunkSize: 2})
	require.NoError(t, err)
	defer second.Release()
	require.NoError(t, second.Ingest(ctx, textDoc("doc", "new text")).Err)

	assert.Equal(t, []string{"new text"}, chunkTexts(ix))
}

func TestSync_RestoresSkipping(t *testing.T) {
	t.Parallel()
	ix, err := index.New(testDim)
	require.NoError(t, err)
	emb, err := embedder.NewHashingEmbedder(testDim)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := NewPipeline(emb, ix, Config{})
	require.NoError(t, err)
	defer first.Release()
	require.NoError(t, first.Ingest(ctx, textDoc("doc", "stable content")).Err)

	second, err := NewPipeline(emb, ix, Config{})
	require.NoError(t, err)
	defer second.Release()
	second.Sync(ix.Entries())

	rep := second.Ingest(ctx, textDoc("doc", "stable content"))
	assert.Equal(t, 1, rep.Skipped)
	require.Len(t, second.Documents(), 1)
	assert.Equal(t, "doc", second.Documents()[0].Source)
}

func TestIngest_PerDocumentFailuresDoNotAbortBatch(t *testing.T) {
	t.Parallel()
	p, ix := newPipeline(t, Config{}, nil)

	rep := p.Ingest(context.Background(),
		Document{Source: "image.png", Content: []byte{0x89, 'P', 'N', 'G'}, MIMEType: "image/png"},
		textDoc("good", "useful words here"),
		textDoc("blank", "   \n\t "),
		Document{Content: []byte("no source")},
	)

	assert.Equal(t, 1, rep.Ingested)
	assert.Equal(t, 1, ix.Len())
	require.Len(t, rep.Documents, 4)
	assert.Equal(t, StatusRejected, rep.Documents[0].Status)
	assert.ErrorIs(t, rep.Documents[0].Err, rag.ErrUnsupportedFormat)
	assert.Equal(t, StatusIngested, rep.Documents[1].Status)
	assert.Equal(t, StatusRejected, rep.Documents[2].Status)
	assert.ErrorIs(t, rep.Documents[3].Err, rag.ErrConfig)
	assert.ErrorIs(t, rep.Err, rag.ErrUnsupportedFormat)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("model not loaded: " + rag.ErrEmbedding.Error())
}

type wrongCountEmbedder struct{}

func (wrongCountEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)-1), nil
}

func TestIngest_EmbeddingFailure(t *testing.T) {
	t.Parallel()
	p, ix := newPipeline(t, Config{}, wrongCountEmbedder{})

	rep := p.Ingest(context.Background(), textDoc("doc", "some words"))
	require.Len(t, rep.Documents, 1)
	assert.Equal(t, StatusFailed, rep.Documents[0].Status)
	assert.ErrorIs(t, rep.Err, rag.ErrEmbedding)
	assert.Equal(t, 0, ix.Len())
	assert.Empty(t, p.Documents())

	p2, _ := newPipeline(t, Config{}, failingEmbedder{})
	rep = p2.Ingest(context.Background(), textDoc("doc", "some words"))
	assert.Equal(t, StatusFailed, rep.Documents[0].Status)
	assert.Error(t, rep.Err)
}

// gateEmbedder blocks every call until release is closed.
type gateEmbedder struct {
	inner   rag.Embedder
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.inner.Embed(ctx, texts)
}

func TestIngest_QueueFullRejects(t *testing.T) {
	t.Parallel()
	inner, err := embedder.NewHashingEmbedder(testDim)
	require.NoError(t, err)
	gate := &gateEmbedder{inner: inner, started: make(chan struct{}), release: make(chan struct{})}
	p, ix := newPipeline(t, Config{Workers: 1, QueueSize: 1}, gate)
	ctx := context.Background()

	var wg sync.WaitGroup
	reports := make([]Report, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0] = p.Ingest(ctx, textDoc("busy", "occupies the only worker"))
	}()
	<-gate.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[1] = p.Ingest(ctx, textDoc("waiting", "waits in the queue"))
	}()
	require.Eventually(t, func() bool { return p.pool.Waiting() == 1 }, 2*time.Second, 5*time.Millisecond)

	rep := p.Ingest(ctx, textDoc("overflow", "no room left"))
	require.Len(t, rep.Documents, 1)
	assert.Equal(t, StatusRejected, rep.Documents[0].Status)
	assert.ErrorIs(t, rep.Err, rag.ErrQueueFull)

	close(gate.release)
	wg.Wait()
	assert.Equal(t, 1, reports[0].Ingested)
	assert.Equal(t, 1, reports[1].Ingested)
	assert.Equal(t, 2, ix.Len())
}

func TestDeleteDocument(t *testing.T) {
	t.Parallel()
	p, ix := newPipeline(t, Config{ChunkSize: 2}, nil)
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx, textDoc("a", "one two three"), textDoc("b", "four five")).Err)
	require.Equal(t, 3, ix.Len())

	n, err := p.DeleteDocument(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, ix.Len())
	for _, e := range ix.Entries() {
		assert.Equal(t, "b", e.Source)
	}

	_, err = p.DeleteDocument(ctx, "a")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestClearAndInfo(t *testing.T) {
	t.Parallel()
	p, ix := newPipeline(t, Config{ChunkSize: 10, ChunkOverlap: 3}, nil)
	ctx := context.Background()

	require.NoError(t, p.Ingest(ctx, textDoc("a", "alpha"), textDoc("b", "beta")).Err)
	info := p.Info()
	assert.Equal(t, Info{Documents: 2, Chunks: 2, Dimension: testDim, ChunkSize: 10, ChunkOverlap: 3}, info)

	require.NoError(t, p.Clear(ctx))
	assert.Equal(t, 0, ix.Len())
	assert.Equal(t, 0, p.Info().Documents)
}

func TestNewPipeline_InvalidChunkSettings(t *testing.T) {
	t.Parallel()
	ix, err := index.New(testDim)
	require.NoError(t, err)
	emb, err := embedder.NewHashingEmbedder(testDim)
	require.NoError(t, err)

	_, err = NewPipeline(emb, ix, Config{ChunkSize: 4, ChunkOverlap: 4})
	assert.ErrorIs(t, err, rag.ErrConfig)
	_, err = NewPipeline(nil, ix, Config{})
	assert.ErrorIs(t, err, rag.ErrConfig)
}

func TestIngestURLs(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/guides/getting-started" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, `<html><head><title>x</title><script>var hidden = 1;</script></head>
<body><h1>Getting started</h1><p>Install the <b>binary</b> first.</p></body></html>`)
	}))
	defer srv.Close()

	p, ix := newPipeline(t, Config{}, nil)
	rep := p.IngestURLs(context.Background(), srv.URL+"/guides/getting-started", srv.URL+"/missing")

	assert.Equal(t, 1, rep.Ingested)
	require.Len(t, rep.Documents, 2)
	assert.Equal(t, StatusFailed, rep.Documents[1].Status)
	assert.Error(t, rep.Err)

	entries := ix.Entries()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Text, "Install the binary first.")
	assert.NotContains(t, entries[0].Text, "hidden")
	assert.NotContains(t, entries[0].Text, "<p>")
	assert.Equal(t, KindURL, entries[0].Metadata[MetaKind])
	assert.Equal(t, "getting started", entries[0].Metadata[MetaTitle])
}

func TestIngestFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("# Release notes\n\nShipped it."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "image.bin"), []byte{0, 1, 2}, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD.txt"), []byte("ref"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("plain text"), 0o644))

	files, err := CollectFiles([]string{dir})
	require.NoError(t, err)
	require.Len(t, files, 2)

	p, ix := newPipeline(t, Config{}, nil)
	rep := p.IngestFiles(context.Background(), append(files, filepath.Join(dir, "absent.txt"))...)
	assert.Equal(t, 2, rep.Ingested)
	assert.Error(t, rep.Err)
	assert.Equal(t, 2, ix.Len())

	var titles []string
	for _, d := range p.Documents() {
		titles = append(titles, d.Title)
		assert.True(t, filepath.IsAbs(d.Source))
	}
	assert.ElementsMatch(t, []string{"Release notes", "a"}, titles)
}

func TestWatcher_IngestsAndDeletes(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.txt")
	require.NoError(t, os.WriteFile(existing, []byte("already here"), 0o644))

	p, ix := newPipeline(t, Config{}, nil)
	w, err := p.NewWatcher(dir, 20*time.Millisecond)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	hasSource := func(src string) bool {
		for _, d := range p.Documents() {
			if d.Source == src {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool { return hasSource(existing) }, 5*time.Second, 10*time.Millisecond)

	added := filepath.Join(dir, "added.md")
	require.NoError(t, os.WriteFile(added, []byte("fresh words"), 0o644))
	require.Eventually(t, func() bool { return hasSource(added) }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(existing))
	require.Eventually(t, func() bool { return !hasSource(existing) }, 5*time.Second, 10*time.Millisecond)
	for _, e := range ix.Entries() {
		assert.NotEqual(t, existing, e.Source)
	}

	cancel()
	require.NoError(t, <-done)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	a := Fingerprint("same")
	assert.Len(t, a, 32)
	assert.Equal(t, a, Fingerprint("same"))
	assert.NotEqual(t, a, Fingerprint("different"))
	assert.Equal(t, DocumentID("x"), DocumentID("x"))
	assert.False(t, strings.EqualFold(DocumentID("x"), DocumentID("y")))
}
