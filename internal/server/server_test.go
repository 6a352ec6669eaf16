package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragstream-go/internal/chat"
	"github.com/54b3r/ragstream-go/internal/embedder"
	"github.com/54b3r/ragstream-go/internal/index"
	"github.com/54b3r/ragstream-go/internal/ingest"
	"github.com/54b3r/ragstream-go/internal/logging"
	"github.com/54b3r/ragstream-go/internal/rag"
	"github.com/54b3r/ragstream-go/internal/retrieval"
	"github.com/54b3r/ragstream-go/internal/session"
)

// ---------------------------------------------------------------------------
// Fake generation engine
// ---------------------------------------------------------------------------

// fakeStream yields parts in order, then err (or io.EOF when err is nil).
type fakeStream struct {
	parts []string
	err   error
	i     int
}

func (s *fakeStream) Recv() (string, error) {
	if s.i < len(s.parts) {
		p := s.parts[s.i]
		s.i++
		return p, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() {}

// fakeEngine implements rag.Generator. Each Generate call gets a fresh stream.
type fakeEngine struct {
	parts   []string
	err     error
	openErr error
}

func (e *fakeEngine) Model() string { return "fake-model" }

func (e *fakeEngine) Generate(context.Context, []*schema.Message) (rag.TextStream, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	return &fakeStream{parts: e.parts, err: e.err}, nil
}

// stallEngine yields parts and then blocks until the request context ends.
type stallEngine struct{ parts []string }

func (e *stallEngine) Model() string { return "stall-model" }

func (e *stallEngine) Generate(ctx context.Context, _ []*schema.Message) (rag.TextStream, error) {
	return &stallStream{ctx: ctx, parts: e.parts}, nil
}

type stallStream struct {
	ctx   context.Context
	parts []string
	i     int
}

func (s *stallStream) Recv() (string, error) {
	if s.i < len(s.parts) {
		p := s.parts[s.i]
		s.i++
		return p, nil
	}
	<-s.ctx.Done()
	return "", s.ctx.Err()
}

func (s *stallStream) Close() {}

// ---------------------------------------------------------------------------
// Test environment: real index, ingestion, retrieval and sessions
// ---------------------------------------------------------------------------

const testDimension = 256

type testEnv struct {
	srv      *Server
	kb       *ingest.Pipeline
	sessions *session.Manager
	reg      *prometheus.Registry
	persists atomic.Int32
}

func newTestEnv(t *testing.T, engine rag.Generator, tweak func(*Config)) *testEnv {
	t.Helper()

	emb, err := embedder.NewHashingEmbedder(testDimension)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := index.New(testDimension)
	if err != nil {
		t.Fatal(err)
	}
	kb, err := ingest.NewPipeline(emb, idx, ingest.Config{ChunkSize: 40, ChunkOverlap: 5}, ingest.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(kb.Release)

	orch, err := retrieval.New(emb, idx, retrieval.Config{CacheTTL: -1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(orch.Close)

	sessions := session.NewManager(session.WithLogger(logging.Discard()))
	coord, err := chat.New(orch, sessions, engine, chat.Config{ScoreThreshold: 0.05}, chat.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{kb: kb, sessions: sessions, reg: prometheus.NewRegistry()}
	cfg := &Config{
		Logger:          logging.Discard(),
		MetricsRegistry: env.reg,
		MetricsGatherer: env.reg,
		ScoreThreshold:  0.05,
		IndexPath:       "/var/lib/ragstream/index.bin",
		Persist: func(context.Context) error {
			env.persists.Add(1)
			return nil
		},
	}
	if tweak != nil {
		tweak(cfg)
	}

	env.srv, err = New(Services{Chat: coord, Search: orch, Knowledge: kb, Sessions: sessions}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(env.srv.stopRL)
	return env
}

// do sends a request through the full middleware chain.
func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

const auroraDoc = `{"title":"aurora guide","text":"Aurora borealis lights glow near the poles when solar wind meets the atmosphere."}`

func (e *testEnv) ingestAurora(t *testing.T) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/documents/text", auroraDoc)
	if w.Code != http.StatusOK {
		t.Fatalf("ingest: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Health and routing
// ---------------------------------------------------------------------------

func TestHandler_HealthHasRequestID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{}, nil)

	w := env.do(t, http.MethodGet, "/api/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestHandler_RequestIDIsPropagated(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{}, nil)

	const id = "9b2f3a52-6f1c-4a55-8d3e-1f0c2b7a9e44"
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(requestIDHeader, id)
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if got := w.Header().Get(requestIDHeader); got != id {
		t.Errorf("X-Request-ID: expected %q, got %q", id, got)
	}
}

func TestHandler_AuthProtectsAPIButNotHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{}, func(c *Config) { c.APIKey = "secret" })

	if w := env.do(t, http.MethodGet, "/api/search?q=x", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("search without token: expected 401, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/health", ""); w.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=x", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("search with token: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestNew_RequiresServices(t *testing.T) {
	t.Parallel()
	if _, err := New(Services{}, &Config{Logger: logging.Discard()}); err == nil {
		t.Fatal("expected error for missing services")
	}
}

// ---------------------------------------------------------------------------
// Knowledge base
// ---------------------------------------------------------------------------

func TestIngestText(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{}, nil)

	w := env.do(t, http.MethodPost, "/api/documents/text", auroraDoc)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	rep := decode[reportResponse](t, w)
	if rep.Ingested != 1 || rep.Chunks == 0 {
		t.Errorf("report: %+v", rep)
	}
	if env.persists.Load() != 1 {
		t.Errorf("expected one persist after ingest, got %d", env.persists.Load())
	}

	// Same title and text again is skipped and does not persist.
	w = env.do(t, http.MethodPost, "/api/documents/text", auroraDoc)
	rep = decode[reportResponse](t, w)
	if rep.Skipped != 1 || rep.Ingested != 0 {
		t.Errorf("re-ingest report: %+v", rep)
	}
	if env.persists.Load() != 1 {
		t.Errorf("skipped ingest should not persist, got %d", env.persists.Load())
	}
}

func TestIngestText_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{}, nil)

	cases := map[string]string{
		"invalid json":   `nope`,
		"missing text":   `{"title":"a"}`,
		"missing title":  `{"text":"hello"}`,
		"unknown format": `{"title":"a","text":"hello","format":"pdf"}`,
	}
	for name, body := range cases {
		if w := env.do(t, http.MethodPost, "/api/documents/text", body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, w.Code)
		}
	}
}

// multipartBody builds an upload with one part per file.
func multipartBody(t *testing.T, files map[string]string, contentType string) (*strings.Reader, string) {
	t.Helper()
	const boundary = "ragstream-test-boundary"
	var b strings.Builder
	for name, content := range files {
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString(`Content-Disposition: form-data; name="file"; filename="` + name + "\"\r\n")
		b.WriteString("Content-Type: " + contentType + "\r\n\r\n")
		b.WriteString(content + "\r\n")
	}
	b.WriteString("--" + boundary + "--\r\n")
	return strings.NewReader(b.String()), "multipart/form-data; boundary=" + boundary
}

func TestUpload_PerFileOutcomes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{}, nil)

	body, ct := multipartBody(t, map[string]string{
		"notes.md":  "# Notes\n\nGlaciers carve valleys over thousands of years.",
		"photo.bin": "\x00\x01\x02",
	}, "application/octet-stream")
	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	rep := decode[reportResponse](t, w)
	if rep.Ingested != 1 {
		t.Errorf("expected 1 ingested, got %+v", rep)
	}
	var rejected *outcomeView
	for i := range rep.Documents {
		if rep.Documents[i].Source == "photo.bin" {
			rejected = &rep.Documents[i]
		}
	}
	if rejected == nil || rejected.Status != ingest.StatusRejected || rejected.Error == "" {
		t.Errorf("photo.bin outcome: %+v", rejected)
	}

	list := decode[map[string][]ingest.DocumentInfo](t, env.do(t, http.MethodGet, "/api/documents", ""))
	if len(list["documents"]) != 1 || list["documents"][0].Source != "notes.md" {
		t.Errorf("documents: %+v", list)
	}
}

func TestUpload_AllRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{}, nil)

	body, ct := multipartBody(t, map[string]string{"photo.bin": "\x00\x01"}, "application/octet-stream")
	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUpload_NoFiles(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{}, nil)

	body, ct := multipartBody(t, nil, "text/plain")
	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestDeleteDocument(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{}, nil)
	env.ingestAurora(t)

	w := env.do(t, http.MethodDelete, "/api/documents?source=aurora+guide", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[deleteDocumentResponse](t, w); got.ChunksRemoved == 0 || got.Source != "aurora guide" {
		t.Errorf("delete response: %+v", got)
	}

	if w := env.do(t, http.MethodDelete, "/api/documents?source=aurora+guide", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/documents", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing source: expected 400, got %d", w.Code)
	}
}

func TestKnowledgeBaseInfoAndClear(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{}, nil)
	env.ingestAurora(t)

	info := decode[knowledgeBaseInfo](t, env.do(t, http.MethodGet, "/api/knowledge-base/info", ""))
	if info.Documents != 1 || info.Chunks == 0 || info.Dimension != testDimension {
		t.Errorf("info: %+v", info)
	}
	if info.IndexPath != "/var/lib/ragstream/index.bin" || info.Model != "fake-model" {
		t.Errorf("info paths: %+v", info)
	}

	if w := env.do(t, http.MethodDelete, "/api/knowledge-base", ""); w.Code != http.StatusNoContent {
		t.Fatalf("clear: expected 204, got %d", w.Code)
	}
	info = decode[knowledgeBaseInfo](t, env.do(t, http.MethodGet, "/api/knowledge-base/info", ""))
	if info.Documents != 0 || info.Chunks != 0 {
		t.Errorf("info after clear: %+v", info)
	}
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

func TestSearch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{}, nil)
	env.ingestAurora(t)

	w := env.do(t, http.MethodGet, "/api/search?q=aurora+borealis&top_k=3", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[searchResponse](t, w)
	if len(resp.Results) == 0 || resp.Results[0].Source != "aurora guide" {
		t.Errorf("results: %+v", resp.Results)
	}
}

func TestSearch_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{}, nil)

	for _, target := range []string{
		"/api/search",
		"/api/search?q=x&top_k=0",
		"/api/search?q=x&top_k=abc",
		"/api/search?q=x&threshold=2",
	} {
		if w := env.do(t, http.MethodGet, target, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, w.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func TestDeleteSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{parts: []string{"ok"}}, nil)

	resp := decode[chatResponse](t, env.do(t, http.MethodPost, "/api/chat", `{"message":"hi","use_rag":false}`))
	if resp.Response == nil || resp.SessionID == "" {
		t.Fatalf("chat response: %+v", resp)
	}

	if w := env.do(t, http.MethodDelete, "/api/sessions/"+resp.SessionID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/sessions/"+resp.SessionID, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

func TestChat_AnswersWithSources(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{parts: []string{"Hello", " world"}}, nil)
	env.ingestAurora(t)

	w := env.do(t, http.MethodPost, "/api/chat", `{"message":"what makes aurora borealis glow?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[chatResponse](t, w)
	if resp.Response == nil {
		t.Fatal("missing response body")
	}
	if resp.Text != "Hello world" {
		t.Errorf("response: expected %q, got %q", "Hello world", resp.Text)
	}
	if resp.Model != "fake-model" {
		t.Errorf("model_used: got %q", resp.Model)
	}
	if len(resp.Sources) == 0 || resp.Sources[0].Source != "aurora guide" {
		t.Errorf("sources: %+v", resp.Sources)
	}
	if resp.SessionID == "" {
		t.Error("expected a session id")
	}

	// The session continues on a second turn.
	w = env.do(t, http.MethodPost, "/api/chat", `{"message":"and near the equator?","session_id":"`+resp.SessionID+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("second turn: expected 200, got %d", w.Code)
	}
	if got := decode[chatResponse](t, w); got.SessionID != resp.SessionID {
		t.Errorf("session id changed: %q -> %q", resp.SessionID, got.SessionID)
	}
}

func TestChat_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{parts: []string{"x"}}, nil)

	cases := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{`},
		{name: "empty message", body: `{"message":"   "}`},
		{name: "bad history role", body: `{"message":"hi","history":[{"role":"system","content":"x"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/chat", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
			if !strings.Contains(w.Body.String(), `"error"`) {
				t.Errorf("expected error body, got %s", w.Body.String())
			}
		})
	}
}

func TestChat_EngineUnavailable(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{openErr: fmt.Errorf("dial: %w", rag.ErrEngineUnavailable)}
	env := newTestEnv(t, engine, nil)

	w := env.do(t, http.MethodPost, "/api/chat", `{"message":"hi","use_rag":false}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
	body := decode[map[string]any](t, w)
	if msg, _ := body["error"].(string); !strings.Contains(msg, "unavailable") {
		t.Errorf("error: got %v", body["error"])
	}
}

// sseEvent is the client view of one streamed chat event.
type sseEvent struct {
	Chunk   string        `json:"chunk"`
	Done    bool          `json:"done"`
	Sources []chat.Source `json:"sources"`
	Partial string        `json:"partial"`
	Error   string        `json:"error"`
}

// readEvents parses every "data:" frame of an SSE body.
func readEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, frame := range strings.Split(body, "\n\n") {
		data, ok := strings.CutPrefix(strings.TrimSpace(frame), "data: ")
		if !ok {
			continue
		}
		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestChatStream(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{parts: []string{"Solar ", "wind."}}, nil)
	env.ingestAurora(t)

	w := env.do(t, http.MethodPost, "/api/chat/stream", `{"message":"why do aurora borealis lights glow?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type: got %q", ct)
	}
	if w.Header().Get("X-Session-ID") == "" {
		t.Error("expected X-Session-ID header")
	}

	events := readEvents(t, w.Body.String())
	if len(events) == 0 {
		t.Fatal("no events")
	}
	var text strings.Builder
	sawSources := 0
	for _, ev := range events {
		text.WriteString(ev.Chunk)
		if len(ev.Sources) > 0 {
			sawSources++
		}
	}
	if text.String() != "Solar wind." {
		t.Errorf("streamed text: got %q", text.String())
	}
	if sawSources != 1 {
		t.Errorf("expected sources on exactly one event, got %d", sawSources)
	}
	last := events[len(events)-1]
	if !last.Done || last.Error != "" {
		t.Errorf("last event: %+v", last)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Done {
			t.Errorf("done before last event: %+v", ev)
		}
	}
}

func TestChatStream_InterruptedKeepsPartial(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{parts: []string{"Half an "}, err: errors.New("connection reset")}
	env := newTestEnv(t, engine, nil)

	w := env.do(t, http.MethodPost, "/api/chat/stream", `{"message":"hi","use_rag":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	events := readEvents(t, w.Body.String())
	last := events[len(events)-1]
	if !last.Done {
		t.Fatalf("expected terminal event, got %+v", last)
	}
	if !strings.Contains(last.Error, "stream interrupted") {
		t.Errorf("error: got %q", last.Error)
	}
	if last.Partial != "Half an " {
		t.Errorf("partial: got %q", last.Partial)
	}
}

func TestChatStream_RequestDeadlineEndsWithTimeoutEvent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &stallEngine{parts: []string{"Slow "}}, func(c *Config) {
		c.ChatTimeout = 150 * time.Millisecond
	})

	w := env.do(t, http.MethodPost, "/api/chat/stream", `{"message":"hi","use_rag":false}`)
	events := readEvents(t, w.Body.String())
	if len(events) == 0 {
		t.Fatal("no events")
	}
	last := events[len(events)-1]
	if !last.Done {
		t.Fatalf("expected terminal event, got %+v", last)
	}
	if !strings.Contains(last.Error, "generation timed out") {
		t.Errorf("error: got %q", last.Error)
	}
	if last.Partial != "Slow " {
		t.Errorf("partial: got %q", last.Partial)
	}
}

func TestChat_RetriedMessageIsAnsweredOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{parts: []string{"Once."}}, nil)

	first := decode[chatResponse](t, env.do(t, http.MethodPost, "/api/chat",
		`{"message":"hi","use_rag":false,"client_message_id":"m-1"}`))
	body := fmt.Sprintf(`{"message":"hi","use_rag":false,"client_message_id":"m-1","session_id":%q}`, first.SessionID)
	w := env.do(t, http.MethodPost, "/api/chat", body)
	if w.Code != http.StatusOK {
		t.Fatalf("retry: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	retry := decode[chatResponse](t, w)
	if retry.Text != "Once." {
		t.Errorf("retry text: got %q", retry.Text)
	}

	turns, err := env.sessions.Turns(first.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Errorf("expected one user and one assistant turn, got %d", len(turns))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{parts: []string{"ok"}}, nil)

	env.do(t, http.MethodPost, "/api/chat", `{"message":"hi","use_rag":false}`)
	w := env.do(t, http.MethodGet, "/metrics", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"ragstream_http_requests_total", "ragstream_chat_requests_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in /metrics output", name)
		}
	}
}
