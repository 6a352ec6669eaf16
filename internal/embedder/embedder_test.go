package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/54b3r/ragstream-go/internal/rag"
)

func cosine(a, b []float32) float64 {
	var d, na, nb float64
	for i := range a {
		d += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return d / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashingEmbedder_Deterministic(t *testing.T) {
	t.Parallel()
	e, err := NewHashingEmbedder(64)
	if err != nil {
		t.Fatalf("NewHashingEmbedder: %v", err)
	}

	got, err := e.Embed(context.Background(), []string{"A B C D", "a b c d", "C D E F", ""})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	for i, v := range got {
		if len(v) != 64 {
			t.Errorf("vector %d has length %d, want 64", i, len(v))
		}
	}

	if c := cosine(got[0], got[1]); math.Abs(c-1) > 1e-6 {
		t.Errorf("case-folded texts cosine = %v, want 1", c)
	}
	if c := cosine(got[0], got[2]); c >= 0.999 {
		t.Errorf("different texts cosine = %v, want < 1", c)
	}
	for _, x := range got[3] {
		if x != 0 {
			t.Fatalf("empty text should embed to the zero vector, got %v", got[3])
		}
	}

	again, _ := e.Embed(context.Background(), []string{"A B C D"})
	for i := range again[0] {
		if again[0][i] != got[0][i] {
			t.Fatal("embedding is not deterministic")
		}
	}
}

func TestHashingEmbedder_RejectsBadDimensions(t *testing.T) {
	t.Parallel()
	for _, dim := range []int{0, -1} {
		if _, err := NewHashingEmbedder(dim); !errors.Is(err, rag.ErrConfig) {
			t.Errorf("NewHashingEmbedder(%d) error = %v, want ErrConfig", dim, err)
		}
	}
}

func TestHashingEmbedder_CancelledContext(t *testing.T) {
	t.Parallel()
	e, _ := NewHashingEmbedder(8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Embed(ctx, []string{"x"}); !errors.Is(err, rag.ErrEmbedding) {
		t.Errorf("error = %v, want ErrEmbedding", err)
	}
}

func TestOllamaEmbedder_Embed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
		wantLen int
	}{
		{name: "ok", status: http.StatusOK, body: `{"embeddings":[[1,0],[0,1]]}`, wantLen: 2},
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"model not found"}`, wantErr: true},
		{name: "count mismatch", status: http.StatusOK, body: `{"embeddings":[[1,0]]}`, wantErr: true},
		{name: "bad json", status: http.StatusOK, body: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/embed" {
					t.Errorf("path = %q, want /api/embed", r.URL.Path)
				}
				var req ollamaEmbedRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("decode request: %v", err)
				}
				if req.Model != "nomic-embed-text" {
					t.Errorf("model = %q", req.Model)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "nomic-embed-text"})
			got, err := e.Embed(context.Background(), []string{"one", "two"})
			if tt.wantErr {
				if !errors.Is(err, rag.ErrEmbedding) {
					t.Fatalf("error = %v, want ErrEmbedding", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Embed: %v", err)
			}
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestOllamaEmbedder_EmptyInput(t *testing.T) {
	t.Parallel()
	e := NewOllamaEmbedder(&OllamaConfig{Host: "http://127.0.0.1:1", Model: "m"})
	got, err := e.Embed(context.Background(), nil)
	if err != nil || got != nil {
		t.Errorf("Embed(nil) = %v, %v; want nil, nil", got, err)
	}
}

func TestOpenAIEmbedder_PlacesByIndex(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %q, want /v1/embeddings", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0, 1]},
				{"object": "embedding", "index": 0, "embedding": [1, 0]}
			]
		}`)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "sk-test", Model: defaultOpenAIModel})
	got, err := e.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got[0][0] != 1 || got[1][1] != 1 {
		t.Errorf("embeddings not placed by index: %v", got)
	}
}

func TestOpenAIEmbedder_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "bad", Model: defaultOpenAIModel})
	if _, err := e.Embed(context.Background(), []string{"x"}); !errors.Is(err, rag.ErrEmbedding) {
		t.Errorf("error = %v, want ErrEmbedding", err)
	}
}

func clearEmbeddingEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"EMBEDDING_PROVIDER", "MODEL_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_API_KEY",
		"EMBEDDING_ENDPOINT", "EMBEDDING_DIMENSIONS", "OPENAI_API_KEY",
		"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "OLLAMA_HOST",
	} {
		t.Setenv(k, "")
	}
}

func TestNewFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    string
		wantErr bool
	}{
		{name: "default ollama", want: "*embedder.OllamaEmbedder"},
		{name: "local", env: map[string]string{"EMBEDDING_PROVIDER": "local"}, want: "*embedder.HashingEmbedder"},
		{name: "openai inherits key", env: map[string]string{"MODEL_PROVIDER": "openai", "OPENAI_API_KEY": "k"}, want: "*embedder.OpenAIEmbedder"},
		{name: "openai missing key", env: map[string]string{"EMBEDDING_PROVIDER": "openai"}, wantErr: true},
		{name: "azure missing endpoint", env: map[string]string{"EMBEDDING_PROVIDER": "azure", "AZURE_OPENAI_API_KEY": "k"}, wantErr: true},
		{name: "gemini chat falls back to ollama", env: map[string]string{"MODEL_PROVIDER": "gemini"}, want: "*embedder.OllamaEmbedder"},
		{name: "unknown", env: map[string]string{"EMBEDDING_PROVIDER": "bogus"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEmbeddingEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			got, err := NewFromEnv()
			if tt.wantErr {
				if !errors.Is(err, rag.ErrConfig) {
					t.Fatalf("error = %v, want ErrConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewFromEnv: %v", err)
			}
			if typeName(got) != tt.want {
				t.Errorf("type = %s, want %s", typeName(got), tt.want)
			}
		})
	}
}

func typeName(e rag.Embedder) string {
	switch e.(type) {
	case *OllamaEmbedder:
		return "*embedder.OllamaEmbedder"
	case *OpenAIEmbedder:
		return "*embedder.OpenAIEmbedder"
	case *HashingEmbedder:
		return "*embedder.HashingEmbedder"
	}
	return "unknown"
}

func TestDefaultDimensions(t *testing.T) {
	clearEmbeddingEnv(t)
	if got := DefaultDimensions(BackendOllama); got != 768 {
		t.Errorf("ollama = %d, want 768", got)
	}
	if got := DefaultDimensions(BackendLocal); got != DefaultHashingDimensions {
		t.Errorf("local = %d, want %d", got, DefaultHashingDimensions)
	}
	if got := DefaultDimensions(BackendAzure); got != 1536 {
		t.Errorf("azure = %d, want 1536", got)
	}
	t.Setenv("EMBEDDING_DIMENSIONS", "256")
	if got := DefaultDimensions(BackendOllama); got != 256 {
		t.Errorf("override = %d, want 256", got)
	}
}

func TestValidate(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	clearEmbeddingEnv(t)
	if err := Validate(log); err != nil {
		t.Errorf("default config: %v", err)
	}

	t.Setenv("EMBEDDING_PROVIDER", "openai")
	if err := Validate(log); !errors.Is(err, rag.ErrConfig) {
		t.Errorf("openai without key: %v, want ErrConfig", err)
	}

	t.Setenv("EMBEDDING_API_KEY", "k")
	t.Setenv("EMBEDDING_MODEL", "gpt-4o")
	if err := Validate(log); err != nil {
		t.Errorf("chat-like model should only warn, got %v", err)
	}
}

func TestLooksLikeChatModel(t *testing.T) {
	t.Parallel()
	for model, want := range map[string]bool{
		"gpt-4o":                 true,
		"llama3.1":               true,
		"nomic-embed-text":       false,
		"text-embedding-3-small": false,
	} {
		if got := looksLikeChatModel(model); got != want {
			t.Errorf("looksLikeChatModel(%q) = %v, want %v", model, got, want)
		}
	}
}
