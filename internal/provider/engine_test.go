package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragstream-go/internal/rag"
)

// fakeChatModel streams a fixed sequence of deltas, optionally ending with err.
type fakeChatModel struct {
	deltas  []string
	err     error
	openErr error
}

func (f *fakeChatModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage("unused", nil), nil
}

func (f *fakeChatModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	sr, sw := schema.Pipe[*schema.Message](len(f.deltas) + 1)
	go func() {
		defer sw.Close()
		for _, d := range f.deltas {
			sw.Send(schema.AssistantMessage(d, nil), nil)
		}
		if f.err != nil {
			sw.Send(nil, f.err)
		}
	}()
	return sr, nil
}

func drain(t *testing.T, s rag.TextStream) ([]string, error) {
	t.Helper()
	defer s.Close()
	var out []string
	for {
		text, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, text)
	}
}

func TestEngine_StreamsIncrements(t *testing.T) {
	t.Parallel()
	e := NewEngine(&fakeChatModel{deltas: []string{"Hel", "", "lo"}}, BackendOllama, "llama3")

	s, err := e.Generate(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	got, err := drain(t, s)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 2 || got[0] != "Hel" || got[1] != "lo" {
		t.Errorf("increments = %q, want [Hel lo] with empty deltas skipped", got)
	}
	if e.Model() != "llama3" || e.Kind() != KindLocal {
		t.Errorf("Model/Kind = %s/%s", e.Model(), e.Kind())
	}
}

func TestEngine_MidStreamError(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection reset")
	e := NewEngine(&fakeChatModel{deltas: []string{"a", "b"}, err: boom}, BackendOpenAI, "gpt-4o")

	s, err := e.Generate(context.Background(), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	got, err := drain(t, s)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if len(got) != 2 {
		t.Errorf("got %d increments before the error, want 2", len(got))
	}
}

func TestEngine_OpenFailureIsUnavailable(t *testing.T) {
	t.Parallel()
	e := NewEngine(&fakeChatModel{openErr: errors.New("dial tcp: refused")}, BackendOllama, "llama3")

	_, err := e.Generate(context.Background(), nil)
	if !errors.Is(err, rag.ErrEngineUnavailable) {
		t.Errorf("err = %v, want ErrEngineUnavailable", err)
	}
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	e := NewEngine(&fakeChatModel{deltas: []string{"x"}}, BackendOllama, "m")
	s, err := e.Generate(context.Background(), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	s.Close()
	s.Close()
}

func TestOllamaStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"models":[{"name":"llama3:latest","size":4661224676},{"name":"nomic-embed-text:latest","size":274302450}]}`)
	}))
	defer srv.Close()

	st := NewOllamaStatus(srv.URL + "/")
	models, err := st.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0].Name != "llama3:latest" || !models[0].Available {
		t.Errorf("models = %+v", models)
	}
	if err := st.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestOllamaStatus_Down(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := NewOllamaStatus(srv.URL).HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should fail on 503")
	}
}

func TestOpenAIHealth(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()

	good := HealthCheckFor(&Config{Backend: BackendOpenAI, OpenAI: ProviderOpenAI{APIKey: "sk-good", BaseURL: srv.URL}})
	if err := good.HealthCheck(context.Background()); err != nil {
		t.Errorf("good key: %v", err)
	}
	bad := HealthCheckFor(&Config{Backend: BackendOpenAI, OpenAI: ProviderOpenAI{APIKey: "sk-bad", BaseURL: srv.URL}})
	if err := bad.HealthCheck(context.Background()); err == nil {
		t.Error("bad key should fail")
	}
	if HealthCheckFor(&Config{Backend: BackendGemini}) != nil {
		t.Error("gemini has no token-free probe")
	}
}

func TestModelsFor(t *testing.T) {
	t.Parallel()
	if _, ok := ModelsFor(&Config{Backend: BackendOllama}).(*OllamaStatus); !ok {
		t.Error("ollama should list models from the server")
	}

	models, err := ModelsFor(&Config{Backend: BackendOpenAI, OpenAI: ProviderOpenAI{Model: "gpt-4o"}}).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 || models[0].Name != "gpt-4o" || models[0].Provider != string(BackendOpenAI) || !models[0].Available {
		t.Errorf("models = %+v", models)
	}
}
