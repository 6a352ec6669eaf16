package server

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/54b3r/ragstream-go/internal/provider"
)

// fakePinger reports err for a named dependency.
type fakePinger struct {
	name string
	err  error
}

func (f *fakePinger) Name() string               { return f.name }
func (f *fakePinger) Ping(context.Context) error { return f.err }

func TestHealth_IsLivenessOnly(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeEngine{}, func(c *Config) {
		c.Pingers = []Pinger{&fakePinger{name: "qdrant", err: errors.New("connection refused")}}
	})

	w := env.do(t, http.MethodGet, "/api/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with a failing dependency, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q", ct)
	}
	if body := decode[map[string]string](t, w); body["status"] != "ok" || body["version"] == "" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestReady(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		pingers   []Pinger
		wantCode  int
		wantReady bool
		wantFail  []string
	}{
		{
			name:      "no dependencies",
			wantCode:  http.StatusOK,
			wantReady: true,
		},
		{
			name: "all reachable",
			pingers: []Pinger{
				&fakePinger{name: "ollama"},
				&fakePinger{name: "embedder"},
				&fakePinger{name: "qdrant"},
			},
			wantCode:  http.StatusOK,
			wantReady: true,
		},
		{
			name: "vector store down",
			pingers: []Pinger{
				&fakePinger{name: "ollama"},
				&fakePinger{name: "embedder"},
				&fakePinger{name: "qdrant", err: errors.New("connection refused")},
			},
			wantCode: http.StatusServiceUnavailable,
			wantFail: []string{"qdrant"},
		},
		{
			name: "everything down",
			pingers: []Pinger{
				&fakePinger{name: "ollama", err: context.DeadlineExceeded},
				&fakePinger{name: "embedder", err: errors.New("model not pulled")},
			},
			wantCode: http.StatusServiceUnavailable,
			wantFail: []string{"ollama", "embedder"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, &fakeEngine{}, func(c *Config) {
				c.APIKey = "s3cret"
				c.Pingers = tc.pingers
			})

			w := env.do(t, http.MethodGet, "/api/ready", "")

			if w.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d: %s", tc.wantCode, w.Code, w.Body.String())
			}
			resp := decode[readyResponse](t, w)
			if resp.Ready != tc.wantReady {
				t.Errorf("ready: got %v", resp.Ready)
			}
			if len(resp.Checks) != len(tc.pingers) {
				t.Fatalf("checks: got %d, want %d", len(resp.Checks), len(tc.pingers))
			}

			failed := map[string]bool{}
			for _, name := range tc.wantFail {
				failed[name] = true
			}
			for i, c := range resp.Checks {
				if c.Name != tc.pingers[i].Name() {
					t.Errorf("check %d: got %q, want registration order", i, c.Name)
				}
				if c.OK == failed[c.Name] {
					t.Errorf("check %q: ok=%v", c.Name, c.OK)
				}
				if failed[c.Name] && c.Error == "" {
					t.Errorf("check %q: expected an error message", c.Name)
				}
			}
		})
	}
}

// fakeModels lists a fixed catalog or fails.
type fakeModels struct {
	models []provider.ModelInfo
	err    error
}

func (f *fakeModels) ListModels(context.Context) ([]provider.ModelInfo, error) {
	return f.models, f.err
}

func TestChatModels(t *testing.T) {
	t.Parallel()

	catalog := []provider.ModelInfo{
		{Name: "llama3.2", Provider: "ollama", Available: true},
		{Name: "qwen2.5", Provider: "ollama", Available: true},
	}
	cases := []struct {
		name       string
		lister     ModelLister
		wantCode   int
		wantModels []string
	}{
		{name: "no catalog", wantCode: http.StatusOK, wantModels: []string{}},
		{name: "backend catalog", lister: &fakeModels{models: catalog}, wantCode: http.StatusOK, wantModels: []string{"llama3.2", "qwen2.5"}},
		{name: "backend unreachable", lister: &fakeModels{err: errors.New("dial tcp: connection refused")}, wantCode: http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, &fakeEngine{}, func(c *Config) { c.Models = tc.lister })

			w := env.do(t, http.MethodGet, "/api/chat/models", "")

			if w.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d: %s", tc.wantCode, w.Code, w.Body.String())
			}
			if tc.wantCode != http.StatusOK {
				if body := decode[map[string]string](t, w); body["error"] == "" {
					t.Error("expected JSON error body")
				}
				return
			}
			resp := decode[modelsResponse](t, w)
			if resp.Current != "fake-model" {
				t.Errorf("current: got %q", resp.Current)
			}
			names := []string{}
			for _, m := range resp.Models {
				names = append(names, m.Name)
			}
			if len(names) != len(tc.wantModels) {
				t.Fatalf("models: got %v, want %v", names, tc.wantModels)
			}
			for i := range names {
				if names[i] != tc.wantModels[i] {
					t.Errorf("models: got %v, want %v", names, tc.wantModels)
				}
			}
		})
	}
}
