package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ModelInfo describes a model available on a backend.
type ModelInfo struct {
	Name       string    `json:"name"`
	Provider   string    `json:"provider"`
	Size       int64     `json:"size,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
	Available  bool      `json:"is_available"`
}

// OllamaStatus probes an Ollama server through GET /api/tags, which costs no
// tokens and also lists the pulled models.
type OllamaStatus struct {
	host   string
	client *http.Client
}

// NewOllamaStatus returns a probe for the Ollama server at host.
func NewOllamaStatus(host string) *OllamaStatus {
	return &OllamaStatus{
		host:   strings.TrimRight(host, "/"),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type ollamaTags struct {
	Models []struct {
		Name       string    `json:"name"`
		Size       int64     `json:"size"`
		ModifiedAt time.Time `json:"modified_at"`
	} `json:"models"`
}

// ListModels returns the models pulled on the server.
func (o *OllamaStatus) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.host+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("provider: ollama tags: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: ollama tags: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider: ollama tags: HTTP %d", resp.StatusCode)
	}

	var tags ollamaTags
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("provider: ollama tags: decode: %w", err)
	}
	out := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		out = append(out, ModelInfo{
			Name:       m.Name,
			Provider:   string(BackendOllama),
			Size:       m.Size,
			ModifiedAt: m.ModifiedAt,
			Available:  true,
		})
	}
	return out, nil
}

// HealthCheck reports whether the server answers.
func (o *OllamaStatus) HealthCheck(ctx context.Context) error {
	_, err := o.ListModels(ctx)
	return err
}

// openAIHealth probes GET /models on an OpenAI-compatible API.
type openAIHealth struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func (h *openAIHealth) HealthCheck(ctx context.Context) error {
	base := h.baseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/models", nil)
	if err != nil {
		return fmt.Errorf("provider: openai health: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	client := h.client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("provider: openai health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider: openai health: HTTP %d", resp.StatusCode)
	}
	return nil
}
