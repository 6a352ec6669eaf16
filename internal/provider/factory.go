package provider

import (
	"context"
	"os"
	"strconv"

	"github.com/cloudwego/eino/components/model"
)

const defaultOllamaHost = "http://localhost:11434"

// ConfigFromEnv resolves a Config from environment variables. MODEL_PROVIDER
// selects the backend; each provider uses its own native credential env vars.
//
// Environment variables:
//
//	MODEL_PROVIDER  = ollama | openai | azure | ark | gemini (default: ollama)
//
//	Ollama:  OLLAMA_HOST (default: http://localhost:11434), OLLAMA_MODEL (default: llama3)
//	OpenAI:  OPENAI_API_KEY, OPENAI_MODEL (default: gpt-4o), OPENAI_BASE_URL
//	Azure:   AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_DEPLOYMENT,
//	         AZURE_OPENAI_API_VERSION (default: 2024-02-01)
//	Ark:     ARK_API_KEY, ARK_MODEL, ARK_BASE_URL
//	Gemini:  GOOGLE_API_KEY, GEMINI_MODEL (default: gemini-1.5-pro)
//
//	Shared:  MODEL_MAX_TOKENS (default: 4096), MODEL_TEMPERATURE (default: 0.2)
func ConfigFromEnv() *Config {
	return &Config{
		Backend: Backend(getEnvOrDefault("MODEL_PROVIDER", string(BackendOllama))),
		Ollama: ProviderOllama{
			Host:  getEnvOrDefault("OLLAMA_HOST", defaultOllamaHost),
			Model: getEnvOrDefault("OLLAMA_MODEL", "llama3"),
		},
		OpenAI: ProviderOpenAI{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			Model:   getEnvOrDefault("OPENAI_MODEL", "gpt-4o"),
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		},
		AzureOpenAI: ProviderAzureOpenAI{
			APIKey:     os.Getenv("AZURE_OPENAI_API_KEY"),
			Endpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
			Deployment: os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
			APIVersion: getEnvOrDefault("AZURE_OPENAI_API_VERSION", "2024-02-01"),
		},
		Ark: ProviderArk{
			APIKey:  os.Getenv("ARK_API_KEY"),
			Model:   os.Getenv("ARK_MODEL"),
			BaseURL: os.Getenv("ARK_BASE_URL"),
		},
		Gemini: ProviderGemini{
			APIKey: os.Getenv("GOOGLE_API_KEY"),
			Model:  getEnvOrDefault("GEMINI_MODEL", "gemini-1.5-pro"),
		},
		Tuning: SharedTuning{
			MaxTokens:   getEnvInt("MODEL_MAX_TOKENS", 4096),
			Temperature: getEnvFloat32("MODEL_TEMPERATURE", 0.2),
		},
	}
}

// NewFromEnv constructs an Engine from ConfigFromEnv.
func NewFromEnv(ctx context.Context) (*Engine, error) {
	return New(ctx, ConfigFromEnv())
}

// New validates cfg and constructs the Engine for its backend, so callers get
// a clear error at startup rather than on the first request.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	build := map[Backend]func(context.Context, *Config) (model.BaseChatModel, error){
		BackendOllama: newOllama,
		BackendOpenAI: newOpenAI,
		BackendAzure:  newAzure,
		BackendArk:    newArk,
		BackendGemini: newGemini,
	}[cfg.Backend]

	m, err := build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewEngine(m, cfg.Backend, cfg.ModelName()), nil
}

// ModelLister enumerates the models a backend can serve.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// configuredModel lists just the model named in the configuration, for
// backends whose catalog is not queried.
type configuredModel ModelInfo

func (m configuredModel) ListModels(context.Context) ([]ModelInfo, error) {
	return []ModelInfo{ModelInfo(m)}, nil
}

// ModelsFor returns the model catalog of cfg's backend. Ollama is asked for
// its pulled models; other backends report the configured model only.
func ModelsFor(cfg *Config) ModelLister {
	if cfg.Backend == BackendOllama {
		host := cfg.Ollama.Host
		if host == "" {
			host = defaultOllamaHost
		}
		return NewOllamaStatus(host)
	}
	return configuredModel{Name: cfg.ModelName(), Provider: string(cfg.Backend), Available: true}
}

// HealthCheckFor returns a token-free readiness probe for cfg's backend, or
// nil when the backend offers none.
func HealthCheckFor(cfg *Config) HealthCheckConfig {
	switch cfg.Backend {
	case BackendOllama:
		host := cfg.Ollama.Host
		if host == "" {
			host = defaultOllamaHost
		}
		return NewOllamaStatus(host)
	case BackendOpenAI:
		return &openAIHealth{baseURL: cfg.OpenAI.BaseURL, apiKey: cfg.OpenAI.APIKey}
	}
	return nil
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvFloat32 returns the float32 value of the named environment variable,
// or fallback if the variable is unset, empty, or not parseable.
func getEnvFloat32(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}
