// Package tracing wires Langfuse tracing into the generation engines through
// eino's global callback handlers.
package tracing

import (
	"log/slog"
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
)

// DefaultHost is used when LANGFUSE_HOST is unset.
const DefaultHost = "http://localhost:3000"

// Settings are the Langfuse credentials and endpoint.
type Settings struct {
	Host      string
	PublicKey string
	SecretKey string
}

// SettingsFromEnv reads LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY and
// LANGFUSE_SECRET_KEY.
func SettingsFromEnv() Settings {
	s := Settings{
		Host:      os.Getenv("LANGFUSE_HOST"),
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
	}
	if s.Host == "" {
		s.Host = DefaultHost
	}
	return s
}

// Enabled reports whether both keys are present.
func (s Settings) Enabled() bool {
	return s.PublicKey != "" && s.SecretKey != ""
}

// Setup builds the Langfuse callback handler. When tracing is not configured
// it returns ok=false and nil values.
func Setup(s Settings) (handler callbacks.Handler, flush func(), ok bool) {
	if !s.Enabled() {
		return nil, nil, false
	}
	handler, flush = langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      s.Host,
		PublicKey: s.PublicKey,
		SecretKey: s.SecretKey,
	})
	return handler, flush, true
}

// Install registers the handler globally so every chat model call is traced.
// The returned function flushes pending traces and must run before exit; it
// is a no-op when tracing is disabled.
func Install(log *slog.Logger) func() {
	s := SettingsFromEnv()
	handler, flush, ok := Setup(s)
	if !ok {
		log.Debug("tracing: langfuse disabled")
		return func() {}
	}
	callbacks.AppendGlobalHandlers(handler)
	log.Info("tracing: langfuse enabled", slog.String("host", s.Host))
	return flush
}
