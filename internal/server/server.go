// Package server implements the HTTP transport that exposes the chat,
// search and knowledge-base operations via a REST/SSE API.
// The server is started by the `ragstream serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/54b3r/ragstream-go/internal/ingest"
	"github.com/54b3r/ragstream-go/internal/logging"
	"github.com/54b3r/ragstream-go/internal/rag"
)

// defaultMaxUploadBytes caps multipart uploads when Config.MaxUploadBytes is zero.
const defaultMaxUploadBytes = 32 << 20

// New constructs a Server from the core services and config.
func New(svc Services, cfg *Config) (*Server, error) {
	if svc.Chat == nil || svc.Search == nil || svc.Knowledge == nil || svc.Sessions == nil {
		return nil, fmt.Errorf("server: chat, search, knowledge and sessions services are required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	applyDefaults(cfg)

	s := &Server{
		chat:      svc.Chat,
		search:    svc.Search,
		knowledge: svc.Knowledge,
		sessions:  svc.Sessions,
		cfg:       cfg,
		log:       cfg.Logger,
		pingers:   cfg.Pingers,
		metrics:   newServerMetrics(cfg.MetricsRegistry),
	}

	if cfg.APIKey == "" {
		s.log.Warn("server: API key not set, authentication disabled")
	}

	rl, stop := newRateLimiter(map[routeClass]quota{
		classChat:   {rps: rate.Limit(cfg.RateLimit), burst: cfg.RateBurst},
		classIngest: {rps: rate.Limit(cfg.IngestRateLimit), burst: cfg.IngestRateBurst},
	}, s.metrics.rateLimited)
	s.stopRL = stop

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.routes(rl),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must outlast the longest streamed chat.
		cfg.WriteTimeout = max(5*time.Minute, cfg.ChatTimeout+30*time.Second)
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.IngestRateLimit == 0 {
		cfg.IngestRateLimit = defaultIngestRateLimit
	}
	if cfg.IngestRateBurst == 0 {
		cfg.IngestRateBurst = defaultIngestRateBurst
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}
	if cfg.TopK == 0 {
		cfg.TopK = 5
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
}

// routes builds the handler tree. Health, readiness and metrics are public;
// every other /api route requires the API key. Chat routes share one rate
// bucket per client and knowledge-base writes another.
func (s *Server) routes(rl *rateLimiter) http.Handler {
	public := func(name string, h http.HandlerFunc) http.Handler {
		return s.instrument(name, h)
	}
	guarded := func(name string, h http.HandlerFunc) http.Handler {
		return requireAPIKey(s.cfg.APIKey, s.instrument(name, h))
	}
	limited := func(class routeClass, name string, h http.HandlerFunc) http.Handler {
		return requireAPIKey(s.cfg.APIKey, rl.limit(class, s.instrument(name, h)))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/chat", limited(classChat, "chat", s.handleChat))
	mux.Handle("POST /api/chat/stream", limited(classChat, "chat_stream", s.handleChatStream))
	mux.Handle("GET /api/chat/models", guarded("chat_models", s.handleModels))
	mux.Handle("GET /api/search", guarded("search", s.handleSearch))
	mux.Handle("GET /api/documents", guarded("documents_list", s.handleListDocuments))
	mux.Handle("POST /api/documents/text", limited(classIngest, "documents_text", s.handleIngestText))
	mux.Handle("POST /api/documents/upload", limited(classIngest, "documents_upload", s.handleUpload))
	mux.Handle("DELETE /api/documents", limited(classIngest, "documents_delete", s.handleDeleteDocument))
	mux.Handle("GET /api/knowledge-base/info", guarded("kb_info", s.handleKnowledgeBaseInfo))
	mux.Handle("DELETE /api/knowledge-base", limited(classIngest, "kb_clear", s.handleClearKnowledgeBase))
	mux.Handle("DELETE /api/sessions/{id}", limited(classChat, "session_delete", s.handleDeleteSession))
	mux.Handle("GET /api/health", public("health", s.handleHealth))
	mux.Handle("GET /api/ready", public("ready", s.handleReady))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	return requestLogger(s.log, mux)
}

// Handler returns the full middleware-wrapped handler, for tests and for
// embedding the API in another server.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("server: encode response", slog.Any("error", err))
	}
}

// writeJSONError writes a JSON-formatted error response with the given status code.
func writeJSONError(w http.ResponseWriter, r *http.Request, msg string, status int) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rag.ErrConfig), errors.Is(err, rag.ErrContextBudget):
		return http.StatusBadRequest
	case errors.Is(err, rag.ErrSessionNotFound), errors.Is(err, ingest.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, rag.ErrDuplicateMessage):
		return http.StatusConflict
	case errors.Is(err, rag.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, rag.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, rag.ErrGenerationTimeout), errors.Is(err, rag.ErrRetrievalTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, rag.ErrEngineUnavailable), errors.Is(err, rag.ErrStreamInterrupted),
		errors.Is(err, rag.ErrEmbedding):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// persist runs the configured persistence hook after a mutation. Failures
// are logged; the mutation itself already succeeded.
func (s *Server) persist(r *http.Request) {
	if s.cfg.Persist == nil {
		return
	}
	if err := s.cfg.Persist(context.WithoutCancel(r.Context())); err != nil {
		logging.FromContext(r.Context()).Error("server: persist index", slog.Any("error", err))
	}
}
