package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragstream-go/internal/chat"
	"github.com/54b3r/ragstream-go/internal/ingest"
	"github.com/54b3r/ragstream-go/internal/provider"
	"github.com/54b3r/ragstream-go/internal/rag"
)

// ModelLister enumerates the models the generation backend can serve.
type ModelLister interface {
	ListModels(ctx context.Context) ([]provider.ModelInfo, error)
}

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// ChatTimeout bounds a whole /api/chat request including streaming.
	ChatTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained chat request rate allowed per IP
	// (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the chat burst per IP. Defaults to 20 if zero.
	RateBurst int
	// IngestRateLimit is the sustained rate of knowledge-base writes
	// (ingestion and deletion) per IP. Defaults to 2 if zero.
	IngestRateLimit float64
	// IngestRateBurst is the knowledge-base write burst per IP. Defaults to 5.
	IngestRateBurst int
	// Models lists the models of the generation backend for
	// GET /api/chat/models. If nil only the active model is reported.
	Models ModelLister
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server's HTTP metrics. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
	// TopK and ScoreThreshold are the search defaults when the query string
	// does not override them.
	TopK           int
	ScoreThreshold float32
	// MaxUploadBytes caps the multipart body of POST /api/documents/upload.
	MaxUploadBytes int64
	// IndexPath is reported by GET /api/knowledge-base/info.
	IndexPath string
	// Persist, when set, runs after every successful knowledge-base mutation.
	Persist func(ctx context.Context) error
}

// chatter answers chat requests. *chat.Coordinator satisfies it.
type chatter interface {
	Complete(ctx context.Context, req chat.Request) (*chat.Response, error)
	Stream(ctx context.Context, req chat.Request) (*chat.Run, error)
	Model() string
}

// searcher ranks knowledge-base chunks for a query. *retrieval.Orchestrator
// satisfies it.
type searcher interface {
	Retrieve(ctx context.Context, query string, topK int, threshold float32) ([]rag.Result, error)
}

// knowledgeBase is the ingestion surface. *ingest.Pipeline satisfies it.
type knowledgeBase interface {
	Ingest(ctx context.Context, docs ...ingest.Document) ingest.Report
	DeleteDocument(ctx context.Context, source string) (int, error)
	Clear(ctx context.Context) error
	Documents() []ingest.DocumentInfo
	Info() ingest.Info
}

// sessionStore is the session surface. *session.Manager satisfies it.
type sessionStore interface {
	Delete(ctx context.Context, sessionID string) error
}

// Services are the core components exposed over HTTP.
type Services struct {
	Chat      chatter
	Search    searcher
	Knowledge knowledgeBase
	Sessions  sessionStore
}

// Server is the HTTP transport over the retrieval and generation pipeline.
type Server struct {
	chat      chatter
	search    searcher
	knowledge knowledgeBase
	sessions  sessionStore
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus metrics owned by this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// chatRequest is the JSON body for POST /api/chat and /api/chat/stream.
type chatRequest struct {
	// Message is the user's question.
	Message string `json:"message"`
	// SessionID continues an existing conversation; empty starts one.
	SessionID string `json:"session_id,omitempty"`
	// ClientMessageID deduplicates retried submissions.
	ClientMessageID string `json:"client_message_id,omitempty"`
	// UseRetrieval enables knowledge-base retrieval. Defaults to true.
	UseRetrieval *bool `json:"use_rag,omitempty"`
	// History seeds a new session with prior turns.
	History []chat.HistoryTurn `json:"history,omitempty"`
	// TopK overrides the number of retrieved sources.
	TopK int `json:"top_k,omitempty"`
}

// chatResponse is the JSON response for POST /api/chat.
type chatResponse struct {
	*chat.Response
	// ProcessingTime is the request latency in seconds.
	ProcessingTime float64 `json:"processing_time"`
	// Error is set when generation failed after producing partial output.
	Error string `json:"error,omitempty"`
}

// searchResponse is the JSON response for GET /api/search.
type searchResponse struct {
	Query   string        `json:"query"`
	Results []chat.Source `json:"results"`
}

// textDocumentRequest is the JSON body for POST /api/documents/text.
type textDocumentRequest struct {
	// Text is the document body.
	Text string `json:"text"`
	// Title names the document and doubles as its source id.
	Title string `json:"title"`
	// Format is "plain" (default), "markdown" or "html".
	Format string `json:"format,omitempty"`
	// Metadata is attached to every chunk.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// deleteDocumentResponse is the JSON response for DELETE /api/documents.
type deleteDocumentResponse struct {
	Source        string `json:"source"`
	ChunksRemoved int    `json:"chunks_removed"`
}

// knowledgeBaseInfo is the JSON response for GET /api/knowledge-base/info.
type knowledgeBaseInfo struct {
	ingest.Info
	IndexPath string `json:"index_path,omitempty"`
	Model     string `json:"model,omitempty"`
}
