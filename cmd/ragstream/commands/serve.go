package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/54b3r/ragstream-go/internal/logging"
	"github.com/54b3r/ragstream-go/internal/provider"
	"github.com/54b3r/ragstream-go/internal/server"
	"github.com/54b3r/ragstream-go/internal/session"
	"github.com/54b3r/ragstream-go/internal/tracing"
)

// NewServeCmd constructs the `ragstream serve` command, which starts the
// HTTP/SSE API over the knowledge base.
func NewServeCmd() *cobra.Command {
	var host string
	var port int
	var watchDir string
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ragstream HTTP server",
		Long: `Start the ragstream HTTP server.

The server exposes chat (JSON and Server-Sent Events), search and
knowledge-base management endpoints, plus /api/health, /api/ready and
/metrics. With --watch, files under the directory are ingested on start
and re-ingested or removed as they change.

Examples:
  ragstream serve
  ragstream serve --port 9090 --watch ./docs
  MODEL_PROVIDER=openai RAG_INDEX_BACKEND=qdrant ragstream serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			// The config file is applied to the environment after flags are
			// declared, so env fallbacks are resolved here.
			if !cmd.Flags().Changed("host") {
				host = getEnvOrDefault("RAGSTREAM_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = envInt("RAGSTREAM_PORT", port)
			}

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			flush := tracing.Install(log)
			defer flush()

			providerCfg := provider.ConfigFromEnv()
			engine, err := provider.New(ctx, providerCfg)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise model provider: %w", err)
			}
			log.Info("provider initialised",
				slog.String("provider", string(providerCfg.Backend)),
				slog.String("model", engine.Model()),
			)

			reg := prometheus.DefaultRegisterer
			a, err := newApp(ctx, log, reg)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer a.Close()

			sessionOpts := []session.Option{
				session.WithLogger(log),
				session.WithMaxTurns(a.rt.SessionMaxTurns),
			}
			if j := openJournal(log); j != nil {
				defer func() { _ = j.Close() }()
				sessionOpts = append(sessionOpts, session.WithJournal(j))
			}
			sessions := session.NewManager(sessionOpts...)

			coord, err := a.newChat(engine, sessions)
			if err != nil {
				return fmt.Errorf("serve: failed to initialise chat: %w", err)
			}

			pingers := []server.Pinger{
				server.NewEnginePinger(engine, provider.HealthCheckFor(providerCfg), string(providerCfg.Backend)),
				server.NewEmbedderPinger(a.embedder, a.dimension),
			}
			if a.store != nil {
				pingers = append(pingers, server.NewQdrantPinger(a.store.Client()))
			}

			srv, err := server.New(server.Services{
				Chat:      coord,
				Search:    a.retrieval,
				Knowledge: a.kb,
				Sessions:  sessions,
			}, &server.Config{
				Host:            host,
				Port:            port,
				Logger:          log,
				Pingers:         pingers,
				APIKey:          os.Getenv("RAGSTREAM_API_KEY"),
				RateLimit:       envFloat("RAGSTREAM_RATE_LIMIT", 0),
				RateBurst:       envInt("RAGSTREAM_RATE_BURST", 0),
				IngestRateLimit: envFloat("RAGSTREAM_INGEST_RATE_LIMIT", 0),
				IngestRateBurst: envInt("RAGSTREAM_INGEST_RATE_BURST", 0),
				Models:          provider.ModelsFor(providerCfg),
				ChatTimeout:     a.chatTimeout(),
				MetricsRegistry: reg,
				TopK:            a.opts.TopK,
				ScoreThreshold:  a.opts.ScoreThreshold,
				IndexPath:       a.indexPath(),
				Persist:         a.persist,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			g, gctx := errgroup.WithContext(ctx)
			if watchDir != "" {
				w, err := a.kb.NewWatcher(watchDir, debounce)
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				defer func() { _ = w.Close() }()
				g.Go(func() error { return w.Run(gctx) })
				log.Info("watching directory", slog.String("dir", watchDir))
			}
			g.Go(func() error { return srv.Start(gctx) })
			runErr := g.Wait()

			// Watcher-driven changes are only written on shutdown.
			if err := a.persist(context.WithoutCancel(ctx)); err != nil {
				log.Error("serve: persist index on shutdown", slog.Any("error", err))
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (env: RAGSTREAM_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on (env: RAGSTREAM_PORT)")
	cmd.Flags().StringVarP(&watchDir, "watch", "w", "", "Directory to ingest and keep in sync")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "Quiet period before a changed file is re-ingested (default 500ms)")

	return cmd
}
