package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragstream-go/internal/chat"
	"github.com/54b3r/ragstream-go/internal/logging"
	"github.com/54b3r/ragstream-go/internal/provider"
	"github.com/54b3r/ragstream-go/internal/session"
	"github.com/54b3r/ragstream-go/internal/tracing"
)

// NewAskCmd constructs the `ragstream ask` command, which answers a single
// question from the knowledge base and streams the response to stdout.
func NewAskCmd() *cobra.Command {
	var noRetrieval bool
	var topK int

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question against the knowledge base",
		Long: `Ask a natural language question. Relevant chunks are retrieved from the
knowledge base, the answer is streamed as it is generated, and the sources
are listed at the end.

Examples:
  ragstream ask "how do I rotate the signing keys?"
  ragstream ask --top-k 8 "summarise the deployment guide"
  ragstream ask --no-rag "write a haiku about indexes"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			out := cmd.OutOrStdout()

			flush := tracing.Install(log)
			defer flush()

			engine, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("ask: failed to initialise model provider: %w", err)
			}

			a, err := newApp(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer a.Close()

			coord, err := a.newChat(engine, session.NewManager(session.WithLogger(log)))
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			run, err := coord.Stream(ctx, chat.Request{
				Message:      strings.Join(args, " "),
				UseRetrieval: !noRetrieval,
				TopK:         topK,
			})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			var sources []chat.Source
			for ev := range run.Events() {
				fmt.Fprint(out, ev.Chunk)
				if ev.Sources != nil {
					sources = ev.Sources
				}
			}
			fmt.Fprintln(out)

			res := run.Wait()
			if res.Degraded {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: answered without retrieval: %s\n", res.DegradedReason)
			}
			if len(sources) > 0 {
				fmt.Fprintln(out, "\nSources:")
				for i, s := range sources {
					fmt.Fprintf(out, "  [%d] %s (score %.3f)\n", i+1, s.Source, s.Score)
				}
			}
			if res.Err != nil {
				return fmt.Errorf("ask: %w", res.Err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noRetrieval, "no-rag", false, "Answer without consulting the knowledge base")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of chunks to retrieve (default RAG_TOP_K)")

	return cmd
}
