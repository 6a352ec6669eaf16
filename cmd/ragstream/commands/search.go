package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragstream-go/internal/logging"
)

// NewSearchCmd constructs the `ragstream search` command, which runs
// retrieval alone and prints the ranked chunks.
func NewSearchCmd() *cobra.Command {
	var topK int
	var threshold float32

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Show the chunks retrieved for a query",
		Long: `Embed the query and print the best matching chunks with their scores,
without calling the generation model.

Examples:
  ragstream search "signing keys"
  ragstream search --top-k 10 --threshold 0.3 "deployment"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := newApp(ctx, logging.New(), nil)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer a.Close()

			if !cmd.Flags().Changed("threshold") {
				threshold = a.opts.ScoreThreshold
			}
			results, err := a.retrieval.Retrieve(ctx, strings.Join(args, " "), topK, threshold)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if len(results) == 0 {
				fmt.Fprintln(out, "no matching chunks")
				return nil
			}
			for i, r := range results {
				fmt.Fprintf(out, "%d. %s #%d (score %.3f)\n   %s\n", i+1, r.Source, r.ChunkIndex, r.Score, r.Snippet())
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of chunks to return (default RAG_TOP_K)")
	cmd.Flags().Float32Var(&threshold, "threshold", 0, "Minimum cosine score (default RAG_SCORE_THRESHOLD)")

	return cmd
}
