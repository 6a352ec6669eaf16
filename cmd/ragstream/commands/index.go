package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragstream-go/internal/audit"
	"github.com/54b3r/ragstream-go/internal/logging"
)

// NewIndexCmd constructs the `ragstream index` command group for inspecting
// and managing the knowledge base.
func NewIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect or manage the knowledge base index",
	}
	cmd.AddCommand(newIndexInfoCmd(), newIndexDocsCmd(), newIndexRemoveCmd(), newIndexClearCmd())
	return cmd
}

func newIndexInfoCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print document and chunk counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), logging.New(), nil)
			if err != nil {
				return fmt.Errorf("index info: %w", err)
			}
			defer a.Close()

			info := a.kb.Info()
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(info)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "backend\t%s\n", a.rt.IndexBackend)
			if p := a.indexPath(); p != "" {
				fmt.Fprintf(tw, "path\t%s\n", p)
			}
			fmt.Fprintf(tw, "documents\t%d\n", info.Documents)
			fmt.Fprintf(tw, "chunks\t%d\n", info.Chunks)
			fmt.Fprintf(tw, "dimension\t%d\n", info.Dimension)
			fmt.Fprintf(tw, "chunk size\t%d (overlap %d)\n", info.ChunkSize, info.ChunkOverlap)
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func newIndexDocsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "docs",
		Short: "List ingested documents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), logging.New(), nil)
			if err != nil {
				return fmt.Errorf("index docs: %w", err)
			}
			defer a.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tCHUNKS\tINGESTED")
			for _, d := range a.kb.Documents() {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", d.Source, d.Chunks, d.IngestedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
}

func newIndexRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [source]",
		Short: "Remove one document and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			a, err := newApp(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("index remove: %w", err)
			}
			defer a.Close()

			n, err := a.kb.DeleteDocument(ctx, args[0])
			if err != nil {
				return fmt.Errorf("index remove: %w", err)
			}
			audit.LogMutation(ctx, log, "document.delete", args[0], "cli", n)
			if err := a.persist(ctx); err != nil {
				return fmt.Errorf("index remove: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s (%d chunks)\n", args[0], n)
			return nil
		},
	}
}

func newIndexClearCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every document from the knowledge base",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("index clear: refusing without --yes")
			}
			ctx := cmd.Context()
			log := logging.New()
			a, err := newApp(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("index clear: %w", err)
			}
			defer a.Close()

			before := a.kb.Info().Chunks
			if err := a.kb.Clear(ctx); err != nil {
				return fmt.Errorf("index clear: %w", err)
			}
			audit.LogMutation(ctx, log, "knowledge_base.clear", "", "cli", before)
			if err := a.persist(ctx); err != nil {
				return fmt.Errorf("index clear: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d chunks\n", before)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm clearing the knowledge base")
	return cmd
}
