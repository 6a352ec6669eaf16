package commands

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragstream-go/internal/ingest"
	"github.com/54b3r/ragstream-go/internal/logging"
)

// NewIngestCmd constructs the `ragstream ingest` command, which adds files,
// directories and URLs to the knowledge base.
func NewIngestCmd() *cobra.Command {
	var urls []string

	cmd := &cobra.Command{
		Use:   "ingest [paths...]",
		Short: "Ingest documents into the knowledge base",
		Long: `Extract, chunk and embed documents into the knowledge base.

Directories are walked recursively; only supported files (.txt, .md,
.markdown, .html, .htm) are read. A document whose content has not changed
since it was last ingested is skipped; a changed document replaces its old
chunks.

With the in-memory backend the index is persisted to RAG_INDEX_PATH
(default ~/.ragstream/index.bin) after a successful run.

Examples:
  ragstream ingest ./docs
  ragstream ingest notes.md README.md
  ragstream ingest --url https://go.dev/doc/effective_go`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()

			if len(args) == 0 && len(urls) == 0 {
				return fmt.Errorf("ingest: at least one path or --url is required")
			}

			a, err := newApp(ctx, log, nil)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer a.Close()

			files, err := ingest.CollectFiles(args)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			log.Info("starting ingestion", slog.Int("files", len(files)), slog.Int("urls", len(urls)))

			rep := a.kb.IngestFiles(ctx, files...)
			if len(urls) > 0 {
				rep = merge(rep, a.kb.IngestURLs(ctx, urls...))
			}
			printReport(cmd.OutOrStdout(), rep)

			if rep.Ingested > 0 {
				if err := a.persist(ctx); err != nil {
					return fmt.Errorf("ingest: %w", err)
				}
			}
			if rep.Err != nil && rep.Ingested+rep.Skipped == 0 {
				return fmt.Errorf("ingest: nothing ingested: %w", rep.Err)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&urls, "url", "u", nil, "URL to fetch and ingest (repeatable)")

	return cmd
}

// merge combines two ingestion reports.
func merge(a, b ingest.Report) ingest.Report {
	return ingest.Report{
		Ingested:  a.Ingested + b.Ingested,
		Skipped:   a.Skipped + b.Skipped,
		Chunks:    a.Chunks + b.Chunks,
		Documents: append(a.Documents, b.Documents...),
		Err:       errors.Join(a.Err, b.Err),
	}
}
