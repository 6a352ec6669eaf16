// Package commands defines all Cobra CLI commands for the ragstream binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/ragstream-go/internal/audit"
	"github.com/54b3r/ragstream-go/internal/config"
	"github.com/54b3r/ragstream-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ragstream",
		Short: "ragstream: streaming answers grounded in your own documents",
		Long: `ragstream ingests documents into an embedding index and answers questions
with a streaming language model, citing the chunks it retrieved.

The generation backend is selected via MODEL_PROVIDER and the embedding
backend via EMBEDDING_PROVIDER, or a YAML config file
(~/.ragstream/config.yaml). See 'ragstream --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.ragstream/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewIngestCmd(),
		NewAskCmd(),
		NewSearchCmd(),
		NewIndexCmd(),
		NewVersionCmd(),
	)

	return root
}
