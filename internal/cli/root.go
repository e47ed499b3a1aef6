// Package cli implements the legalrag command line.
package cli

import (
	"context"
	"fmt"

	"legal-rag/internal/config"
	"legal-rag/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool

	// cfg is loaded before any subcommand runs
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "legalrag",
	Short: "Ingest and search Ukrainian legal acts",
	Long: `legalrag turns legal acts into structure-aware chunks, embeds them and
stores them in a vector database for semantic search.

Typical flow: extract -> chunk -> embed, or ingest to run everything at once.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func loadConfig(_ *cobra.Command, _ []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded

	lvl, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(lvl)
	if verbose {
		logger.SetVerbose(true)
	}
	return nil
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
