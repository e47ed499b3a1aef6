package cli

import (
	"fmt"

	"legal-rag/internal/pipeline"
	"legal-rag/internal/processor"

	"github.com/spf13/cobra"
)

var (
	extractOutput  string
	extractWorkers int
)

var extractCmd = &cobra.Command{
	Use:   "extract [path]",
	Short: "Extract text from PDF and TXT files",
	Long: `Extracts text from a PDF or TXT file, or from every such file below a
directory, and writes one document per line to a JSONL file.
Scanned PDFs and files shorter than 100 characters are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runExtract,
}

func init() {
	extractCmd.Flags().StringVarP(&extractOutput, "output", "o", "documents.jsonl", "output JSONL file")
	extractCmd.Flags().IntVarP(&extractWorkers, "workers", "w", 0, "parallel workers (default from config)")
	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	workers := extractWorkers
	if workers <= 0 {
		workers = cfg.MaxWorkers
	}

	docs, stats, err := processor.NewExtractor().ExtractPath(cmd.Context(), args[0], workers)
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}
	if err := pipeline.WriteFile(extractOutput, docs); err != nil {
		return err
	}

	cmd.Printf("Extracted %d documents to %s\n", len(docs), extractOutput)
	cmd.Printf("  Files: %d total, %d processed, %d skipped, %d failed\n",
		stats.Total, stats.Processed, stats.Skipped, stats.Failed)
	return nil
}
