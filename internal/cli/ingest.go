package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"legal-rag/internal/models"
	"legal-rag/internal/pipeline"
	"legal-rag/internal/processor"

	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [documents.jsonl | file | directory]",
	Short: "Clean, chunk, embed and store documents",
	Long: `Runs the full pipeline. The input is either a JSONL file of documents or a
PDF/TXT file or directory, which is extracted first. Documents are written
before their chunks and chunks are committed in batches, so an interrupted
run can simply be started again.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	docs, err := loadDocuments(cmd, args[0])
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		cmd.Println("No documents to ingest.")
		return nil
	}

	chunker, err := newChunker(cfg.Chunker.ChunkSize, cfg.Chunker.Overlap)
	if err != nil {
		return err
	}
	generator, err := newGenerator(cfg)
	if err != nil {
		return err
	}
	store, err := openInitializedStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ingestor, err := pipeline.NewIngestor(processor.NewTextCleaner(), chunker, generator, store, pipeline.Options{
		Workers:        cfg.MaxWorkers,
		StoreBatchSize: cfg.Store.BatchSize,
	})
	if err != nil {
		return err
	}

	report, runErr := ingestor.Run(ctx, docs)
	printIngestReport(cmd, report)
	if runErr != nil {
		return fmt.Errorf("ingestion did not complete: %w", runErr)
	}
	return nil
}

// loadDocuments reads a JSONL document file or extracts PDF/TXT input
func loadDocuments(cmd *cobra.Command, path string) ([]models.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("invalid input path: %w", err)
	}
	if !info.IsDir() && strings.EqualFold(filepath.Ext(path), ".jsonl") {
		return pipeline.ReadDocumentsFile(path)
	}

	docs, stats, err := processor.NewExtractor().ExtractPath(cmd.Context(), path, cfg.MaxWorkers)
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}
	cmd.Printf("Extracted %d of %d files (%d skipped, %d failed)\n",
		stats.Processed, stats.Total, stats.Skipped, stats.Failed)
	return docs, nil
}

func printIngestReport(cmd *cobra.Command, r pipeline.Report) {
	cmd.Printf("Ingestion run %s completed in %v:\n", r.RunID, r.Duration.Round(time.Millisecond))
	cmd.Printf("  Documents: %d total, %d stored, %d skipped, %d failed\n",
		r.Documents, r.Stored, r.Skipped, r.Failed)
	cmd.Printf("  Chunks: %d created, %d embedded, %d failed to embed, %d stored\n",
		r.Chunks, r.Embedded, r.EmbedFailed, r.ChunksStored)
	if r.FailedBatches > 0 {
		cmd.Printf("  Failed storage batches: %d\n", r.FailedBatches)
	}
}
