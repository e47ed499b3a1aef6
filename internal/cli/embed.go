package cli

import (
	"errors"
	"fmt"

	"legal-rag/internal/models"
	"legal-rag/internal/pipeline"

	"github.com/spf13/cobra"
)

var (
	embedOutput string
	embedStore  bool
	embedDocs   string
)

var embedCmd = &cobra.Command{
	Use:   "embed [chunks.jsonl]",
	Short: "Generate embeddings for chunks",
	Long: `Generates embeddings for every chunk that has none yet, in rate-limited
batches. Failed batches are kept in the output with an error field so the
command can be rerun on its own output. With --store the embedded chunks
are also written to the vector store; pass --documents to store the
cleaned document records, including reference blocks, with them.`,
	Args: cobra.ExactArgs(1),
	RunE: runEmbed,
}

func init() {
	embedCmd.Flags().StringVarP(&embedOutput, "output", "o", "embedded.jsonl", "output JSONL file")
	embedCmd.Flags().BoolVar(&embedStore, "store", false, "write embedded chunks to the vector store")
	embedCmd.Flags().StringVar(&embedDocs, "documents", "", "cleaned documents JSONL from chunk --documents-output, stored with --store")
	rootCmd.AddCommand(embedCmd)
}

func runEmbed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	chunks, err := pipeline.ReadChunksFile(args[0])
	if err != nil {
		return err
	}
	generator, err := newGenerator(cfg)
	if err != nil {
		return err
	}

	report, genErr := generator.Generate(ctx, chunks)
	// keep partial progress even when interrupted
	if err := pipeline.WriteFile(embedOutput, chunks); err != nil {
		return errors.Join(genErr, err)
	}
	cmd.Printf("Embedded %d/%d chunks (%d failed, %d already embedded, %d pending) -> %s\n",
		report.Embedded, report.Total, report.Failed, report.Skipped, report.Pending, embedOutput)
	if genErr != nil {
		return fmt.Errorf("embedding interrupted: %w", genErr)
	}

	if !embedStore {
		return nil
	}
	var docs []models.Document
	if embedDocs != "" {
		if docs, err = pipeline.ReadDocumentsFile(embedDocs); err != nil {
			return err
		}
	}
	store, err := openInitializedStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	stored, err := pipeline.StoreChunks(ctx, store, chunks, docs, cfg.Store.BatchSize)
	if err != nil {
		return err
	}
	cmd.Printf("Stored %d chunks across %d documents (%d documents failed, %d batches failed)\n",
		stored.ChunksStored, stored.Documents, stored.Failed, stored.FailedBatches)
	return nil
}
