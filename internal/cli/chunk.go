package cli

import (
	"fmt"
	"slices"

	"legal-rag/internal/models"
	"legal-rag/internal/pipeline"
	"legal-rag/internal/processor"

	"github.com/spf13/cobra"
)

// Chunking modes
const (
	modeStructure = "structure"
	modeSize      = "size"
)

var (
	chunkOutput   string
	chunkDocsOut  string
	chunkMode     string
	chunkSize     int
	chunkOverlap  float64
	chunkMaxChars int
)

var chunkCmd = &cobra.Command{
	Use:   "chunk [documents.jsonl]",
	Short: "Clean documents and split them into chunks",
	Long: `Cleans every document and splits it into chunks.

In structure mode chunks follow sections, articles, parts and points and
stay within the token budget. In size mode documents are cut by a
character budget at sentence ends.`,
	Args: cobra.ExactArgs(1),
	RunE: runChunk,
}

func init() {
	chunkCmd.Flags().StringVarP(&chunkOutput, "output", "o", "chunks.jsonl", "output JSONL file")
	chunkCmd.Flags().StringVar(&chunkDocsOut, "documents-output", "", "also write the cleaned documents with their reference blocks")
	chunkCmd.Flags().StringVarP(&chunkMode, "mode", "m", modeStructure, "chunking mode: structure or size")
	chunkCmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "maximum tokens per chunk (default from config)")
	chunkCmd.Flags().Float64Var(&chunkOverlap, "overlap", -1, "overlap ratio between chunks (default from config)")
	chunkCmd.Flags().IntVar(&chunkMaxChars, "max-chars", 0, "character budget in size mode (default from config)")
	rootCmd.AddCommand(chunkCmd)
}

func runChunk(cmd *cobra.Command, args []string) error {
	docs, err := pipeline.ReadDocumentsFile(args[0])
	if err != nil {
		return err
	}

	var (
		chunks  []models.Chunk
		cleaned []models.Document
	)
	switch chunkMode {
	case modeStructure:
		chunks, cleaned, err = chunkByStructure(cmd, docs)
	case modeSize:
		chunks, cleaned, err = chunkBySize(docs)
	default:
		return fmt.Errorf("unknown chunking mode %q", chunkMode)
	}
	if err != nil {
		return err
	}

	if err := pipeline.WriteFile(chunkOutput, chunks); err != nil {
		return err
	}
	cmd.Printf("Wrote %d chunks from %d documents to %s\n", len(chunks), len(docs), chunkOutput)
	if chunkDocsOut != "" {
		if err := pipeline.WriteFile(chunkDocsOut, cleaned); err != nil {
			return err
		}
		cmd.Printf("Wrote %d cleaned documents to %s\n", len(cleaned), chunkDocsOut)
	}
	printChunkStatistics(cmd, chunks)
	return nil
}

func chunkByStructure(cmd *cobra.Command, docs []models.Document) ([]models.Chunk, []models.Document, error) {
	size := cfg.Chunker.ChunkSize
	if chunkSize > 0 {
		size = chunkSize
	}
	overlap := cfg.Chunker.Overlap
	if chunkOverlap >= 0 {
		overlap = chunkOverlap
	}

	chunker, err := newChunker(size, overlap)
	if err != nil {
		return nil, nil, err
	}
	ingestor, err := pipeline.NewIngestor(processor.NewTextCleaner(), chunker, nil, nil,
		pipeline.Options{Workers: cfg.MaxWorkers})
	if err != nil {
		return nil, nil, err
	}

	prepared, err := ingestor.Prepare(cmd.Context(), docs)
	if err != nil {
		return nil, nil, err
	}
	var (
		chunks  []models.Chunk
		cleaned []models.Document
	)
	for _, p := range prepared {
		chunks = append(chunks, p.Chunks...)
		if len(p.Chunks) > 0 {
			cleaned = append(cleaned, p.Document)
		}
	}
	return chunks, cleaned, nil
}

func chunkBySize(docs []models.Document) ([]models.Chunk, []models.Document, error) {
	maxChars := cfg.Chunker.MaxChars
	if chunkMaxChars > 0 {
		maxChars = chunkMaxChars
	}
	tok, err := processor.NewTiktokenTokenizer(processor.DefaultEncoding)
	if err != nil {
		return nil, nil, err
	}

	cleaner := processor.NewTextCleaner()
	var (
		chunks  []models.Chunk
		cleaned []models.Document
	)
	for _, doc := range docs {
		res := cleaner.Clean(doc.Text, true)
		meta := doc.Metadata
		meta.ReferenceBlock = ""
		docChunks := processor.ChunkBySize(res.Text, doc.DocID, meta, maxChars, tok)
		if len(docChunks) == 0 {
			continue
		}
		chunks = append(chunks, docChunks...)

		doc.Text = res.Text
		doc.Metadata.ReferenceBlock = res.ReferenceBlock
		if doc.Metadata.TextLength == 0 {
			doc.Metadata.TextLength = res.Stats.CleanedLength
		}
		cleaned = append(cleaned, doc)
	}
	return chunks, cleaned, nil
}

// printChunkStatistics prints token and section depth statistics
func printChunkStatistics(cmd *cobra.Command, chunks []models.Chunk) {
	if len(chunks) == 0 {
		return
	}
	stats := processor.Statistics(chunks)

	cmd.Println("Chunk Statistics:")
	cmd.Printf("  Total chunks: %d\n", stats.Total)
	cmd.Printf("  Documents: %d\n", stats.Documents)
	cmd.Printf("  Average chunk size: %.1f tokens (max %d)\n", stats.AvgTokens, stats.MaxTokens)

	cmd.Println("  Section depth breakdown:")
	depths := make([]int, 0, len(stats.ByDepth))
	for depth := range stats.ByDepth {
		depths = append(depths, depth)
	}
	slices.Sort(depths)
	for _, depth := range depths {
		if depth == 0 {
			cmd.Printf("    No section: %d chunks\n", stats.ByDepth[depth])
		} else {
			cmd.Printf("    Depth %d: %d chunks\n", depth, stats.ByDepth[depth])
		}
	}
}
