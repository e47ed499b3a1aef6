// Package pipeline wires cleaning, chunking, embedding and storage into
// ingestion runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"legal-rag/internal/database"
	"legal-rag/internal/embedding"
	"legal-rag/internal/logger"
	"legal-rag/internal/models"
	"legal-rag/internal/processor"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultStoreBatchSize is the number of chunks committed per transaction
const DefaultStoreBatchSize = 100

// Options configures an Ingestor
type Options struct {
	Workers        int
	StoreBatchSize int
}

// Prepared is a cleaned document with its chunks
type Prepared struct {
	Document models.Document
	Chunks   []models.Chunk
	Clean    processor.CleanStats
}

// Report summarizes an ingestion run
type Report struct {
	RunID     string
	Documents int
	// Skipped documents had no text left after cleaning
	Skipped int
	// Failed documents could not be written to the store
	Failed      int
	Stored      int
	Chunks      int
	Embedded    int
	EmbedFailed int
	// ChunksStored counts chunks present in the store after the run
	ChunksStored  int
	FailedBatches int
	Duration      time.Duration
}

// Ingestor runs documents through clean, chunk, embed and store
type Ingestor struct {
	cleaner   *processor.TextCleaner
	chunker   *processor.StructuralChunker
	generator *embedding.Generator
	store     database.VectorStore
	workers   int
	batchSize int
}

// NewIngestor creates a new Ingestor
func NewIngestor(cleaner *processor.TextCleaner, chunker *processor.StructuralChunker,
	generator *embedding.Generator, store database.VectorStore, opts Options) (*Ingestor, error) {
	if cleaner == nil || chunker == nil {
		return nil, fmt.Errorf("%w: ingestor needs a cleaner and a chunker", models.ErrConfig)
	}
	if opts.Workers < 0 || opts.StoreBatchSize < 0 {
		return nil, fmt.Errorf("%w: workers and store batch size must not be negative", models.ErrConfig)
	}
	if opts.Workers == 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.StoreBatchSize == 0 {
		opts.StoreBatchSize = DefaultStoreBatchSize
	}
	return &Ingestor{
		cleaner:   cleaner,
		chunker:   chunker,
		generator: generator,
		store:     store,
		workers:   opts.Workers,
		batchSize: opts.StoreBatchSize,
	}, nil
}

// Prepare cleans and chunks documents on a bounded worker pool. The result
// keeps input order.
func (in *Ingestor) Prepare(ctx context.Context, docs []models.Document) ([]Prepared, error) {
	out := make([]Prepared, len(docs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(in.workers)
	for i, doc := range docs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = in.prepare(doc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (in *Ingestor) prepare(doc models.Document) Prepared {
	res := in.cleaner.Clean(doc.Text, true)

	doc.Text = res.Text
	doc.Metadata.ReferenceBlock = res.ReferenceBlock
	if doc.Metadata.TextLength == 0 {
		doc.Metadata.TextLength = res.Stats.CleanedLength
	}
	logger.Debug("Cleaned %s: %d -> %d chars (%.1f%% removed)",
		doc.DocID, res.Stats.OriginalLength, res.Stats.CleanedLength, res.Stats.ReductionPercent)

	// chunks carry document metadata without the reference block
	chunkMeta := doc.Metadata
	chunkMeta.ReferenceBlock = ""

	return Prepared{
		Document: doc,
		Chunks:   in.chunker.ChunkByStructure(res.Text, doc.DocID, chunkMeta),
		Clean:    res.Stats,
	}
}

// Run ingests documents end to end. Per-batch embedding failures and
// per-document storage failures are counted in the report; the returned
// error is set only when the run was cancelled or misconfigured.
func (in *Ingestor) Run(ctx context.Context, docs []models.Document) (Report, error) {
	start := time.Now()
	report := Report{RunID: uuid.NewString(), Documents: len(docs)}
	if in.generator == nil || in.store == nil {
		return report, fmt.Errorf("%w: ingestion needs a generator and a store", models.ErrConfig)
	}
	logger.Info("Ingestion run %s: %d documents", report.RunID, len(docs))

	prepared, err := in.Prepare(ctx, docs)
	if err != nil {
		return report, fmt.Errorf("failed to prepare documents: %w", err)
	}

	var all []models.Chunk
	for _, p := range prepared {
		if len(p.Chunks) == 0 {
			report.Skipped++
			logger.Warn("Document %s has no text after cleaning, skipping", p.Document.DocID)
			continue
		}
		all = append(all, p.Chunks...)
	}
	report.Chunks = len(all)

	stats := processor.Statistics(all)
	logger.Info("Chunked %d documents into %d chunks (avg %.0f tokens, max %d)",
		stats.Documents, stats.Total, stats.AvgTokens, stats.MaxTokens)

	embedReport, err := in.generator.Generate(ctx, all)
	report.Embedded = embedReport.Embedded + embedReport.Skipped
	report.EmbedFailed = embedReport.Failed
	if err != nil {
		report.Duration = time.Since(start)
		return report, fmt.Errorf("embedding interrupted: %w", err)
	}

	// all holds copies, so hand the embedded chunks back to their documents
	offset := 0
	for i := range prepared {
		n := len(prepared[i].Chunks)
		if n == 0 {
			continue
		}
		prepared[i].Chunks = all[offset : offset+n]
		offset += n
	}

	for _, p := range prepared {
		if len(p.Chunks) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
		stored, failedBatches, err := storeDocument(ctx, in.store, p.Document, p.Chunks, in.batchSize)
		report.ChunksStored += stored
		report.FailedBatches += failedBatches
		if err != nil {
			report.Failed++
			logger.Error("Failed to store document %s: %v", p.Document.DocID, err)
			continue
		}
		report.Stored++
	}

	report.Duration = time.Since(start)
	logger.Info("Ingestion run %s finished in %s: %d stored, %d skipped, %d failed, %d/%d chunks stored",
		report.RunID, report.Duration.Round(time.Millisecond), report.Stored, report.Skipped, report.Failed,
		report.ChunksStored, report.Chunks)
	return report, nil
}

// StoreReport summarizes StoreChunks
type StoreReport struct {
	Documents     int
	Failed        int
	ChunksStored  int
	FailedBatches int
}

// StoreChunks writes already embedded chunks. The record of each document
// comes from docs when given; otherwise it is derived from the metadata of
// its first chunk, keeping the reference block already stored for it.
func StoreChunks(ctx context.Context, store database.VectorStore, chunks []models.Chunk,
	docs []models.Document, batchSize int) (StoreReport, error) {
	if batchSize <= 0 {
		batchSize = DefaultStoreBatchSize
	}

	known := make(map[string]models.Document, len(docs))
	for _, doc := range docs {
		known[doc.DocID] = doc
	}

	var order []string
	byDoc := make(map[string][]models.Chunk)
	for _, ch := range chunks {
		if _, ok := byDoc[ch.DocID]; !ok {
			order = append(order, ch.DocID)
		}
		byDoc[ch.DocID] = append(byDoc[ch.DocID], ch)
	}

	var report StoreReport
	for _, docID := range order {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		docChunks := byDoc[docID]
		doc, ok := known[docID]
		if !ok {
			doc = chunkDocument(ctx, store, docID, docChunks[0])
		}

		report.Documents++
		stored, failedBatches, err := storeDocument(ctx, store, doc, docChunks, batchSize)
		report.ChunksStored += stored
		report.FailedBatches += failedBatches
		if err != nil {
			report.Failed++
			logger.Error("Failed to store document %s: %v", docID, err)
		}
	}
	return report, nil
}

// chunkDocument rebuilds a document record from chunk metadata. Chunks do
// not carry the reference block, so the stored one is kept.
func chunkDocument(ctx context.Context, store database.VectorStore, docID string, first models.Chunk) models.Document {
	doc := models.Document{DocID: docID, Metadata: first.Metadata.Document}
	if doc.Metadata.ReferenceBlock != "" {
		return doc
	}

	stored, err := store.GetDocument(ctx, docID)
	switch {
	case err == nil:
		doc.Metadata.ReferenceBlock = stored.Metadata.ReferenceBlock
	case !errors.Is(err, models.ErrDocumentNotFound):
		logger.Warn("Could not load stored document %s: %v", docID, err)
	}
	return doc
}

// storeDocument upserts the document and then commits its chunks batch by
// batch. A failed batch is logged and counted; later batches still run.
func storeDocument(ctx context.Context, store database.VectorStore, doc models.Document,
	chunks []models.Chunk, batchSize int) (stored, failedBatches int, err error) {
	if err := store.InsertDocument(ctx, doc); err != nil {
		return 0, 0, err
	}

	for start := 0; start < len(chunks); start += batchSize {
		end := min(start+batchSize, len(chunks))
		n, err := store.InsertChunksBatch(ctx, chunks[start:end])
		stored += n
		if err != nil {
			failedBatches++
			logger.Error("Failed to store chunks %d-%d of %s: %v", start, end-1, doc.DocID, err)
		}
	}
	return stored, failedBatches, nil
}
