// Package database persists documents and embedded chunks and answers
// cosine similarity queries over them.
package database

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"legal-rag/internal/models"
)

// Search defaults
const (
	DefaultTopK                = 10
	DefaultSimilarityThreshold = 0.7
	DefaultTimeout             = 30 * time.Second
)

// ErrZeroVector is returned by CosineSimilarity for a vector without magnitude
var ErrZeroVector = errors.New("zero-magnitude vector")

// VectorStore is the storage contract of the pipeline. Implementations are
// safe for concurrent readers.
type VectorStore interface {
	// Initialize creates the schema if it does not exist yet.
	Initialize(ctx context.Context) error
	// InsertDocument upserts a document by doc_id.
	InsertDocument(ctx context.Context, doc models.Document) error
	// InsertChunksBatch writes the chunks that are not stored yet in one
	// transaction and returns how many of the given chunks are now present.
	// Chunks without an embedding are skipped and not counted.
	InsertChunksBatch(ctx context.Context, chunks []models.Chunk) (int, error)
	// SearchSimilar returns chunks ranked by cosine similarity to the query
	// embedding. On failure it returns an empty slice and the error.
	SearchSimilar(ctx context.Context, q models.Query) ([]models.SearchResult, error)
	// GetDocument loads a stored document without its text.
	GetDocument(ctx context.Context, docID string) (models.Document, error)
	// CountChunks counts stored chunks of a document, or of all documents
	// when docID is empty.
	CountChunks(ctx context.Context, docID string) (int, error)
	Close()
}

// withTimeout bounds a store call. A zero timeout leaves ctx unchanged.
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// embeddedChunks drops chunks that have no embedding
func embeddedChunks(chunks []models.Chunk) []models.Chunk {
	out := make([]models.Chunk, 0, len(chunks))
	for _, ch := range chunks {
		if ch.Embedding != nil {
			out = append(out, ch)
		}
	}
	return out
}

// validateQuery applies search defaults and checks the embedding
func validateQuery(q models.Query) (models.Query, error) {
	if len(q.Embedding) == 0 {
		return q, fmt.Errorf("%w: query embedding is empty", models.ErrStorageRead)
	}
	zero := true
	for _, v := range q.Embedding {
		if v != 0 {
			zero = false
			break
		}
	}
	if zero {
		return q, fmt.Errorf("%w: query embedding has zero magnitude", models.ErrStorageRead)
	}
	if q.TopK <= 0 {
		q.TopK = DefaultTopK
	}
	return q, nil
}

// CosineSimilarity computes the cosine similarity between two vectors. It
// returns an error if the vectors have different lengths or if either vector
// has zero magnitude.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine similarity dimension mismatch: %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("cosine similarity on empty vectors")
	}
	var dot, na2, nb2 float64
	for i := range a {
		va := float64(a[i])
		vb := float64(b[i])
		dot += va * vb
		na2 += va * va
		nb2 += vb * vb
	}
	if na2 == 0 || nb2 == 0 {
		return 0, fmt.Errorf("cosine similarity: %w", ErrZeroVector)
	}
	return dot / (math.Sqrt(na2) * math.Sqrt(nb2)), nil
}

// hasPrefix reports whether path starts with prefix
func hasPrefix(path, prefix []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}
