// Package search answers free-text queries against the vector store.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"legal-rag/internal/database"
	"legal-rag/internal/logger"
	"legal-rag/internal/models"
)

// QueryEmbedder turns a query into a single embedding
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Searcher embeds a query and delegates ranking to the store. It holds no
// per-query state and is safe for concurrent use.
type Searcher struct {
	embedder  QueryEmbedder
	store     database.VectorStore
	topK      int
	threshold float64
}

// NewSearcher creates a new Searcher with default topk and threshold
func NewSearcher(embedder QueryEmbedder, store database.VectorStore, topK int, threshold float64) (*Searcher, error) {
	if embedder == nil || store == nil {
		return nil, fmt.Errorf("%w: searcher needs an embedder and a store", models.ErrConfig)
	}
	if topK <= 0 {
		topK = database.DefaultTopK
	}
	if threshold < -1 || threshold > 1 {
		return nil, fmt.Errorf("%w: similarity threshold %.2f outside [-1, 1]", models.ErrConfig, threshold)
	}
	return &Searcher{embedder: embedder, store: store, topK: topK, threshold: threshold}, nil
}

// Options narrow a search. Zero values fall back to the searcher defaults.
type Options struct {
	TopK        int
	Threshold   *float64
	DocID       string
	SectionPath []string
}

// Search ranks stored chunks against the query text. When the query cannot
// be embedded it returns an empty result and an error wrapping
// models.ErrNoQueryEmbedding.
func (s *Searcher) Search(ctx context.Context, text string, opts Options) ([]models.SearchResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return []models.SearchResult{}, fmt.Errorf("%w: query is empty", models.ErrNoQueryEmbedding)
	}

	embedding, err := s.embedder.EmbedQuery(ctx, text)
	if err == nil && len(embedding) == 0 {
		err = errors.New("provider returned an empty vector")
	}
	if err != nil {
		logger.Warn("No embedding produced for query: %v", err)
		return []models.SearchResult{}, fmt.Errorf("%w: %w", models.ErrNoQueryEmbedding, err)
	}

	q := models.Query{
		Text:        text,
		Embedding:   embedding,
		TopK:        s.topK,
		Threshold:   s.threshold,
		DocID:       opts.DocID,
		SectionPath: opts.SectionPath,
	}
	if opts.TopK > 0 {
		q.TopK = opts.TopK
	}
	if opts.Threshold != nil {
		q.Threshold = *opts.Threshold
	}

	results, err := s.store.SearchSimilar(ctx, q)
	if err != nil {
		return []models.SearchResult{}, err
	}
	logger.Debug("Query %q returned %d results", text, len(results))
	return results, nil
}
