package cli

import (
	"context"
	"fmt"
	"time"

	"legal-rag/internal/config"
	"legal-rag/internal/database"
	"legal-rag/internal/embedding"
	"legal-rag/internal/logger"
	"legal-rag/internal/models"
	"legal-rag/internal/processor"
)

func newProvider(c *config.Config) (embedding.Provider, error) {
	switch c.Embedding.Provider {
	case config.ProviderOllama:
		return embedding.NewOllamaProvider(c.LLM.Host, c.Embedding.Model, c.Embedding.Dimensions)
	default:
		return embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:     c.Embedding.APIKey,
			BaseURL:    c.Embedding.BaseURL,
			Model:      c.Embedding.Model,
			Dimensions: c.Embedding.Dimensions,
			Timeout:    c.EmbeddingTimeout(),
		})
	}
}

func newGenerator(c *config.Config) (*embedding.Generator, error) {
	provider, err := newProvider(c)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}
	return embedding.NewGenerator(provider, embedding.Config{
		BatchSize:      c.Embedding.BatchSize,
		MaxRetries:     c.Embedding.MaxRetries,
		RateLimitRPM:   c.Embedding.RateLimitRPM,
		RequestTimeout: c.EmbeddingTimeout(),
	}, embedding.WithProgress(remainingEstimate(time.Now())))
}

// remainingEstimate logs the projected time left after every batch
func remainingEstimate(start time.Time) embedding.ProgressFunc {
	return func(processed, total int) {
		if processed == 0 {
			return
		}
		elapsed := time.Since(start)
		estimatedTotal := elapsed * time.Duration(total) / time.Duration(processed)
		logger.Debug("Est. remaining: %v", (estimatedTotal - elapsed).Round(time.Second))
	}
}

func openStore(ctx context.Context, c *config.Config) (database.VectorStore, error) {
	switch c.Store.Type {
	case config.StoreSQLite:
		s, err := database.NewSQLiteStore(c.Store.SQLitePath, c.Embedding.Dimensions, c.StoreTimeout())
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		if c.Store.DatabaseURL == "" {
			return nil, fmt.Errorf("%w: DATABASE_URL is required for the postgres store", models.ErrConfig)
		}
		s, err := database.NewPostgresStore(ctx, c.Store.DatabaseURL, c.Embedding.Dimensions, c.StoreTimeout())
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// openInitializedStore opens the store and makes sure the schema exists
func openInitializedStore(ctx context.Context, c *config.Config) (database.VectorStore, error) {
	store, err := openStore(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return store, nil
}

func newChunker(chunkSize int, overlap float64) (*processor.StructuralChunker, error) {
	tok, err := processor.NewTiktokenTokenizer(processor.DefaultEncoding)
	if err != nil {
		return nil, err
	}
	return processor.NewStructuralChunker(chunkSize, overlap, tok)
}
