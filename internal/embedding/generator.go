package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"legal-rag/internal/logger"
	"legal-rag/internal/models"
)

// Generator defaults
const (
	DefaultBatchSize      = 100
	DefaultRateLimitRPM   = 60
	DefaultRequestTimeout = 60 * time.Second
)

// Config holds the batching and throttling settings of a Generator
type Config struct {
	BatchSize      int
	MaxRetries     int
	RateLimitRPM   int
	RequestTimeout time.Duration
}

// ProgressFunc is called after every batch with the number of chunks
// handled so far
type ProgressFunc func(processed, total int)

// Report summarizes a Generate call
type Report struct {
	Total    int
	Embedded int
	Failed   int
	// Skipped chunks already carried an embedding
	Skipped int
	// Pending chunks were never attempted because the run was cancelled
	Pending int
	Batches int
}

// Generator attaches embeddings to chunks. Batches are sent one at a time
// and every request, retries included, waits on the shared Limiter, so a
// Generator must not be driven by several goroutines that expect parallel
// throughput.
type Generator struct {
	provider  Provider
	limiter   *Limiter
	retry     RetryPolicy
	batchSize int
	timeout   time.Duration
	progress  ProgressFunc
}

// Option configures a Generator
type Option func(*Generator)

// WithLimiter shares an existing limiter instead of creating one
func WithLimiter(l *Limiter) Option {
	return func(g *Generator) { g.limiter = l }
}

// WithRetryPolicy replaces the default retry policy
func WithRetryPolicy(p RetryPolicy) Option {
	return func(g *Generator) { g.retry = p }
}

// WithProgress registers a batch progress callback
func WithProgress(fn ProgressFunc) Option {
	return func(g *Generator) { g.progress = fn }
}

// NewGenerator creates a generator for the provider
func NewGenerator(provider Provider, cfg Config, opts ...Option) (*Generator, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: embedding provider is required", models.ErrConfig)
	}
	if cfg.BatchSize < 0 || cfg.MaxRetries < 0 || cfg.RequestTimeout < 0 {
		return nil, fmt.Errorf("%w: negative embedding settings", models.ErrConfig)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	g := &Generator{
		provider:  provider,
		retry:     DefaultRetryPolicy(cfg.MaxRetries),
		batchSize: cfg.BatchSize,
		timeout:   cfg.RequestTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.limiter == nil {
		g.limiter = NewLimiter(cfg.RateLimitRPM)
	}
	return g, nil
}

// Model returns the provider model name
func (g *Generator) Model() string { return g.provider.Model() }

// Dimensions returns the configured vector dimensionality
func (g *Generator) Dimensions() int { return g.provider.Dimensions() }

// Generate fills the Embedding of every chunk that has none. A batch that
// still fails after retries gets EmbeddingError set on each of its chunks
// and the run continues. When ctx is cancelled the remaining chunks are
// left untouched, counted as pending, and ctx.Err() is returned.
func (g *Generator) Generate(ctx context.Context, chunks []models.Chunk) (Report, error) {
	report := Report{Total: len(chunks)}

	todo := make([]int, 0, len(chunks))
	for i := range chunks {
		if chunks[i].Embedding != nil {
			report.Skipped++
			continue
		}
		todo = append(todo, i)
	}

	logger.Info("Starting embeddings generation: %d chunks, batch size %d, model %s",
		len(todo), g.batchSize, g.provider.Model())
	start := time.Now()

	for from := 0; from < len(todo); from += g.batchSize {
		to := min(from+g.batchSize, len(todo))
		batch := todo[from:to]

		if err := ctx.Err(); err != nil {
			report.Pending = len(todo) - from
			logger.Warn("Embedding interrupted: %d chunks pending", report.Pending)
			return report, err
		}

		texts := make([]string, len(batch))
		for i, idx := range batch {
			texts[i] = chunks[idx].Text
		}

		vectors, err := g.embedBatch(ctx, texts)
		report.Batches++
		if err != nil && ctx.Err() != nil {
			report.Pending = len(todo) - from
			logger.Warn("Embedding interrupted: %d chunks pending", report.Pending)
			return report, ctx.Err()
		}

		if err != nil {
			logger.Error("Failed to generate batch starting at %d: %v", from, err)
			for _, idx := range batch {
				chunks[idx].Embedding = nil
				chunks[idx].EmbeddingError = err.Error()
			}
			report.Failed += len(batch)
		} else {
			for i, idx := range batch {
				chunks[idx].Embedding = vectors[i]
				chunks[idx].EmbeddingError = ""
			}
			report.Embedded += len(batch)
		}

		logger.Info("Progress: %d/%d chunks processed (%.1f%%)",
			to, len(todo), float64(to)/float64(len(todo))*100)
		if g.progress != nil {
			g.progress(to, len(todo))
		}
	}

	logger.Info("Embeddings generation complete: %d embedded, %d failed in %v",
		report.Embedded, report.Failed, time.Since(start).Round(time.Millisecond))
	return report, nil
}

// EmbedQuery embeds a single text as a one item batch
func (g *Generator) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("empty query text")
	}
	vectors, err := g.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// embedBatch sends one batch through the limiter, timeout and retry policy
func (g *Generator) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	err := g.retry.Do(ctx, func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		v, err := g.provider.Embed(callCtx, texts)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return &ProviderError{Kind: KindTimeout, Message: fmt.Sprintf("no response within %v", g.timeout), Err: err}
			}
			return err
		}
		if len(v) != len(texts) {
			return &ProviderError{Kind: KindAPI, Message: fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(v))}
		}
		if dims := g.provider.Dimensions(); dims > 0 {
			for i := range v {
				if len(v[i]) != dims {
					return &ProviderError{Kind: KindAPI, Message: fmt.Sprintf("expected %d dimensions, got %d", dims, len(v[i]))}
				}
			}
		}
		vectors = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}
