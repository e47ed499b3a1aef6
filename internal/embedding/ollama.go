package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"legal-rag/internal/models"

	"github.com/ollama/ollama/api"
	"github.com/ollama/ollama/envconfig"
)

// OllamaProvider generates embeddings using Ollama API
type OllamaProvider struct {
	Client     *api.Client
	model      string
	dimensions int
}

// NewOllamaProvider creates a new Ollama provider. An empty host falls back
// to the OLLAMA_HOST environment variable.
func NewOllamaProvider(host string, model string, dimensions int) (*OllamaProvider, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: ollama embedding model is required", models.ErrConfig)
	}
	hostURL, err := ResolveOllamaHost(host)
	if err != nil {
		return nil, err
	}
	client := api.NewClient(hostURL, http.DefaultClient)

	return &OllamaProvider{
		Client:     client,
		model:      model,
		dimensions: dimensions,
	}, nil
}

// ResolveOllamaHost resolves the server address shared by the embedder and the LLM
func ResolveOllamaHost(host string) (*url.URL, error) {
	if host == "" {
		return envconfig.Host(), nil
	}
	hostURL, err := url.Parse(host)
	if err != nil || hostURL.Scheme == "" || hostURL.Host == "" {
		return nil, fmt.Errorf("%w: invalid ollama host %q", models.ErrConfig, host)
	}
	return hostURL, nil
}

// Model implements Provider
func (p *OllamaProvider) Model() string { return p.model }

// Dimensions implements Provider
func (p *OllamaProvider) Dimensions() int { return p.dimensions }

// Embed implements Provider
func (p *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := api.EmbedRequest{
		Model: p.model,
		Input: texts,
	}

	resp, err := p.Client.Embed(ctx, &req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("failed to create embedding: %w", err)
		}
		var se api.StatusError
		if errors.As(err, &se) {
			return nil, &ProviderError{
				Kind:       kindForStatus(se.StatusCode),
				StatusCode: se.StatusCode,
				Message:    se.ErrorMessage,
				Err:        err,
			}
		}
		return nil, &ProviderError{Kind: KindAPI, Message: "failed to create embedding", Err: err}
	}

	return resp.Embeddings, nil
}
