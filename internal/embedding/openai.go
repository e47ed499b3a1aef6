package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"legal-rag/internal/models"
)

// Default configuration values for the OpenAI provider
const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "text-embedding-3-large"
	DefaultOpenAITimeout = 60 * time.Second
)

// Model dimensions for OpenAI embedding models
var openAIModelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIModelDimensions returns the native vector size of a known model, or 0
func OpenAIModelDimensions(model string) int {
	return openAIModelDimensions[model]
}

// OpenAIConfig holds configuration for the OpenAI embedding provider
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// Dimensions truncates text-embedding-3 vectors; zero keeps the model default.
	Dimensions int
	Timeout    time.Duration
}

// OpenAIProvider generates embeddings with the OpenAI REST API or any
// compatible server
type OpenAIProvider struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimensions int
}

type openAIRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIProvider creates a new OpenAI embedding provider
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: OpenAI API key is required", models.ErrConfig)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultOpenAITimeout
	}

	dimensions := cfg.Dimensions
	if dimensions == 0 {
		dimensions = openAIModelDimensions[cfg.Model]
	}

	return &OpenAIProvider{
		client:     &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: dimensions,
	}, nil
}

// Model implements Provider
func (p *OpenAIProvider) Model() string { return p.model }

// Dimensions implements Provider
func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

// Embed implements Provider
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := openAIRequest{Model: p.model, Input: texts}
	// Only text-embedding-3 models accept a dimensions override
	if strings.HasPrefix(p.model, "text-embedding-3") && p.dimensions > 0 {
		reqBody.Dimensions = p.dimensions
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("failed to send request: %w", err)
		}
		return nil, &ProviderError{Kind: KindAPI, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Kind: KindAPI, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	var embedResp openAIResponse
	decodeErr := json.Unmarshal(body, &embedResp)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if decodeErr == nil && embedResp.Error != nil {
			msg = embedResp.Error.Message
		}
		return nil, &ProviderError{
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    msg,
			RetryAfter: parseRetryAfter(resp.Header),
		}
	}
	if decodeErr != nil {
		return nil, &ProviderError{Kind: KindAPI, StatusCode: resp.StatusCode, Message: "failed to decode response", Err: decodeErr}
	}
	if embedResp.Error != nil {
		return nil, &ProviderError{Kind: KindAPI, StatusCode: resp.StatusCode, Message: embedResp.Error.Message}
	}

	// Order results by index, the API does not guarantee input order
	embeddings := make([][]float32, len(texts))
	for _, data := range embedResp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, &ProviderError{Kind: KindAPI, Message: fmt.Sprintf("embedding index %d out of range", data.Index)}
		}
		embeddings[data.Index] = data.Embedding
	}
	for i, e := range embeddings {
		if e == nil {
			return nil, &ProviderError{Kind: KindAPI, Message: fmt.Sprintf("missing embedding for input %d", i)}
		}
	}

	return embeddings, nil
}
