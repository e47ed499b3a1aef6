package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"legal-rag/internal/embedding"
	"legal-rag/internal/models"

	"github.com/ollama/ollama/api"
)

// OllamaLLM handles interactions with the Ollama LLM API
type OllamaLLM struct {
	Client *api.Client
	Model  string
	clock  func() time.Time
}

// NewOllamaLLM creates a new Ollama LLM client
func NewOllamaLLM(host string, model string) (*OllamaLLM, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: ollama model is required", models.ErrConfig)
	}
	hostURL, err := embedding.ResolveOllamaHost(host)
	if err != nil {
		return nil, err
	}
	client := api.NewClient(hostURL, http.DefaultClient)

	return &OllamaLLM{
		Client: client,
		Model:  model,
		clock:  time.Now,
	}, nil
}

// GeneratePrompt creates a prompt for the LLM with the retrieved passages
func (o *OllamaLLM) GeneratePrompt(query string, results []models.SearchResult) string {
	var promptBuilder strings.Builder

	// System instruction
	promptBuilder.WriteString("Ти юридичний асистент, який відповідає на питання про законодавство України. ")
	promptBuilder.WriteString("Відповідай лише на основі наведених фрагментів нормативних актів. ")
	promptBuilder.WriteString("Посилайся на номер акта та статтю з контексту. ")
	promptBuilder.WriteString("Якщо відповіді немає в контексті, скажи: 'Недостатньо інформації в наданих актах для відповіді на це питання.'\n\n")

	// Add context with act and section information
	promptBuilder.WriteString("Фрагменти нормативних актів:\n")
	for i, r := range results {
		header := fmt.Sprintf("Фрагмент %d [", i+1)
		var parts []string
		if r.Document.Title != "" {
			parts = append(parts, r.Document.Title)
		}
		if r.Document.ActNumber != "" {
			parts = append(parts, "№ "+r.Document.ActNumber)
		}
		if r.Document.Date != "" {
			parts = append(parts, "від "+r.Document.Date)
		}
		if len(r.SectionPath) > 0 {
			parts = append(parts, strings.Join(r.SectionPath, " > "))
		}
		if len(parts) == 0 {
			parts = append(parts, r.DocID)
		}
		header += strings.Join(parts, ", ")
		header += fmt.Sprintf(", схожість: %.2f]:\n", r.Similarity)

		promptBuilder.WriteString(header)
		promptBuilder.WriteString(r.Text)
		promptBuilder.WriteString("\n\n")
	}

	// Add query
	promptBuilder.WriteString("Питання: " + query + "\n\n")
	promptBuilder.WriteString("Відповідь: ")

	return promptBuilder.String()
}

// GenerateResponse generates a response from the LLM
func (o *OllamaLLM) GenerateResponse(ctx context.Context, prompt string) (string, error) {
	req := api.GenerateRequest{
		Model:  o.Model,
		Prompt: prompt,
		Options: map[string]interface{}{
			"temperature": 0.1,
			"num_predict": 1024,
		},
	}

	var responseBuilder strings.Builder

	err := o.Client.Generate(ctx, &req, func(resp api.GenerateResponse) error {
		_, err := responseBuilder.WriteString(resp.Response)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate response: %w", err)
	}

	return responseBuilder.String(), nil
}

// Answer answers a query using the LLM and the retrieved passages
func (o *OllamaLLM) Answer(ctx context.Context, query string, results []models.SearchResult) (*models.Response, error) {
	prompt := o.GeneratePrompt(query, results)

	answer, err := o.GenerateResponse(ctx, prompt)
	if err != nil {
		return nil, err
	}

	return &models.Response{
		Answer:    strings.TrimSpace(answer),
		Sources:   results,
		Timestamp: o.clock().Format(time.RFC3339),
	}, nil
}
