package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"legal-rag/internal/llm"
	"legal-rag/internal/logger"
	"legal-rag/internal/models"
	"legal-rag/internal/search"

	"github.com/spf13/cobra"
)

var askInteractive bool

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question from the stored acts",
	Long: `Retrieves the passages most similar to the question and asks a local
Ollama model to answer from them, citing the acts it used.
In interactive mode type /doc <id> or /section <path> to narrow the search,
and exit to quit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAsk,
}

func init() {
	addSearchFlags(askCmd)
	askCmd.Flags().BoolVarP(&askInteractive, "interactive", "i", false, "run in interactive mode")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if !askInteractive && len(args) == 0 {
		return errors.New("a question is required in non-interactive mode")
	}

	generator, err := newGenerator(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	searcher, err := search.NewSearcher(generator, store, cfg.Search.TopK, cfg.Search.SimilarityThreshold)
	if err != nil {
		return err
	}
	llmClient, err := llm.NewOllamaLLM(cfg.LLM.Host, cfg.LLM.Model)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}

	opts := searchOptions()
	if !askInteractive {
		answer, err := processQuestion(ctx, args[0], searcher, llmClient, opts)
		if err != nil {
			return err
		}
		cmd.Println(formatAnswer(answer))
		return nil
	}
	return runInteractive(cmd, searcher, llmClient, opts)
}

func runInteractive(cmd *cobra.Command, searcher *search.Searcher, llmClient *llm.OllamaLLM, opts search.Options) error {
	ctx := cmd.Context()
	scanner := bufio.NewScanner(cmd.InOrStdin())

	cmd.Println("Legal acts assistant - ask questions about the stored acts (type 'exit' to quit)")
	for {
		cmd.Print("\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}

		input := strings.TrimSpace(scanner.Text())
		lower := strings.ToLower(input)
		switch {
		case input == "":
			continue
		case lower == "exit" || lower == "quit":
			return nil
		case strings.HasPrefix(lower, "/doc"):
			opts.DocID = strings.TrimSpace(input[len("/doc"):])
			if opts.DocID == "" {
				cmd.Println("Document filter cleared")
			} else {
				cmd.Printf("Document filter set to: %s\n", opts.DocID)
			}
			continue
		case strings.HasPrefix(lower, "/section"):
			opts.SectionPath = parseSectionPath(input[len("/section"):])
			if len(opts.SectionPath) == 0 {
				cmd.Println("Section filter cleared")
			} else {
				cmd.Printf("Section filter set to: %s\n", strings.Join(opts.SectionPath, " > "))
			}
			continue
		}

		answer, err := processQuestion(ctx, input, searcher, llmClient, opts)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			continue
		}
		cmd.Println(formatAnswer(answer))
	}
}

func processQuestion(ctx context.Context, question string, searcher *search.Searcher,
	llmClient *llm.OllamaLLM, opts search.Options) (*models.Response, error) {
	startTime := time.Now()

	results, err := searcher.Search(ctx, question, opts)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if len(results) == 0 {
		return &models.Response{
			Answer:    "Не знайдено відповідних положень у збережених актах.",
			Sources:   []models.SearchResult{},
			Timestamp: time.Now().Format(time.RFC3339),
		}, nil
	}

	response, err := llmClient.Answer(ctx, question, results)
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}

	logger.Info("Question processed in %v", time.Since(startTime).Round(time.Millisecond))
	return response, nil
}

func formatAnswer(response *models.Response) string {
	var sb strings.Builder

	sb.WriteString(response.Answer)
	sb.WriteString("\n\n")

	if len(response.Sources) > 0 {
		sb.WriteString("Sources:\n")
		for i, source := range response.Sources {
			section := strings.Join(source.SectionPath, " > ")
			if section == "" {
				section = "N/A"
			}
			sb.WriteString(fmt.Sprintf("  %d. [%s - %s, similarity: %.2f]\n",
				i+1, resultTitle(source), section, source.Similarity))
		}
	}

	return sb.String()
}
