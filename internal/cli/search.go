package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"legal-rag/internal/models"
	"legal-rag/internal/search"

	"github.com/spf13/cobra"
)

var (
	searchLimit     int
	searchThreshold float64
	searchDocID     string
	searchSection   string
	searchJSON      bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search stored legal acts",
	Long: `Embeds the query and returns the most similar chunks by cosine similarity.
Results can be narrowed to one document or to a section path prefix such
as "Розділ I/Стаття 5".`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	addSearchFlags(searchCmd)
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func addSearchFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "maximum number of results (default from config)")
	cmd.Flags().Float64VarP(&searchThreshold, "threshold", "t", -2, "minimum similarity (default from config)")
	cmd.Flags().StringVar(&searchDocID, "doc", "", "restrict results to one document id")
	cmd.Flags().StringVar(&searchSection, "section", "", "restrict results to a section path prefix, levels separated by '/'")
}

// searchOptions converts flags into search options
func searchOptions() search.Options {
	opts := search.Options{
		TopK:        searchLimit,
		DocID:       searchDocID,
		SectionPath: parseSectionPath(searchSection),
	}
	if searchThreshold >= -1 {
		t := searchThreshold
		opts.Threshold = &t
	}
	return opts
}

func parseSectionPath(s string) []string {
	var path []string
	for _, part := range strings.Split(s, "/") {
		if part = strings.TrimSpace(part); part != "" {
			path = append(path, part)
		}
	}
	return path
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

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

	results, err := searcher.Search(ctx, args[0], searchOptions())
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		return outputSearchJSON(cmd, results)
	}
	outputSearchTable(cmd, results)
	return nil
}

func outputSearchJSON(cmd *cobra.Command, results []models.SearchResult) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

func outputSearchTable(cmd *cobra.Command, results []models.SearchResult) {
	if len(results) == 0 {
		cmd.Println("No results found.")
		return
	}

	cmd.Println("Results:")
	cmd.Println()
	for i, r := range results {
		cmd.Printf("  [%d] %s (%.3f)\n", i+1, resultTitle(r), r.Similarity)
		if len(r.SectionPath) > 0 {
			cmd.Printf("      %s\n", strings.Join(r.SectionPath, " > "))
		}
		cmd.Printf("      %s\n", snippet(r.Text, 200))
		cmd.Println()
	}
}

// resultTitle names the act a result belongs to
func resultTitle(r models.SearchResult) string {
	title := r.Document.Title
	if title == "" {
		title = r.DocID
	}
	if r.Document.ActNumber != "" {
		title += " № " + r.Document.ActNumber
	}
	return title
}

// snippet shortens text to at most n runes on one line
func snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
