package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"legal-rag/internal/database"
	"legal-rag/internal/models"
	"legal-rag/internal/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleAct = `Розділ I
Загальні положення
Стаття 1. Україна є суверенна і незалежна, демократична, соціальна, правова держава.
Стаття 2. Суверенітет України поширюється на всю її територію.
Розділ II
Стаття 3. Людина, її життя і здоров'я, честь і гідність визнаються найвищою соціальною цінністю.

Відомості про зміни: Закон № 742-VII від 21.02.2014`

// isolateEnv clears variables that would change the loaded config
func isolateEnv(t *testing.T) string {
	t.Helper()
	for _, key := range []string{
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "EMBEDDING_PROVIDER", "EMBEDDING_MODEL",
		"EMBEDDING_DIMENSIONS", "DATABASE_URL", "STORE_TYPE", "SQLITE_PATH", "LOG_LEVEL",
		"CHUNK_SIZE", "CHUNK_OVERLAP", "BATCH_SIZE", "MAX_RETRIES", "RATE_LIMIT_RPM",
		"TOPK", "SIMILARITY_THRESHOLD", "MAX_WORKERS", "MAX_CHUNK_CHARS",
	} {
		t.Setenv(key, "")
	}
	return filepath.Join(t.TempDir(), "absent.yaml")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)

	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeDocuments(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "documents.jsonl")
	docs := []models.Document{{
		DocID:    "constitution",
		Text:     sampleAct,
		Metadata: models.DocumentMetadata{Title: "Конституція України", ActNumber: "254к/96-ВР"},
	}}
	require.NoError(t, pipeline.WriteFile(path, docs))
	return path
}

func TestRootCmd_Use(t *testing.T) {
	assert.Equal(t, "legalrag", rootCmd.Use)
	for _, name := range []string{"extract", "chunk", "embed", "ingest", "search", "ask", "init-db"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestSearchCmd_RequiresExactlyOneArg(t *testing.T) {
	cfgPath := isolateEnv(t)

	_, err := execute(t, "--config", cfgPath, "search")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestSearchCmd_HasLimitFlag(t *testing.T) {
	flag := searchCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "n", flag.Shorthand)
	require.NotNil(t, askCmd.Flags().Lookup("section"))
}

func TestChunkCmd_StructureMode(t *testing.T) {
	cfgPath := isolateEnv(t)
	out := filepath.Join(t.TempDir(), "chunks.jsonl")

	output, err := execute(t, "--config", cfgPath, "chunk", writeDocuments(t),
		"-o", out, "--mode", "structure", "--chunk-size", "500", "--overlap", "0")

	require.NoError(t, err)
	assert.Contains(t, output, "Chunk Statistics:")
	chunks, err := pipeline.ReadChunksFile(out)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 3)

	var articles []string
	for i, ch := range chunks {
		assert.Equal(t, models.ChunkID("constitution", i), ch.ChunkID)
		assert.Equal(t, "Конституція України", ch.Metadata.Document.Title)
		if n := len(ch.Metadata.SectionPath); n > 0 {
			articles = append(articles, ch.Metadata.SectionPath[n-1])
		}
	}
	assert.Contains(t, articles, "Стаття 1")
	assert.Contains(t, articles, "Стаття 3")
}

func TestChunkCmd_SizeMode(t *testing.T) {
	cfgPath := isolateEnv(t)
	out := filepath.Join(t.TempDir(), "chunks.jsonl")

	_, err := execute(t, "--config", cfgPath, "chunk", writeDocuments(t),
		"-o", out, "--mode", "size", "--max-chars", "120")

	require.NoError(t, err)
	chunks, err := pipeline.ReadChunksFile(out)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len([]rune(ch.Text)), 120)
		assert.Empty(t, ch.Metadata.SectionPath)
	}
}

func TestChunkCmd_UnknownMode(t *testing.T) {
	cfgPath := isolateEnv(t)

	_, err := execute(t, "--config", cfgPath, "chunk", writeDocuments(t),
		"-o", filepath.Join(t.TempDir(), "c.jsonl"), "--mode", "paragraph")

	assert.ErrorContains(t, err, "unknown chunking mode")
}

// embeddingServer answers OpenAI embedding requests with [1, index]
func embeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		items := make([]string, len(req.Input))
		for i := range req.Input {
			items[i] = fmt.Sprintf(`{"index":%d,"embedding":[1,%d]}`, i, i)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[` + strings.Join(items, ",") + `]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedCmd_EmbedsAndStores(t *testing.T) {
	cfgPath := isolateEnv(t)
	srv := embeddingServer(t)
	dir := t.TempDir()
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_BASE_URL", srv.URL)
	t.Setenv("EMBEDDING_DIMENSIONS", "2")
	t.Setenv("RATE_LIMIT_RPM", "0")
	t.Setenv("STORE_TYPE", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "legal.db"))

	t.Cleanup(func() { chunkDocsOut, embedDocs, embedStore = "", "", false })

	chunksPath := filepath.Join(dir, "chunks.jsonl")
	cleanedPath := filepath.Join(dir, "cleaned.jsonl")
	_, err := execute(t, "--config", cfgPath, "chunk", writeDocuments(t), "-o", chunksPath,
		"--documents-output", cleanedPath, "--mode", "structure", "--chunk-size", "500", "--overlap", "0")
	require.NoError(t, err)

	embedded := filepath.Join(dir, "embedded.jsonl")
	output, err := execute(t, "--config", cfgPath, "embed", chunksPath, "-o", embedded,
		"--store", "--documents", cleanedPath)

	require.NoError(t, err)
	chunks, err := pipeline.ReadChunksFile(embedded)
	require.NoError(t, err)
	for _, ch := range chunks {
		require.Len(t, ch.Embedding, 2)
		assert.Empty(t, ch.EmbeddingError)
	}
	assert.Contains(t, output, fmt.Sprintf("Stored %d chunks across 1 documents", len(chunks)))

	output, err = execute(t, "--config", cfgPath, "init-db")
	require.NoError(t, err)
	assert.Contains(t, output, fmt.Sprintf("sqlite store ready (2 dimensions, %d chunks stored)", len(chunks)))

	store, err := database.NewSQLiteStore(filepath.Join(dir, "legal.db"), 2, 0)
	require.NoError(t, err)
	defer store.Close()
	doc, err := store.GetDocument(context.Background(), "constitution")
	require.NoError(t, err)
	assert.Equal(t, "Відомості про зміни: Закон № 742-VII від 21.02.2014", doc.Metadata.ReferenceBlock)
	assert.Equal(t, "254к/96-ВР", doc.Metadata.ActNumber)
}

func TestInitDBCmd_PostgresNeedsURL(t *testing.T) {
	cfgPath := isolateEnv(t)

	_, err := execute(t, "--config", cfgPath, "init-db")

	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestParseSectionPath(t *testing.T) {
	assert.Equal(t, []string{"Розділ I", "Стаття 5"}, parseSectionPath(" Розділ I / Стаття 5 /"))
	assert.Nil(t, parseSectionPath(""))
}

func TestSearchOptions(t *testing.T) {
	searchLimit, searchThreshold, searchDocID, searchSection = 3, -2, "doc", "Розділ I"
	defer func() { searchLimit, searchThreshold, searchDocID, searchSection = 0, -2, "", "" }()

	opts := searchOptions()
	assert.Equal(t, 3, opts.TopK)
	assert.Nil(t, opts.Threshold)
	assert.Equal(t, []string{"Розділ I"}, opts.SectionPath)

	searchThreshold = 0.5
	opts = searchOptions()
	require.NotNil(t, opts.Threshold)
	assert.Equal(t, 0.5, *opts.Threshold)
}

func TestFormatAnswer(t *testing.T) {
	answer := formatAnswer(&models.Response{
		Answer: "Україна є правова держава.",
		Sources: []models.SearchResult{{
			DocID:       "constitution",
			SectionPath: []string{"Розділ I", "Стаття 1"},
			Document:    models.DocumentRef{Title: "Конституція України", ActNumber: "254к/96-ВР"},
			Similarity:  0.91,
		}},
	})

	assert.Contains(t, answer, "Україна є правова держава.")
	assert.Contains(t, answer, "1. [Конституція України № 254к/96-ВР - Розділ I > Стаття 1, similarity: 0.91]")
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "а б", snippet("а\n  б", 10))
	assert.Equal(t, "абв...", snippet("абвгд", 3))
}

func TestExtractCmd(t *testing.T) {
	cfgPath := isolateEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "act.txt"), []byte(sampleAct), 0o644))
	out := filepath.Join(t.TempDir(), "docs.jsonl")

	output, err := execute(t, "--config", cfgPath, "extract", dir, "-o", out, "-w", "1")

	require.NoError(t, err)
	assert.Contains(t, output, "Extracted 1 documents")
	docs, err := pipeline.ReadDocumentsFile(out)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "act.txt", docs[0].Metadata.FileName)
}
