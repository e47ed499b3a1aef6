package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"legal-rag/internal/database"
	"legal-rag/internal/embedding"
	"legal-rag/internal/models"
	"legal-rag/internal/processor"
	"legal-rag/internal/search"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const constitutionExcerpt = `Розділ I
Загальні положення
Стаття 1. Право власності на землю гарантується. Власність зобов'язує.
Стаття 2. Кожен зобов'язаний сплачувати податки і збори в порядку і розмірах, встановлених законом.
12

Відомості про зміни: Закон № 742-VII від 21.02.2014`

// keywordProvider embeds texts by counting topic stems, so similarity is
// predictable without a real model
type keywordProvider struct {
	failOn string
}

func (p *keywordProvider) Model() string   { return "keyword" }
func (p *keywordProvider) Dimensions() int { return 3 }

func (p *keywordProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		if p.failOn != "" && strings.Contains(lower, p.failOn) {
			return nil, &embedding.ProviderError{Kind: embedding.KindAuth, StatusCode: 401, Message: "rejected"}
		}
		out[i] = []float32{
			float32(strings.Count(lower, "власн")),
			float32(strings.Count(lower, "податк")),
			0.1,
		}
	}
	return out, nil
}

type testEnv struct {
	store     *database.SQLiteStore
	generator *embedding.Generator
	ingestor  *Ingestor
}

func newTestEnv(t *testing.T, provider embedding.Provider) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := database.NewSQLiteStore(filepath.Join(t.TempDir(), "legal.db"), 3, 0)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Initialize(ctx))

	policy := embedding.DefaultRetryPolicy(2)
	policy.BaseDelay = time.Millisecond
	policy.MaxDelay = time.Millisecond
	generator, err := embedding.NewGenerator(provider, embedding.Config{BatchSize: 1}, embedding.WithRetryPolicy(policy))
	require.NoError(t, err)

	tok, err := processor.NewTiktokenTokenizer(processor.DefaultEncoding)
	require.NoError(t, err)
	chunker, err := processor.NewStructuralChunker(200, 0, tok)
	require.NoError(t, err)

	ingestor, err := NewIngestor(processor.NewTextCleaner(), chunker, generator, store, Options{Workers: 2, StoreBatchSize: 2})
	require.NoError(t, err)

	return &testEnv{store: store, generator: generator, ingestor: ingestor}
}

func testDocs() []models.Document {
	return []models.Document{
		{
			DocID: "constitution",
			Text:  constitutionExcerpt,
			Metadata: models.DocumentMetadata{
				Title:     "Конституція України",
				ActNumber: "254к/96-ВР",
				Authority: "Верховна Рада України",
			},
		},
		{DocID: "blank", Text: "12\n\n 7 \n"},
	}
}

func TestPrepare_CleansAndChunks(t *testing.T) {
	env := newTestEnv(t, &keywordProvider{})

	prepared, err := env.ingestor.Prepare(context.Background(), testDocs())

	require.NoError(t, err)
	require.Len(t, prepared, 2)

	doc := prepared[0]
	assert.Equal(t, "Відомості про зміни: Закон № 742-VII від 21.02.2014", doc.Document.Metadata.ReferenceBlock)
	assert.NotContains(t, doc.Document.Text, "Відомості про зміни")
	assert.NotContains(t, doc.Document.Text, "\n12\n")
	assert.Equal(t, doc.Clean.CleanedLength, doc.Document.Metadata.TextLength)
	require.GreaterOrEqual(t, len(doc.Chunks), 2)
	for _, ch := range doc.Chunks {
		assert.Empty(t, ch.Metadata.Document.ReferenceBlock)
		assert.Equal(t, "Конституція України", ch.Metadata.Document.Title)
		assert.Contains(t, doc.Document.Text, ch.Text)
	}

	assert.Empty(t, prepared[1].Chunks)
}

func TestRun_IngestsAndSearches(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &keywordProvider{})

	report, err := env.ingestor.Run(ctx, testDocs())

	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, 1, report.Stored)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Failed)
	assert.Equal(t, report.Chunks, report.Embedded)
	assert.Equal(t, report.Chunks, report.ChunksStored)

	count, err := env.store.CountChunks(ctx, "constitution")
	require.NoError(t, err)
	assert.Equal(t, report.Chunks, count)

	doc, err := env.store.GetDocument(ctx, "constitution")
	require.NoError(t, err)
	assert.Equal(t, "254к/96-ВР", doc.Metadata.ActNumber)
	assert.NotEmpty(t, doc.Metadata.ReferenceBlock)

	searcher, err := search.NewSearcher(env.generator, env.store, 5, 0.7)
	require.NoError(t, err)
	results, err := searcher.Search(ctx, "право власності", search.Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Text, "Стаття 1")
	assert.Equal(t, "Стаття 1", results[0].SectionPath[len(results[0].SectionPath)-1])
	assert.Equal(t, "Конституція України", results[0].Document.Title)
}

func TestRun_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &keywordProvider{})

	first, err := env.ingestor.Run(ctx, testDocs())
	require.NoError(t, err)
	second, err := env.ingestor.Run(ctx, testDocs())
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.ChunksStored, second.ChunksStored)
	count, err := env.store.CountChunks(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, first.Chunks, count)
}

func TestRun_FailedEmbeddingsAreNotStored(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &keywordProvider{failOn: "податк"})

	report, err := env.ingestor.Run(ctx, testDocs())

	require.NoError(t, err)
	assert.Equal(t, 1, report.EmbedFailed)
	assert.Equal(t, report.Chunks-1, report.ChunksStored)
	assert.Equal(t, 1, report.Stored)
}

func TestRun_Cancelled(t *testing.T) {
	env := newTestEnv(t, &keywordProvider{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.ingestor.Run(ctx, testDocs())

	assert.ErrorIs(t, err, context.Canceled)
	count, cerr := env.store.CountChunks(context.Background(), "")
	require.NoError(t, cerr)
	assert.Zero(t, count)
}

// failingStore rejects documents with the given id
type failingStore struct {
	database.VectorStore
	failDoc string
}

func (f *failingStore) InsertDocument(ctx context.Context, doc models.Document) error {
	if doc.DocID == f.failDoc {
		return errors.New("connection reset")
	}
	return f.VectorStore.InsertDocument(ctx, doc)
}

func TestStoreChunks_DerivesDocuments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &keywordProvider{})

	meta := models.DocumentMetadata{Title: "Податковий кодекс України", ActNumber: "2755-VI"}
	chunks := []models.Chunk{
		{ChunkID: "tax_chunk_0", DocID: "tax", Text: "Стаття 1", Embedding: []float32{0, 1, 0.1},
			Metadata: models.ChunkMetadata{ChunkIndex: 0, Document: meta}},
		{ChunkID: "tax_chunk_1", DocID: "tax", Text: "Стаття 2", Embedding: []float32{0, 2, 0.1},
			Metadata: models.ChunkMetadata{ChunkIndex: 1, Document: meta}},
		{ChunkID: "tax_chunk_2", DocID: "tax", Text: "Стаття 3", EmbeddingError: "rate limit",
			Metadata: models.ChunkMetadata{ChunkIndex: 2, Document: meta}},
		{ChunkID: "land_chunk_0", DocID: "land", Text: "Стаття 1", Embedding: []float32{1, 0, 0.1},
			Metadata: models.ChunkMetadata{Document: models.DocumentMetadata{Title: "Земельний кодекс"}}},
	}

	report, err := StoreChunks(ctx, &failingStore{VectorStore: env.store, failDoc: "land"}, chunks, nil, 1)

	require.NoError(t, err)
	assert.Equal(t, StoreReport{Documents: 2, Failed: 1, ChunksStored: 2}, report)

	doc, err := env.store.GetDocument(ctx, "tax")
	require.NoError(t, err)
	assert.Equal(t, "Податковий кодекс України", doc.Metadata.Title)

	_, err = env.store.GetDocument(ctx, "land")
	assert.ErrorIs(t, err, models.ErrDocumentNotFound)
}

// embeddedChunks prepares the test documents and embeds their chunks
func embeddedChunks(t *testing.T, env *testEnv) ([]Prepared, []models.Chunk) {
	t.Helper()
	ctx := context.Background()

	prepared, err := env.ingestor.Prepare(ctx, testDocs())
	require.NoError(t, err)
	var chunks []models.Chunk
	for _, p := range prepared {
		chunks = append(chunks, p.Chunks...)
	}
	_, err = env.generator.Generate(ctx, chunks)
	require.NoError(t, err)
	return prepared, chunks
}

func TestStoreChunks_KeepsStoredReferenceBlock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &keywordProvider{})
	_, err := env.ingestor.Run(ctx, testDocs())
	require.NoError(t, err)

	_, chunks := embeddedChunks(t, env)
	report, err := StoreChunks(ctx, env.store, chunks, nil, 2)

	require.NoError(t, err)
	assert.Zero(t, report.Failed)
	doc, err := env.store.GetDocument(ctx, "constitution")
	require.NoError(t, err)
	assert.Equal(t, "Відомості про зміни: Закон № 742-VII від 21.02.2014", doc.Metadata.ReferenceBlock)
	assert.Equal(t, "254к/96-ВР", doc.Metadata.ActNumber)
}

func TestStoreChunks_UsesGivenDocuments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, &keywordProvider{})

	prepared, chunks := embeddedChunks(t, env)
	docs := make([]models.Document, 0, len(prepared))
	for _, p := range prepared {
		docs = append(docs, p.Document)
	}
	report, err := StoreChunks(ctx, env.store, chunks, docs, 2)

	require.NoError(t, err)
	assert.Equal(t, len(chunks), report.ChunksStored)
	doc, err := env.store.GetDocument(ctx, "constitution")
	require.NoError(t, err)
	assert.Equal(t, "Відомості про зміни: Закон № 742-VII від 21.02.2014", doc.Metadata.ReferenceBlock)
}

func TestNewIngestor_Validation(t *testing.T) {
	_, err := NewIngestor(nil, nil, nil, nil, Options{})
	assert.ErrorIs(t, err, models.ErrConfig)

	tok, err := processor.NewTiktokenTokenizer("")
	require.NoError(t, err)
	chunker, err := processor.NewStructuralChunker(100, 0, tok)
	require.NoError(t, err)
	_, err = NewIngestor(processor.NewTextCleaner(), chunker, nil, nil, Options{Workers: -1})
	assert.ErrorIs(t, err, models.ErrConfig)

	in, err := NewIngestor(processor.NewTextCleaner(), chunker, nil, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultStoreBatchSize, in.batchSize)
	_, err = in.Run(context.Background(), nil)
	assert.ErrorIs(t, err, models.ErrConfig)
}
