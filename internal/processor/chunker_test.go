package processor

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"legal-rag/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testTokenizerOnce sync.Once
	testTokenizer     *TiktokenTokenizer
	testTokenizerErr  error
)

func newTestTokenizer(t *testing.T) *TiktokenTokenizer {
	t.Helper()
	testTokenizerOnce.Do(func() {
		testTokenizer, testTokenizerErr = NewTiktokenTokenizer(DefaultEncoding)
	})
	require.NoError(t, testTokenizerErr)
	return testTokenizer
}

func newTestChunker(t *testing.T, size int, overlap float64) *StructuralChunker {
	t.Helper()
	c, err := NewStructuralChunker(size, overlap, newTestTokenizer(t))
	require.NoError(t, err)
	return c
}

// requireSubstrings checks that every chunk is the cleaned text slice its
// character offsets point at
func requireSubstrings(t *testing.T, text string, chunks []models.Chunk) {
	t.Helper()
	runes := []rune(text)
	for i, ch := range chunks {
		require.Less(t, ch.Metadata.CharStart, ch.Metadata.CharEnd, "chunk %d", i)
		require.Equal(t, string(runes[ch.Metadata.CharStart:ch.Metadata.CharEnd]), ch.Text, "chunk %d", i)
		require.Equal(t, i, ch.Metadata.ChunkIndex)
		require.Equal(t, models.ChunkID(ch.DocID, i), ch.ChunkID)
	}
}

func TestChunkByStructure_SectionAndArticles(t *testing.T) {
	c := newTestChunker(t, 8000, 0.15)
	text := "Розділ I\nЗагальні положення.\nСтаття 1. Цей Закон визначає правові засади.\nСтаття 2. Дія цього Закону поширюється на всіх."

	chunks := c.ChunkByStructure(text, "doc1", models.DocumentMetadata{Title: "Закон"})

	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"Розділ I"}, chunks[0].Metadata.SectionPath)
	assert.Equal(t, []string{"Розділ I", "Стаття 1"}, chunks[1].Metadata.SectionPath)
	assert.Equal(t, []string{"Розділ I", "Стаття 2"}, chunks[2].Metadata.SectionPath)
	assert.Equal(t, "doc1_chunk_0", chunks[0].ChunkID)
	assert.Equal(t, "Закон", chunks[2].Metadata.Document.Title)
	assert.True(t, strings.HasSuffix(chunks[2].Text, "Дія цього Закону поширюється на всіх."))
	requireSubstrings(t, text, chunks)
}

func TestChunkByStructure_DeeperLevelsResetOnShallowBoundary(t *testing.T) {
	c := newTestChunker(t, 8000, 0)
	text := strings.Join([]string{
		"Розділ II",
		"Стаття 5. Права громадян.",
		"Частина 1. Перша частина статті.",
		"1) перший пункт;",
		"а) перший підпункт;",
		"Стаття 6. Обов'язки.",
	}, "\n")

	chunks := c.ChunkByStructure(text, "doc2", models.DocumentMetadata{})

	require.Len(t, chunks, 6)
	assert.Equal(t, []string{"Розділ II"}, chunks[0].Metadata.SectionPath)
	assert.Equal(t, []string{"Розділ II", "Стаття 5"}, chunks[1].Metadata.SectionPath)
	assert.Equal(t, []string{"Розділ II", "Стаття 5", "Частина 1"}, chunks[2].Metadata.SectionPath)
	assert.Equal(t, []string{"Розділ II", "Стаття 5", "Частина 1", "1)"}, chunks[3].Metadata.SectionPath)
	assert.Equal(t, []string{"Розділ II", "Стаття 5", "Частина 1", "1)", "а)"}, chunks[4].Metadata.SectionPath)
	assert.Equal(t, []string{"Розділ II", "Стаття 6"}, chunks[5].Metadata.SectionPath)
	assert.Equal(t, "Стаття 6. Обов'язки.", chunks[5].Text)
	requireSubstrings(t, text, chunks)
}

func TestChunkByStructure_PreambleHasEmptyPath(t *testing.T) {
	c := newTestChunker(t, 8000, 0)
	text := "Цей Закон визначає засади.\nСтаття 1. Перша.\nСтаття 2. Друга."

	chunks := c.ChunkByStructure(text, "doc3", models.DocumentMetadata{})

	require.Len(t, chunks, 3)
	assert.Empty(t, chunks[0].Metadata.SectionPath)
	assert.Equal(t, "Цей Закон визначає засади.", chunks[0].Text)
	assert.Equal(t, []string{"Стаття 1"}, chunks[1].Metadata.SectionPath)
}

func TestChunkByStructure_MarkersAreCaseInsensitive(t *testing.T) {
	c := newTestChunker(t, 8000, 0)
	text := "РОЗДІЛ IV\nСТАТТЯ 12. Текст.\nстаття 13. Текст."

	chunks := c.ChunkByStructure(text, "doc", models.DocumentMetadata{})

	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"РОЗДІЛ IV", "СТАТТЯ 12"}, chunks[1].Metadata.SectionPath)
	assert.Equal(t, []string{"РОЗДІЛ IV", "стаття 13"}, chunks[2].Metadata.SectionPath)
}

func TestChunkByStructure_SingleMarkerFallsBackToSentences(t *testing.T) {
	c := newTestChunker(t, 8000, 0.15)
	text := "Стаття 1. Перше речення. Друге речення."

	chunks := c.ChunkByStructure(text, "doc", models.DocumentMetadata{})

	require.Len(t, chunks, 1)
	assert.Empty(t, chunks[0].Metadata.SectionPath)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Metadata.CharStart)
	assert.Equal(t, utf8.RuneCountInString(text), chunks[0].Metadata.CharEnd)
}

func TestChunkByStructure_EmptyInput(t *testing.T) {
	c := newTestChunker(t, 8000, 0.15)

	assert.Empty(t, c.ChunkByStructure("", "doc", models.DocumentMetadata{}))
	assert.Empty(t, c.ChunkByStructure(" \n\t ", "doc", models.DocumentMetadata{}))
}

func TestChunkByStructure_TokenBudget(t *testing.T) {
	const size = 100
	c := newTestChunker(t, size, 0.15)
	tok := newTestTokenizer(t)

	var sentences []string
	for i := 0; i < 40; i++ {
		sentences = append(sentences, fmt.Sprintf("Речення номер %d містить кілька слів для перевірки меж.", i))
	}
	long := strings.Repeat("слово ", 400) + "кінець."
	sentences = append(sentences[:20], append([]string{long}, sentences[20:]...)...)
	text := strings.Join(sentences, " ")

	chunks := c.ChunkByStructure(text, "doc", models.DocumentMetadata{})

	require.Greater(t, len(chunks), 3)
	requireSubstrings(t, text, chunks)

	overlapping := 0
	for i, ch := range chunks {
		assert.Equal(t, tok.Count(ch.Text), ch.Metadata.Tokens)
		if ch.Metadata.Tokens > size {
			// only the irreducible sentence may exceed the budget
			assert.Equal(t, long, ch.Text, "chunk %d", i)
		}
		if i > 0 && ch.Metadata.CharStart < chunks[i-1].Metadata.CharEnd {
			overlapping++
		}
	}
	assert.Greater(t, overlapping, 0)
}

func TestChunkByStructure_NoOverlap(t *testing.T) {
	c := newTestChunker(t, 60, 0)

	var sentences []string
	for i := 0; i < 30; i++ {
		sentences = append(sentences, fmt.Sprintf("Положення %d діє з дня опублікування.", i))
	}
	text := strings.Join(sentences, " ")

	chunks := c.ChunkByStructure(text, "doc", models.DocumentMetadata{})

	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i].Metadata.CharStart, chunks[i-1].Metadata.CharEnd)
	}
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.Metadata.Tokens, 60)
	}
}

func TestChunkByStructure_MetadataIsCopied(t *testing.T) {
	c := newTestChunker(t, 8000, 0)
	meta := models.DocumentMetadata{Title: "Закон", Extra: map[string]any{"k": "v"}}

	chunks := c.ChunkByStructure("Стаття 1. А.\nСтаття 2. Б.", "doc", meta)

	require.Len(t, chunks, 2)
	chunks[0].Metadata.Document.Extra["k"] = "changed"
	assert.Equal(t, "v", meta.Extra["k"])
	assert.Equal(t, "v", chunks[1].Metadata.Document.Extra["k"])
}

func TestNewStructuralChunker_Validation(t *testing.T) {
	tok := newTestTokenizer(t)

	_, err := NewStructuralChunker(0, 0.1, tok)
	assert.ErrorIs(t, err, models.ErrConfig)

	_, err = NewStructuralChunker(100, 1, tok)
	assert.ErrorIs(t, err, models.ErrConfig)

	_, err = NewStructuralChunker(100, -0.1, tok)
	assert.ErrorIs(t, err, models.ErrConfig)

	_, err = NewStructuralChunker(100, 0.1, nil)
	assert.ErrorIs(t, err, models.ErrConfig)

	c, err := NewStructuralChunker(100, 0.9, tok)
	require.NoError(t, err)
	assert.Equal(t, 0.5, c.Overlap)
	assert.Equal(t, 50, c.overlapTokens())
}

func TestStatistics(t *testing.T) {
	chunks := []models.Chunk{
		{DocID: "a", Metadata: models.ChunkMetadata{Tokens: 10}},
		{DocID: "a", Metadata: models.ChunkMetadata{Tokens: 30, SectionPath: []string{"Стаття 1"}}},
		{DocID: "b", Metadata: models.ChunkMetadata{Tokens: 20, SectionPath: []string{"Розділ I", "Стаття 2"}}},
	}

	stats := Statistics(chunks)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 30, stats.MaxTokens)
	assert.InDelta(t, 20.0, stats.AvgTokens, 1e-9)
	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1}, stats.ByDepth)
}

func TestTiktokenTokenizer(t *testing.T) {
	tok := newTestTokenizer(t)
	text := "Стаття 1. Цей Закон визначає правові засади."

	assert.Equal(t, 0, tok.Count(""))
	assert.Equal(t, 2, tok.Count("hello world"))
	assert.Equal(t, text, tok.Tail(text, 1000))
	assert.Empty(t, tok.Tail(text, 0))

	tail := tok.Tail(text, 3)
	assert.NotEmpty(t, tail)
	assert.True(t, strings.HasSuffix(text, tail))
	assert.True(t, utf8.ValidString(tail))
	assert.Less(t, len(tail), len(text))
}
