package processor

import (
	"unicode"

	"legal-rag/internal/models"
)

const (
	// DefaultMaxChars is the character budget used for whole-act chunking
	DefaultMaxChars = 30000
	// breakSearchWindow is how far back a cut looks for a sentence end
	breakSearchWindow = 500
)

// SizedPiece is a character-bounded slice of a document
type SizedPiece struct {
	Text  string `json:"text"`
	Index int    `json:"chunk_index"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Total int    `json:"total_chunks"`
}

// SplitBySize cuts text into pieces of at most maxChars characters. A cut
// inside the text moves back to just after the nearest '.', '!', '?' or
// newline within the last 500 characters. Empty pieces are dropped.
func SplitBySize(text string, maxChars int) []SizedPiece {
	if text == "" {
		return nil
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	runes := []rune(text)
	var pieces []SizedPiece
	for start := 0; start < len(runes); {
		end := min(start+maxChars, len(runes))
		if end < len(runes) {
			searchStart := max(start, end-breakSearchWindow)
			for i := end - 1; i > searchStart; i-- {
				if isBreakRune(runes[i]) {
					end = i + 1
					break
				}
			}
		}

		// offsets follow the trimmed text so runes[Start:End] == Text
		from, to := start, end
		for from < to && unicode.IsSpace(runes[from]) {
			from++
		}
		for to > from && unicode.IsSpace(runes[to-1]) {
			to--
		}
		if from < to {
			pieces = append(pieces, SizedPiece{
				Text:  string(runes[from:to]),
				Index: len(pieces),
				Start: from,
				End:   to,
			})
		}
		start = end
	}

	for i := range pieces {
		pieces[i].Total = len(pieces)
	}
	return pieces
}

// ChunkBySize turns SplitBySize pieces into chunks without section paths.
// tok may be nil, in which case token counts stay zero.
func ChunkBySize(text, docID string, meta models.DocumentMetadata, maxChars int, tok Tokenizer) []models.Chunk {
	pieces := SplitBySize(text, maxChars)
	chunks := make([]models.Chunk, 0, len(pieces))
	for _, p := range pieces {
		tokens := 0
		if tok != nil {
			tokens = tok.Count(p.Text)
		}
		chunks = append(chunks, models.Chunk{
			ChunkID: models.ChunkID(docID, p.Index),
			DocID:   docID,
			Text:    p.Text,
			Metadata: models.ChunkMetadata{
				ChunkIndex: p.Index,
				CharStart:  p.Start,
				CharEnd:    p.End,
				Tokens:     tokens,
				Document:   cloneMetadata(meta),
			},
		})
	}
	return chunks
}

func isBreakRune(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '\n'
}
