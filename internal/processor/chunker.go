package processor

import (
	"fmt"
	"maps"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"legal-rag/internal/logger"
	"legal-rag/internal/models"
)

const (
	// DefaultChunkSize is the token budget of a chunk
	DefaultChunkSize = 8000
	// DefaultChunkOverlap is the share of the budget repeated from the previous chunk
	DefaultChunkOverlap = 0.15
	// maxOverlap caps the overlap ratio
	maxOverlap = 0.5
)

// Structural levels, shallowest first
const (
	LevelSection = iota
	LevelArticle
	LevelPart
	LevelPoint
	LevelSubpoint
	levelCount
)

var markerRes = [levelCount]*regexp.Regexp{
	LevelSection:  regexp.MustCompile(`(?i)^(розділ\s+(?:[IVXLCІХ]+|\d+))(?:[^\pL\d]|$)`),
	LevelArticle:  regexp.MustCompile(`(?i)^(стаття\s+\d+(?:[-.]\d+)*)(?:[^\pL\d]|$)`),
	LevelPart:     regexp.MustCompile(`(?i)^(частина\s+\d+)(?:[^\pL\d]|$)`),
	LevelPoint:    regexp.MustCompile(`^(\d+\))`),
	LevelSubpoint: regexp.MustCompile(`(?i)^([а-яіїєґ]\))`),
}

// sentence ends keep their punctuation, line breaks are weaker boundaries
var sentenceEndRe = regexp.MustCompile(`[.!?;…]+\s+|\n\s*`)

// boundary is a structural marker found at the start of a line
type boundary struct {
	offset int
	level  int
	label  string
}

// span is a byte range of the cleaned text sharing one section path
type span struct {
	start, end int
	path       []string
}

// piece is a chunk under construction. bodyStart is where the chunk began
// before overlap was prepended.
type piece struct {
	start, bodyStart, end int
	path                  []string
}

// StructuralChunker splits legal texts along Розділ, Стаття, Частина and
// пункт boundaries into passages bounded by a token budget
type StructuralChunker struct {
	ChunkSize int
	Overlap   float64
	tokenizer Tokenizer
}

// NewStructuralChunker creates a chunker. chunkSize is a token budget and
// overlap a ratio of it in [0, 1); ratios above 0.5 are clamped.
func NewStructuralChunker(chunkSize int, overlap float64, tokenizer Tokenizer) (*StructuralChunker, error) {
	if tokenizer == nil {
		return nil, fmt.Errorf("%w: tokenizer is required", models.ErrConfig)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", models.ErrConfig, chunkSize)
	}
	if overlap < 0 || overlap >= 1 {
		return nil, fmt.Errorf("%w: chunk overlap must be in [0, 1), got %g", models.ErrConfig, overlap)
	}
	if overlap > maxOverlap {
		overlap = maxOverlap
	}
	return &StructuralChunker{
		ChunkSize: chunkSize,
		Overlap:   overlap,
		tokenizer: tokenizer,
	}, nil
}

// overlapTokens returns how many tokens of each chunk repeat the previous one
func (c *StructuralChunker) overlapTokens() int {
	return int(float64(c.ChunkSize) * c.Overlap)
}

// ChunkByStructure splits cleaned text into ordered chunks tagged with
// their section path. Every chunk text is a substring of text.
func (c *StructuralChunker) ChunkByStructure(text, docID string, meta models.DocumentMetadata) []models.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	boundaries := findBoundaries(text)
	var spans []span
	if len(boundaries) <= 1 {
		logger.Debug("document %s: %d structural markers, using sentence chunking", docID, len(boundaries))
		spans = []span{{start: 0, end: len(text)}}
	} else {
		spans = buildSpans(text, boundaries)
	}

	budget := c.ChunkSize - c.overlapTokens()
	var pieces []piece
	for _, s := range spans {
		pieces = append(pieces, c.splitSpan(text, s, budget)...)
	}
	c.applyOverlap(text, pieces)

	chunks := make([]models.Chunk, 0, len(pieces))
	runes := newRuneIndex(text)
	for i, p := range pieces {
		chunkText := text[p.start:p.end]
		chunks = append(chunks, models.Chunk{
			ChunkID: models.ChunkID(docID, i),
			DocID:   docID,
			Text:    chunkText,
			Metadata: models.ChunkMetadata{
				SectionPath: p.path,
				ChunkIndex:  i,
				CharStart:   runes.offset(p.start),
				CharEnd:     runes.offset(p.end),
				Tokens:      c.tokenizer.Count(chunkText),
				Document:    cloneMetadata(meta),
			},
		})
	}
	return chunks
}

// findBoundaries returns structural markers in document order
func findBoundaries(text string) []boundary {
	var found []boundary
	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimLeftFunc(line, unicode.IsSpace)
		for level, re := range markerRes {
			m := re.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}
			found = append(found, boundary{
				offset: offset + len(line) - len(trimmed),
				level:  level,
				label:  strings.Join(strings.Fields(m[1]), " "),
			})
			break
		}
		offset += len(line)
	}
	return found
}

// buildSpans cuts text at each boundary. A boundary resets every deeper
// level, so the path always lists the open ancestors of the span.
func buildSpans(text string, boundaries []boundary) []span {
	var spans []span
	if boundaries[0].offset > 0 {
		spans = append(spans, span{start: 0, end: boundaries[0].offset})
	}

	var open [levelCount]string
	for i, b := range boundaries {
		open[b.level] = b.label
		for deeper := b.level + 1; deeper < levelCount; deeper++ {
			open[deeper] = ""
		}

		path := make([]string, 0, b.level+1)
		for _, label := range open[:b.level+1] {
			if label != "" {
				path = append(path, label)
			}
		}

		end := len(text)
		if i+1 < len(boundaries) {
			end = boundaries[i+1].offset
		}
		spans = append(spans, span{start: b.offset, end: end, path: path})
	}
	return spans
}

// splitSpan packs sentences of the span into pieces within budget tokens
func (c *StructuralChunker) splitSpan(text string, s span, budget int) []piece {
	start, end := trimRange(text, s.start, s.end)
	if start >= end {
		return nil
	}
	if c.tokenizer.Count(text[start:end]) <= budget {
		return []piece{{start: start, bodyStart: start, end: end, path: s.path}}
	}

	sentences := splitSentences(text, start, end)
	counts := make([]int, len(sentences))
	for i, r := range sentences {
		counts[i] = c.tokenizer.Count(text[r[0]:r[1]])
	}

	var pieces []piece
	for i := 0; i < len(sentences); {
		j := i + 1
		total := counts[i]
		for j < len(sentences) && total+counts[j] <= budget {
			total += counts[j]
			j++
		}
		// merged text can tokenize differently than its parts
		for j-i > 1 && c.tokenizer.Count(text[sentences[i][0]:sentences[j-1][1]]) > budget {
			j--
		}
		pieces = append(pieces, piece{
			start:     sentences[i][0],
			bodyStart: sentences[i][0],
			end:       sentences[j-1][1],
			path:      s.path,
		})
		i = j
	}
	return pieces
}

// splitSentences returns trimmed sentence ranges within [start, end)
func splitSentences(text string, start, end int) [][2]int {
	var out [][2]int
	segment := text[start:end]
	prev := 0
	for _, m := range sentenceEndRe.FindAllStringIndex(segment, -1) {
		s, e := trimRange(text, start+prev, start+m[1])
		if s < e {
			out = append(out, [2]int{s, e})
		}
		prev = m[1]
	}
	if s, e := trimRange(text, start+prev, end); s < e {
		out = append(out, [2]int{s, e})
	}
	return out
}

// applyOverlap extends each piece backwards over the tail of the previous
// one. The overlap shrinks when the merged piece would exceed the budget.
func (c *StructuralChunker) applyOverlap(text string, pieces []piece) {
	k := c.overlapTokens()
	if k <= 0 {
		return
	}
	for i := 1; i < len(pieces); i++ {
		prev, cur := pieces[i-1], &pieces[i]
		body := text[prev.bodyStart:prev.end]

		for n := k; n > 0; n /= 2 {
			tail := c.tokenizer.Tail(body, n)
			start, _ := trimRange(text, prev.end-len(tail), cur.end)
			if start >= cur.start {
				break
			}
			if c.tokenizer.Count(text[start:cur.end]) <= c.ChunkSize {
				cur.start = start
				break
			}
		}
	}
}

// trimRange narrows [start, end) to exclude surrounding whitespace
func trimRange(text string, start, end int) (int, int) {
	for start < end {
		r, size := utf8.DecodeRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(text[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	return start, end
}

// runeIndex converts byte offsets into character offsets
type runeIndex struct {
	text      string
	lastByte  int
	lastRunes int
}

func newRuneIndex(text string) *runeIndex {
	return &runeIndex{text: text}
}

func (r *runeIndex) offset(b int) int {
	if b < r.lastByte {
		r.lastByte, r.lastRunes = 0, 0
	}
	r.lastRunes += utf8.RuneCountInString(r.text[r.lastByte:b])
	r.lastByte = b
	return r.lastRunes
}

func cloneMetadata(meta models.DocumentMetadata) models.DocumentMetadata {
	meta.Extra = maps.Clone(meta.Extra)
	return meta
}

// ChunkStats summarizes a chunking run
type ChunkStats struct {
	Total     int
	AvgTokens float64
	MaxTokens int
	ByDepth   map[int]int
	Documents int
}

// Statistics computes totals, token averages and a section depth breakdown
func Statistics(chunks []models.Chunk) ChunkStats {
	stats := ChunkStats{Total: len(chunks), ByDepth: make(map[int]int)}
	docs := make(map[string]struct{})
	tokens := 0
	for _, ch := range chunks {
		tokens += ch.Metadata.Tokens
		if ch.Metadata.Tokens > stats.MaxTokens {
			stats.MaxTokens = ch.Metadata.Tokens
		}
		stats.ByDepth[len(ch.Metadata.SectionPath)]++
		docs[ch.DocID] = struct{}{}
	}
	if len(chunks) > 0 {
		stats.AvgTokens = float64(tokens) / float64(len(chunks))
	}
	stats.Documents = len(docs)
	return stats
}
