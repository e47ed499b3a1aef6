package models

import (
	"encoding/json"
	"fmt"
)

// Document represents a single legal act ready for ingestion
type Document struct {
	DocID    string           `json:"doc_id"`
	Text     string           `json:"text"`
	Metadata DocumentMetadata `json:"metadata"`
}

// DocumentMetadata contains the descriptive attributes of a legal act.
// Keys not known to the pipeline are kept in Extra and written back flat.
type DocumentMetadata struct {
	Title          string
	ActNumber      string
	Date           string
	Authority      string
	URL            string
	Source         string
	FileType       string
	FilePath       string
	FileName       string
	TextLength     int
	NeedsOCR       bool
	ReferenceBlock string
	Extra          map[string]any
}

// Chunk represents a contiguous passage of a cleaned document
type Chunk struct {
	ChunkID   string        `json:"chunk_id"`
	DocID     string        `json:"doc_id"`
	Text      string        `json:"text"`
	Metadata  ChunkMetadata `json:"metadata"`
	Embedding []float32     `json:"embedding"`
	// EmbeddingError is set when vectorization gave up on this chunk
	EmbeddingError string `json:"error,omitempty"`
}

// ChunkMetadata contains the position of a chunk in its document plus a
// copy of the document metadata
type ChunkMetadata struct {
	SectionPath []string
	ChunkIndex  int
	CharStart   int
	CharEnd     int
	Tokens      int
	Document    DocumentMetadata
}

// DocumentRef holds the document fields joined into search results
type DocumentRef struct {
	Title     string `json:"title"`
	ActNumber string `json:"act_number"`
	Date      string `json:"date"`
	Authority string `json:"authority"`
	URL       string `json:"url"`
}

// Query represents a similarity search request. Text is used by the
// searcher, Embedding by the vector store.
type Query struct {
	Text        string    `json:"text,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
	TopK        int       `json:"topk"`
	Threshold   float64   `json:"threshold"`
	DocID       string    `json:"doc_id,omitempty"`
	SectionPath []string  `json:"section_path,omitempty"`
}

// SearchResult represents one ranked chunk returned by a similarity search
type SearchResult struct {
	ChunkID     string        `json:"chunk_id"`
	DocID       string        `json:"doc_id"`
	Text        string        `json:"text"`
	SectionPath []string      `json:"section_path"`
	ChunkIndex  int           `json:"chunk_index"`
	CharStart   int           `json:"char_start"`
	CharEnd     int           `json:"char_end"`
	Metadata    ChunkMetadata `json:"metadata"`
	Document    DocumentRef   `json:"document"`
	Similarity  float64       `json:"similarity"`
}

// Response represents the response from the LLM
type Response struct {
	Answer    string         `json:"answer"`
	Sources   []SearchResult `json:"sources"`
	Timestamp string         `json:"timestamp"`
}

// ChunkID builds the deterministic identifier of the n-th chunk of a document
func ChunkID(docID string, index int) string {
	return fmt.Sprintf("%s_chunk_%d", docID, index)
}

// Ref returns the subset of metadata joined into search results
func (m DocumentMetadata) Ref() DocumentRef {
	return DocumentRef{
		Title:     m.Title,
		ActNumber: m.ActNumber,
		Date:      m.Date,
		Authority: m.Authority,
		URL:       m.URL,
	}
}

// ToMap flattens the metadata into a single JSON-ready map
func (m DocumentMetadata) ToMap() map[string]any {
	out := make(map[string]any, len(m.Extra)+12)
	for k, v := range m.Extra {
		out[k] = v
	}
	putString(out, "title", m.Title)
	putString(out, "act_number", m.ActNumber)
	putString(out, "date", m.Date)
	putString(out, "authority", m.Authority)
	putString(out, "url", m.URL)
	putString(out, "source", m.Source)
	putString(out, "file_type", m.FileType)
	putString(out, "file_path", m.FilePath)
	putString(out, "file_name", m.FileName)
	putString(out, "reference_block", m.ReferenceBlock)
	if m.TextLength > 0 {
		out["text_length"] = m.TextLength
	}
	if m.NeedsOCR {
		out["needs_ocr"] = true
	}
	return out
}

func putString(out map[string]any, key, value string) {
	if value != "" {
		out[key] = value
	}
}

// MarshalJSON writes known fields and Extra into one flat object
func (m DocumentMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.ToMap())
}

// UnmarshalJSON reads known fields and keeps the rest in Extra
func (m *DocumentMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return m.fromRaw(raw)
}

func (m *DocumentMetadata) fromRaw(raw map[string]json.RawMessage) error {
	fields := map[string]any{
		"title":           &m.Title,
		"act_number":      &m.ActNumber,
		"date":            &m.Date,
		"authority":       &m.Authority,
		"url":             &m.URL,
		"source":          &m.Source,
		"file_type":       &m.FileType,
		"file_path":       &m.FilePath,
		"file_name":       &m.FileName,
		"reference_block": &m.ReferenceBlock,
		"text_length":     &m.TextLength,
		"needs_ocr":       &m.NeedsOCR,
	}

	for key, value := range raw {
		if string(value) == "null" {
			continue
		}
		if target, ok := fields[key]; ok {
			if err := json.Unmarshal(value, target); err != nil {
				return fmt.Errorf("invalid metadata field %q: %w", key, err)
			}
			continue
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("invalid metadata field %q: %w", key, err)
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[key] = v
	}
	return nil
}

// MarshalJSON writes the chunk position next to the flattened document metadata
func (m ChunkMetadata) MarshalJSON() ([]byte, error) {
	out := m.Document.ToMap()
	path := m.SectionPath
	if path == nil {
		path = []string{}
	}
	out["section_path"] = path
	out["chunk_index"] = m.ChunkIndex
	out["char_start"] = m.CharStart
	out["char_end"] = m.CharEnd
	out["tokens"] = m.Tokens
	return json.Marshal(out)
}

// UnmarshalJSON splits chunk position fields from document metadata
func (m *ChunkMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	fields := map[string]any{
		"section_path": &m.SectionPath,
		"chunk_index":  &m.ChunkIndex,
		"char_start":   &m.CharStart,
		"char_end":     &m.CharEnd,
		"tokens":       &m.Tokens,
	}
	for key, target := range fields {
		value, ok := raw[key]
		if !ok {
			continue
		}
		delete(raw, key)
		if string(value) == "null" {
			continue
		}
		if err := json.Unmarshal(value, target); err != nil {
			return fmt.Errorf("invalid chunk metadata field %q: %w", key, err)
		}
	}
	return m.Document.fromRaw(raw)
}
