package processor

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE encoding used by the OpenAI embedding models
const DefaultEncoding = "cl100k_base"

// Tokenizer counts tokens the way the embedding provider does
type Tokenizer interface {
	// Count returns the number of tokens in text.
	Count(text string) int
	// Tail returns the shortest suffix of text that covers its last n tokens,
	// starting on a character boundary.
	Tail(text string, n int) string
}

var loaderOnce sync.Once

// TiktokenTokenizer is a Tokenizer backed by tiktoken BPE ranks bundled
// into the binary, so no network access is needed
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenTokenizer creates a tokenizer for the named encoding
func NewTiktokenTokenizer(encoding string) (*TiktokenTokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

// Count implements Tokenizer
func (t *TiktokenTokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Tail implements Tokenizer
func (t *TiktokenTokenizer) Tail(text string, n int) string {
	if n <= 0 || text == "" {
		return ""
	}
	tokens := t.enc.Encode(text, nil, nil)
	if n >= len(tokens) {
		return text
	}

	// decoded token bytes concatenate back to the exact input bytes
	size := len(t.enc.Decode(tokens[len(tokens)-n:]))
	start := len(text) - size
	if start < 0 {
		start = 0
	}
	for start < len(text) && !utf8.RuneStart(text[start]) {
		start++
	}
	return text[start:]
}
