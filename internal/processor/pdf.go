package processor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"legal-rag/internal/logger"
	"legal-rag/internal/models"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

const (
	// MinTextLength is the shortest extracted text worth ingesting. Shorter
	// PDF texts are most likely scans.
	MinTextLength = 100
)

var (
	// ErrNeedsOCR marks a PDF without an extractable text layer
	ErrNeedsOCR = errors.New("document needs OCR")
	// ErrTooShort marks a file whose text is below MinTextLength
	ErrTooShort = errors.New("document text too short")
	// ErrUnsupportedFormat marks a file type the extractor cannot read
	ErrUnsupportedFormat = errors.New("unsupported file format")
)

// fallbackEncodings are tried in order for TXT files that are not UTF-8
var fallbackEncodings = []struct {
	name string
	enc  encoding.Encoding
}{
	{"windows-1251", charmap.Windows1251},
	{"cp866", charmap.CodePage866},
}

// Extractor turns PDF and TXT files into documents
type Extractor struct {
	MinTextLength int
}

// NewExtractor creates a new extractor
func NewExtractor() *Extractor {
	return &Extractor{MinTextLength: MinTextLength}
}

// SupportedFile reports whether the extractor can read the file
func SupportedFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf", ".txt":
		return true
	}
	return false
}

// DocumentID derives a stable identifier from a file path and its
// modification time
func DocumentID(path string, modTime time.Time) string {
	mtime := strconv.FormatFloat(float64(modTime.UnixNano())/1e9, 'f', -1, 64)
	sum := sha256.Sum256([]byte(path + "_" + mtime))
	return hex.EncodeToString(sum[:])[:16]
}

// ExtractText extracts text from a PDF or TXT file
func (e *Extractor) ExtractText(filePath string) (string, error) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".pdf":
		return e.extractPDF(filePath)
	case ".txt":
		return e.extractTXT(filePath)
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filePath)
}

// extractPDF extracts the plain text layer of a PDF file
func (e *Extractor) extractPDF(filePath string) (string, error) {
	f, r, err := pdf.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	b, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("failed to extract plain text: %w", err)
	}

	_, err = buf.ReadFrom(b)
	if err != nil {
		return "", fmt.Errorf("failed to read text: %w", err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// extractTXT reads a text file as UTF-8, falling back to legacy Cyrillic
// code pages
func (e *Extractor) extractTXT(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return decodeText(data)
}

func decodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return strings.TrimSpace(string(data)), nil
	}
	for _, fb := range fallbackEncodings {
		decoded, err := fb.enc.NewDecoder().Bytes(data)
		if err != nil {
			continue
		}
		logger.Debug("decoded text as %s", fb.name)
		return strings.TrimSpace(string(decoded)), nil
	}
	return "", fmt.Errorf("could not decode text with any known encoding")
}

// ExtractFile extracts a single file into a document. Scanned PDFs and
// texts shorter than MinTextLength are rejected with ErrNeedsOCR or
// ErrTooShort.
func (e *Extractor) ExtractFile(filePath string) (models.Document, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return models.Document{}, fmt.Errorf("failed to stat file: %w", err)
	}

	text, err := e.ExtractText(filePath)
	if err != nil {
		return models.Document{}, err
	}

	fileType := strings.TrimPrefix(strings.ToLower(filepath.Ext(filePath)), ".")
	meaningful := len(strings.TrimFunc(text, unicode.IsSpace))
	meta := models.DocumentMetadata{
		FilePath:   filePath,
		FileName:   filepath.Base(filePath),
		FileType:   fileType,
		TextLength: utf8.RuneCountInString(text),
		NeedsOCR:   fileType == "pdf" && meaningful < e.MinTextLength,
	}

	if meta.NeedsOCR {
		return models.Document{}, fmt.Errorf("%w: %s", ErrNeedsOCR, filePath)
	}
	if utf8.RuneCountInString(text) < e.MinTextLength {
		return models.Document{}, fmt.Errorf("%w: %s", ErrTooShort, filePath)
	}

	return models.Document{
		DocID:    DocumentID(filePath, info.ModTime()),
		Text:     text,
		Metadata: meta,
	}, nil
}

// ExtractStats counts the outcome of a directory extraction
type ExtractStats struct {
	Total     int
	Processed int
	Skipped   int
	Failed    int
}

// ExtractPath extracts a file, or every supported file below a directory,
// using up to workers goroutines. Files that cannot be used are logged and
// counted, they never abort the run.
func (e *Extractor) ExtractPath(ctx context.Context, root string, workers int) ([]models.Document, ExtractStats, error) {
	files, err := collectFiles(root)
	if err != nil {
		return nil, ExtractStats{}, err
	}
	logger.Info("Starting extraction: %d files, %d workers", len(files), workers)

	var (
		mu    sync.Mutex
		docs  []models.Document
		stats = ExtractStats{Total: len(files)}
	)

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			doc, err := e.ExtractFile(file)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrNeedsOCR), errors.Is(err, ErrTooShort):
				logger.Warn("Skipping %s: %v", file, err)
				stats.Skipped++
			case err != nil:
				logger.Error("Failed to process %s: %v", file, err)
				stats.Failed++
			default:
				docs = append(docs, doc)
				stats.Processed++
			}
			if done := stats.Processed + stats.Skipped + stats.Failed; done%100 == 0 {
				logger.Info("Progress: %d/%d files", done, stats.Total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Metadata.FilePath < docs[j].Metadata.FilePath })
	logger.Info("Extraction complete: processed=%d skipped=%d failed=%d", stats.Processed, stats.Skipped, stats.Failed)
	return docs, stats, nil
}

func collectFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("invalid input path: %w", err)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && SupportedFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, nil
}
