package database

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"legal-rag/internal/logger"
	"legal-rag/internal/models"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	doc_id TEXT PRIMARY KEY,
	title TEXT,
	act_number TEXT,
	date TEXT,
	authority TEXT,
	url TEXT,
	source TEXT,
	file_type TEXT,
	file_path TEXT,
	text_length INTEGER NOT NULL DEFAULT 0,
	needs_ocr INTEGER NOT NULL DEFAULT 0,
	reference_block TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id TEXT PRIMARY KEY,
	doc_id TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
	chunk_text TEXT NOT NULL,
	embedding BLOB NOT NULL,
	section_path TEXT NOT NULL DEFAULT '[]',
	chunk_index INTEGER NOT NULL,
	char_start INTEGER NOT NULL,
	char_end INTEGER NOT NULL,
	tokens INTEGER NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_doc_id ON chunks(doc_id);
`

// SQLiteStore is a VectorStore kept in a single SQLite file. Similarity is
// computed in process over the stored vectors.
type SQLiteStore struct {
	db         *sql.DB
	dimensions int
	timeout    time.Duration
}

// NewSQLiteStore opens or creates the database file at dbPath
func NewSQLiteStore(dbPath string, dimensions int, timeout time.Duration) (*SQLiteStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("%w: embedding dimensions must be positive", models.ErrConfig)
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStore{db: db, dimensions: dimensions, timeout: timeout}, nil
}

// Initialize creates tables and indexes
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// InsertDocument upserts a document by doc_id
func (s *SQLiteStore) InsertDocument(ctx context.Context, doc models.Document) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("%w: failed to encode metadata: %w", models.ErrStorageWrite, err)
	}

	now := time.Now().Unix()
	m := doc.Metadata
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (
			doc_id, title, act_number, date, authority, url, source, file_type,
			file_path, text_length, needs_ocr, reference_block, metadata, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			title = excluded.title,
			act_number = excluded.act_number,
			date = excluded.date,
			authority = excluded.authority,
			url = excluded.url,
			source = excluded.source,
			file_type = excluded.file_type,
			file_path = excluded.file_path,
			text_length = excluded.text_length,
			needs_ocr = excluded.needs_ocr,
			reference_block = excluded.reference_block,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`,
		doc.DocID,
		nullString(m.Title),
		nullString(m.ActNumber),
		nullString(m.Date),
		nullString(m.Authority),
		nullString(m.URL),
		nullString(m.Source),
		nullString(m.FileType),
		nullString(m.FilePath),
		m.TextLength,
		m.NeedsOCR,
		nullString(m.ReferenceBlock),
		string(meta),
		now,
		now)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert document %s: %w", models.ErrStorageWrite, doc.DocID, err)
	}
	return nil
}

// InsertChunksBatch stores new chunks in one transaction and leaves
// existing ones untouched
func (s *SQLiteStore) InsertChunksBatch(ctx context.Context, chunks []models.Chunk) (int, error) {
	valid := embeddedChunks(chunks)
	if skipped := len(chunks) - len(valid); skipped > 0 {
		logger.Warn("Skipping %d chunks without embedding", skipped)
	}
	if len(valid) == 0 {
		return 0, nil
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin transaction: %w", models.ErrStorageWrite, err)
	}
	defer tx.Rollback() //nolint:errcheck

	existing := 0
	exists, err := tx.PrepareContext(ctx, `SELECT 1 FROM chunks WHERE chunk_id = ?`)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to prepare lookup: %w", models.ErrStorageWrite, err)
	}
	defer exists.Close()

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (
			chunk_id, doc_id, chunk_text, embedding, section_path,
			chunk_index, char_start, char_end, tokens, metadata, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to prepare insert: %w", models.ErrStorageWrite, err)
	}
	defer insert.Close()

	now := time.Now().Unix()
	inserted := 0
	for _, ch := range valid {
		var one int
		err := exists.QueryRowContext(ctx, ch.ChunkID).Scan(&one)
		if err == nil {
			existing++
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return existing, fmt.Errorf("%w: failed to look up chunk %s: %w", models.ErrStorageWrite, ch.ChunkID, err)
		}

		if len(ch.Embedding) != s.dimensions {
			return existing, fmt.Errorf("%w: chunk %s has %d dimensions, store expects %d",
				models.ErrStorageWrite, ch.ChunkID, len(ch.Embedding), s.dimensions)
		}
		path := ch.Metadata.SectionPath
		if path == nil {
			path = []string{}
		}
		pathJSON, err := json.Marshal(path)
		if err != nil {
			return existing, fmt.Errorf("%w: failed to encode section path: %w", models.ErrStorageWrite, err)
		}
		meta, err := json.Marshal(ch.Metadata)
		if err != nil {
			return existing, fmt.Errorf("%w: failed to encode chunk metadata: %w", models.ErrStorageWrite, err)
		}

		res, err := insert.ExecContext(ctx,
			ch.ChunkID,
			ch.DocID,
			ch.Text,
			encodeVector(ch.Embedding),
			string(pathJSON),
			ch.Metadata.ChunkIndex,
			ch.Metadata.CharStart,
			ch.Metadata.CharEnd,
			ch.Metadata.Tokens,
			string(meta),
			now)
		if err != nil {
			return existing, fmt.Errorf("%w: failed to insert chunk %s: %w", models.ErrStorageWrite, ch.ChunkID, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return existing, fmt.Errorf("%w: failed to commit chunks: %w", models.ErrStorageWrite, err)
	}
	return existing + inserted, nil
}

// SearchSimilar ranks stored chunks by cosine similarity to the query
func (s *SQLiteStore) SearchSimilar(ctx context.Context, q models.Query) ([]models.SearchResult, error) {
	q, err := validateQuery(q)
	if err != nil {
		return []models.SearchResult{}, err
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	results, err := s.scan(ctx, q)
	if err != nil {
		logger.Error("Similarity search failed: %v", err)
		return []models.SearchResult{}, fmt.Errorf("%w: %w", models.ErrStorageRead, err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results, nil
}

func (s *SQLiteStore) scan(ctx context.Context, q models.Query) ([]models.SearchResult, error) {
	query := `
		SELECT c.chunk_id, c.doc_id, c.chunk_text, c.embedding, c.section_path,
		       c.chunk_index, c.char_start, c.char_end, c.metadata,
		       COALESCE(d.title, ''), COALESCE(d.act_number, ''), COALESCE(d.date, ''),
		       COALESCE(d.authority, ''), COALESCE(d.url, '')
		FROM chunks c
		JOIN documents d ON d.doc_id = c.doc_id`
	var args []any
	if q.DocID != "" {
		query += ` WHERE c.doc_id = ?`
		args = append(args, q.DocID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	results := []models.SearchResult{}
	for rows.Next() {
		var (
			r        models.SearchResult
			blob     []byte
			pathJSON string
			meta     string
		)
		if err := rows.Scan(
			&r.ChunkID,
			&r.DocID,
			&r.Text,
			&blob,
			&pathJSON,
			&r.ChunkIndex,
			&r.CharStart,
			&r.CharEnd,
			&meta,
			&r.Document.Title,
			&r.Document.ActNumber,
			&r.Document.Date,
			&r.Document.Authority,
			&r.Document.URL); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		if err := json.Unmarshal([]byte(pathJSON), &r.SectionPath); err != nil {
			return nil, fmt.Errorf("invalid section path of chunk %s: %w", r.ChunkID, err)
		}
		if len(q.SectionPath) > 0 && !hasPrefix(r.SectionPath, q.SectionPath) {
			continue
		}

		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("invalid embedding of chunk %s: %w", r.ChunkID, err)
		}
		sim, err := CosineSimilarity(vec, q.Embedding)
		if errors.Is(err, ErrZeroVector) {
			logger.Warn("Skipping chunk %s with a zero-magnitude embedding", r.ChunkID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", r.ChunkID, err)
		}
		if sim < q.Threshold {
			continue
		}
		r.Similarity = sim

		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			logger.Warn("Ignoring invalid metadata of chunk %s: %v", r.ChunkID, err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return results, nil
}

// GetDocument loads a stored document without its text
func (s *SQLiteStore) GetDocument(ctx context.Context, docID string) (models.Document, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var meta string
	err := s.db.QueryRowContext(ctx, `SELECT metadata FROM documents WHERE doc_id = ?`, docID).Scan(&meta)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, fmt.Errorf("%w: %s", models.ErrDocumentNotFound, docID)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("%w: failed to load document: %w", models.ErrStorageRead, err)
	}

	doc := models.Document{DocID: docID}
	if err := json.Unmarshal([]byte(meta), &doc.Metadata); err != nil {
		return models.Document{}, fmt.Errorf("%w: failed to decode metadata: %w", models.ErrStorageRead, err)
	}
	return doc, nil
}

// CountChunks counts stored chunks
func (s *SQLiteStore) CountChunks(ctx context.Context, docID string) (int, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE ? = '' OR doc_id = ?`, docID, docID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count chunks: %w", models.ErrStorageRead, err)
	}
	return n, nil
}

// Close closes the database
func (s *SQLiteStore) Close() {
	if err := s.db.Close(); err != nil {
		logger.Warn("Failed to close database: %v", err)
	}
}

// encodeVector packs a vector as little-endian float32 values
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
