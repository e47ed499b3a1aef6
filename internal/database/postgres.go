package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"legal-rag/internal/logger"
	"legal-rag/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// ivfflat indexes are limited to this many dimensions
const maxIndexedDimensions = 2000

// PostgresStore is a VectorStore backed by PostgreSQL with pgvector
type PostgresStore struct {
	Pool       *pgxpool.Pool
	dimensions int
	timeout    time.Duration
}

// NewPostgresStore creates a new database connection pool
func NewPostgresStore(ctx context.Context, connStr string, dimensions int, timeout time.Duration) (*PostgresStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("%w: embedding dimensions must be positive", models.ErrConfig)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{Pool: pool, dimensions: dimensions, timeout: timeout}, nil
}

// Initialize sets up the database tables and indices
func (s *PostgresStore) Initialize(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err := s.Pool.Exec(ctx, `
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
			text_length INTEGER,
			needs_ocr BOOLEAN NOT NULL DEFAULT FALSE,
			reference_block TEXT,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}

	_, err = s.Pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS chunks (
			chunk_id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
			chunk_text TEXT NOT NULL,
			embedding vector(%d),
			section_path TEXT[] NOT NULL DEFAULT '{}',
			chunk_index INTEGER NOT NULL,
			char_start INTEGER NOT NULL,
			char_end INTEGER NOT NULL,
			tokens INTEGER NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.dimensions))
	if err != nil {
		return fmt.Errorf("failed to create chunks table: %w", err)
	}

	// Create indices for better query performance
	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS chunks_doc_id_idx ON chunks (doc_id)`,
		`CREATE INDEX IF NOT EXISTS chunks_section_path_idx ON chunks USING GIN (section_path)`,
	} {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if s.dimensions > maxIndexedDimensions {
		logger.Warn("Skipping vector index: %d dimensions exceed the ivfflat limit of %d, searches use exact scans",
			s.dimensions, maxIndexedDimensions)
		return nil
	}

	// Create vector index
	_, err = s.Pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS chunks_embedding_idx ON chunks
		USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)
	`)
	if err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}

	return nil
}

// nullString maps empty strings to NULL
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// InsertDocument upserts a document, refreshing all mutable fields
func (s *PostgresStore) InsertDocument(ctx context.Context, doc models.Document) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("%w: failed to encode metadata: %w", models.ErrStorageWrite, err)
	}

	m := doc.Metadata
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO documents (
			doc_id, title, act_number, date, authority, url, source,
			file_type, file_path, text_length, needs_ocr, reference_block, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (doc_id) DO UPDATE SET
			title = EXCLUDED.title,
			act_number = EXCLUDED.act_number,
			date = EXCLUDED.date,
			authority = EXCLUDED.authority,
			url = EXCLUDED.url,
			source = EXCLUDED.source,
			file_type = EXCLUDED.file_type,
			file_path = EXCLUDED.file_path,
			text_length = EXCLUDED.text_length,
			needs_ocr = EXCLUDED.needs_ocr,
			reference_block = EXCLUDED.reference_block,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
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
		string(meta))
	if err != nil {
		return fmt.Errorf("%w: failed to upsert document %s: %w", models.ErrStorageWrite, doc.DocID, err)
	}
	return nil
}

// InsertChunksBatch stores new chunks in one transaction. Chunks already
// present are counted but never updated.
func (s *PostgresStore) InsertChunksBatch(ctx context.Context, chunks []models.Chunk) (int, error) {
	valid := embeddedChunks(chunks)
	if skipped := len(chunks) - len(valid); skipped > 0 {
		logger.Warn("Skipping %d chunks without embedding", skipped)
	}
	if len(valid) == 0 {
		return 0, nil
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin transaction: %w", models.ErrStorageWrite, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	ids := make([]string, len(valid))
	for i, ch := range valid {
		ids[i] = ch.ChunkID
	}

	rows, err := tx.Query(ctx, `SELECT chunk_id FROM chunks WHERE chunk_id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to query existing chunks: %w", models.ErrStorageWrite, err)
	}
	existingIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("%w: failed to scan existing chunks: %w", models.ErrStorageWrite, err)
	}
	existing := make(map[string]bool, len(existingIDs))
	for _, id := range existingIDs {
		existing[id] = true
	}

	batch := &pgx.Batch{}
	for _, ch := range valid {
		if existing[ch.ChunkID] {
			continue
		}
		meta, err := json.Marshal(ch.Metadata)
		if err != nil {
			return len(existing), fmt.Errorf("%w: failed to encode chunk metadata: %w", models.ErrStorageWrite, err)
		}
		path := ch.Metadata.SectionPath
		if path == nil {
			path = []string{}
		}
		batch.Queue(`
			INSERT INTO chunks (
				chunk_id, doc_id, chunk_text, embedding, section_path,
				chunk_index, char_start, char_end, tokens, metadata
			)
			VALUES ($1, $2, $3, $4::vector, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (chunk_id) DO NOTHING
		`,
			ch.ChunkID,
			ch.DocID,
			ch.Text,
			pgvector.NewVector(ch.Embedding),
			path,
			ch.Metadata.ChunkIndex,
			ch.Metadata.CharStart,
			ch.Metadata.CharEnd,
			ch.Metadata.Tokens,
			string(meta))
	}

	inserted := 0
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return len(existing), fmt.Errorf("%w: failed to insert chunk: %w", models.ErrStorageWrite, err)
			}
			inserted += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return len(existing), fmt.Errorf("%w: failed to close batch: %w", models.ErrStorageWrite, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return len(existing), fmt.Errorf("%w: failed to commit chunks: %w", models.ErrStorageWrite, err)
	}

	return len(existing) + inserted, nil
}

// SearchSimilar finds chunks similar to the query embedding with optional filters
func (s *PostgresStore) SearchSimilar(ctx context.Context, q models.Query) ([]models.SearchResult, error) {
	q, err := validateQuery(q)
	if err != nil {
		return []models.SearchResult{}, err
	}

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	args := []any{pgvector.NewVector(q.Embedding), q.Threshold}
	var filters []string
	if q.DocID != "" {
		args = append(args, q.DocID)
		filters = append(filters, fmt.Sprintf("AND c.doc_id = $%d", len(args)))
	}
	if len(q.SectionPath) > 0 {
		args = append(args, q.SectionPath)
		n := len(args)
		filters = append(filters, fmt.Sprintf("AND c.section_path[1:cardinality($%d::text[])] = $%d::text[]", n, n))
	}
	args = append(args, q.TopK)

	query := fmt.Sprintf(`
		SELECT c.chunk_id, c.doc_id, c.chunk_text, c.section_path,
		       c.chunk_index, c.char_start, c.char_end, c.metadata,
		       COALESCE(d.title, ''), COALESCE(d.act_number, ''), COALESCE(d.date, ''),
		       COALESCE(d.authority, ''), COALESCE(d.url, ''),
		       1 - (c.embedding <=> $1::vector) AS similarity
		FROM chunks c
		JOIN documents d ON d.doc_id = c.doc_id
		WHERE c.embedding IS NOT NULL
		  AND 1 - (c.embedding <=> $1::vector) >= $2
		  %s
		ORDER BY c.embedding <=> $1::vector
		LIMIT $%d
	`, strings.Join(filters, "\n\t\t  "), len(args))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		logger.Error("Similarity search failed: %v", err)
		return []models.SearchResult{}, fmt.Errorf("%w: failed to query similar chunks: %w", models.ErrStorageRead, err)
	}
	defer rows.Close()

	results := []models.SearchResult{}
	for rows.Next() {
		var (
			r    models.SearchResult
			meta []byte
		)
		if err := rows.Scan(
			&r.ChunkID,
			&r.DocID,
			&r.Text,
			&r.SectionPath,
			&r.ChunkIndex,
			&r.CharStart,
			&r.CharEnd,
			&meta,
			&r.Document.Title,
			&r.Document.ActNumber,
			&r.Document.Date,
			&r.Document.Authority,
			&r.Document.URL,
			&r.Similarity); err != nil {
			logger.Error("Similarity search failed: %v", err)
			return []models.SearchResult{}, fmt.Errorf("%w: failed to scan row: %w", models.ErrStorageRead, err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				logger.Warn("Ignoring invalid metadata of chunk %s: %v", r.ChunkID, err)
			}
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		logger.Error("Similarity search failed: %v", err)
		return []models.SearchResult{}, fmt.Errorf("%w: error iterating rows: %w", models.ErrStorageRead, err)
	}

	return results, nil
}

// GetDocument loads a stored document without its text
func (s *PostgresStore) GetDocument(ctx context.Context, docID string) (models.Document, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var meta []byte
	err := s.Pool.QueryRow(ctx, `SELECT metadata FROM documents WHERE doc_id = $1`, docID).Scan(&meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("%w: %s", models.ErrDocumentNotFound, docID)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("%w: failed to load document: %w", models.ErrStorageRead, err)
	}

	doc := models.Document{DocID: docID}
	if err := json.Unmarshal(meta, &doc.Metadata); err != nil {
		return models.Document{}, fmt.Errorf("%w: failed to decode metadata: %w", models.ErrStorageRead, err)
	}
	return doc, nil
}

// CountChunks counts stored chunks
func (s *PostgresStore) CountChunks(ctx context.Context, docID string) (int, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var n int
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks WHERE $1 = '' OR doc_id = $1`, docID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count chunks: %w", models.ErrStorageRead, err)
	}
	return n, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() {
	s.Pool.Close()
}
