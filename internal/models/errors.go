package models

import "errors"

// Sentinel errors shared across the ingestion and search pipeline.
var (
	// ErrConfig indicates missing credentials or invalid settings.
	ErrConfig = errors.New("invalid configuration")

	// ErrProvider indicates a failed call to the embedding provider.
	ErrProvider = errors.New("embedding provider error")

	// ErrStorageWrite indicates a failed write to the vector store.
	ErrStorageWrite = errors.New("storage write failed")

	// ErrStorageRead indicates a failed read from the vector store.
	ErrStorageRead = errors.New("storage read failed")

	// ErrNoQueryEmbedding indicates the search query could not be embedded.
	ErrNoQueryEmbedding = errors.New("query embedding unavailable")

	// ErrDocumentNotFound indicates the requested document is not stored.
	ErrDocumentNotFound = errors.New("document not found")
)
