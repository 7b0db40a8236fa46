// Package store provides document-store access for hybrid retrieval:
// an Elasticsearch-backed implementation and a self-contained local
// implementation (bleve BM25 + HNSW vectors + SQLite documents).
package store

import (
	"context"
)

// Document is a unit of indexed knowledge. Documents are immutable once
// indexed; retrieval results reference them without mutation.
type Document struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Title   string `json:"title"`
}

// SearchHit pairs a document with the raw score assigned by one search
// signal. Raw scores are relative within a single result list; their
// absolute range depends on the backend and metric.
type SearchHit struct {
	Document Document
	Score    float64
}

// IndexDocument is a document plus its embedding, ready for indexing.
type IndexDocument struct {
	Document
	Vector []float32
}

// DocStore is the document-store capability consumed by the retriever.
// Implementations must be safe for concurrent read use.
type DocStore interface {
	// SearchVector runs a similarity query against the scope's index and
	// returns hits ordered descending by score. Returning fewer than limit
	// hits is valid. Fails with IndexNotFound when the scope does not exist.
	SearchVector(ctx context.Context, scope string, vector []float32, limit int) ([]SearchHit, error)

	// SearchKeyword runs a lexical (BM25-family) query against the scope's
	// index with the same shape and failure modes as SearchVector.
	SearchKeyword(ctx context.Context, scope, query string, limit int) ([]SearchHit, error)

	// HasScope reports whether an index exists for the named scope.
	HasScope(ctx context.Context, scope string) (bool, error)

	// Index adds documents with their embeddings to the scope's index,
	// creating the scope if needed.
	Index(ctx context.Context, scope string, docs []IndexDocument) error

	// Close releases all resources.
	Close() error
}
