// Package embed provides text-embedding clients for kbchat.
package embed

import (
	"context"
)

// Text types passed to the embedding service. Queries and documents are
// embedded asymmetrically by retrieval-tuned models.
const (
	TextTypeQuery    = "query"
	TextTypeDocument = "document"
)

// Embedder turns text into fixed-length dense vectors.
//
// Implementations do not retry; retry policy belongs to the caller.
type Embedder interface {
	// Embed generates an embedding for a single query text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates document embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Close releases resources.
	Close() error
}
