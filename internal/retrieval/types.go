// Package retrieval implements the hybrid retrieval pipeline: dense-vector
// and lexical searches run concurrently, their rankings are merged by
// weighted additive fusion, and a cross-encoder reranker optionally
// refines the merged ranking.
package retrieval

import (
	"github.com/MaxWANGCAI/kbchat/internal/store"
)

// ScoredDocument is a document plus its retrieval scores. Score always
// reflects the most recent stage that touched the document; the per-signal
// scores are retained for observability and never erased.
type ScoredDocument struct {
	store.Document

	// Score is the current ranking score (fusion or rerank, whichever ran last).
	Score float64 `json:"score"`

	// VectorScore is the raw dense-vector score, nil if the document was
	// not found by vector search.
	VectorScore *float64 `json:"vector_score,omitempty"`

	// KeywordScore is the raw lexical score, nil if the document was not
	// found by keyword search.
	KeywordScore *float64 `json:"keyword_score,omitempty"`

	// RerankScore is the cross-encoder score, nil before reranking.
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// Clone returns a copy of the scored document.
func (d *ScoredDocument) Clone() *ScoredDocument {
	clone := *d
	return &clone
}

// Request describes one retrieval call.
type Request struct {
	// Query is the natural-language query. Must be non-empty after trimming.
	Query string

	// Scope is the knowledge scope (logical index partition) to search.
	Scope string

	// TopK is the number of documents to return. Must be >= 1.
	TopK int

	// MinScore drops fused documents scoring below this threshold. Must be >= 0.
	MinScore float64
}

// FusionWeights scale each signal before additive fusion. They need not
// sum to one; each weight scales its own signal independently.
type FusionWeights struct {
	// Vector is the multiplier for dense-vector scores.
	Vector float64

	// Keyword is the multiplier for lexical scores.
	Keyword float64
}

// DefaultFusionWeights returns the default signal weights.
func DefaultFusionWeights() FusionWeights {
	return FusionWeights{
		Vector:  0.7,
		Keyword: 0.3,
	}
}
