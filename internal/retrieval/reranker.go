package retrieval

import (
	"context"
)

// Reranker refines a fused candidate ranking using a cross-encoder model.
// Cross-encoders jointly encode query-document pairs for more accurate
// relevance scoring than bi-encoders, at higher computational cost.
type Reranker interface {
	// Rerank scores the candidates against the query and returns at most
	// min(topK, len(candidates)) documents ordered by the new score
	// descending. Implementations overwrite Score and RerankScore but
	// preserve every other field: reranking must never lose provenance.
	Rerank(ctx context.Context, query string, candidates []*ScoredDocument, topK int) ([]*ScoredDocument, error)

	// Available checks if the reranking service is reachable.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// NoOpReranker keeps the fused order and scores untouched.
// Used when reranking is disabled and in tests.
type NoOpReranker struct{}

// Rerank returns the candidates unchanged, truncated to topK.
func (n *NoOpReranker) Rerank(_ context.Context, _ string, candidates []*ScoredDocument, topK int) ([]*ScoredDocument, error) {
	if topK > 0 && topK < len(candidates) {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// Available always returns true for NoOpReranker.
func (n *NoOpReranker) Available(_ context.Context) bool {
	return true
}

// Close is a no-op for NoOpReranker.
func (n *NoOpReranker) Close() error {
	return nil
}

// Verify interface implementation at compile time.
var _ Reranker = (*NoOpReranker)(nil)
