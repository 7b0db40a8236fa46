package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MaxWANGCAI/kbchat/internal/embed"
	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
	"github.com/MaxWANGCAI/kbchat/internal/store"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// Config configures the retriever.
type Config struct {
	// Weights scale the vector and keyword signals before fusion.
	Weights FusionWeights

	// EmbedTimeout bounds a single embedding call (default: 10s).
	EmbedTimeout time.Duration

	// SearchTimeout bounds each document-store search call (default: 10s).
	SearchTimeout time.Duration

	// RerankTimeout bounds a rerank call (default: 10s).
	RerankTimeout time.Duration

	// Retry is the retry budget for transient embedding failures.
	Retry apperrors.RetryConfig
}

// applyDefaults fills zero-valued config fields.
func (c Config) applyDefaults() Config {
	if c.Weights.Vector <= 0 && c.Weights.Keyword <= 0 {
		c.Weights = DefaultFusionWeights()
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = 10 * time.Second
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 10 * time.Second
	}
	if c.RerankTimeout <= 0 {
		c.RerankTimeout = 10 * time.Second
	}
	if c.Retry.MaxRetries == 0 && c.Retry.InitialDelay == 0 {
		c.Retry = apperrors.DefaultRetryConfig()
	}
	return c
}

// Option configures the retriever.
type Option func(*Retriever)

// WithReranker sets an optional cross-encoder reranker. When configured,
// fused candidates beyond top-k are reranked; rerank failures fall back
// to the fused ranking instead of failing the request.
func WithReranker(r Reranker) Option {
	return func(rt *Retriever) {
		rt.reranker = r
	}
}

// Retriever orchestrates hybrid retrieval: validate, embed the query,
// run vector and keyword searches concurrently, fuse, and optionally
// rerank. Safe for concurrent use; each request is independent.
type Retriever struct {
	docs     store.DocStore
	embedder embed.Embedder
	fusion   *WeightedFusion
	reranker Reranker
	config   Config
}

// NewRetriever creates a retriever over the given store and embedder.
func NewRetriever(docs store.DocStore, embedder embed.Embedder, cfg Config, opts ...Option) (*Retriever, error) {
	if docs == nil {
		return nil, fmt.Errorf("%w: document store is required", ErrNilDependency)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}

	cfg = cfg.applyDefaults()
	r := &Retriever{
		docs:     docs,
		embedder: embedder,
		fusion:   NewWeightedFusion(cfg.Weights),
		config:   cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Retrieve runs the full pipeline for one request and returns at most
// TopK scored documents, best first.
//
// Embedding and search failures are fatal to the call: no partial answer
// is fabricated. Rerank failures are recovered locally by returning the
// fused ranking truncated to TopK.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]*ScoredDocument, error) {
	start := time.Now()

	// Validating: reject before any network call.
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, apperrors.QueryEmpty()
	}
	if req.TopK < 1 {
		return nil, apperrors.InvalidArgument("top_k must be >= 1")
	}
	if req.MinScore < 0 {
		return nil, apperrors.InvalidArgument("min_score must be >= 0")
	}

	// Embedding: transient failures are retried within the budget; a
	// definitive failure fails the whole retrieval. There is no fallback
	// to keyword-only search (fail fast by design).
	vector, err := apperrors.RetryWithResult(ctx, r.config.Retry, func() ([]float32, error) {
		ectx, cancel := context.WithTimeout(ctx, r.config.EmbedTimeout)
		defer cancel()
		return r.embedder.Embed(ectx, req.Query)
	})
	if err != nil {
		slog.Error("query embedding failed",
			slog.String("scope", req.Scope),
			slog.String("error", err.Error()))
		return nil, err
	}

	// Searching: both signals run concurrently so request latency is
	// bounded by the slower of the two, not their sum.
	searchLimit := req.TopK * 2
	vectorHits, keywordHits, err := r.parallelSearch(ctx, req.Scope, req.Query, vector, searchLimit)
	if err != nil {
		slog.Error("hybrid search failed",
			slog.String("scope", req.Scope),
			slog.String("error", err.Error()))
		return nil, apperrors.RetrievalFailed(err)
	}

	// Fusing, with oversampling when a rerank stage follows so the
	// reranker has a real list to reorder.
	candidateLimit := req.TopK
	if r.reranker != nil {
		candidateLimit = req.TopK * 2
	}
	fused := r.fusion.Fuse(vectorHits, keywordHits, req.MinScore)
	if len(fused) > candidateLimit {
		fused = fused[:candidateLimit]
	}

	// Reranking: only when there are more candidates than slots.
	results := fused
	if r.reranker != nil && len(fused) > req.TopK {
		results = r.rerank(ctx, req.Query, fused, req.TopK)
	}

	if len(results) > req.TopK {
		results = results[:req.TopK]
	}

	slog.Debug("retrieval complete",
		slog.String("scope", req.Scope),
		slog.Int("vector_hits", len(vectorHits)),
		slog.Int("keyword_hits", len(keywordHits)),
		slog.Int("results", len(results)),
		slog.Duration("duration", time.Since(start)))

	return results, nil
}

// parallelSearch executes vector and keyword searches concurrently with
// per-branch error capture. Both branches always run to completion; a
// failure in either fails the search with the underlying cause attached.
func (r *Retriever) parallelSearch(ctx context.Context, scope, query string, vector []float32, limit int) (
	vectorHits []store.SearchHit,
	keywordHits []store.SearchHit,
	err error,
) {
	g, gctx := errgroup.WithContext(ctx)

	var vecErr, kwErr error

	g.Go(func() error {
		sctx, cancel := context.WithTimeout(gctx, r.config.SearchTimeout)
		defer cancel()
		vectorHits, vecErr = r.docs.SearchVector(sctx, scope, vector, limit)
		// Capture the error instead of returning it so the keyword
		// branch always completes.
		return nil
	})

	g.Go(func() error {
		sctx, cancel := context.WithTimeout(gctx, r.config.SearchTimeout)
		defer cancel()
		keywordHits, kwErr = r.docs.SearchKeyword(sctx, scope, query, limit)
		return nil
	})

	if waitErr := g.Wait(); waitErr != nil {
		// Context was cancelled.
		return nil, nil, waitErr
	}

	if vecErr != nil && kwErr != nil {
		return nil, nil, errors.Join(vecErr, kwErr)
	}
	if vecErr != nil {
		return nil, nil, vecErr
	}
	if kwErr != nil {
		return nil, nil, kwErr
	}

	return vectorHits, keywordHits, nil
}

// rerank applies the cross-encoder and falls back to the fused ranking
// truncated to topK on any failure. Rerank failures are never fatal.
func (r *Retriever) rerank(ctx context.Context, query string, fused []*ScoredDocument, topK int) []*ScoredDocument {
	fallback := fused
	if len(fallback) > topK {
		fallback = fallback[:topK]
	}

	rctx, cancel := context.WithTimeout(ctx, r.config.RerankTimeout)
	defer cancel()

	if !r.reranker.Available(rctx) {
		slog.Debug("reranker unavailable, using fused ranking")
		return fallback
	}

	reranked, err := r.reranker.Rerank(rctx, query, fused, topK)
	if err != nil {
		slog.Warn("reranking failed, using fused ranking",
			slog.String("error", err.Error()),
			slog.Int("candidates", len(fused)))
		return fallback
	}

	return reranked
}
