package retrieval

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
	"github.com/MaxWANGCAI/kbchat/internal/store"
)

// fakeEmbedder returns a fixed vector or a fixed error.
type fakeEmbedder struct {
	vector []float32
	err    error
	calls  atomic.Int32
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int   { return len(f.vector) }
func (f *fakeEmbedder) ModelName() string { return "fake-embedder" }
func (f *fakeEmbedder) Close() error      { return nil }

// fakeStore serves canned hits and records concurrency.
type fakeStore struct {
	vectorHits  []store.SearchHit
	keywordHits []store.SearchHit
	vectorErr   error
	keywordErr  error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
}

func (f *fakeStore) track() func() {
	n := f.inFlight.Add(1)
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeStore) SearchVector(_ context.Context, _ string, _ []float32, _ int) ([]store.SearchHit, error) {
	defer f.track()()
	return f.vectorHits, f.vectorErr
}

func (f *fakeStore) SearchKeyword(_ context.Context, _, _ string, _ int) ([]store.SearchHit, error) {
	defer f.track()()
	return f.keywordHits, f.keywordErr
}

func (f *fakeStore) HasScope(_ context.Context, _ string) (bool, error) { return true, nil }

func (f *fakeStore) Index(_ context.Context, _ string, _ []store.IndexDocument) error { return nil }

func (f *fakeStore) Close() error { return nil }

// failingReranker always errors.
type failingReranker struct {
	calls atomic.Int32
}

func (f *failingReranker) Rerank(_ context.Context, _ string, _ []*ScoredDocument, _ int) ([]*ScoredDocument, error) {
	f.calls.Add(1)
	return nil, errors.New("rerank service exploded")
}

func (f *failingReranker) Available(_ context.Context) bool { return true }
func (f *failingReranker) Close() error                     { return nil }

// reversingReranker reverses the candidate order, a visible reordering.
type reversingReranker struct{}

func (reversingReranker) Rerank(_ context.Context, _ string, candidates []*ScoredDocument, topK int) ([]*ScoredDocument, error) {
	out := make([]*ScoredDocument, 0, len(candidates))
	for i := len(candidates) - 1; i >= 0; i-- {
		c := candidates[i].Clone()
		rs := float64(len(candidates) - i)
		c.RerankScore = &rs
		c.Score = rs
		out = append(out, c)
	}
	if topK < len(out) {
		out = out[:topK]
	}
	return out, nil
}

func (reversingReranker) Available(_ context.Context) bool { return true }
func (reversingReranker) Close() error                     { return nil }

func testConfig() Config {
	return Config{
		Weights:       FusionWeights{Vector: 0.7, Keyword: 0.3},
		EmbedTimeout:  time.Second,
		SearchTimeout: time.Second,
		RerankTimeout: time.Second,
		Retry:         apperrors.RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}
}

func TestRetrieveHappyPath(t *testing.T) {
	docs := &fakeStore{
		vectorHits:  []store.SearchHit{hit("A", 0.9), hit("B", 0.5)},
		keywordHits: []store.SearchHit{hit("B", 8.0), hit("C", 6.0)},
	}
	r, err := NewRetriever(docs, &fakeEmbedder{vector: []float32{0.1, 0.2}}, testConfig())
	require.NoError(t, err)

	results, err := r.Retrieve(context.Background(), Request{Query: "what is B", Scope: "kb", TopK: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"B", "C", "A"}, ids(results))
}

func TestRetrieveTruncatesToTopK(t *testing.T) {
	docs := &fakeStore{
		vectorHits:  []store.SearchHit{hit("A", 0.9), hit("B", 0.8), hit("C", 0.7)},
		keywordHits: []store.SearchHit{hit("D", 5.0)},
	}
	r, err := NewRetriever(docs, &fakeEmbedder{vector: []float32{0.1}}, testConfig())
	require.NoError(t, err)

	results, err := r.Retrieve(context.Background(), Request{Query: "q", Scope: "kb", TopK: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRetrieveValidation(t *testing.T) {
	docs := &fakeStore{}
	emb := &fakeEmbedder{vector: []float32{0.1}}
	r, err := NewRetriever(docs, emb, testConfig())
	require.NoError(t, err)

	tests := []struct {
		name string
		req  Request
		code string
	}{
		{"empty query", Request{Query: "", TopK: 3}, apperrors.ErrCodeQueryEmpty},
		{"whitespace query", Request{Query: "   \t\n", TopK: 3}, apperrors.ErrCodeQueryEmpty},
		{"zero top_k", Request{Query: "q", TopK: 0}, apperrors.ErrCodeInvalidArgument},
		{"negative top_k", Request{Query: "q", TopK: -1}, apperrors.ErrCodeInvalidArgument},
		{"negative min_score", Request{Query: "q", TopK: 3, MinScore: -0.5}, apperrors.ErrCodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Retrieve(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, tt.code))
		})
	}

	// Validation must reject before any upstream call is made.
	assert.Equal(t, int32(0), emb.calls.Load())
}

func TestRetrieveEmbedFailureIsFatal(t *testing.T) {
	// No silent fallback to keyword-only search on embedding failure.
	docs := &fakeStore{keywordHits: []store.SearchHit{hit("A", 5.0)}}
	emb := &fakeEmbedder{err: apperrors.UpstreamRejected("embedding", "invalid api key")}
	r, err := NewRetriever(docs, emb, testConfig())
	require.NoError(t, err)

	results, err := r.Retrieve(context.Background(), Request{Query: "q", Scope: "kb", TopK: 3})
	require.Error(t, err)
	assert.Nil(t, results)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUpstreamRejected))
	assert.Equal(t, int32(0), docs.maxInFlight.Load(), "no search should run after embed failure")
}

func TestRetrieveRetriesTransientEmbedFailure(t *testing.T) {
	emb := &fakeEmbedder{err: apperrors.UpstreamUnavailable("embedding", errors.New("connection refused"))}
	cfg := testConfig()
	cfg.Retry.MaxRetries = 2
	r, err := NewRetriever(&fakeStore{}, emb, cfg)
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), Request{Query: "q", TopK: 3})
	require.Error(t, err)
	assert.Equal(t, int32(3), emb.calls.Load(), "initial attempt plus two retries")
}

func TestRetrieveSearchFailureIsFatal(t *testing.T) {
	docs := &fakeStore{
		vectorErr:   apperrors.IndexNotFound("kb"),
		keywordHits: []store.SearchHit{hit("A", 5.0)},
	}
	r, err := NewRetriever(docs, &fakeEmbedder{vector: []float32{0.1}}, testConfig())
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), Request{Query: "q", Scope: "kb", TopK: 3})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRetrievalFailed))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeIndexNotFound), "cause is preserved in the chain")
}

func TestRetrieveBothSearchesFail(t *testing.T) {
	docs := &fakeStore{
		vectorErr:  apperrors.UpstreamUnavailable("elasticsearch", errors.New("refused")),
		keywordErr: apperrors.IndexNotFound("kb"),
	}
	r, err := NewRetriever(docs, &fakeEmbedder{vector: []float32{0.1}}, testConfig())
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), Request{Query: "q", Scope: "kb", TopK: 3})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRetrievalFailed))
}

func TestRetrieveSearchesRunConcurrently(t *testing.T) {
	docs := &fakeStore{
		vectorHits:  []store.SearchHit{hit("A", 0.9)},
		keywordHits: []store.SearchHit{hit("B", 5.0)},
		delay:       50 * time.Millisecond,
	}
	r, err := NewRetriever(docs, &fakeEmbedder{vector: []float32{0.1}}, testConfig())
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), Request{Query: "q", Scope: "kb", TopK: 3})
	require.NoError(t, err)
	assert.Equal(t, int32(2), docs.maxInFlight.Load(), "both searches in flight at once")
}

func TestRetrieveEmptyResultsIsNotAnError(t *testing.T) {
	r, err := NewRetriever(&fakeStore{}, &fakeEmbedder{vector: []float32{0.1}}, testConfig())
	require.NoError(t, err)

	results, err := r.Retrieve(context.Background(), Request{Query: "q", Scope: "kb", TopK: 3})
	require.NoError(t, err)
	require.NotNil(t, results)
	assert.Empty(t, results)
}

func TestRetrieveRerankFailureFallsBackToFusedOrder(t *testing.T) {
	docs := &fakeStore{
		vectorHits:  []store.SearchHit{hit("A", 0.9), hit("B", 0.5)},
		keywordHits: []store.SearchHit{hit("B", 8.0), hit("C", 6.0)},
	}
	rr := &failingReranker{}
	r, err := NewRetriever(docs, &fakeEmbedder{vector: []float32{0.1}}, testConfig(), WithReranker(rr))
	require.NoError(t, err)

	results, err := r.Retrieve(context.Background(), Request{Query: "q", Scope: "kb", TopK: 2})
	require.NoError(t, err, "rerank failure is never fatal")
	assert.Equal(t, int32(1), rr.calls.Load())

	// Output equals the fused ranking truncated to top-k.
	require.Len(t, results, 2)
	assert.Equal(t, []string{"B", "C"}, ids(results))
	for _, d := range results {
		assert.Nil(t, d.RerankScore)
	}
}

func TestRetrieveRerankReorders(t *testing.T) {
	docs := &fakeStore{
		vectorHits:  []store.SearchHit{hit("A", 0.9), hit("B", 0.5)},
		keywordHits: []store.SearchHit{hit("B", 8.0), hit("C", 6.0)},
	}
	r, err := NewRetriever(docs, &fakeEmbedder{vector: []float32{0.1}}, testConfig(), WithReranker(reversingReranker{}))
	require.NoError(t, err)

	results, err := r.Retrieve(context.Background(), Request{Query: "q", Scope: "kb", TopK: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Fused order is B, C, A; the reverser returns A, C.
	assert.Equal(t, []string{"A", "C"}, ids(results))
	for _, d := range results {
		require.NotNil(t, d.RerankScore)
	}
}

func TestRetrieveRerankSkippedWhenCandidatesFitTopK(t *testing.T) {
	docs := &fakeStore{vectorHits: []store.SearchHit{hit("A", 0.9)}}
	rr := &failingReranker{}
	r, err := NewRetriever(docs, &fakeEmbedder{vector: []float32{0.1}}, testConfig(), WithReranker(rr))
	require.NoError(t, err)

	results, err := r.Retrieve(context.Background(), Request{Query: "q", Scope: "kb", TopK: 3})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(0), rr.calls.Load(), "nothing to reorder, reranker not called")
}

func TestNewRetrieverRejectsNilDependencies(t *testing.T) {
	_, err := NewRetriever(nil, &fakeEmbedder{}, testConfig())
	assert.ErrorIs(t, err, ErrNilDependency)

	_, err = NewRetriever(&fakeStore{}, nil, testConfig())
	assert.ErrorIs(t, err, ErrNilDependency)
}
