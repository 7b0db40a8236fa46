package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
	"github.com/MaxWANGCAI/kbchat/internal/retrieval"
	"github.com/MaxWANGCAI/kbchat/internal/store"
)

func candidates(ids ...string) []*retrieval.ScoredDocument {
	out := make([]*retrieval.ScoredDocument, len(ids))
	for i, id := range ids {
		vs := 0.5
		out[i] = &retrieval.ScoredDocument{
			Document:    store.Document{ID: id, Content: "content " + id},
			Score:       float64(len(ids) - i),
			VectorScore: &vs,
		}
	}
	return out
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

func rerankServer(t *testing.T, results []rerankResult) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, rerankEndpoint, r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Input.Query)
		require.NotEmpty(t, req.Input.Documents)
		require.False(t, req.Parameters.ReturnDocuments)

		resp := map[string]any{
			"output": map[string]any{"results": results},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func newTestReranker(t *testing.T, baseURL string) *DashScopeReranker {
	t.Helper()
	r, err := NewDashScopeReranker(Config{APIKey: "test-key", BaseURL: baseURL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRerankReordersByRelevance(t *testing.T) {
	srv := rerankServer(t, []rerankResult{
		{Index: 2, RelevanceScore: 0.95},
		{Index: 0, RelevanceScore: 0.6},
		{Index: 1, RelevanceScore: 0.4},
	})
	defer srv.Close()

	r := newTestReranker(t, srv.URL)
	out, err := r.Rerank(context.Background(), "query", candidates("a", "b", "c"), 3)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "c", out[0].ID)
	assert.Equal(t, "a", out[1].ID)
	assert.Equal(t, "b", out[2].ID)

	require.NotNil(t, out[0].RerankScore)
	assert.Equal(t, 0.95, *out[0].RerankScore)
	assert.Equal(t, 0.95, out[0].Score)

	// Fusion provenance survives reranking.
	require.NotNil(t, out[0].VectorScore)
	assert.Equal(t, 0.5, *out[0].VectorScore)
}

func TestRerankDoesNotMutateCandidates(t *testing.T) {
	srv := rerankServer(t, []rerankResult{{Index: 0, RelevanceScore: 0.9}})
	defer srv.Close()

	r := newTestReranker(t, srv.URL)
	input := candidates("a", "b")
	originalScore := input[0].Score

	_, err := r.Rerank(context.Background(), "query", input, 1)
	require.NoError(t, err)

	assert.Equal(t, originalScore, input[0].Score)
	assert.Nil(t, input[0].RerankScore)
}

func TestRerankTruncatesToTopK(t *testing.T) {
	srv := rerankServer(t, []rerankResult{
		{Index: 0, RelevanceScore: 0.9},
		{Index: 1, RelevanceScore: 0.8},
		{Index: 2, RelevanceScore: 0.7},
	})
	defer srv.Close()

	r := newTestReranker(t, srv.URL)
	out, err := r.Rerank(context.Background(), "query", candidates("a", "b", "c"), 2)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestRerankDropsOutOfRangeIndices(t *testing.T) {
	srv := rerankServer(t, []rerankResult{
		{Index: 7, RelevanceScore: 0.99},
		{Index: 1, RelevanceScore: 0.8},
	})
	defer srv.Close()

	r := newTestReranker(t, srv.URL)
	out, err := r.Rerank(context.Background(), "query", candidates("a", "b"), 2)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ID)
}

func TestRerankValidation(t *testing.T) {
	r := newTestReranker(t, "http://localhost:1")

	_, err := r.Rerank(context.Background(), "", candidates("a"), 1)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeQueryEmpty))

	_, err = r.Rerank(context.Background(), "query", nil, 1)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgument))

	_, err = r.Rerank(context.Background(), "query", candidates("a"), 0)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgument))
}

func TestRerankUpstreamErrors(t *testing.T) {
	t.Run("unreachable service", func(t *testing.T) {
		r := newTestReranker(t, "http://127.0.0.1:1")
		_, err := r.Rerank(context.Background(), "query", candidates("a"), 1)
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUpstreamUnavailable))
		assert.True(t, apperrors.IsRetryable(err))
	})

	t.Run("service rejects request", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"code":    "InvalidParameter",
				"message": "top_n out of range",
			})
		}))
		defer srv.Close()

		r := newTestReranker(t, srv.URL)
		_, err := r.Rerank(context.Background(), "query", candidates("a"), 1)
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUpstreamRejected))
		assert.False(t, apperrors.IsRetryable(err))
	})

	t.Run("empty result set", func(t *testing.T) {
		srv := rerankServer(t, []rerankResult{})
		defer srv.Close()

		r := newTestReranker(t, srv.URL)
		_, err := r.Rerank(context.Background(), "query", candidates("a"), 1)
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUpstreamRejected))
	})
}

func TestNewDashScopeRerankerRequiresAPIKey(t *testing.T) {
	_, err := NewDashScopeReranker(Config{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid))
}

func TestAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := newTestReranker(t, srv.URL)
	assert.True(t, r.Available(context.Background()))

	down := newTestReranker(t, "http://127.0.0.1:1")
	assert.False(t, down.Available(context.Background()))
}
