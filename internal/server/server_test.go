package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxWANGCAI/kbchat/internal/chat"
	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
	"github.com/MaxWANGCAI/kbchat/internal/llm"
	"github.com/MaxWANGCAI/kbchat/internal/recommend"
	"github.com/MaxWANGCAI/kbchat/internal/retrieval"
	"github.com/MaxWANGCAI/kbchat/internal/store"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func (stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func (stubEmbedder) Dimensions() int   { return 2 }
func (stubEmbedder) ModelName() string { return "stub" }
func (stubEmbedder) Close() error      { return nil }

type stubStore struct {
	hits []store.SearchHit
	err  error
}

func (s *stubStore) SearchVector(_ context.Context, _ string, _ []float32, _ int) ([]store.SearchHit, error) {
	return s.hits, s.err
}

func (s *stubStore) SearchKeyword(_ context.Context, _, _ string, _ int) ([]store.SearchHit, error) {
	return s.hits, s.err
}

func (s *stubStore) HasScope(_ context.Context, _ string) (bool, error) { return true, nil }

func (s *stubStore) Index(_ context.Context, _ string, _ []store.IndexDocument) error { return nil }

func (s *stubStore) Close() error { return nil }

type stubCompleter struct {
	answer string
	err    error
}

func (s *stubCompleter) Complete(_ context.Context, _ llm.CompletionRequest) (string, error) {
	return s.answer, s.err
}

func (s *stubCompleter) Close() error { return nil }

func testServer(t *testing.T, docs *stubStore, comp *stubCompleter, sampler *recommend.Sampler) *Server {
	t.Helper()
	r, err := retrieval.NewRetriever(docs, stubEmbedder{}, retrieval.Config{
		EmbedTimeout:  time.Second,
		SearchTimeout: time.Second,
		Retry:         apperrors.RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
	require.NoError(t, err)

	assistant, err := chat.NewAssistant(r, comp, chat.Config{TopK: 2})
	require.NoError(t, err)

	return New(Config{}, assistant, r, sampler)
}

func testHits() []store.SearchHit {
	return []store.SearchHit{
		{Document: store.Document{ID: "d1", Content: "passage one"}, Score: 0.9},
		{Document: store.Document{ID: "d2", Content: "passage two"}, Score: 0.5},
	}
}

func postJSON(t *testing.T, srv *Server, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(data, &out), "body: %s", data)
	return out
}

func TestHealthz(t *testing.T) {
	srv := testServer(t, &stubStore{}, &stubCompleter{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatReturnsAnswerAndSources(t *testing.T) {
	srv := testServer(t, &stubStore{hits: testHits()}, &stubCompleter{answer: "the answer"}, nil)

	resp := postJSON(t, srv, "/api/chat", map[string]any{
		"question": "what is it",
		"kb_type":  "kb",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[chat.AskResponse](t, resp)
	assert.NotEmpty(t, body.SessionID)
	assert.Equal(t, "the answer", body.Answer)
	assert.Len(t, body.Sources, 2)
}

func TestChatEmptyQuestionIsRejected(t *testing.T) {
	srv := testServer(t, &stubStore{hits: testHits()}, &stubCompleter{answer: "x"}, nil)

	resp := postJSON(t, srv, "/api/chat", map[string]any{"question": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, apperrors.ErrCodeQueryEmpty, body["code"])
}

func TestChatBackendFailureStillReturns200WithApology(t *testing.T) {
	docs := &stubStore{err: apperrors.UpstreamUnavailable("elasticsearch", assert.AnError)}
	srv := testServer(t, docs, &stubCompleter{answer: "unused"}, nil)

	resp := postJSON(t, srv, "/api/chat", map[string]any{"question": "q", "kb_type": "kb"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[chat.AskResponse](t, resp)
	assert.Equal(t, chat.ApologyAnswer, body.Answer)
	assert.Empty(t, body.Sources)
}

func TestSearchReturnsRankedResults(t *testing.T) {
	srv := testServer(t, &stubStore{hits: testHits()}, &stubCompleter{}, nil)

	resp := postJSON(t, srv, "/api/search", map[string]any{
		"query":   "passage",
		"kb_type": "kb",
		"top_k":   2,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[searchResponse](t, resp)
	require.Len(t, body.Results, 2)
	assert.Equal(t, "d1", body.Results[0].ID)
}

func TestSearchStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		storeErr   error
		body       map[string]any
		wantStatus int
	}{
		{
			name:       "empty query",
			body:       map[string]any{"query": "", "kb_type": "kb"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "negative top_k",
			body:       map[string]any{"query": "q", "top_k": -1},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown scope",
			storeErr:   apperrors.IndexNotFound("nope"),
			body:       map[string]any{"query": "q", "kb_type": "nope"},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "store unreachable",
			storeErr:   apperrors.UpstreamUnavailable("elasticsearch", assert.AnError),
			body:       map[string]any{"query": "q", "kb_type": "kb"},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "store rejects query",
			storeErr:   apperrors.UpstreamRejected("elasticsearch", "bad query"),
			body:       map[string]any{"query": "q", "kb_type": "kb"},
			wantStatus: http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(t, &stubStore{err: tt.storeErr}, &stubCompleter{}, nil)
			resp := postJSON(t, srv, "/api/search", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestSearchDefaultTopK(t *testing.T) {
	srv := testServer(t, &stubStore{hits: testHits()}, &stubCompleter{}, nil)

	// No top_k in the body: the server default applies instead of a 400.
	resp := postJSON(t, srv, "/api/search", map[string]any{"query": "q", "kb_type": "kb"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClearSessionIsIdempotent(t *testing.T) {
	srv := testServer(t, &stubStore{hits: testHits()}, &stubCompleter{answer: "a"}, nil)

	chatResp := postJSON(t, srv, "/api/chat", map[string]any{"question": "q", "kb_type": "kb"})
	body := decodeBody[chat.AskResponse](t, chatResp)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodDelete, "/api/sessions/"+body.SessionID, nil)
		resp, err := srv.App().Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}
}

func TestRecommendations(t *testing.T) {
	dir := t.TempDir()
	data, err := json.Marshal([]recommend.Question{
		{Text: "How do I start?"},
		{Text: "Where are the docs?"},
	})
	require.NoError(t, err)
	path := filepath.Join(dir, "questions.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	sampler, err := recommend.NewSampler(path, false)
	require.NoError(t, err)
	defer func() { _ = sampler.Close() }()

	srv := testServer(t, &stubStore{}, &stubCompleter{}, sampler)

	req := httptest.NewRequest(http.MethodGet, "/api/recommendations?session_id=s1&count=2", nil)
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[recommendResponse](t, resp)
	assert.Equal(t, "s1", body.SessionID)
	assert.Len(t, body.Questions, 2)
}

func TestRecommendationsRequireSessionID(t *testing.T) {
	srv := testServer(t, &stubStore{}, &stubCompleter{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/recommendations", nil)
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	// Without a sampler the endpoint reports the feature unavailable.
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}
