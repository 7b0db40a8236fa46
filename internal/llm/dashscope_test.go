package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
)

func newTestCompleter(t *testing.T, handler http.HandlerFunc) *DashScopeCompleter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewDashScopeCompleter(DashScopeConfig{APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func answerResponse(text string) string {
	resp := map[string]any{"output": map[string]any{"choices": []map[string]any{
		{"message": map[string]any{"role": RoleAssistant, "content": text}},
	}}}
	data, _ := json.Marshal(resp)
	return string(data)
}

func TestDashScopeCompleter_Complete(t *testing.T) {
	var gotBody generationRequest

	c := newTestCompleter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(answerResponse("Refunds are accepted within 30 days.")))
	})

	answer, err := c.Complete(context.Background(), CompletionRequest{
		SystemPrompt: "You are a customer-service assistant.",
		History: []Message{
			{Role: RoleUser, Content: "Hello"},
			{Role: RoleAssistant, Content: "Hi, how can I help?"},
		},
		Context:  []string{"Customers may request a refund within 30 days."},
		Question: "What is the refund policy?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Refunds are accepted within 30 days.", answer)

	assert.Equal(t, DefaultChatModel, gotBody.Model)
	assert.Equal(t, "message", gotBody.Parameters.ResultFormat)

	messages := gotBody.Input.Messages
	require.Len(t, messages, 4)
	assert.Equal(t, RoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Content, "customer-service assistant")
	assert.Contains(t, messages[0].Content, "refund within 30 days", "retrieved context folded into system message")
	assert.Equal(t, RoleUser, messages[3].Role)
	assert.Equal(t, "What is the refund policy?", messages[3].Content)
}

func TestDashScopeCompleter_EmptyQuestionRejected(t *testing.T) {
	c := newTestCompleter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no network call expected")
	})

	_, err := c.Complete(context.Background(), CompletionRequest{Question: "  "})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidArgument))
}

func TestDashScopeCompleter_ServiceErrorIsUpstreamRejected(t *testing.T) {
	c := newTestCompleter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"Throttling","message":"rate limit exceeded"}`))
	})

	_, err := c.Complete(context.Background(), CompletionRequest{Question: "hello"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUpstreamRejected))
	assert.Contains(t, err.Error(), "Throttling")
}

func TestDashScopeCompleter_TransportErrorIsUpstreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c, err := NewDashScopeCompleter(DashScopeConfig{APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.Complete(context.Background(), CompletionRequest{Question: "hello"})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUpstreamUnavailable))
}

func TestBuildMessages_NoContextNoSystem(t *testing.T) {
	messages := buildMessages(CompletionRequest{Question: "hi"})
	require.Len(t, messages, 1)
	assert.Equal(t, RoleUser, messages[0].Role)
}
