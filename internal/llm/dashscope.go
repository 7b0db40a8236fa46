package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
)

const (
	// DefaultChatModel is the default DashScope generation model.
	DefaultChatModel = "qwen-turbo"

	// generationEndpoint is the text-generation API path.
	generationEndpoint = "/api/v1/services/aigc/text-generation/generation"

	// llmPoolSize bounds idle connections to the generation service.
	llmPoolSize = 4
)

// DashScopeConfig configures the DashScope completion client.
type DashScopeConfig struct {
	// APIKey authenticates requests. Required.
	APIKey string
	// BaseURL is the API root (default: https://dashscope.aliyuncs.com).
	BaseURL string
	// Model is the generation model name (default: qwen-turbo).
	Model string
}

// DashScopeCompleter generates answers via the DashScope generation API.
type DashScopeCompleter struct {
	client    *http.Client
	transport *http.Transport
	config    DashScopeConfig
}

// Verify interface implementation at compile time.
var _ Completer = (*DashScopeCompleter)(nil)

// NewDashScopeCompleter creates a new DashScope completion client.
func NewDashScopeCompleter(cfg DashScopeConfig) (*DashScopeCompleter, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.ConfigError("dashscope api key is required", nil)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://dashscope.aliyuncs.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultChatModel
	}

	transport := &http.Transport{
		MaxIdleConns:        llmPoolSize,
		MaxIdleConnsPerHost: llmPoolSize,
		IdleConnTimeout:     90 * time.Second,
	}

	return &DashScopeCompleter{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
	}, nil
}

// generationRequest is the generation request body.
type generationRequest struct {
	Model string `json:"model"`
	Input struct {
		Messages []Message `json:"messages"`
	} `json:"input"`
	Parameters struct {
		ResultFormat string `json:"result_format"`
	} `json:"parameters"`
}

// generationResponse is the subset of the generation response we consume.
type generationResponse struct {
	Output struct {
		Choices []struct {
			Message Message `json:"message"`
		} `json:"choices"`
	} `json:"output"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Complete sends system framing, retrieved context, history, and the new
// question to the generation service and returns the answer text.
func (c *DashScopeCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if strings.TrimSpace(req.Question) == "" {
		return "", apperrors.InvalidArgument("question must not be empty")
	}

	var body generationRequest
	body.Model = c.config.Model
	body.Input.Messages = buildMessages(req)
	body.Parameters.ResultFormat = "message"

	payload, err := json.Marshal(body)
	if err != nil {
		return "", apperrors.InternalError("failed to encode generation request", err)
	}

	url := c.config.BaseURL + generationEndpoint
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", apperrors.InternalError("failed to create generation request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", apperrors.UpstreamUnavailable("completion", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result generationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", apperrors.UpstreamRejected("completion", "unparseable response: "+err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		return "", apperrors.UpstreamRejected("completion",
			fmt.Sprintf("%s: %s", result.Code, result.Message))
	}
	if len(result.Output.Choices) == 0 {
		return "", apperrors.UpstreamRejected("completion", "response contained no choices")
	}

	return result.Output.Choices[0].Message.Content, nil
}

// buildMessages assembles the chat transcript: system framing with the
// retrieved context folded in, then history, then the new question.
func buildMessages(req CompletionRequest) []Message {
	messages := make([]Message, 0, len(req.History)+2)

	system := req.SystemPrompt
	if len(req.Context) > 0 {
		var sb strings.Builder
		sb.WriteString(system)
		sb.WriteString("\n\nUse the following reference passages to answer. ")
		sb.WriteString("If they do not contain the answer, say so.\n")
		for i, passage := range req.Context {
			fmt.Fprintf(&sb, "\n[%d] %s\n", i+1, passage)
		}
		system = sb.String()
	}
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}

	messages = append(messages, req.History...)
	messages = append(messages, Message{Role: RoleUser, Content: req.Question})
	return messages
}

// Close releases pooled connections.
func (c *DashScopeCompleter) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}
