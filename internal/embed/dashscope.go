package embed

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
	// DefaultEmbedModel is the default DashScope embedding model.
	DefaultEmbedModel = "text-embedding-v2"

	// DefaultDimensions is the embedding dimension of text-embedding-v2.
	DefaultDimensions = 1536

	// embedEndpoint is the text-embedding API path.
	embedEndpoint = "/api/v1/services/embeddings/text-embedding/text-embedding"

	// embedBatchLimit is the maximum texts per request accepted by the service.
	embedBatchLimit = 25

	// embedPoolSize bounds idle connections to the embedding service.
	embedPoolSize = 4
)

// DashScopeConfig configures the DashScope embedding client.
type DashScopeConfig struct {
	// APIKey authenticates requests. Required.
	APIKey string
	// BaseURL is the API root (default: https://dashscope.aliyuncs.com).
	BaseURL string
	// Model is the embedding model name (default: text-embedding-v2).
	Model string
	// Dimensions is the embedding dimension (default: 1536).
	Dimensions int
}

// DashScopeEmbedder generates embeddings via the DashScope HTTP API.
type DashScopeEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    DashScopeConfig
}

// Verify interface implementation at compile time.
var _ Embedder = (*DashScopeEmbedder)(nil)

// NewDashScopeEmbedder creates a new DashScope embedding client.
func NewDashScopeEmbedder(cfg DashScopeConfig) (*DashScopeEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.ConfigError("dashscope api key is required", nil)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://dashscope.aliyuncs.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultEmbedModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}

	transport := &http.Transport{
		MaxIdleConns:        embedPoolSize,
		MaxIdleConnsPerHost: embedPoolSize,
		IdleConnTimeout:     90 * time.Second,
	}

	return &DashScopeEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
	}, nil
}

// embedRequest is the text-embedding request body.
type embedRequest struct {
	Model string `json:"model"`
	Input struct {
		Texts []string `json:"texts"`
	} `json:"input"`
	Parameters struct {
		TextType string `json:"text_type"`
	} `json:"parameters"`
}

// embedResponse is the subset of the text-embedding response we consume.
type embedResponse struct {
	Output struct {
		Embeddings []struct {
			TextIndex int       `json:"text_index"`
			Embedding []float32 `json:"embedding"`
		} `json:"embeddings"`
	} `json:"output"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Embed generates a query embedding for a single text.
func (e *DashScopeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.InvalidArgument("text to embed must not be empty")
	}

	vectors, err := e.call(ctx, []string{text}, TextTypeQuery)
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, apperrors.UpstreamRejected("embedding",
			fmt.Sprintf("expected 1 embedding, got %d", len(vectors)))
	}
	return vectors[0], nil
}

// EmbedBatch generates document embeddings, splitting into service-sized batches.
func (e *DashScopeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchLimit {
		end := start + embedBatchLimit
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.call(ctx, texts[start:end], TextTypeDocument)
		if err != nil {
			return nil, err
		}
		results = append(results, vectors...)
	}
	return results, nil
}

// call issues one embedding request and orders the results by text index.
func (e *DashScopeEmbedder) call(ctx context.Context, texts []string, textType string) ([][]float32, error) {
	var reqBody embedRequest
	reqBody.Model = e.config.Model
	reqBody.Input.Texts = texts
	reqBody.Parameters.TextType = textType

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apperrors.InternalError("failed to encode embedding request", err)
	}

	url := e.config.BaseURL + embedEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.InternalError("failed to create embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.config.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperrors.UpstreamUnavailable("embedding", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.UpstreamRejected("embedding", "unparseable response: "+err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.UpstreamRejected("embedding",
			fmt.Sprintf("%s: %s", result.Code, result.Message))
	}

	vectors := make([][]float32, len(texts))
	for _, emb := range result.Output.Embeddings {
		if emb.TextIndex < 0 || emb.TextIndex >= len(texts) {
			return nil, apperrors.UpstreamRejected("embedding",
				fmt.Sprintf("embedding index %d out of range", emb.TextIndex))
		}
		if len(emb.Embedding) != e.config.Dimensions {
			return nil, apperrors.UpstreamRejected("embedding",
				fmt.Sprintf("expected %d dimensions, got %d", e.config.Dimensions, len(emb.Embedding)))
		}
		vectors[emb.TextIndex] = emb.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, apperrors.UpstreamRejected("embedding",
				fmt.Sprintf("missing embedding for text %d", i))
		}
	}

	return vectors, nil
}

// Dimensions returns the embedding dimension.
func (e *DashScopeEmbedder) Dimensions() int {
	return e.config.Dimensions
}

// ModelName returns the model identifier.
func (e *DashScopeEmbedder) ModelName() string {
	return e.config.Model
}

// Close releases pooled connections.
func (e *DashScopeEmbedder) Close() error {
	e.transport.CloseIdleConnections()
	return nil
}
