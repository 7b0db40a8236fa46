// Package rerank provides a cross-encoder reranking client backed by the
// DashScope text-rerank API.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
	"github.com/MaxWANGCAI/kbchat/internal/retrieval"
)

const (
	// DefaultModel is the default DashScope rerank model.
	DefaultModel = "gte-rerank"

	// rerankEndpoint is the text-rerank API path.
	rerankEndpoint = "/api/v1/services/rerank/text-rerank/text-rerank"

	// rerankPoolSize bounds idle connections to the rerank service.
	rerankPoolSize = 4
)

// Config configures the DashScope rerank client.
type Config struct {
	// APIKey authenticates requests. Required.
	APIKey string
	// BaseURL is the API root (default: https://dashscope.aliyuncs.com).
	BaseURL string
	// Model is the rerank model name (default: gte-rerank).
	Model string
}

// DashScopeReranker reranks candidates via the DashScope HTTP API. It
// sends document contents with the query and reorders the candidate list
// by the returned relevance scores.
type DashScopeReranker struct {
	client    *http.Client
	transport *http.Transport
	config    Config
}

// Verify interface implementation at compile time.
var _ retrieval.Reranker = (*DashScopeReranker)(nil)

// NewDashScopeReranker creates a new DashScope rerank client.
func NewDashScopeReranker(cfg Config) (*DashScopeReranker, error) {
	if cfg.APIKey == "" {
		return nil, apperrors.ConfigError("dashscope api key is required", nil)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://dashscope.aliyuncs.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	transport := &http.Transport{
		MaxIdleConns:        rerankPoolSize,
		MaxIdleConnsPerHost: rerankPoolSize,
		IdleConnTimeout:     90 * time.Second,
	}

	return &DashScopeReranker{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
	}, nil
}

// rerankRequest is the text-rerank request body.
type rerankRequest struct {
	Model string `json:"model"`
	Input struct {
		Query     string   `json:"query"`
		Documents []string `json:"documents"`
	} `json:"input"`
	Parameters struct {
		TopN            int  `json:"top_n"`
		ReturnDocuments bool `json:"return_documents"`
	} `json:"parameters"`
}

// rerankResponse is the subset of the text-rerank response we consume.
// Results address the input documents by index.
type rerankResponse struct {
	Output struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	} `json:"output"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Rerank scores the candidates against the query and returns at most topK
// documents ordered by relevance. Candidates are cloned; only Score and
// RerankScore change, fusion provenance is preserved.
func (r *DashScopeReranker) Rerank(ctx context.Context, query string, candidates []*retrieval.ScoredDocument, topK int) ([]*retrieval.ScoredDocument, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.QueryEmpty()
	}
	if len(candidates) == 0 {
		return nil, apperrors.InvalidArgument("no candidates to rerank")
	}
	if topK < 1 {
		return nil, apperrors.InvalidArgument("top_k must be >= 1")
	}

	var reqBody rerankRequest
	reqBody.Model = r.config.Model
	reqBody.Input.Query = query
	reqBody.Input.Documents = make([]string, len(candidates))
	for i, c := range candidates {
		reqBody.Input.Documents[i] = c.Content
	}
	reqBody.Parameters.TopN = topK
	reqBody.Parameters.ReturnDocuments = false

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apperrors.InternalError("failed to encode rerank request", err)
	}

	url := r.config.BaseURL + rerankEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.InternalError("failed to create rerank request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.config.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperrors.UpstreamUnavailable("rerank", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.UpstreamRejected("rerank", "unparseable response: "+err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.UpstreamRejected("rerank",
			fmt.Sprintf("%s: %s", result.Code, result.Message))
	}

	reranked := make([]*retrieval.ScoredDocument, 0, topK)
	for _, res := range result.Output.Results {
		if res.Index < 0 || res.Index >= len(candidates) {
			// A result that does not map to any candidate is dropped,
			// not fatal: the remaining results are still usable.
			slog.Warn("rerank result index out of range",
				slog.Int("index", res.Index),
				slog.Int("candidates", len(candidates)))
			continue
		}
		doc := candidates[res.Index].Clone()
		rs := res.RelevanceScore
		doc.RerankScore = &rs
		doc.Score = rs
		reranked = append(reranked, doc)
		if len(reranked) == topK {
			break
		}
	}

	if len(reranked) == 0 {
		return nil, apperrors.UpstreamRejected("rerank", "no usable results in response")
	}
	return reranked, nil
}

// Available checks reachability of the rerank service with a minimal probe.
func (r *DashScopeReranker) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.config.BaseURL, nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

// Close releases pooled connections.
func (r *DashScopeReranker) Close() error {
	r.transport.CloseIdleConnections()
	return nil
}

// ModelName returns the model identifier.
func (r *DashScopeReranker) ModelName() string {
	return r.config.Model
}
