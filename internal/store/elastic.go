package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
)

const (
	// elasticPoolSize bounds idle connections to Elasticsearch.
	elasticPoolSize = 8

	// vectorField is the dense-vector field name in the index mapping.
	vectorField = "vector"
)

// ElasticStore implements DocStore over the Elasticsearch HTTP API.
// Vector search uses a script_score query with cosine similarity shifted
// into [0, 2]; keyword search uses a multi_match over content and title
// with the title weighted double.
type ElasticStore struct {
	client      *http.Client
	transport   *http.Transport
	baseURL     string
	indexPrefix string
}

// Verify interface implementation at compile time.
var _ DocStore = (*ElasticStore)(nil)

// ElasticOptions configures an ElasticStore.
type ElasticOptions struct {
	// URL is the Elasticsearch base URL, e.g. http://localhost:9200.
	URL string
	// IndexPrefix is prepended to the scope to form the index name.
	IndexPrefix string
}

// NewElasticStore creates an Elasticsearch-backed document store.
// The client is long-lived and connection-pooled; timeouts come from the
// caller's context, not the client.
func NewElasticStore(opts ElasticOptions) (*ElasticStore, error) {
	if opts.URL == "" {
		return nil, apperrors.ConfigError("elasticsearch url is required", nil)
	}
	if opts.IndexPrefix == "" {
		opts.IndexPrefix = "knowledge"
	}

	transport := &http.Transport{
		MaxIdleConns:        elasticPoolSize,
		MaxIdleConnsPerHost: elasticPoolSize,
		MaxConnsPerHost:     elasticPoolSize * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &ElasticStore{
		client:      &http.Client{Transport: transport},
		transport:   transport,
		baseURL:     strings.TrimRight(opts.URL, "/"),
		indexPrefix: opts.IndexPrefix,
	}, nil
}

// IndexName returns the index name for a knowledge scope.
func (s *ElasticStore) IndexName(scope string) string {
	return s.indexPrefix + "_" + scope
}

// esSearchResponse is the subset of the _search response we consume.
type esSearchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string  `json:"_id"`
			Score  float64 `json:"_score"`
			Source struct {
				Content string `json:"content"`
				Title   string `json:"title"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// esErrorResponse is the subset of an Elasticsearch error body we consume.
type esErrorResponse struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
	Status int `json:"status"`
}

// SearchVector issues a script_score cosine similarity query.
func (s *ElasticStore) SearchVector(ctx context.Context, scope string, vector []float32, limit int) ([]SearchHit, error) {
	if limit < 1 {
		return nil, apperrors.InvalidArgument("limit must be >= 1")
	}

	body := map[string]any{
		"size": limit,
		"query": map[string]any{
			"script_score": map[string]any{
				"query": map[string]any{"match_all": map[string]any{}},
				"script": map[string]any{
					"source": fmt.Sprintf("cosineSimilarity(params.query_vector, '%s') + 1.0", vectorField),
					"params": map[string]any{"query_vector": vector},
				},
			},
		},
		"_source": []string{"content", "title"},
	}

	return s.search(ctx, scope, body)
}

// SearchKeyword issues a multi_match query over content and title^2.
func (s *ElasticStore) SearchKeyword(ctx context.Context, scope, query string, limit int) ([]SearchHit, error) {
	if limit < 1 {
		return nil, apperrors.InvalidArgument("limit must be >= 1")
	}

	body := map[string]any{
		"size": limit,
		"query": map[string]any{
			"multi_match": map[string]any{
				"query":  query,
				"fields": []string{"content", "title^2"},
				"type":   "most_fields",
			},
		},
		"_source": []string{"content", "title"},
	}

	return s.search(ctx, scope, body)
}

// search executes a _search request and maps the response and failures
// into the retrieval error taxonomy.
func (s *ElasticStore) search(ctx context.Context, scope string, body map[string]any) ([]SearchHit, error) {
	url := fmt.Sprintf("%s/%s/_search", s.baseURL, s.IndexName(scope))

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.InternalError("failed to encode search request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.InternalError("failed to create search request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.UpstreamUnavailable("elasticsearch", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperrors.IndexNotFound(scope)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, s.rejectionError(resp)
	}

	var result esSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.UpstreamRejected("elasticsearch", "unparseable search response: "+err.Error())
	}

	hits := make([]SearchHit, 0, len(result.Hits.Hits))
	for _, h := range result.Hits.Hits {
		hits = append(hits, SearchHit{
			Document: Document{
				ID:      h.ID,
				Content: h.Source.Content,
				Title:   h.Source.Title,
			},
			Score: h.Score,
		})
	}

	return hits, nil
}

// rejectionError turns a non-2xx Elasticsearch response into UpstreamRejected,
// carrying the service's own error reason.
func (s *ElasticStore) rejectionError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var esErr esErrorResponse
	if err := json.Unmarshal(raw, &esErr); err == nil && esErr.Error.Reason != "" {
		return apperrors.UpstreamRejected("elasticsearch",
			fmt.Sprintf("%s: %s", esErr.Error.Type, esErr.Error.Reason))
	}
	return apperrors.UpstreamRejected("elasticsearch",
		fmt.Sprintf("status %d: %s", resp.StatusCode, string(raw)))
}

// HasScope checks index existence with a HEAD request.
func (s *ElasticStore) HasScope(ctx context.Context, scope string) (bool, error) {
	url := fmt.Sprintf("%s/%s", s.baseURL, s.IndexName(scope))

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, apperrors.InternalError("failed to create request", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, apperrors.UpstreamUnavailable("elasticsearch", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, apperrors.UpstreamRejected("elasticsearch",
			fmt.Sprintf("unexpected status %d checking index", resp.StatusCode))
	}
}

// Index bulk-indexes documents with their embeddings into the scope's index.
func (s *ElasticStore) Index(ctx context.Context, scope string, docs []IndexDocument) error {
	if len(docs) == 0 {
		return nil
	}

	indexName := s.IndexName(scope)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		action := map[string]any{"index": map[string]any{"_index": indexName, "_id": doc.ID}}
		if err := enc.Encode(action); err != nil {
			return apperrors.InternalError("failed to encode bulk action", err)
		}
		source := map[string]any{
			"content":   doc.Content,
			"title":     doc.Title,
			vectorField: doc.Vector,
		}
		if err := enc.Encode(source); err != nil {
			return apperrors.InternalError("failed to encode bulk document", err)
		}
	}

	url := s.baseURL + "/_bulk"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return apperrors.InternalError("failed to create bulk request", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.UpstreamUnavailable("elasticsearch", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return s.rejectionError(resp)
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&bulkResp); err != nil {
		return apperrors.UpstreamRejected("elasticsearch", "unparseable bulk response: "+err.Error())
	}
	if bulkResp.Errors {
		slog.Warn("bulk indexing completed with item errors",
			slog.String("index", indexName),
			slog.Int("count", len(docs)))
	}

	return nil
}

// Close releases pooled connections.
func (s *ElasticStore) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}
