// Package config loads and validates kbchat configuration from YAML
// files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
)

// Store backends.
const (
	StoreBackendElastic = "elastic"
	StoreBackendLocal   = "local"
)

// Config represents the complete kbchat configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	DashScope DashScopeConfig `yaml:"dashscope"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Recommend RecommendConfig `yaml:"recommend"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the listen address (default: ":8080").
	Addr string `yaml:"addr"`
	// ReadTimeout bounds how long a request body read may take.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout bounds response writes. Retrieval plus completion can take
	// tens of seconds, so this defaults generously.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	// Backend is "elastic" (default) or "local".
	Backend string `yaml:"backend"`
	// DataDir is where the local backend keeps its indices (default: ~/.kbchat/data).
	DataDir string `yaml:"data_dir"`
	// Elastic configures the Elasticsearch backend.
	Elastic ElasticConfig `yaml:"elastic"`
}

// ElasticConfig configures the Elasticsearch document store.
type ElasticConfig struct {
	// URL is the Elasticsearch base URL (default: http://localhost:9200).
	URL string `yaml:"url"`
	// IndexPrefix is prepended to the knowledge scope to form the index
	// name, e.g. prefix "knowledge" + scope "legal" -> "knowledge_legal".
	IndexPrefix string `yaml:"index_prefix"`
}

// DashScopeConfig configures the DashScope-compatible model services.
type DashScopeConfig struct {
	// APIKey authenticates all DashScope calls. Usually supplied via the
	// DASHSCOPE_API_KEY environment variable rather than the config file.
	APIKey string `yaml:"api_key"`
	// BaseURL is the API endpoint root (default: https://dashscope.aliyuncs.com).
	BaseURL string `yaml:"base_url"`
	// EmbedModel is the embedding model name (default: text-embedding-v2).
	EmbedModel string `yaml:"embed_model"`
	// Dimensions is the embedding dimension (default: 1536).
	Dimensions int `yaml:"dimensions"`
	// RerankModel is the cross-encoder rerank model (default: gte-rerank).
	// Empty disables reranking entirely.
	RerankModel string `yaml:"rerank_model"`
	// ChatModel is the text-generation model (default: qwen-turbo).
	ChatModel string `yaml:"chat_model"`
}

// RetrievalConfig configures the hybrid retrieval pipeline.
type RetrievalConfig struct {
	// TopK is the default number of documents to retrieve (default: 3).
	TopK int `yaml:"top_k"`
	// MinScore drops fused results scoring below this threshold (default: 0).
	MinScore float64 `yaml:"min_score"`
	// VectorWeight scales the dense-vector signal before fusion (default: 0.7).
	VectorWeight float64 `yaml:"vector_weight"`
	// KeywordWeight scales the lexical signal before fusion (default: 0.3).
	KeywordWeight float64 `yaml:"keyword_weight"`
	// EmbedTimeout bounds a single embedding call (default: 10s).
	EmbedTimeout time.Duration `yaml:"embed_timeout"`
	// SearchTimeout bounds each document-store search call (default: 10s).
	SearchTimeout time.Duration `yaml:"search_timeout"`
	// RerankTimeout bounds a rerank call (default: 10s).
	RerankTimeout time.Duration `yaml:"rerank_timeout"`
	// CompleteTimeout bounds a completion call (default: 60s).
	CompleteTimeout time.Duration `yaml:"complete_timeout"`
	// MaxRetries is the retry budget for transient embedding failures (default: 2).
	MaxRetries int `yaml:"max_retries"`
}

// SessionsConfig configures the in-memory conversation session cache.
type SessionsConfig struct {
	// MaxSessions caps the LRU session cache. Least-recently-used sessions
	// are evicted beyond this (default: 256).
	MaxSessions int `yaml:"max_sessions"`
}

// RecommendConfig configures the recommended-question sampler.
type RecommendConfig struct {
	// QuestionsPath points at the recommended questions JSON file.
	QuestionsPath string `yaml:"questions_path"`
	// Watch hot-reloads the questions file on change (default: true).
	Watch bool `yaml:"watch"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	FilePath  string `yaml:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Store: StoreConfig{
			Backend: StoreBackendElastic,
			DataDir: defaultDataDir(),
			Elastic: ElasticConfig{
				URL:         "http://localhost:9200",
				IndexPrefix: "knowledge",
			},
		},
		DashScope: DashScopeConfig{
			BaseURL:     "https://dashscope.aliyuncs.com",
			EmbedModel:  "text-embedding-v2",
			Dimensions:  1536,
			RerankModel: "gte-rerank",
			ChatModel:   "qwen-turbo",
		},
		Retrieval: RetrievalConfig{
			TopK:            3,
			MinScore:        0,
			VectorWeight:    0.7,
			KeywordWeight:   0.3,
			EmbedTimeout:    10 * time.Second,
			SearchTimeout:   10 * time.Second,
			RerankTimeout:   10 * time.Second,
			CompleteTimeout: 60 * time.Second,
			MaxRetries:      2,
		},
		Sessions: SessionsConfig{
			MaxSessions: 256,
		},
		Recommend: RecommendConfig{
			QuestionsPath: "",
			Watch:         true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// Load reads configuration from the given YAML file, applies environment
// overrides, and validates the result. An empty path loads defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, apperrors.New(apperrors.ErrCodeConfigNotFound,
					fmt.Sprintf("config file not found: %s", path), err)
			}
			return nil, apperrors.ConfigError("failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.ConfigError("failed to parse config file", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv applies environment variable overrides.
// Environment always wins over file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("DASHSCOPE_API_KEY"); v != "" {
		c.DashScope.APIKey = v
	}
	if v := os.Getenv("KBCHAT_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("KBCHAT_ELASTIC_URL"); v != "" {
		c.Store.Elastic.URL = v
	}
	if v := os.Getenv("KBCHAT_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("KBCHAT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KBCHAT_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Retrieval.TopK = n
		}
	}
	if v := os.Getenv("KBCHAT_VECTOR_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.Retrieval.VectorWeight = f
		}
	}
	if v := os.Getenv("KBCHAT_KEYWORD_WEIGHT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.Retrieval.KeywordWeight = f
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendElastic, StoreBackendLocal:
	default:
		return apperrors.ConfigError(
			fmt.Sprintf("unknown store backend %q (want %q or %q)",
				c.Store.Backend, StoreBackendElastic, StoreBackendLocal), nil)
	}

	if c.Store.Backend == StoreBackendElastic && c.Store.Elastic.URL == "" {
		return apperrors.ConfigError("elastic.url is required for the elastic backend", nil)
	}

	if c.Retrieval.TopK < 1 {
		return apperrors.ConfigError("retrieval.top_k must be >= 1", nil)
	}
	if c.Retrieval.MinScore < 0 {
		return apperrors.ConfigError("retrieval.min_score must be >= 0", nil)
	}
	if c.Retrieval.VectorWeight < 0 || c.Retrieval.KeywordWeight < 0 {
		return apperrors.ConfigError("fusion weights must be >= 0", nil)
	}
	if c.Retrieval.VectorWeight == 0 && c.Retrieval.KeywordWeight == 0 {
		return apperrors.ConfigError("at least one fusion weight must be > 0", nil)
	}

	if c.Sessions.MaxSessions < 1 {
		return apperrors.ConfigError("sessions.max_sessions must be >= 1", nil)
	}

	if c.DashScope.Dimensions < 1 {
		return apperrors.ConfigError("dashscope.dimensions must be >= 1", nil)
	}

	return nil
}

// defaultDataDir returns ~/.kbchat/data, falling back to ./data.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "data")
	}
	return filepath.Join(home, ".kbchat", "data")
}
