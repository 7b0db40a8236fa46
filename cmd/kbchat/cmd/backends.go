package cmd

import (
	"log/slog"

	"github.com/MaxWANGCAI/kbchat/internal/chat"
	"github.com/MaxWANGCAI/kbchat/internal/config"
	"github.com/MaxWANGCAI/kbchat/internal/embed"
	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
	"github.com/MaxWANGCAI/kbchat/internal/llm"
	"github.com/MaxWANGCAI/kbchat/internal/rerank"
	"github.com/MaxWANGCAI/kbchat/internal/retrieval"
	"github.com/MaxWANGCAI/kbchat/internal/store"
)

// backends holds the wired service components and their teardown.
type backends struct {
	store     store.DocStore
	embedder  embed.Embedder
	completer llm.Completer
	retriever *retrieval.Retriever
	assistant *chat.Assistant

	closers []func() error
}

// close releases components in reverse construction order.
func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			slog.Warn("close failed", slog.String("error", err.Error()))
		}
	}
}

// buildStore constructs the configured document store backend.
func buildStore(cfg *config.Config) (store.DocStore, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendLocal:
		return store.NewLocalStore(cfg.Store.DataDir)
	default:
		return store.NewElasticStore(store.ElasticOptions{
			URL:         cfg.Store.Elastic.URL,
			IndexPrefix: cfg.Store.Elastic.IndexPrefix,
		})
	}
}

// buildBackends wires the full pipeline from configuration: store,
// embedder, optional reranker, completer, retriever, and assistant.
func buildBackends(cfg *config.Config) (*backends, error) {
	b := &backends{}

	docs, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	b.store = docs
	b.closers = append(b.closers, docs.Close)

	embedder, err := embed.NewDashScopeEmbedder(embed.DashScopeConfig{
		APIKey:     cfg.DashScope.APIKey,
		BaseURL:    cfg.DashScope.BaseURL,
		Model:      cfg.DashScope.EmbedModel,
		Dimensions: cfg.DashScope.Dimensions,
	})
	if err != nil {
		b.close()
		return nil, err
	}
	b.embedder = embedder
	b.closers = append(b.closers, embedder.Close)

	retrievalCfg := retrieval.Config{
		Weights: retrieval.FusionWeights{
			Vector:  cfg.Retrieval.VectorWeight,
			Keyword: cfg.Retrieval.KeywordWeight,
		},
		EmbedTimeout:  cfg.Retrieval.EmbedTimeout,
		SearchTimeout: cfg.Retrieval.SearchTimeout,
		RerankTimeout: cfg.Retrieval.RerankTimeout,
		Retry: apperrors.RetryConfig{
			MaxRetries:   cfg.Retrieval.MaxRetries,
			InitialDelay: apperrors.DefaultRetryConfig().InitialDelay,
			MaxDelay:     apperrors.DefaultRetryConfig().MaxDelay,
			Multiplier:   apperrors.DefaultRetryConfig().Multiplier,
		},
	}

	var opts []retrieval.Option
	if cfg.DashScope.RerankModel != "" {
		reranker, rerr := rerank.NewDashScopeReranker(rerank.Config{
			APIKey:  cfg.DashScope.APIKey,
			BaseURL: cfg.DashScope.BaseURL,
			Model:   cfg.DashScope.RerankModel,
		})
		if rerr != nil {
			b.close()
			return nil, rerr
		}
		b.closers = append(b.closers, reranker.Close)
		opts = append(opts, retrieval.WithReranker(reranker))
	}

	retriever, err := retrieval.NewRetriever(docs, embedder, retrievalCfg, opts...)
	if err != nil {
		b.close()
		return nil, err
	}
	b.retriever = retriever

	completer, err := llm.NewDashScopeCompleter(llm.DashScopeConfig{
		APIKey:  cfg.DashScope.APIKey,
		BaseURL: cfg.DashScope.BaseURL,
		Model:   cfg.DashScope.ChatModel,
	})
	if err != nil {
		b.close()
		return nil, err
	}
	b.completer = completer
	b.closers = append(b.closers, completer.Close)

	assistant, err := chat.NewAssistant(retriever, completer, chat.Config{
		TopK:            cfg.Retrieval.TopK,
		MinScore:        cfg.Retrieval.MinScore,
		CompleteTimeout: cfg.Retrieval.CompleteTimeout,
		MaxSessions:     cfg.Sessions.MaxSessions,
	})
	if err != nil {
		b.close()
		return nil, err
	}
	b.assistant = assistant

	return b, nil
}
