package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MaxWANGCAI/kbchat/internal/config"
	"github.com/MaxWANGCAI/kbchat/internal/recommend"
	"github.com/MaxWANGCAI/kbchat/internal/server"
)

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP question-answering server",
		Long: `Start the HTTP server exposing chat, search, session, and
recommendation endpoints.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	b, err := buildBackends(cfg)
	if err != nil {
		return err
	}
	defer b.close()

	var sampler *recommend.Sampler
	if cfg.Recommend.QuestionsPath != "" {
		sampler, err = recommend.NewSampler(cfg.Recommend.QuestionsPath, cfg.Recommend.Watch)
		if err != nil {
			return err
		}
		defer func() { _ = sampler.Close() }()
	}

	srv := server.New(server.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		DefaultTopK:  cfg.Retrieval.TopK,
	}, b.assistant, b.retriever, sampler)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case sig := <-stop:
		slog.Info("shutting down", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
