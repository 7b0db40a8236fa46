// Package server exposes the question-answering service over HTTP.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/MaxWANGCAI/kbchat/internal/chat"
	"github.com/MaxWANGCAI/kbchat/internal/recommend"
	"github.com/MaxWANGCAI/kbchat/internal/retrieval"
)

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address (default: ":8080").
	Addr string

	// ReadTimeout bounds reading a request (default: 15s).
	ReadTimeout time.Duration

	// WriteTimeout bounds writing a response. Completion calls can run
	// long, so this must exceed the completion timeout (default: 90s).
	WriteTimeout time.Duration

	// DefaultTopK fills in missing top_k on search requests (default: 3).
	DefaultTopK int
}

func (c Config) applyDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 90 * time.Second
	}
	if c.DefaultTopK < 1 {
		c.DefaultTopK = 3
	}
	return c
}

// Server serves the chat, search, session, and recommendation endpoints.
type Server struct {
	app       *fiber.App
	config    Config
	assistant *chat.Assistant
	retriever *retrieval.Retriever
	sampler   *recommend.Sampler
}

// New wires the service endpoints. The sampler is optional; without it
// the recommendations endpoint reports the feature as unavailable.
func New(cfg Config, assistant *chat.Assistant, retriever *retrieval.Retriever, sampler *recommend.Sampler) *Server {
	cfg = cfg.applyDefaults()

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New())

	s := &Server{
		app:       app,
		config:    cfg,
		assistant: assistant,
		retriever: retriever,
		sampler:   sampler,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/healthz", s.handleHealth)

	api := s.app.Group("/api")
	api.Post("/chat", s.handleChat)
	api.Post("/search", s.handleSearch)
	api.Delete("/sessions/:id", s.handleClearSession)
	api.Get("/recommendations", s.handleRecommendations)
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run starts serving and blocks until the listener fails or is shut down.
func (s *Server) Run() error {
	slog.Info("http server listening", slog.String("addr", s.config.Addr))
	return s.app.Listen(s.config.Addr)
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
