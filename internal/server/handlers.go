package server

import (
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/MaxWANGCAI/kbchat/internal/chat"
	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
	"github.com/MaxWANGCAI/kbchat/internal/retrieval"
)

// chatRequest is the POST /api/chat body.
type chatRequest struct {
	SessionID string `json:"session_id"`
	Scope     string `json:"kb_type"`
	Question  string `json:"question"`
}

// searchRequest is the POST /api/search body.
type searchRequest struct {
	Query    string  `json:"query"`
	Scope    string  `json:"kb_type"`
	TopK     int     `json:"top_k"`
	MinScore float64 `json:"min_score"`
}

// searchResponse is the POST /api/search reply.
type searchResponse struct {
	Results []*retrieval.ScoredDocument `json:"results"`
}

// recommendResponse is the GET /api/recommendations reply.
type recommendResponse struct {
	SessionID string   `json:"session_id"`
	Questions []string `json:"questions"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleChat answers one conversational question. The assistant absorbs
// retrieval and completion failures, so this endpoint only rejects
// malformed requests.
func (s *Server) handleChat(c *fiber.Ctx) error {
	var req chatRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperrors.InvalidArgument("malformed request body"))
	}
	if strings.TrimSpace(req.Question) == "" {
		return writeError(c, apperrors.QueryEmpty())
	}

	resp := s.assistant.Ask(c.UserContext(), chat.AskRequest{
		SessionID: req.SessionID,
		Scope:     req.Scope,
		Question:  req.Question,
	})
	return c.JSON(resp)
}

// handleSearch runs the retrieval pipeline without the conversational
// layer. Unlike chat, failures surface as error responses.
func (s *Server) handleSearch(c *fiber.Ctx) error {
	var req searchRequest
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperrors.InvalidArgument("malformed request body"))
	}
	if req.TopK == 0 {
		req.TopK = s.config.DefaultTopK
	}

	results, err := s.retriever.Retrieve(c.UserContext(), retrieval.Request{
		Query:    req.Query,
		Scope:    req.Scope,
		TopK:     req.TopK,
		MinScore: req.MinScore,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(searchResponse{Results: results})
}

// handleClearSession discards a session's history. Idempotent: clearing
// an unknown session also returns 204.
func (s *Server) handleClearSession(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return writeError(c, apperrors.InvalidArgument("session id is required"))
	}
	s.assistant.ClearSession(id)
	return c.SendStatus(fiber.StatusNoContent)
}

// handleRecommendations returns suggested questions for a session.
func (s *Server) handleRecommendations(c *fiber.Ctx) error {
	if s.sampler == nil {
		return writeError(c, apperrors.New(apperrors.ErrCodeConfigInvalid,
			"recommendations are not configured", nil))
	}

	sessionID := c.Query("session_id")
	if sessionID == "" {
		return writeError(c, apperrors.InvalidArgument("session_id is required"))
	}
	count := c.QueryInt("count", 3)

	questions, err := s.sampler.Sample(c.UserContext(), sessionID, c.Query("kb_type"), count)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(recommendResponse{SessionID: sessionID, Questions: questions})
}

// writeError maps an error chain to an HTTP status and a stable JSON body.
func writeError(c *fiber.Ctx, err error) error {
	status := statusFromError(err)
	code := apperrors.GetCode(err)
	if code == "" {
		code = apperrors.ErrCodeInternal
	}
	if status >= fiber.StatusInternalServerError {
		slog.Error("request failed",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("error", err.Error()))
	}
	return c.Status(status).JSON(fiber.Map{
		"code":    code,
		"message": err.Error(),
	})
}

// statusFromError maps the error taxonomy onto HTTP statuses. Specific
// codes are checked before wrappers since IsCode walks the whole chain.
func statusFromError(err error) int {
	switch {
	case apperrors.IsCode(err, apperrors.ErrCodeQueryEmpty),
		apperrors.IsCode(err, apperrors.ErrCodeInvalidArgument):
		return fiber.StatusBadRequest
	case apperrors.IsCode(err, apperrors.ErrCodeIndexNotFound):
		return fiber.StatusNotFound
	case apperrors.IsCode(err, apperrors.ErrCodeUpstreamUnavailable),
		apperrors.IsCode(err, apperrors.ErrCodeUpstreamTimeout):
		return fiber.StatusServiceUnavailable
	case apperrors.IsCode(err, apperrors.ErrCodeUpstreamRejected):
		return fiber.StatusBadGateway
	case apperrors.IsCode(err, apperrors.ErrCodeConfigInvalid):
		return fiber.StatusNotImplemented
	default:
		return fiber.StatusInternalServerError
	}
}
