package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
	"github.com/MaxWANGCAI/kbchat/internal/llm"
	"github.com/MaxWANGCAI/kbchat/internal/retrieval"
)

// DefaultSystemPrompt frames the assistant for knowledge-base answering.
const DefaultSystemPrompt = "You are a knowledgeable assistant. Answer the user's question " +
	"based on the provided reference passages. If the passages do not contain the answer, " +
	"say so honestly instead of inventing one."

// ApologyAnswer is returned when answering fails for any reason. The
// client always receives a well-formed response; the failure is logged.
const ApologyAnswer = "Sorry, something went wrong while answering your question. Please try again."

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// Config configures the assistant.
type Config struct {
	// SystemPrompt frames every conversation (default: DefaultSystemPrompt).
	SystemPrompt string

	// TopK is the number of passages retrieved per question (default: 3).
	TopK int

	// MinScore drops weakly matching passages before answering.
	MinScore float64

	// CompleteTimeout bounds one completion call (default: 60s).
	CompleteTimeout time.Duration

	// MaxSessions bounds the session cache (default: 256).
	MaxSessions int
}

func (c Config) applyDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.TopK < 1 {
		c.TopK = 3
	}
	if c.CompleteTimeout <= 0 {
		c.CompleteTimeout = 60 * time.Second
	}
	if c.MaxSessions < 1 {
		c.MaxSessions = DefaultMaxSessions
	}
	return c
}

// AskRequest is one conversational question.
type AskRequest struct {
	// SessionID continues an existing conversation. Empty starts a new
	// session with a generated id.
	SessionID string

	// Scope is the knowledge scope to search.
	Scope string

	// Question is the user's question.
	Question string
}

// AskResponse is the answer to one question.
type AskResponse struct {
	// SessionID identifies the conversation, generated when the request
	// carried none.
	SessionID string `json:"session_id"`

	// Answer is the natural-language answer, or the apology text when
	// answering failed.
	Answer string `json:"answer"`

	// Sources are the passages the answer is grounded on, best first.
	// Empty when answering failed.
	Sources []*retrieval.ScoredDocument `json:"sources"`
}

// Assistant answers questions conversationally: retrieve supporting
// passages, complete an answer over them and the session history, and
// record the successful turn. Failures never propagate to the client as
// errors; the client gets the apology answer instead.
type Assistant struct {
	retriever *retrieval.Retriever
	completer llm.Completer
	sessions  *SessionCache
	config    Config
}

// NewAssistant creates an assistant over the given retriever and completer.
func NewAssistant(r *retrieval.Retriever, c llm.Completer, cfg Config) (*Assistant, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: retriever is required", ErrNilDependency)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: completer is required", ErrNilDependency)
	}
	cfg = cfg.applyDefaults()

	sessions, err := NewSessionCache(cfg.MaxSessions)
	if err != nil {
		return nil, err
	}
	return &Assistant{
		retriever: r,
		completer: c,
		sessions:  sessions,
		config:    cfg,
	}, nil
}

// Ask answers one question within a session. It never returns an error
// for retrieval or completion failures: those produce the apology answer
// with empty sources, and the failed turn is not recorded in history.
func (a *Assistant) Ask(ctx context.Context, req AskRequest) AskResponse {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	session := a.sessions.GetOrCreate(sessionID, req.Scope)

	answer, sources, err := a.answer(ctx, session, req)
	if err != nil {
		slog.Error("answering failed",
			slog.String("session_id", sessionID),
			slog.String("scope", req.Scope),
			slog.String("question", req.Question),
			slog.String("error_code", apperrors.GetCode(err)),
			slog.String("error", err.Error()))
		return AskResponse{
			SessionID: sessionID,
			Answer:    ApologyAnswer,
			Sources:   []*retrieval.ScoredDocument{},
		}
	}

	// Only successful turns enter history.
	session.AppendTurn(req.Question, answer)

	return AskResponse{
		SessionID: sessionID,
		Answer:    answer,
		Sources:   sources,
	}
}

// answer runs retrieve-then-complete for one turn.
func (a *Assistant) answer(ctx context.Context, session *Session, req AskRequest) (string, []*retrieval.ScoredDocument, error) {
	sources, err := a.retriever.Retrieve(ctx, retrieval.Request{
		Query:    req.Question,
		Scope:    req.Scope,
		TopK:     a.config.TopK,
		MinScore: a.config.MinScore,
	})
	if err != nil {
		return "", nil, err
	}

	passages := make([]string, len(sources))
	for i, s := range sources {
		passages[i] = s.Content
	}

	cctx, cancel := context.WithTimeout(ctx, a.config.CompleteTimeout)
	defer cancel()

	answer, err := a.completer.Complete(cctx, llm.CompletionRequest{
		SystemPrompt: a.config.SystemPrompt,
		History:      session.History(),
		Context:      passages,
		Question:     req.Question,
	})
	if err != nil {
		return "", nil, apperrors.CompletionFailed(err)
	}

	return answer, sources, nil
}

// ClearSession discards the history of the given session. Clearing an
// unknown session succeeds silently.
func (a *Assistant) ClearSession(id string) {
	if s, ok := a.sessions.Get(id); ok {
		s.Clear()
	}
	a.sessions.Remove(id)
	slog.Debug("session cleared", slog.String("session_id", id))
}

// Sessions exposes the session cache, mainly for observability.
func (a *Assistant) Sessions() *SessionCache {
	return a.sessions
}
