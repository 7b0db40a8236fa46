// Package chat implements the conversational question-answering layer:
// sessions with bounded history, a bounded session cache, and the
// assistant that ties retrieval and completion together.
package chat

import (
	"sync"

	"github.com/MaxWANGCAI/kbchat/internal/llm"
)

// maxHistoryTurns caps the retained conversation turns (a turn is one
// user message plus one assistant message). Older turns are discarded
// so the completion prompt stays bounded.
const maxHistoryTurns = 10

// Session holds the conversation state for one client.
// Safe for concurrent use.
type Session struct {
	mu sync.Mutex

	// ID is the session identifier.
	ID string

	// Scope is the knowledge scope this session queries.
	Scope string

	history []llm.Message
}

// NewSession creates an empty session.
func NewSession(id, scope string) *Session {
	return &Session{ID: id, Scope: scope}
}

// History returns a copy of the conversation so far, oldest first.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// AppendTurn records a completed question and answer pair. Failed turns
// are never appended: history only carries exchanges that produced an
// answer. The oldest turns are dropped past the retention cap.
func (s *Session) AppendTurn(question, answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history,
		llm.Message{Role: llm.RoleUser, Content: question},
		llm.Message{Role: llm.RoleAssistant, Content: answer},
	)
	if excess := len(s.history) - maxHistoryTurns*2; excess > 0 {
		s.history = s.history[excess:]
	}
}

// Clear discards the conversation history. Clearing an already empty
// session is a no-op.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// Len returns the number of retained messages.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}
