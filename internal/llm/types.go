// Package llm provides the text-completion capability used by the
// conversational layer.
package llm

import (
	"context"
)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest carries everything the completion service needs to
// answer one conversational turn.
type CompletionRequest struct {
	// SystemPrompt frames the assistant for the knowledge domain.
	SystemPrompt string
	// History holds the prior turns, oldest first.
	History []Message
	// Context holds the retrieved passages supporting the answer.
	Context []string
	// Question is the user's new question.
	Question string
}

// Completer produces a natural-language answer from a completion request.
type Completer interface {
	// Complete returns the answer text.
	Complete(ctx context.Context, req CompletionRequest) (string, error)

	// Close releases resources.
	Close() error
}
