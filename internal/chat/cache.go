package chat

import (
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
)

// DefaultMaxSessions is the default session cache capacity.
const DefaultMaxSessions = 256

// SessionCache is a bounded LRU of live sessions. When full, the least
// recently used session is evicted and its history is gone; a client
// returning to an evicted session transparently starts a fresh one.
type SessionCache struct {
	cache *lru.Cache[string, *Session]
}

// NewSessionCache creates a cache holding at most maxSessions sessions.
func NewSessionCache(maxSessions int) (*SessionCache, error) {
	if maxSessions < 1 {
		maxSessions = DefaultMaxSessions
	}
	cache, err := lru.NewWithEvict(maxSessions, func(id string, s *Session) {
		slog.Debug("session evicted",
			slog.String("session_id", id),
			slog.Int("history_len", s.Len()))
	})
	if err != nil {
		return nil, apperrors.InternalError("failed to create session cache", err)
	}
	return &SessionCache{cache: cache}, nil
}

// GetOrCreate returns the session with the given id, creating it if
// absent or evicted. Access refreshes the session's recency.
func (c *SessionCache) GetOrCreate(id, scope string) *Session {
	if s, ok := c.cache.Get(id); ok {
		return s
	}
	s := NewSession(id, scope)
	c.cache.Add(id, s)
	return s
}

// Get returns the session with the given id, if present.
func (c *SessionCache) Get(id string) (*Session, bool) {
	return c.cache.Get(id)
}

// Remove drops the session with the given id. Removing an unknown id is
// a no-op, so clearing is idempotent.
func (c *SessionCache) Remove(id string) {
	c.cache.Remove(id)
}

// Len returns the number of live sessions.
func (c *SessionCache) Len() int {
	return c.cache.Len()
}
