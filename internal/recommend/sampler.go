// Package recommend serves suggested questions sampled from a curated
// questions file, without repeating a question to the same session until
// the pool is exhausted.
package recommend

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"

	apperrors "github.com/MaxWANGCAI/kbchat/internal/errors"
)

// maxCursors bounds the per-session sampling state.
const maxCursors = 1024

// Question is one suggested question.
type Question struct {
	// Text is the question itself.
	Text string `json:"question"`

	// Scope restricts the question to one knowledge scope. Empty means
	// the question fits every scope.
	Scope string `json:"kb_type,omitempty"`
}

// cursor tracks which questions a session has already been shown, as a
// position in a per-session shuffled order.
type cursor struct {
	order      []int
	pos        int
	generation uint64
}

// Sampler draws recommended questions from a JSON file. Each session
// walks its own shuffled order, so no question repeats for that session
// until every eligible question has been shown, then the order reshuffles.
type Sampler struct {
	mu         sync.RWMutex
	path       string
	questions  []Question
	generation uint64

	cursors *lru.Cache[string, *cursor]
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewSampler loads the questions file at path. When watch is true, the
// file is reloaded on change; a broken rewrite keeps the previous set.
func NewSampler(path string, watch bool) (*Sampler, error) {
	cursors, err := lru.New[string, *cursor](maxCursors)
	if err != nil {
		return nil, apperrors.InternalError("failed to create cursor cache", err)
	}

	s := &Sampler{
		path:    path,
		cursors: cursors,
		done:    make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}

	if watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, apperrors.InternalError("failed to create file watcher", err)
		}
		// Watch the directory, not the file: editors replace files, and
		// a watch on the old inode goes stale after the first rewrite.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			_ = watcher.Close()
			return nil, apperrors.InternalError("failed to watch questions directory", err)
		}
		s.watcher = watcher
		go s.watch()
	}

	return s, nil
}

// reload parses the questions file and bumps the generation so stale
// session cursors are rebuilt on next use.
func (s *Sampler) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return apperrors.ConfigError("failed to read questions file", err).
			WithDetail("path", s.path)
	}

	var questions []Question
	if err := json.Unmarshal(data, &questions); err != nil {
		return apperrors.ConfigError("failed to parse questions file", err).
			WithDetail("path", s.path)
	}

	s.mu.Lock()
	s.questions = questions
	s.generation++
	s.mu.Unlock()

	slog.Info("recommendation questions loaded",
		slog.String("path", s.path),
		slog.Int("count", len(questions)))
	return nil
}

// watch reloads the questions file when it changes on disk.
func (s *Sampler) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.reload(); err != nil {
				slog.Warn("questions reload failed, keeping previous set",
					slog.String("path", s.path),
					slog.String("error", err.Error()))
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("questions watcher error", slog.String("error", err.Error()))
		}
	}
}

// eligible returns the indices of questions matching the scope.
func (s *Sampler) eligible(scope string) []int {
	var idx []int
	for i, q := range s.questions {
		if q.Scope == "" || scope == "" || q.Scope == scope {
			idx = append(idx, i)
		}
	}
	return idx
}

// Sample returns up to n recommended questions for the session and scope.
// Within one session the same question is not returned again until every
// eligible question has been shown, then the rotation restarts.
func (s *Sampler) Sample(_ context.Context, sessionID, scope string, n int) ([]string, error) {
	if n < 1 {
		return nil, apperrors.InvalidArgument("count must be >= 1")
	}

	// Full lock: sampling advances the session cursor.
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := s.eligible(scope)
	if len(eligible) == 0 {
		return []string{}, nil
	}

	key := sessionID + "\x00" + scope
	cur, ok := s.cursors.Get(key)
	if !ok || cur.generation != s.generation {
		cur = &cursor{
			order:      shuffled(eligible),
			generation: s.generation,
		}
		s.cursors.Add(key, cur)
	}

	out := make([]string, 0, n)
	for len(out) < n {
		if cur.pos >= len(cur.order) {
			// Pool exhausted for this session: reshuffle and restart.
			cur.order = shuffled(eligible)
			cur.pos = 0
			if len(out) == len(eligible) {
				// Fewer eligible questions than requested.
				break
			}
		}
		out = append(out, s.questions[cur.order[cur.pos]].Text)
		cur.pos++
	}
	return out, nil
}

// shuffled returns a random permutation of the given indices.
func shuffled(idx []int) []int {
	order := make([]int, len(idx))
	copy(order, idx)
	rand.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}

// Count returns the number of loaded questions.
func (s *Sampler) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.questions)
}

// Close stops the file watcher.
func (s *Sampler) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
