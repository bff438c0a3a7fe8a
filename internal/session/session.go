// Package session keeps consultation transcripts for chat transports whose
// clients do not send their own history.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/consultant/internal/stage"
)

type session struct {
	id       string
	history  []stage.Entry
	lastSeen time.Time
}

// Store maps a conversation key (channel:chat) to its current session.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
	maxLen   int
	now      func() time.Time
}

// New creates a store that keeps at most maxLen entries per session.
// maxLen <= 0 keeps everything.
func New(maxLen int) *Store {
	return &Store{
		sessions: make(map[string]*session),
		maxLen:   maxLen,
		now:      time.Now,
	}
}

func (s *Store) get(key string) *session {
	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{id: uuid.NewString()}
		s.sessions[key] = sess
	}
	sess.lastSeen = s.now()
	return sess
}

// Session returns the current session id for key, creating one if needed.
func (s *Store) Session(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(key).id
}

// Append records entries against the current session for key.
func (s *Store) Append(key string, entries ...stage.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.get(key)
	ts := s.now().UTC().Format(time.RFC3339)
	for _, e := range entries {
		if e.Timestamp == "" {
			e.Timestamp = ts
		}
		sess.history = append(sess.history, e)
	}
	if s.maxLen > 0 && len(sess.history) > s.maxLen {
		sess.history = append([]stage.Entry(nil), sess.history[len(sess.history)-s.maxLen:]...)
	}
}

// History returns a copy of the transcript for key.
func (s *Store) History(key string) []stage.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil
	}
	return append([]stage.Entry(nil), sess.history...)
}

// Reset discards the transcript and starts a new session id.
func (s *Store) Reset(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &session{id: uuid.NewString(), lastSeen: s.now()}
	s.sessions[key] = sess
	return sess.id
}

// ExpireIdle drops sessions not touched within ttl and returns how many
// were removed.
func (s *Store) ExpireIdle(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	removed := 0
	for key, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
