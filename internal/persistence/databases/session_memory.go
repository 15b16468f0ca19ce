package databases

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewMemorySession returns a process-local SessionStore. Used for tests and
// whenever the session backend is empty or "memory", or "auto" finds no
// usable DSN.
func NewMemorySession() SessionStore {
	return &memSessionStore{
		sessions: map[string]Session{},
		turns:    map[string][]Turn{},
	}
}

type memSessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	turns    map[string][]Turn
}

func (s *memSessionStore) Close() {}

func (s *memSessionStore) EnsureSession(_ context.Context, id, name string) (Session, error) {
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	if strings.TrimSpace(name) == "" {
		name = "New Session"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	now := time.Now().UTC()
	sess := Session{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = sess
	s.turns[id] = nil
	return sess, nil
}

func (s *memSessionStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *memSessionStore) ListSessions(_ context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *memSessionStore) AppendTurns(_ context.Context, sessionID string, turns []Turn, preview string) error {
	if len(turns) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	for i := range turns {
		if turns[i].ID == "" {
			turns[i].ID = uuid.NewString()
		}
		if turns[i].SessionID == "" {
			turns[i].SessionID = sessionID
		}
		if turns[i].CreatedAt.IsZero() {
			turns[i].CreatedAt = time.Now().UTC()
		}
	}
	s.turns[sessionID] = append(s.turns[sessionID], turns...)
	sess.UpdatedAt = time.Now().UTC()
	if preview != "" {
		sess.LastPreview = preview
	}
	s.sessions[sessionID] = sess
	return nil
}

func (s *memSessionStore) ListTurns(_ context.Context, sessionID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	turns := s.turns[sessionID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *memSessionStore) UpdateTurn(_ context.Context, sessionID, turnID, finalText, provenance string, confidence float64, tokens int, costUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns, ok := s.turns[sessionID]
	if !ok {
		return ErrNotFound
	}
	for i := range turns {
		if turns[i].ID == turnID {
			turns[i].FinalText = finalText
			turns[i].Provenance = provenance
			turns[i].Confidence = confidence
			turns[i].Tokens = tokens
			turns[i].CostUSD = costUSD
			return nil
		}
	}
	return ErrNotFound
}

func (s *memSessionStore) UpdateSummary(_ context.Context, sessionID string, summary string, summarizedCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.Summary = summary
	sess.SummarizedCount = summarizedCount
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = sess
	return nil
}

func (s *memSessionStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.turns, id)
	return nil
}

// SnippetForPreview trims content to a short preview for session-list
// display.
func SnippetForPreview(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ""
	}
	const maxLen = 120
	if len(trimmed) <= maxLen {
		return trimmed
	}
	return trimmed[:maxLen]
}
