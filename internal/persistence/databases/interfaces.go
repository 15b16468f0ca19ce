// Package databases holds the pluggable persistence backends behind
// MemoryStore's vector index and the session/turn transcript log.
package databases

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session or turn lookup misses.
	ErrNotFound = errors.New("databases: not found")
)

// VectorResult represents a single nearest neighbor lookup result.
type VectorResult struct {
	ID       string
	Score    float64 // Higher is closer by default
	Metadata map[string]string
}

// VectorStore defines the minimum interface for a pluggable vector store.
// It backs MemoryStore's semantic recall index.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
}

// Turn is one request/response exchange recorded against a session. Role
// "user" turns only populate Content; "assistant" turns populate the
// draft/final/confidence/cost fields per spec's Turn record.
type Turn struct {
	ID           string
	SessionID    string
	Role         string // "user" | "assistant"
	Content      string
	DraftText    string
	FinalText    string
	Provenance   string // "agent0" | "agent0-greeting" | "agent0-local" | specialist name
	Confidence   float64
	Tokens       int
	CostUSD      float64
	SpecialistID string
	CreatedAt    time.Time
}

// Session is a conversation thread with a rolling summary.
type Session struct {
	ID              string
	Name            string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Summary         string
	SummarizedCount int
	LastPreview     string
}

// SessionStore persists sessions and their turns. Implementations must be
// safe for concurrent use; the Orchestrator calls these from the request
// path and, through MemoryStore.UpdateSummary, from the background
// refinement goroutine.
type SessionStore interface {
	EnsureSession(ctx context.Context, id, name string) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	AppendTurns(ctx context.Context, sessionID string, turns []Turn, preview string) error
	ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)
	// UpdateTurn replaces a turn's final_text/provenance/confidence/tokens/cost
	// (draft_text untouched). A later call replaces them again; the
	// Orchestrator calls it at most once per turn.
	UpdateTurn(ctx context.Context, sessionID, turnID, finalText, provenance string, confidence float64, tokens int, costUSD float64) error
	UpdateSummary(ctx context.Context, sessionID string, summary string, summarizedCount int) error
	// DeleteSession removes a session and its turns. Used by MemoryStore's
	// idle-session GC sweep (spec's "garbage-collected when idle for
	// configurable TTL"). A missing session is not an error.
	DeleteSession(ctx context.Context, id string) error
	Close()
}

// Manager bundles the resolved backends for a running instance.
type Manager struct {
	Vector  VectorStore
	Session SessionStore
}

func (m Manager) Close() {
	if c, ok := m.Vector.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if m.Session != nil {
		m.Session.Close()
	}
}
