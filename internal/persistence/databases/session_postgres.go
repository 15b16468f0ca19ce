package databases

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgSessionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSession provisions the session/turn tables on first use and
// returns a SessionStore backed by the given pool.
func NewPostgresSession(ctx context.Context, pool *pgxpool.Pool) (SessionStore, error) {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS council_sessions (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  summary TEXT NOT NULL DEFAULT '',
  summarized_count INT NOT NULL DEFAULT 0,
  last_preview TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS council_turns (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL REFERENCES council_sessions(id) ON DELETE CASCADE,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  draft_text TEXT NOT NULL DEFAULT '',
  final_text TEXT NOT NULL DEFAULT '',
  provenance TEXT NOT NULL DEFAULT '',
  confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
  tokens INT NOT NULL DEFAULT 0,
  cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
  specialist_id TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS council_turns_session_idx ON council_turns(session_id, created_at);
`)
	if err != nil {
		return nil, err
	}
	return &pgSessionStore{pool: pool}, nil
}

func (p *pgSessionStore) Close() { p.pool.Close() }

func (p *pgSessionStore) EnsureSession(ctx context.Context, id, name string) (Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if name == "" {
		name = "New Session"
	}
	now := time.Now().UTC()
	_, err := p.pool.Exec(ctx, `
INSERT INTO council_sessions(id, name, created_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (id) DO NOTHING
`, id, name, now)
	if err != nil {
		return Session{}, err
	}
	return p.GetSession(ctx, id)
}

func (p *pgSessionStore) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	err := p.pool.QueryRow(ctx, `
SELECT id, name, summary, summarized_count, last_preview, created_at, updated_at
FROM council_sessions WHERE id = $1
`, id).Scan(&s.ID, &s.Name, &s.Summary, &s.SummarizedCount, &s.LastPreview, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

func (p *pgSessionStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, name, summary, summarized_count, last_preview, created_at, updated_at
FROM council_sessions ORDER BY updated_at DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Name, &s.Summary, &s.SummarizedCount, &s.LastPreview, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *pgSessionStore) AppendTurns(ctx context.Context, sessionID string, turns []Turn, preview string) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for i := range turns {
		if turns[i].ID == "" {
			turns[i].ID = uuid.NewString()
		}
		if turns[i].CreatedAt.IsZero() {
			turns[i].CreatedAt = time.Now().UTC()
		}
		_, err := tx.Exec(ctx, `
INSERT INTO council_turns(id, session_id, role, content, draft_text, final_text, provenance, confidence, tokens, cost_usd, specialist_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`, turns[i].ID, sessionID, turns[i].Role, turns[i].Content, turns[i].DraftText, turns[i].FinalText, turns[i].Provenance, turns[i].Confidence, turns[i].Tokens, turns[i].CostUSD, turns[i].SpecialistID, turns[i].CreatedAt)
		if err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `UPDATE council_sessions SET updated_at = $2, last_preview = COALESCE(NULLIF($3, ''), last_preview) WHERE id = $1`, sessionID, now, preview)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (p *pgSessionStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.pool.Query(ctx, `
SELECT id, session_id, role, content, draft_text, final_text, provenance, confidence, tokens, cost_usd, specialist_id, created_at FROM (
  SELECT id, session_id, role, content, draft_text, final_text, provenance, confidence, tokens, cost_usd, specialist_id, created_at
  FROM council_turns WHERE session_id = $1
  ORDER BY created_at DESC LIMIT $2
) t ORDER BY created_at ASC
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.DraftText, &t.FinalText, &t.Provenance, &t.Confidence, &t.Tokens, &t.CostUSD, &t.SpecialistID, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *pgSessionStore) UpdateTurn(ctx context.Context, sessionID, turnID, finalText, provenance string, confidence float64, tokens int, costUSD float64) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE council_turns SET final_text = $3, provenance = $4, confidence = $5, tokens = $6, cost_usd = $7
WHERE id = $1 AND session_id = $2
`, turnID, sessionID, finalText, provenance, confidence, tokens, costUSD)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgSessionStore) DeleteSession(ctx context.Context, id string) error {
	// council_turns rows cascade via the ON DELETE CASCADE foreign key.
	_, err := p.pool.Exec(ctx, `DELETE FROM council_sessions WHERE id = $1`, id)
	return err
}

func (p *pgSessionStore) UpdateSummary(ctx context.Context, sessionID string, summary string, summarizedCount int) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE council_sessions SET summary = $2, summarized_count = $3, updated_at = $4 WHERE id = $1
`, sessionID, summary, summarizedCount, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
