package databases

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BackendConfig describes how to build the Vector and Session backends.
// Backend is one of "memory", "postgres"/"pg", "qdrant", or "auto" (prefer
// the durable backend when a DSN is present, else fall back to memory).
type BackendConfig struct {
	DefaultDSN string

	VectorBackend    string
	VectorDSN        string
	VectorDimensions int
	VectorMetric     string
	QdrantCollection string

	SessionBackend string
	SessionDSN     string
}

// NewManager resolves the configured backends. An empty or "memory" backend
// is in-memory even when a DSN is set; "auto" prefers durable storage when a
// DSN is available and falls back to in-memory otherwise.
func NewManager(ctx context.Context, cfg BackendConfig) (Manager, error) {
	var m Manager

	vectorDSN := firstNonEmpty(cfg.VectorDSN, cfg.DefaultDSN)
	switch cfg.VectorBackend {
	case "", "memory":
		m.Vector = NewMemoryVector()
	case "auto":
		if vectorDSN != "" {
			pool, err := newPgPool(ctx, vectorDSN)
			if err == nil {
				m.Vector = NewPostgresVector(pool, cfg.VectorDimensions, cfg.VectorMetric)
			} else {
				m.Vector = NewMemoryVector()
			}
		} else {
			m.Vector = NewMemoryVector()
		}
	case "postgres", "pgvector", "pg":
		if vectorDSN == "" {
			return Manager{}, fmt.Errorf("vector backend postgres requires a DSN")
		}
		pool, err := newPgPool(ctx, vectorDSN)
		if err != nil {
			return Manager{}, fmt.Errorf("connect postgres (vector): %w", err)
		}
		m.Vector = NewPostgresVector(pool, cfg.VectorDimensions, cfg.VectorMetric)
	case "qdrant":
		if vectorDSN == "" {
			return Manager{}, fmt.Errorf("vector backend qdrant requires a DSN")
		}
		v, err := NewQdrantVector(vectorDSN, cfg.QdrantCollection, cfg.VectorDimensions, cfg.VectorMetric)
		if err != nil {
			return Manager{}, fmt.Errorf("connect qdrant: %w", err)
		}
		m.Vector = v
	default:
		return Manager{}, fmt.Errorf("unsupported vector backend: %s", cfg.VectorBackend)
	}

	sessionDSN := firstNonEmpty(cfg.SessionDSN, cfg.DefaultDSN)
	switch cfg.SessionBackend {
	case "", "memory":
		m.Session = NewMemorySession()
	case "auto":
		if sessionDSN != "" {
			pool, err := newPgPool(ctx, sessionDSN)
			if err == nil {
				s, err := NewPostgresSession(ctx, pool)
				if err == nil {
					m.Session = s
					break
				}
			}
		}
		m.Session = NewMemorySession()
	case "postgres", "pg":
		if sessionDSN == "" {
			return Manager{}, fmt.Errorf("session backend postgres requires a DSN")
		}
		pool, err := newPgPool(ctx, sessionDSN)
		if err != nil {
			return Manager{}, fmt.Errorf("connect postgres (session): %w", err)
		}
		s, err := NewPostgresSession(ctx, pool)
		if err != nil {
			return Manager{}, fmt.Errorf("provision session tables: %w", err)
		}
		m.Session = s
	default:
		return Manager{}, fmt.Errorf("unsupported session backend: %s", cfg.SessionBackend)
	}

	return m, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func newPgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = 8
	pcfg.MinConns = 0
	pcfg.MaxConnLifetime = time.Hour
	pcfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
