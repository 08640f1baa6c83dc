package session

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/anime-watchlist/internal/platform/db"
)

type postgresMarker struct {
	dsn   string
	scope string

	mu sync.Mutex
	// pool is lazily initialised on first use.
	pool *pgxpool.Pool
}

func newPostgresMarker(dsn, scope string) *postgresMarker {
	return &postgresMarker{dsn: dsn, scope: scope}
}

const markerSchema = `CREATE TABLE IF NOT EXISTS forced_logout_markers (
	scope      text PRIMARY KEY,
	created_at timestamptz NOT NULL DEFAULT now()
)`

func (s *postgresMarker) ensurePool(ctx context.Context) (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		return s.pool, nil
	}
	pool, err := db.Open(ctx, s.dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, markerSchema); err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	return pool, nil
}

func (s *postgresMarker) Set(ctx context.Context) error {
	pool, err := s.ensurePool(ctx)
	if err != nil {
		return err
	}
	const q = `INSERT INTO forced_logout_markers (scope, created_at)
	           VALUES ($1, now())
	           ON CONFLICT (scope) DO NOTHING`
	_, err = pool.Exec(ctx, q, s.scope)
	return err
}

// Consume relies on DELETE ... RETURNING so concurrent readers see the
// row at most once.
func (s *postgresMarker) Consume(ctx context.Context) (bool, error) {
	pool, err := s.ensurePool(ctx)
	if err != nil {
		return false, err
	}
	var scope string
	err = pool.QueryRow(ctx, `DELETE FROM forced_logout_markers WHERE scope = $1 RETURNING scope`, s.scope).Scan(&scope)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *postgresMarker) Clear(ctx context.Context) error {
	_, err := s.Consume(ctx)
	return err
}
