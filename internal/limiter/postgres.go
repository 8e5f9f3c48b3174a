package limiter

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// PG is a PostgreSQL-backed fixed-window limiter shared by all server replicas.
type PG struct {
	pool pgxQuerier
	now  func() time.Time
}

type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPGWithQuerier constructs a PostgreSQL-backed limiter over any querier,
// typically the repositories' pool. A nil now uses time.Now.
func NewPGWithQuerier(q pgxQuerier, now func() time.Time) *PG {
	if now == nil {
		now = time.Now
	}
	return &PG{pool: q, now: now}
}

// Check increments the hit counter for key, starting a new window when the
// current one has elapsed.
func (l *PG) Check(ctx context.Context, key string, max int, window time.Duration) (Result, error) {
	now := l.now().UTC()
	const q = `
INSERT INTO rate_limits (key, window_start, hits)
VALUES ($1,$2,1)
ON CONFLICT (key) DO UPDATE
SET
  hits = CASE WHEN rate_limits.window_start + $3::interval <= EXCLUDED.window_start THEN 1 ELSE rate_limits.hits + 1 END,
  window_start = CASE WHEN rate_limits.window_start + $3::interval <= EXCLUDED.window_start THEN EXCLUDED.window_start ELSE rate_limits.window_start END
RETURNING hits, window_start`
	var (
		hits  int
		start time.Time
	)
	if err := l.pool.QueryRow(ctx, q, key, now, window).Scan(&hits, &start); err != nil {
		return Result{}, err
	}
	if hits <= max {
		return Result{OK: true}, nil
	}
	retry := start.Add(window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return Result{OK: false, RetryAfter: retry}, nil
}
