package timer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Timer types tracked per deal.
const (
	TypeAutoApprove = "AUTO_APPROVE"
	TypeDisputeTTL  = "DISPUTE_TTL"
)

// Timer is a named per-deal countdown. A timer is elapsed once now passes
// started_at + duration while it is still active; marking it fired retires
// it from elapsed scans permanently.
type Timer struct {
	ID        string
	DealID    string
	Type      string
	StartedAt time.Time
	Duration  time.Duration
	Active    bool
	FiredAt   *time.Time
}

// ErrNotFound is returned when a referenced timer does not exist.
var ErrNotFound = errors.New("timer: not found")

type Registry struct{}

func NewRegistry() *Registry {
	return &Registry{}
}

// Create starts a timer for a deal. Only one active timer per (deal, type)
// may exist; the database enforces it.
func (r *Registry) Create(ctx context.Context, tx pgx.Tx, dealID, timerType string, duration time.Duration) (Timer, error) {
	if duration <= 0 {
		return Timer{}, fmt.Errorf("timer: non-positive duration %s", duration)
	}

	const insertSQL = `
INSERT INTO timers (deal_id, timer_type, duration_seconds)
VALUES ($1, $2, $3)
RETURNING id, deal_id, timer_type, started_at, duration_seconds, active, fired_at
`
	return scanTimer(tx.QueryRow(ctx, insertSQL, dealID, timerType, int64(duration.Seconds())))
}

// FindElapsed returns active timers of the given type whose deadline passed.
// The scan is unlocked; callers must re-validate eligibility under the deal
// row lock before acting.
func (r *Registry) FindElapsed(ctx context.Context, q RowsQuerier, timerType string, now time.Time) ([]Timer, error) {
	const query = `
SELECT id, deal_id, timer_type, started_at, duration_seconds, active, fired_at
FROM timers
WHERE timer_type = $1
  AND active
  AND started_at + make_interval(secs => duration_seconds) < $2
ORDER BY started_at
`
	rows, err := q.Query(ctx, query, timerType, now)
	if err != nil {
		return nil, fmt.Errorf("timer: find elapsed: %w", err)
	}
	defer rows.Close()

	out := make([]Timer, 0, 8)
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("timer: iterate: %w", err)
	}
	return out, nil
}

// FindActive returns the active timer of a type for a deal, nil when none.
func (r *Registry) FindActive(ctx context.Context, q RowQuerier, dealID, timerType string) (*Timer, error) {
	const query = `
SELECT id, deal_id, timer_type, started_at, duration_seconds, active, fired_at
FROM timers
WHERE deal_id = $1 AND timer_type = $2 AND active
`
	t, err := scanTimer(q.QueryRow(ctx, query, dealID, timerType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// MarkFired retires a timer. Idempotent: firing an already fired timer is a
// no-op.
func (r *Registry) MarkFired(ctx context.Context, e Execer, timerID string) error {
	const updateSQL = `
UPDATE timers
SET active = FALSE,
    fired_at = COALESCE(fired_at, now())
WHERE id = $1
`
	if _, err := e.Exec(ctx, updateSQL, timerID); err != nil {
		return fmt.Errorf("timer: mark fired: %w", err)
	}
	return nil
}

// Elapsed reports whether the timer deadline passed at the given instant.
func (t Timer) Elapsed(now time.Time) bool {
	return t.Active && now.After(t.StartedAt.Add(t.Duration))
}

// RowQuerier is satisfied by both pgxpool.Pool and pgx.Tx.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RowsQuerier is satisfied by both pgxpool.Pool and pgx.Tx.
type RowsQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Execer is the write half, satisfied by pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanTimer(row pgx.Row) (Timer, error) {
	var (
		t       Timer
		seconds int64
	)
	if err := row.Scan(&t.ID, &t.DealID, &t.Type, &t.StartedAt, &seconds, &t.Active, &t.FiredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Timer{}, pgx.ErrNoRows
		}
		return Timer{}, fmt.Errorf("timer: scan: %w", err)
	}
	t.Duration = time.Duration(seconds) * time.Second
	return t, nil
}
