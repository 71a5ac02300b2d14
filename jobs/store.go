package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/timer"
)

// PgStore backs the job scans with the shared connection pool. Scans run
// outside any deal lock; eligibility is re-checked by the orchestrator.
type PgStore struct {
	pool   *pgxpool.Pool
	timers *timer.Registry
}

func NewPgStore(pool *pgxpool.Pool, timers *timer.Registry) *PgStore {
	if timers == nil {
		timers = timer.NewRegistry()
	}
	return &PgStore{pool: pool, timers: timers}
}

func (p *PgStore) ElapsedTimers(ctx context.Context, timerType string, now time.Time) ([]timer.Timer, error) {
	return p.timers.FindElapsed(ctx, p.pool, timerType, now)
}

func (p *PgStore) ApprovedDealIDs(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT id FROM deals WHERE state = 'APPROVED' ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("jobs: scan approved deals: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("jobs: scan deal id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobs: iterate approved deals: %w", err)
	}
	return out, nil
}

func (p *PgStore) MarkTimerFired(ctx context.Context, timerID string) error {
	return p.timers.MarkFired(ctx, p.pool, timerID)
}
