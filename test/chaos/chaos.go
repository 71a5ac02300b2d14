// Package chaos injects connection failures while the escrow actors run.
// Killed sessions abort whichever deal transaction they were holding, so
// every row lock and partial write path gets exercised under interruption.
package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const killInterval = 2 * time.Second

// TerminateRandomBackend periodically severs one random database session of
// the current database, never its own. Roughly one tick in five kills.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(killInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			_, _ = pool.Exec(ctx, `
SELECT pg_terminate_backend(pid)
FROM pg_stat_activity
WHERE datname = current_database() AND pid <> pg_backend_pid()
ORDER BY random()
LIMIT 1`)
		}
	}
}
