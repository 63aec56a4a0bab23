package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killer terminates random backends opened under one application_name.
type Killer struct {
	Pool    *pgxpool.Pool
	AppName string
	Every   time.Duration

	kills atomic.Int64
}

// Kills reports how many backends were terminated so far.
func (k *Killer) Kills() int64 {
	return k.kills.Load()
}

// Run terminates one backend roughly every fifth tick until ctx ends or stop closes.
// A transaction on the killed backend must roll back as a whole.
func (k *Killer) Run(ctx context.Context, stop <-chan struct{}) {
	every := k.Every
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
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
			var n int64
			err := k.Pool.QueryRow(ctx, `
                SELECT COUNT(*) FROM (
                    SELECT pg_terminate_backend(pid) FROM pg_stat_activity
                    WHERE datname = current_database()
                      AND application_name = $1
                      AND pid <> pg_backend_pid()
                    ORDER BY random() LIMIT 1) t`, k.AppName).Scan(&n)
			if err == nil {
				k.kills.Add(n)
			}
		}
	}
}
