package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Options selects the database for a stress run.
type Options struct {
	// DSN points at an existing database; the run then works in an isolated schema.
	DSN      string
	MaxConns int32
	// Target is provisioned when no DSN is available.
	Target Target
}

// Harness owns the database a stress run talks to and the pool on its migrated schema.
type Harness struct {
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
	dsn       string
	Shared    bool
}

// NewHarness picks a database in this order: opts.DSN, STRESS_TEST_PG_DSN, a container
// when Docker answers, a local server on 5432. Shared databases get an isolated schema.
func NewHarness(ctx context.Context, opts Options) (*Harness, error) {
	target := opts.Target.withDefaults()
	h := &Harness{}

	switch {
	case opts.DSN != "":
		h.dsn, h.Shared = opts.DSN, true
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		h.dsn, h.Shared = os.Getenv("STRESS_TEST_PG_DSN"), true
	case dockerAvailable(ctx):
		c, dsn, err := startContainer(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("start postgres container: %w", err)
		}
		h.container, h.dsn = c, dsn
	default:
		dsn, err := createLocalDatabase(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("init local database: %w", err)
		}
		h.dsn = dsn
	}

	pool, teardown, err := ApplyMigrations(ctx, h.dsn, h.Shared, opts.MaxConns)
	if err != nil {
		_ = h.terminate(ctx)
		return nil, err
	}
	h.pool, h.teardown = pool, teardown
	return h, nil
}

func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if termErr := h.terminate(ctx); termErr != nil && err == nil {
		err = termErr
	}
	return err
}

// Reset truncates every table for a clean epoch. Cascades cover listings, offers,
// history and buyer codes.
func (h *Harness) Reset(ctx context.Context) error {
	if _, err := h.pool.Exec(ctx, "TRUNCATE TABLE users CASCADE"); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

func (h *Harness) terminate(ctx context.Context) error {
	if h.container == nil {
		return nil
	}
	return h.container.Terminate(ctx)
}
