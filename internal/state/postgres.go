package state

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool, for deployments where several
// sync processes share one checkpoint database.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "state: parse postgres config")
	}
	pgxCfg.MaxConns = 4
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "state: create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "state: ping postgres")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS checkpoints (
	resource_type TEXT PRIMARY KEY,
	last_run_time TIMESTAMPTZ NOT NULL,
	last_offset   INTEGER NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "state: migrate postgres")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, resourceType string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.pool.QueryRow(ctx,
		`SELECT resource_type, last_run_time, last_offset, updated_at FROM checkpoints WHERE resource_type = $1`,
		resourceType,
	).Scan(&cp.ResourceType, &cp.LastRunTime, &cp.LastOffset, &cp.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "state: get checkpoint %s", resourceType)
	}
	cp.LastRunTime = cp.LastRunTime.UTC()
	return &cp, nil
}

func (s *PostgresStore) Put(ctx context.Context, cp Checkpoint) error {
	if cp.ResourceType == "" {
		return eris.New("state: checkpoint without resource type")
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (resource_type, last_run_time, last_offset, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (resource_type) DO UPDATE SET
			last_run_time = excluded.last_run_time,
			last_offset   = excluded.last_offset,
			updated_at    = excluded.updated_at
		WHERE excluded.last_run_time >= checkpoints.last_run_time`,
		cp.ResourceType, cp.LastRunTime.UTC(), cp.LastOffset,
	)
	if err != nil {
		return eris.Wrapf(err, "state: put checkpoint %s", cp.ResourceType)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleCheckpoint
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context, resourceType string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE resource_type = $1`, resourceType)
	return eris.Wrapf(err, "state: clear checkpoint %s", resourceType)
}

func (s *PostgresStore) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT resource_type, last_run_time, last_offset, updated_at FROM checkpoints ORDER BY resource_type`)
	if err != nil {
		return nil, eris.Wrap(err, "state: list checkpoints")
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ResourceType, &cp.LastRunTime, &cp.LastOffset, &cp.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "state: scan checkpoint")
		}
		cp.LastRunTime = cp.LastRunTime.UTC()
		out = append(out, cp)
	}
	return out, eris.Wrap(rows.Err(), "state: iterate checkpoints")
}
