package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the default
// backend for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = "aql2fhir.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "state: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "state: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS checkpoints (
	resource_type TEXT PRIMARY KEY,
	last_run_time DATETIME NOT NULL,
	last_offset   INTEGER NOT NULL DEFAULT 0,
	updated_at    DATETIME NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "state: migrate sqlite")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, resourceType string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx,
		`SELECT resource_type, last_run_time, last_offset, updated_at FROM checkpoints WHERE resource_type = ?`,
		resourceType,
	).Scan(&cp.ResourceType, &cp.LastRunTime, &cp.LastOffset, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "state: get checkpoint %s", resourceType)
	}
	cp.LastRunTime = cp.LastRunTime.UTC()
	return &cp, nil
}

func (s *SQLiteStore) Put(ctx context.Context, cp Checkpoint) error {
	if cp.ResourceType == "" {
		return eris.New("state: checkpoint without resource type")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (resource_type, last_run_time, last_offset, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(resource_type) DO UPDATE SET
			last_run_time = excluded.last_run_time,
			last_offset   = excluded.last_offset,
			updated_at    = excluded.updated_at
		WHERE excluded.last_run_time >= checkpoints.last_run_time`,
		cp.ResourceType, cp.LastRunTime.UTC(), cp.LastOffset, now,
	)
	if err != nil {
		return eris.Wrapf(err, "state: put checkpoint %s", cp.ResourceType)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "state: rows affected")
	}
	if n == 0 {
		return ErrStaleCheckpoint
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, resourceType string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE resource_type = ?`, resourceType)
	return eris.Wrapf(err, "state: clear checkpoint %s", resourceType)
}

func (s *SQLiteStore) List(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
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
