package state

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/medic-kiel/aql2fhir/internal/config"
)

// Checkpoint is the durable extraction progress marker for one resource type.
// LastRunTime is the exclusive upper bound of the last fully delivered window;
// LastOffset is the pending page offset inside the current window (zero when
// the window completed).
type Checkpoint struct {
	ResourceType string    `json:"resource_type"`
	LastRunTime  time.Time `json:"last_run_time"`
	LastOffset   int       `json:"last_offset"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists checkpoints across restarts. Writes are atomic per resource
// type and LastRunTime never moves backwards.
type Store interface {
	// Get returns the checkpoint for a resource type, or nil if none exists.
	Get(ctx context.Context, resourceType string) (*Checkpoint, error)

	// Put upserts a checkpoint. A write whose LastRunTime is earlier than
	// the persisted one is rejected.
	Put(ctx context.Context, cp Checkpoint) error

	// Clear removes the checkpoint for a resource type.
	Clear(ctx context.Context, resourceType string) error

	// List returns all checkpoints ordered by resource type.
	List(ctx context.Context) ([]Checkpoint, error)

	Migrate(ctx context.Context) error
	Close() error
}

// ErrStaleCheckpoint is returned when a Put would move LastRunTime backwards.
var ErrStaleCheckpoint = eris.New("state: checkpoint older than persisted one")

// Open creates a Store for the configured backend.
func Open(ctx context.Context, cfg config.StateConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLite(cfg.Path)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("state: unknown driver %q", cfg.Driver)
	}
}
