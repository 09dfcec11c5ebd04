package storage

import (
	"context"
	"errors"
	"strings"

	logx "gatebot/pkg/logx"
)

// Store is the user registry plus aggregate stats.
//
// Mutating calls persist before returning. Absence of a user is not an error;
// it is reported through the ok bool.
type Store interface {
	// GetUser returns a copy of the record for id.
	GetUser(ctx context.Context, id int64) (UserRecord, bool, error)

	// UpsertUser applies mut to the current record for id (zero record if
	// absent) and stores the result. Calls for the same id are serialized;
	// calls for different ids may run concurrently.
	UpsertUser(ctx context.Context, id int64, mut func(*UserRecord)) (UserRecord, error)

	// RemoveUser deletes the record for id. Removing an absent id is a no-op.
	RemoveUser(ctx context.Context, id int64) error

	// Users returns a point-in-time copy of all records. Mutations after the
	// call are not observed through the returned map.
	Users(ctx context.Context) (map[int64]UserRecord, error)

	CountUsers(ctx context.Context) (int, error)

	Stats(ctx context.Context) (Stats, error)

	// UpdateStats applies mut to the aggregate and persists it.
	UpdateStats(ctx context.Context, mut func(*Stats)) (Stats, error)

	Close() error
}

// Open initializes the configured store. An empty driver defaults to "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
