package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file" (default): snapshot + append-only journal, no dependencies
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// UserRecord is one end-user's entitlement state. The registry owns records
// exclusively; callers only ever see copies.
type UserRecord struct {
	// FirstInteraction is set once at first contact and never mutated.
	FirstInteraction time.Time `json:"first_interaction"`
	// LastActivity is updated on every inbound interaction.
	LastActivity time.Time `json:"last_activity"`
	// HasMaterial is true iff the material has been granted and not revoked.
	HasMaterial bool `json:"has_material"`
	// ReceivedMaterial is set when HasMaterial transitions false to true.
	ReceivedMaterial *time.Time `json:"received_material,omitempty"`
}

// Stats is the process-wide aggregate. Counters only go up.
type Stats struct {
	Materials     int        `json:"materials"`
	Audits        int        `json:"audits"`
	Broadcasts    int        `json:"broadcasts"`
	LastBroadcast *time.Time `json:"last_broadcast,omitempty"`
}
