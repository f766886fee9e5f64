package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no record exists for the name.
	ErrNotFound = errors.New("pid record not found")
	// ErrCorrupt means a record exists but cannot be decoded. Corrupt records
	// verify as stale and are reclaimed by CleanupStale.
	ErrCorrupt = errors.New("pid record corrupt")
)

// Record is the persisted identity of a running daemon.
// StartUnix is the OS start time of PID in Unix seconds (0 when unknown) and
// is what lets verification tell a reused pid from the original process.
type Record struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	StartUnix int64     `json:"start_unix"`
	Command   string    `json:"command,omitempty"`
	WrittenAt time.Time `json:"written_at"`
}

// Store is the backing key-value store, one record per daemon name.
// Put must replace atomically: a concurrent Get sees the old record or the
// new one, never a mix. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns ErrNotFound or ErrCorrupt (possibly wrapped) for missing and
	// undecodable records.
	Get(ctx context.Context, name string) (Record, error)
	Put(ctx context.Context, rec Record) error
	// Delete removes the record; a missing record is not an error.
	Delete(ctx context.Context, name string) error
	// Names lists every stored key, including corrupt records.
	Names(ctx context.Context) ([]string, error)
	Close() error
}
