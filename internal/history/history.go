// Package history is the per-daemon restart ledger: an append-only,
// retention-capped list of restart attempts and denials.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Reason says why a restart was attempted.
type Reason string

const (
	ReasonStalePID     Reason = "stale-pid"
	ReasonNeverStarted Reason = "never-started"
	ReasonManual       Reason = "manual"
)

// Outcome is the result of one restart attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailed  Outcome = "failed"
)

// DefaultRetention is the number of events kept per daemon.
const DefaultRetention = 100

// Event is one ledger entry.
type Event struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Timestamp    time.Time `json:"timestamp"`
	Reason       Reason    `json:"reason"`
	Outcome      Outcome   `json:"outcome"`
	DenialReason string    `json:"denial_reason,omitempty"`
	PrevPID      int       `json:"prev_pid,omitempty"`
	NewPID       int       `json:"new_pid,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// NewEvent stamps a fresh id on an event.
func NewEvent(name string, at time.Time, reason Reason, outcome Outcome) Event {
	return Event{
		ID:        uuid.NewString(),
		Name:      name,
		Timestamp: at.UTC(),
		Reason:    reason,
		Outcome:   outcome,
	}
}

// Ledger persists events per daemon. List returns events oldest first.
// Backends drop the oldest events beyond their retention on Append.
// Implementations must be safe for concurrent use.
type Ledger interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, name string) ([]Event, error)
	Close() error
}

// Sink is a destination for restart events in analytics systems.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Validate rejects events a backend must not store.
func Validate(e Event) error {
	switch {
	case e.Name == "":
		return errors.New("event without daemon name")
	case e.ID == "":
		return errors.New("event without id")
	case e.Timestamp.IsZero():
		return errors.New("event without timestamp")
	}
	return nil
}

// Retention normalizes a configured retention.
func Retention(n int) int {
	if n <= 0 {
		return DefaultRetention
	}
	return n
}

// Tail returns the last n events.
func Tail(events []Event, n int) []Event {
	if n <= 0 || len(events) <= n {
		return events
	}
	return events[len(events)-n:]
}
