package monitor

import (
	"time"

	"github.com/loykin/keepr/internal/metrics"
)

// State is a daemon's condition at the end of a cycle.
type State string

const (
	Healthy   State = "healthy"
	Recovered State = "recovered"
	Down      State = "down"
	Degraded  State = "degraded"
)

// Up reports whether the daemon is running at the end of the cycle.
func (s State) Up() bool { return s == Healthy || s == Recovered }

// IssueKind classifies what a cycle found wrong with a daemon.
type IssueKind string

const (
	IssueStalePID      IssueKind = "stale-pid"
	IssueNeverStarted  IssueKind = "never-started"
	IssueRateLimited   IssueKind = "rate_limit_exceeded"
	IssueCooldown      IssueKind = "cooldown_active"
	IssueRestartFailed IssueKind = "restart_failed"
	IssueRegistryError IssueKind = "registry_error"
)

// Issue is one problem reported by a cycle.
type Issue struct {
	Name   string    `json:"name"`
	Kind   IssueKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// Entry is one daemon's line in a snapshot.
type Entry struct {
	Name  string         `json:"name"`
	State State          `json:"state"`
	Issue IssueKind      `json:"issue,omitempty"`
	PID   int            `json:"pid,omitempty"`
	Usage *metrics.Usage `json:"usage,omitempty"`
}

// Snapshot is the aggregate result of one cycle. It is informational only;
// the registry and the ledger stay the source of truth.
type Snapshot struct {
	TakenAt time.Time `json:"taken_at"`
	Score   float64   `json:"score"`
	Entries []Entry   `json:"entries"`
	Issues  []Issue   `json:"issues"`
}

// Healthy reports whether every configured daemon is running.
func (s Snapshot) Healthy() bool { return s.Score >= 100 }

// Entry returns the entry for name.
func (s Snapshot) Entry(name string) (Entry, bool) {
	for _, e := range s.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}
