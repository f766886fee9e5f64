package launcher

import (
	"errors"
	"fmt"
	"time"
)

// Outcome is the result kind of a lifecycle operation.
type Outcome string

const (
	Started        Outcome = "started"
	AlreadyRunning Outcome = "already_running"
	StartFailed    Outcome = "start_failed"
	Stopped        Outcome = "stopped"
	NotRunning     Outcome = "not_running"
	StopTimedOut   Outcome = "stop_timeout"
	Restarted      Outcome = "restarted"
	RestartFailed  Outcome = "restart_failed"
)

// OK reports whether the outcome leaves the daemon in the requested state.
func (o Outcome) OK() bool {
	switch o {
	case Started, AlreadyRunning, Stopped, NotRunning, Restarted:
		return true
	}
	return false
}

var (
	// ErrUnknownDaemon is returned for names missing from the catalog.
	ErrUnknownDaemon = errors.New("unknown daemon")
	// ErrStopTimeout is returned when a process survives forced termination.
	ErrStopTimeout = errors.New("stop timeout")
)

// StartError wraps the reason a daemon failed to start.
type StartError struct {
	Name string
	Err  error
}

func (e *StartError) Error() string { return fmt.Sprintf("start %s: %v", e.Name, e.Err) }
func (e *StartError) Unwrap() error { return e.Err }

// Result reports one lifecycle operation. Err is set for StartFailed,
// StopTimedOut and RestartFailed and mirrors the returned error.
type Result struct {
	Name    string  `json:"name"`
	Outcome Outcome `json:"outcome"`
	PID     int     `json:"pid,omitempty"`
	PrevPID int     `json:"prev_pid,omitempty"`
	// Coalesced is true when a restart found that a concurrent restart had
	// already produced a verified process and did not spawn again.
	Coalesced bool  `json:"coalesced,omitempty"`
	Err       error `json:"-"`
}

// Status is a point-in-time view of a daemon, based on verification.
type Status struct {
	Name      string        `json:"name"`
	Running   bool          `json:"running"`
	PID       int           `json:"pid,omitempty"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	Uptime    time.Duration `json:"uptime,omitempty"`
}

// Daemon describes one supervised program.
type Daemon struct {
	Name    string
	Command string
	WorkDir string
	Env     []string
	// StopTimeout overrides Options.StopTimeout when positive.
	StopTimeout time.Duration
}

const (
	DefaultSpawnTimeout = 2 * time.Second
	DefaultPollInterval = 25 * time.Millisecond
	DefaultStartGrace   = 200 * time.Millisecond
	DefaultStopTimeout  = 5 * time.Second
	DefaultKillTimeout  = 2 * time.Second
)

// Options tunes start and stop timing. Zero values select the defaults.
type Options struct {
	SpawnTimeout time.Duration
	PollInterval time.Duration
	StartGrace   time.Duration
	StopTimeout  time.Duration
	KillTimeout  time.Duration
}

func (o Options) normalized() Options {
	if o.SpawnTimeout <= 0 {
		o.SpawnTimeout = DefaultSpawnTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StartGrace <= 0 {
		o.StartGrace = DefaultStartGrace
	}
	if o.StartGrace > o.SpawnTimeout {
		o.StartGrace = o.SpawnTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = DefaultKillTimeout
	}
	return o
}
