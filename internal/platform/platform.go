// Package platform hides every OS-specific process primitive the supervisor
// needs behind the Adapter interface. Nothing above this package branches on
// runtime.GOOS.
package platform

import "errors"

// TerminateMode selects how a process is asked to exit.
type TerminateMode int

const (
	// Graceful asks the process to exit (SIGTERM on unix).
	Graceful TerminateMode = iota
	// Forced kills the process outright (SIGKILL on unix, TerminateProcess on windows).
	Forced
)

func (m TerminateMode) String() string {
	if m == Forced {
		return "forced"
	}
	return "graceful"
}

// ErrEmptyCommand is returned when a spawn is requested without a command.
var ErrEmptyCommand = errors.New("empty command")

// Spec describes a process to spawn.
// Stdout and Stderr are file paths; when empty the stream goes to the null device.
type Spec struct {
	Name    string
	Command string
	WorkDir string
	Env     []string
	Stdout  string
	Stderr  string
}

// Process identifies a spawned process.
// StartedAt is the OS-reported start time in Unix seconds, 0 when unavailable.
type Process struct {
	PID       int
	StartedAt int64
}

// Adapter is the OS boundary of the supervisor.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// SpawnDetached starts spec in its own session so it outlives the caller.
	SpawnDetached(spec Spec) (Process, error)
	// IsAlive reports whether pid exists and, when startedAt > 0, whether its
	// start time still matches (guards against pid reuse).
	IsAlive(pid int, startedAt int64) bool
	// StartTime returns the start time of pid in Unix seconds, 0 when unknown.
	StartTime(pid int) int64
	// Terminate signals pid. A process that is already gone is not an error.
	Terminate(pid int, mode TerminateMode) error
}

// startTimeTolerance absorbs clock-tick rounding between two reads of the same
// process start time.
const startTimeTolerance = 1

// SameStart compares a recorded start time with a live one. Unknown values
// (<= 0) never cause a mismatch.
func SameStart(recorded, live int64) bool {
	if recorded <= 0 || live <= 0 {
		return true
	}
	d := recorded - live
	if d < 0 {
		d = -d
	}
	return d <= startTimeTolerance
}

// native is implemented per OS in native_unix.go and native_windows.go.
type native struct{}

// Native returns the adapter for the running operating system.
func Native() Adapter { return native{} }
