// Package platformtest provides an in-memory platform.Adapter for tests that
// need to fake crashes, pid reuse or unkillable processes.
package platformtest

import (
	"errors"
	"sync"

	"github.com/loykin/keepr/internal/platform"
)

// Fake is a deterministic process table.
type Fake struct {
	mu        sync.Mutex
	nextPID   int
	clock     int64
	procs     map[int]int64 // pid -> start time
	commands  map[int]string
	spawns    int
	SpawnErr  error
	Ignore    map[int]platform.TerminateMode // pids that ignore a termination mode
	DieOnBoot map[string]bool                // commands that exit right after spawn
}

// New returns an empty process table with pids starting at 1000.
func New() *Fake {
	return &Fake{
		nextPID:   1000,
		clock:     1_700_000_000,
		procs:     map[int]int64{},
		commands:  map[int]string{},
		Ignore:    map[int]platform.TerminateMode{},
		DieOnBoot: map[string]bool{},
	}
}

func (f *Fake) SpawnDetached(spec platform.Spec) (platform.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SpawnErr != nil {
		return platform.Process{}, f.SpawnErr
	}
	if spec.Command == "" {
		return platform.Process{}, platform.ErrEmptyCommand
	}
	f.spawns++
	f.nextPID++
	f.clock += 10
	pid := f.nextPID
	if !f.DieOnBoot[spec.Command] {
		f.procs[pid] = f.clock
		f.commands[pid] = spec.Command
	}
	return platform.Process{PID: pid, StartedAt: f.clock}, nil
}

func (f *Fake) IsAlive(pid int, startedAt int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.procs[pid]
	if !ok {
		return false
	}
	return startedAt <= 0 || platform.SameStart(startedAt, st)
}

func (f *Fake) StartTime(pid int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[pid]
}

func (f *Fake) Terminate(pid int, mode platform.TerminateMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ignored, ok := f.Ignore[pid]; ok && (ignored == mode || ignored == platform.Forced) {
		return nil
	}
	delete(f.procs, pid)
	delete(f.commands, pid)
	return nil
}

// Kill removes pid as if it crashed or was killed out of band.
func (f *Fake) Kill(pid int) {
	f.mu.Lock()
	delete(f.procs, pid)
	delete(f.commands, pid)
	f.mu.Unlock()
}

// Reuse makes pid appear alive again as an unrelated process with a new start time.
func (f *Fake) Reuse(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.procs[pid]; ok {
		return errors.New("pid still in use")
	}
	f.clock += 1000
	f.procs[pid] = f.clock
	f.commands[pid] = "unrelated"
	return nil
}

// Spawns returns how many processes were spawned.
func (f *Fake) Spawns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns
}

// Alive returns the number of live processes started for command.
func (f *Fake) Alive(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for pid := range f.procs {
		if f.commands[pid] == command {
			n++
		}
	}
	return n
}

var _ platform.Adapter = (*Fake)(nil)
