// Package launcher starts and stops supervised daemons and keeps the PID
// registry in step with what it did.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/keepr/internal/lock"
	"github.com/loykin/keepr/internal/logger"
	"github.com/loykin/keepr/internal/metrics"
	"github.com/loykin/keepr/internal/platform"
	"github.com/loykin/keepr/internal/registry"
)

// Launcher owns lifecycle operations for a fixed catalog of daemons.
// All operations on one name are serialized through a per-name lock that
// also excludes other keepr processes sharing the state directory.
type Launcher struct {
	daemons map[string]Daemon
	order   []string
	reg     *registry.Registry
	adapter platform.Adapter
	locks   *lock.Locker
	logs    *logger.Channels
	opts    Options
	now     func() time.Time
}

// New builds a launcher. logs may be nil.
func New(daemons []Daemon, reg *registry.Registry, adapter platform.Adapter, locks *lock.Locker, logs *logger.Channels, opts Options) (*Launcher, error) {
	l := &Launcher{
		daemons: make(map[string]Daemon, len(daemons)),
		reg:     reg,
		adapter: adapter,
		locks:   locks,
		logs:    logs,
		opts:    opts.normalized(),
		now:     time.Now,
	}
	for _, d := range daemons {
		if d.Name == "" {
			return nil, errors.New("daemon without name")
		}
		if _, dup := l.daemons[d.Name]; dup {
			return nil, fmt.Errorf("duplicate daemon %q", d.Name)
		}
		l.daemons[d.Name] = d
		l.order = append(l.order, d.Name)
	}
	return l, nil
}

// Names returns the catalog in configuration order.
func (l *Launcher) Names() []string { return append([]string(nil), l.order...) }

func (l *Launcher) log(name string) *slog.Logger {
	if l.logs == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.logs.Daemon(name)
}

func (l *Launcher) events() *slog.Logger {
	if l.logs == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l.logs.Events()
}

func (l *Launcher) outputPaths(name string) (string, string) {
	if l.logs == nil {
		return "", ""
	}
	return l.logs.Config().OutputPaths(name)
}

// Tx runs lifecycle steps for one daemon while its lock is held.
type Tx struct {
	l     *Launcher
	d     Daemon
	since time.Time
}

// Name returns the daemon the transaction is bound to.
func (t *Tx) Name() string { return t.d.Name }

// Exclusive acquires the lock for name and runs fn with a Tx bound to it.
func (l *Launcher) Exclusive(ctx context.Context, name string, fn func(*Tx) error) error {
	d, ok := l.daemons[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDaemon, name)
	}
	since := l.now()
	release, err := l.locks.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()
	return fn(&Tx{l: l, d: d, since: since})
}

// Start spawns name unless a verified process is already running.
func (l *Launcher) Start(ctx context.Context, name string) (Result, error) {
	var res Result
	err := l.Exclusive(ctx, name, func(tx *Tx) error {
		var err error
		res, err = tx.Start(ctx)
		return err
	})
	return res, err
}

// Stop terminates name if it is running.
func (l *Launcher) Stop(ctx context.Context, name string) (Result, error) {
	var res Result
	err := l.Exclusive(ctx, name, func(tx *Tx) error {
		var err error
		res, err = tx.Stop(ctx)
		return err
	})
	return res, err
}

// Restart stops then starts name. Callers racing on the same name coalesce:
// whoever waited on the lock returns the restart that finished meanwhile.
func (l *Launcher) Restart(ctx context.Context, name string) (Result, error) {
	var res Result
	err := l.Exclusive(ctx, name, func(tx *Tx) error {
		var err error
		res, err = tx.coalescingRestart(ctx)
		return err
	})
	return res, err
}

// Status reports name without taking the lock; it never changes state.
func (l *Launcher) Status(ctx context.Context, name string) (Status, error) {
	if _, ok := l.daemons[name]; !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownDaemon, name)
	}
	return l.status(ctx, name)
}

// StatusAll reports every daemon in configuration order.
func (l *Launcher) StatusAll(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(l.order))
	for _, n := range l.order {
		st, err := l.status(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// StartAll starts the catalog in configuration order. One failure never
// stops the batch; the joined error lists every failure.
func (l *Launcher) StartAll(ctx context.Context) ([]Result, error) {
	return l.batch(ctx, l.order, l.Start)
}

// StopAll stops the catalog in reverse configuration order.
func (l *Launcher) StopAll(ctx context.Context) ([]Result, error) {
	rev := make([]string, 0, len(l.order))
	for i := len(l.order) - 1; i >= 0; i-- {
		rev = append(rev, l.order[i])
	}
	return l.batch(ctx, rev, l.Stop)
}

func (l *Launcher) batch(ctx context.Context, names []string, op func(context.Context, string) (Result, error)) ([]Result, error) {
	results := make([]Result, 0, len(names))
	var errs []error
	for _, n := range names {
		res, err := op(ctx, n)
		if res.Name == "" {
			res.Name = n
		}
		if err != nil {
			if res.Err == nil {
				res.Err = err
			}
			errs = append(errs, err)
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (l *Launcher) status(ctx context.Context, name string) (Status, error) {
	v, err := l.reg.Verify(ctx, name)
	if err != nil {
		return Status{}, err
	}
	st := Status{Name: name}
	if v.Status != registry.Valid {
		return st, nil
	}
	st.Running = true
	st.PID = v.Record.PID
	if v.Record.StartUnix > 0 {
		st.StartedAt = time.Unix(v.Record.StartUnix, 0).UTC()
		if up := l.now().Sub(st.StartedAt); up > 0 {
			st.Uptime = up.Truncate(time.Second)
		}
	}
	return st, nil
}

// Status reports the daemon without re-locking.
func (t *Tx) Status(ctx context.Context) (Status, error) { return t.l.status(ctx, t.d.Name) }

// Verify re-checks the daemon's record under the lock.
func (t *Tx) Verify(ctx context.Context) (registry.Verdict, error) {
	return t.l.reg.Verify(ctx, t.d.Name)
}

// Start spawns the daemon unless a verified process already runs. A stale
// record found on the way is removed.
func (t *Tx) Start(ctx context.Context) (Result, error) {
	l, name := t.l, t.d.Name
	log := l.log(name)
	res := Result{Name: name}

	v, err := l.reg.Verify(ctx, name)
	if err != nil {
		return res, err
	}
	switch v.Status {
	case registry.Valid:
		res.Outcome, res.PID = AlreadyRunning, v.Record.PID
		log.Info("already running", "pid", v.Record.PID)
		metrics.IncStart(name, string(res.Outcome))
		return res, nil
	case registry.Stale:
		log.Warn("removing stale pid record", "pid", v.Record.PID, "reason", v.Reason)
		if err := l.reg.Delete(ctx, name); err != nil {
			return res, err
		}
		res.PrevPID = v.Record.PID
	}

	proc, err := t.spawn(ctx)
	if err != nil {
		res.Outcome = StartFailed
		res.Err = &StartError{Name: name, Err: err}
		log.Error("start failed", "error", err)
		metrics.IncStart(name, string(res.Outcome))
		return res, res.Err
	}
	rec := registry.Record{PID: proc.PID, StartUnix: proc.StartedAt, Command: t.d.Command}
	if err := l.reg.Set(ctx, name, rec); err != nil {
		// the process runs but nobody will find it; do not leave it behind
		_ = l.adapter.Terminate(proc.PID, platform.Forced)
		res.Outcome = StartFailed
		res.Err = &StartError{Name: name, Err: err}
		log.Error("start failed: cannot record pid", "pid", proc.PID, "error", err)
		metrics.IncStart(name, string(res.Outcome))
		return res, res.Err
	}
	res.Outcome, res.PID = Started, proc.PID
	log.Info("started", "pid", proc.PID, "start_unix", proc.StartedAt, "command", t.d.Command)
	metrics.IncStart(name, string(res.Outcome))
	return res, nil
}

// spawn launches the process and waits until it has been alive for the
// start grace period.
func (t *Tx) spawn(ctx context.Context) (platform.Process, error) {
	l := t.l
	stdout, stderr := l.outputPaths(t.d.Name)
	proc, err := l.adapter.SpawnDetached(platform.Spec{
		Name:    t.d.Name,
		Command: t.d.Command,
		WorkDir: t.d.WorkDir,
		Env:     t.d.Env,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	if err != nil {
		return platform.Process{}, err
	}
	if proc.StartedAt <= 0 {
		proc.StartedAt = l.adapter.StartTime(proc.PID)
	}

	deadline := l.now().Add(l.opts.SpawnTimeout)
	var aliveSince time.Time
	for {
		alive := l.adapter.IsAlive(proc.PID, proc.StartedAt)
		now := l.now()
		switch {
		case alive && aliveSince.IsZero():
			aliveSince = now
		case !alive && !aliveSince.IsZero():
			return platform.Process{}, fmt.Errorf("pid %d exited within %s of starting", proc.PID, l.opts.StartGrace)
		}
		if alive && now.Sub(aliveSince) >= l.opts.StartGrace {
			return proc, nil
		}
		if now.After(deadline) {
			_ = l.adapter.Terminate(proc.PID, platform.Forced)
			if aliveSince.IsZero() {
				return platform.Process{}, fmt.Errorf("pid %d not alive within %s", proc.PID, l.opts.SpawnTimeout)
			}
			return platform.Process{}, fmt.Errorf("pid %d did not stay up for %s", proc.PID, l.opts.StartGrace)
		}
		if err := sleep(ctx, l.opts.PollInterval); err != nil {
			_ = l.adapter.Terminate(proc.PID, platform.Forced)
			return platform.Process{}, err
		}
	}
}

// Stop terminates the daemon gracefully, escalating to a forced kill.
func (t *Tx) Stop(ctx context.Context) (Result, error) {
	l, name := t.l, t.d.Name
	log := l.log(name)
	res := Result{Name: name}

	v, err := l.reg.Verify(ctx, name)
	if err != nil {
		return res, err
	}
	if v.Status != registry.Valid {
		if v.Status == registry.Stale {
			log.Warn("removing stale pid record", "pid", v.Record.PID, "reason", v.Reason)
			if err := l.reg.Delete(ctx, name); err != nil {
				return res, err
			}
		}
		res.Outcome = NotRunning
		metrics.IncStop(name, string(res.Outcome))
		return res, nil
	}

	pid, started := v.Record.PID, v.Record.StartUnix
	res.PrevPID = pid
	grace := l.opts.StopTimeout
	if t.d.StopTimeout > 0 {
		grace = t.d.StopTimeout
	}
	gone := l.terminate(ctx, pid, started, platform.Graceful, grace)
	if !gone {
		log.Warn("graceful stop timed out, killing", "pid", pid, "timeout", grace.String())
		gone = l.terminate(ctx, pid, started, platform.Forced, l.opts.KillTimeout)
	}
	if !gone {
		res.Outcome = StopTimedOut
		res.Err = fmt.Errorf("%s pid %d: %w", name, pid, ErrStopTimeout)
		log.Error("stop failed: process survived kill", "pid", pid)
		metrics.IncStop(name, string(res.Outcome))
		return res, res.Err
	}
	if err := l.reg.Delete(ctx, name); err != nil {
		return res, err
	}
	res.Outcome = Stopped
	log.Info("stopped", "pid", pid)
	metrics.IncStop(name, string(res.Outcome))
	return res, nil
}

// terminate signals pid with mode and polls until it is gone or timeout.
func (l *Launcher) terminate(ctx context.Context, pid int, started int64, mode platform.TerminateMode, timeout time.Duration) bool {
	if err := l.adapter.Terminate(pid, mode); err != nil {
		l.events().Debug("terminate signal failed", "pid", pid, "mode", mode.String(), "error", err)
	}
	deadline := l.now().Add(timeout)
	for {
		if !l.adapter.IsAlive(pid, started) {
			return true
		}
		if l.now().After(deadline) {
			return false
		}
		if sleep(ctx, l.opts.PollInterval) != nil {
			return !l.adapter.IsAlive(pid, started)
		}
	}
}

// Restart stops then starts the daemon. A stop that times out aborts the
// restart without spawning.
func (t *Tx) Restart(ctx context.Context) (Result, error) {
	stopRes, err := t.Stop(ctx)
	if err != nil {
		return Result{Name: t.d.Name, Outcome: RestartFailed, PrevPID: stopRes.PrevPID, Err: err}, err
	}
	startRes, err := t.Start(ctx)
	res := Result{Name: t.d.Name, PID: startRes.PID, PrevPID: stopRes.PrevPID}
	if res.PrevPID == 0 {
		res.PrevPID = startRes.PrevPID
	}
	if err != nil {
		res.Outcome, res.Err = RestartFailed, err
		return res, err
	}
	res.Outcome = Restarted
	return res, nil
}

func (t *Tx) coalescingRestart(ctx context.Context) (Result, error) {
	rec, found, err := t.l.reg.Get(ctx, t.d.Name)
	if err == nil && found && rec.WrittenAt.After(t.since) {
		v, err := t.l.reg.Verify(ctx, t.d.Name)
		if err == nil && v.Status == registry.Valid {
			t.l.log(t.d.Name).Info("restart coalesced with concurrent restart", "pid", rec.PID)
			return Result{Name: t.d.Name, Outcome: Restarted, PID: rec.PID, Coalesced: true}, nil
		}
	}
	return t.Restart(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
