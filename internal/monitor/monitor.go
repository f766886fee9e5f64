// Package monitor periodically verifies every daemon, restarts the ones that
// died within the limits of the restart policy, and reports a health snapshot.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/keepr/internal/history"
	"github.com/loykin/keepr/internal/launcher"
	"github.com/loykin/keepr/internal/metrics"
	"github.com/loykin/keepr/internal/policy"
	"github.com/loykin/keepr/internal/registry"
)

const DefaultInterval = 300 * time.Second

// Monitor runs health cycles. It keeps no state between cycles apart from
// the last snapshot it hands to observers.
type Monitor struct {
	launcher *launcher.Launcher
	reg      *registry.Registry
	policy   *policy.Engine
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	sample   bool

	mu      sync.RWMutex
	last    *Snapshot
	onCycle []func(Snapshot)
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the health channel logger.
func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// WithResourceSampling records CPU and memory of healthy daemons each cycle.
func WithResourceSampling(on bool) Option { return func(m *Monitor) { m.sample = on } }

// OnCycle registers fn to receive every snapshot.
func OnCycle(fn func(Snapshot)) Option {
	return func(m *Monitor) { m.onCycle = append(m.onCycle, fn) }
}

func New(l *launcher.Launcher, reg *registry.Registry, pol *policy.Engine, opts ...Option) *Monitor {
	m := &Monitor{
		launcher: l,
		reg:      reg,
		policy:   pol,
		logger:   slog.New(slog.DiscardHandler),
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Interval returns the time between cycles.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Run performs a cycle immediately and then every interval until ctx is
// done. Supervised daemons keep running after Run returns.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started", "interval", m.interval.String(), "daemons", len(m.launcher.Names()))
	m.RunCycle(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return nil
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// Last returns the most recent snapshot.
func (m *Monitor) Last() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return Snapshot{}, false
	}
	return *m.last, true
}

// Check verifies every daemon without restarting anything.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	return m.cycle(ctx, false)
}

// RunCycle verifies every daemon and restarts failed ones the policy allows.
func (m *Monitor) RunCycle(ctx context.Context) Snapshot {
	return m.cycle(ctx, true)
}

func (m *Monitor) cycle(ctx context.Context, restart bool) Snapshot {
	began := time.Now()
	snap := Snapshot{TakenAt: m.now().UTC(), Entries: []Entry{}, Issues: []Issue{}}
	for _, name := range m.launcher.Names() {
		if ctx.Err() != nil {
			break
		}
		entry, issue := m.checkDaemon(ctx, name, restart)
		snap.Entries = append(snap.Entries, entry)
		if issue != nil {
			snap.Issues = append(snap.Issues, *issue)
		}
		metrics.SetUp(name, entry.State.Up())
		if !entry.State.Up() {
			metrics.Forget(name)
		}
	}

	score, err := m.healthScore(ctx)
	if err != nil {
		m.logger.Error("health score unavailable", "error", err)
		up := 0
		for _, e := range snap.Entries {
			if e.State.Up() {
				up++
			}
		}
		score = registry.Score(up, len(m.launcher.Names()))
	}
	snap.Score = score
	metrics.SetHealthScore(score)
	metrics.ObserveCycle(time.Since(began).Seconds())

	level := slog.LevelInfo
	if !snap.Healthy() {
		level = slog.LevelWarn
	}
	m.logger.Log(ctx, level, "health snapshot",
		"score", snap.Score, "issues", len(snap.Issues), "entries", snap.Entries, "restart", restart)

	m.mu.Lock()
	m.last = &snap
	hooks := append([]func(Snapshot){}, m.onCycle...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(snap)
	}
	return snap
}

func (m *Monitor) healthScore(ctx context.Context) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.reg.HealthScore(ctx)
}

// checkDaemon handles one daemon. Any panic is contained here so one broken
// daemon cannot stop the cycle for the others.
func (m *Monitor) checkDaemon(ctx context.Context, name string, restart bool) (entry Entry, issue *Issue) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("daemon check panicked", "daemon", name, "panic", fmt.Sprint(r))
			entry = Entry{Name: name, State: Down, Issue: IssueRestartFailed}
			issue = &Issue{Name: name, Kind: IssueRestartFailed, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	v, err := m.reg.Verify(ctx, name)
	if err != nil {
		m.logger.Error("verify failed", "daemon", name, "error", err)
		return Entry{Name: name, State: Down, Issue: IssueRegistryError}, &Issue{Name: name, Kind: IssueRegistryError, Detail: err.Error()}
	}
	if v.Status == registry.Valid {
		e := Entry{Name: name, State: Healthy, PID: v.Record.PID}
		if m.sample {
			if u, ok := metrics.Sample(name, v.Record.PID); ok {
				e.Usage = &u
			}
		}
		return e, nil
	}

	kind, reason := IssueNeverStarted, history.ReasonNeverStarted
	if v.Status == registry.Stale {
		kind, reason = IssueStalePID, history.ReasonStalePID
	}
	detected := &Issue{Name: name, Kind: kind, Detail: v.Reason}
	if !restart {
		return Entry{Name: name, State: Down, Issue: kind}, detected
	}

	now := m.now()
	decision, err := m.policy.ShouldRestart(ctx, name, now)
	if err != nil {
		m.logger.Error("restart history unavailable", "daemon", name, "error", err)
		return Entry{Name: name, State: Down, Issue: IssueRegistryError}, &Issue{Name: name, Kind: IssueRegistryError, Detail: err.Error()}
	}
	if denied := decision.Err(); denied != nil {
		denial := IssueRateLimited
		if errors.Is(denied, policy.ErrCooldown) {
			denial = IssueCooldown
		}
		if _, err := m.policy.RecordEvent(ctx, name, reason, history.OutcomeDenied, v.Record.PID, 0, policy.WithDenial(decision.Reason)); err != nil {
			m.logger.Error("record denial failed", "daemon", name, "error", err)
		}
		m.logger.Warn("restart denied", "daemon", name, "error", denied, "retry_at", decision.RetryAt, "detected", string(kind))
		return Entry{Name: name, State: Degraded, Issue: denial}, &Issue{Name: name, Kind: denial, Detail: string(kind)}
	}

	entry = Entry{Name: name}
	err = m.launcher.Exclusive(ctx, name, func(tx *launcher.Tx) error {
		again, err := tx.Verify(ctx)
		if err != nil {
			return err
		}
		if again.Status == registry.Valid {
			// a concurrent command already brought it back
			entry.State, entry.PID = Healthy, again.Record.PID
			detected = nil
			return nil
		}
		var res launcher.Result
		var opErr error
		if again.Status == registry.Stale {
			res, opErr = tx.Restart(ctx)
		} else {
			res, opErr = tx.Start(ctx)
		}
		prev := v.Record.PID
		if res.PrevPID != 0 {
			prev = res.PrevPID
		}
		outcome := history.OutcomeSuccess
		if opErr != nil {
			outcome = history.OutcomeFailed
		}
		if _, err := m.policy.RecordEvent(ctx, name, reason, outcome, prev, res.PID, policy.WithError(opErr)); err != nil {
			m.logger.Error("record restart failed", "daemon", name, "error", err)
		}
		if opErr != nil {
			return opErr
		}
		entry.State, entry.Issue, entry.PID = Recovered, kind, res.PID
		m.logger.Info("daemon recovered", "daemon", name, "prev_pid", prev, "pid", res.PID, "reason", string(reason))
		return nil
	})
	if err != nil {
		m.logger.Error("restart failed", "daemon", name, "error", err)
		return Entry{Name: name, State: Down, Issue: IssueRestartFailed}, &Issue{Name: name, Kind: IssueRestartFailed, Detail: err.Error()}
	}
	return entry, detected
}
