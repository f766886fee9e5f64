package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/keepr/internal/history"
	"github.com/loykin/keepr/internal/launcher"
	"github.com/loykin/keepr/internal/lock"
	"github.com/loykin/keepr/internal/platform/platformtest"
	"github.com/loykin/keepr/internal/policy"
	"github.com/loykin/keepr/internal/registry"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyStore fails or panics for selected names.
type flakyStore struct {
	registry.Store
	failGet  map[string]bool
	panicGet map[string]bool
}

func (s *flakyStore) Get(ctx context.Context, name string) (registry.Record, error) {
	if s.panicGet[name] {
		panic("store exploded")
	}
	if s.failGet[name] {
		return registry.Record{}, errors.New("disk unreadable")
	}
	return s.Store.Get(ctx, name)
}

type fixture struct {
	mon    *Monitor
	l      *launcher.Launcher
	reg    *registry.Registry
	pol    *policy.Engine
	ledger *history.MemoryLedger
	fake   *platformtest.Fake
	store  *flakyStore
	clock  *clock
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	daemons := make([]launcher.Daemon, 0, len(names))
	for _, n := range names {
		daemons = append(daemons, launcher.Daemon{Name: n, Command: "run-" + n})
	}
	locks, err := lock.New(filepath.Join(t.TempDir(), "locks"), time.Second)
	require.NoError(t, err)
	fake := platformtest.New()
	st := &flakyStore{Store: registry.NewMemoryStore(), failGet: map[string]bool{}, panicGet: map[string]bool{}}
	reg := registry.New(st, fake, names, registry.WithGuard(locks))
	l, err := launcher.New(daemons, reg, fake, locks, nil, launcher.Options{
		SpawnTimeout: 100 * time.Millisecond,
		PollInterval: time.Millisecond,
		StartGrace:   time.Millisecond,
		StopTimeout:  10 * time.Millisecond,
		KillTimeout:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	clk := &clock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	ledger := history.NewMemoryLedger(0)
	pol := policy.New(policy.DefaultConfig(), ledger, policy.WithClock(clk.Now))
	mon := New(l, reg, pol, WithClock(clk.Now), WithInterval(10*time.Millisecond))
	return &fixture{mon: mon, l: l, reg: reg, pol: pol, ledger: ledger, fake: fake, store: st, clock: clk}
}

func (f *fixture) pid(t *testing.T, name string) int {
	t.Helper()
	rec, found, err := f.reg.Get(context.Background(), name)
	require.NoError(t, err)
	require.True(t, found)
	return rec.PID
}

func TestCycleRecoversKilledDaemon(t *testing.T) {
	f := newFixture(t, "ctx")
	ctx := context.Background()
	res, err := f.l.Start(ctx, "ctx")
	require.NoError(t, err)

	snap := f.mon.RunCycle(ctx)
	assert.Equal(t, 100.0, snap.Score)
	assert.Empty(t, snap.Issues)

	f.fake.Kill(res.PID)
	score, err := f.reg.HealthScore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)

	f.clock.Advance(time.Minute)
	snap = f.mon.RunCycle(ctx)
	e, ok := snap.Entry("ctx")
	require.True(t, ok)
	assert.Equal(t, Recovered, e.State)
	assert.NotEqual(t, res.PID, e.PID)
	assert.Equal(t, f.pid(t, "ctx"), e.PID)
	assert.Equal(t, 100.0, snap.Score)
	require.Len(t, snap.Issues, 1)
	assert.Equal(t, IssueStalePID, snap.Issues[0].Kind)

	evs, err := f.ledger.List(ctx, "ctx")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, history.ReasonStalePID, evs[0].Reason)
	assert.Equal(t, history.OutcomeSuccess, evs[0].Outcome)
	assert.Equal(t, res.PID, evs[0].PrevPID)
	assert.Equal(t, e.PID, evs[0].NewPID)
}

func TestCycleStartsNeverStartedDaemon(t *testing.T) {
	f := newFixture(t, "api")
	snap := f.mon.RunCycle(context.Background())
	e, _ := snap.Entry("api")
	assert.Equal(t, Recovered, e.State)
	assert.Equal(t, IssueNeverStarted, e.Issue)

	evs, err := f.ledger.List(context.Background(), "api")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, history.ReasonNeverStarted, evs[0].Reason)
	assert.Zero(t, evs[0].PrevPID)
}

func TestCrashLoopIsRateLimited(t *testing.T) {
	f := newFixture(t, "ctx")
	ctx := context.Background()
	_, err := f.l.Start(ctx, "ctx")
	require.NoError(t, err)

	var states []State
	for i := 0; i < 5; i++ {
		if rec, found, _ := f.reg.Get(ctx, "ctx"); found {
			f.fake.Kill(rec.PID)
		}
		f.clock.Advance(2 * time.Minute)
		snap := f.mon.RunCycle(ctx)
		e, _ := snap.Entry("ctx")
		states = append(states, e.State)
	}
	assert.Equal(t, []State{Recovered, Recovered, Recovered, Degraded, Degraded}, states)

	last, ok := f.mon.Last()
	require.True(t, ok)
	e, _ := last.Entry("ctx")
	assert.Equal(t, IssueRateLimited, e.Issue)
	assert.Equal(t, 0.0, last.Score)

	evs, err := f.ledger.List(ctx, "ctx")
	require.NoError(t, err)
	require.Len(t, evs, 5)
	var outcomes []history.Outcome
	for _, ev := range evs {
		outcomes = append(outcomes, ev.Outcome)
	}
	assert.Equal(t, []history.Outcome{
		history.OutcomeSuccess, history.OutcomeSuccess, history.OutcomeSuccess,
		history.OutcomeDenied, history.OutcomeDenied,
	}, outcomes)
	assert.Equal(t, policy.DenyRateLimit, evs[4].DenialReason)
}

func TestCooldownDeniesQuickSecondRestart(t *testing.T) {
	f := newFixture(t, "api")
	ctx := context.Background()
	f.mon.RunCycle(ctx) // never-started -> success
	f.fake.Kill(f.pid(t, "api"))
	f.clock.Advance(10 * time.Second)

	snap := f.mon.RunCycle(ctx)
	e, _ := snap.Entry("api")
	assert.Equal(t, Degraded, e.State)
	assert.Equal(t, IssueCooldown, e.Issue)
}

func TestCooldownRunsFromLastDenial(t *testing.T) {
	f := newFixture(t, "api")
	ctx := context.Background()
	f.mon.RunCycle(ctx)
	f.fake.Kill(f.pid(t, "api"))

	f.clock.Advance(10 * time.Second)
	f.mon.RunCycle(ctx)

	// 65s after the restart but only 55s after the denial
	f.clock.Advance(55 * time.Second)
	snap := f.mon.RunCycle(ctx)
	e, _ := snap.Entry("api")
	assert.Equal(t, IssueCooldown, e.Issue)

	f.clock.Advance(61 * time.Second)
	snap = f.mon.RunCycle(ctx)
	e, _ = snap.Entry("api")
	assert.Equal(t, Recovered, e.State)

	evs, err := f.ledger.List(ctx, "api")
	require.NoError(t, err)
	var outcomes []history.Outcome
	for _, ev := range evs {
		outcomes = append(outcomes, ev.Outcome)
	}
	assert.Equal(t, []history.Outcome{
		history.OutcomeSuccess, history.OutcomeDenied, history.OutcomeDenied, history.OutcomeSuccess,
	}, outcomes)
}

func TestFailedRestartIsRecorded(t *testing.T) {
	f := newFixture(t, "api")
	f.fake.DieOnBoot["run-api"] = true
	snap := f.mon.RunCycle(context.Background())
	e, _ := snap.Entry("api")
	assert.Equal(t, Down, e.State)
	assert.Equal(t, IssueRestartFailed, e.Issue)

	evs, err := f.ledger.List(context.Background(), "api")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, history.OutcomeFailed, evs[0].Outcome)
	assert.NotEmpty(t, evs[0].Error)
}

func TestPerDaemonIsolation(t *testing.T) {
	f := newFixture(t, "a", "broken", "exploding", "b")
	f.store.failGet["broken"] = true
	f.store.panicGet["exploding"] = true

	snap := f.mon.RunCycle(context.Background())
	require.Len(t, snap.Entries, 4)
	got := map[string]Entry{}
	for _, e := range snap.Entries {
		got[e.Name] = e
	}
	assert.Equal(t, Recovered, got["a"].State)
	assert.Equal(t, Recovered, got["b"].State)
	assert.Equal(t, IssueRegistryError, got["broken"].Issue)
	assert.Equal(t, Down, got["exploding"].State)
	assert.Equal(t, IssueRestartFailed, got["exploding"].Issue)
}

func TestCheckNeverRestarts(t *testing.T) {
	f := newFixture(t, "api")
	snap := f.mon.Check(context.Background())
	e, _ := snap.Entry("api")
	assert.Equal(t, Down, e.State)
	assert.Equal(t, IssueNeverStarted, e.Issue)
	assert.False(t, snap.Healthy())
	assert.Zero(t, f.fake.Spawns())
}

func TestManualRecoveryBetweenDecisionAndLockIsNotRecorded(t *testing.T) {
	f := newFixture(t, "api")
	ctx := context.Background()
	// the daemon is started by hand while the monitor waits for the lock
	done := make(chan struct{})
	require.NoError(t, f.l.Exclusive(ctx, "api", func(tx *launcher.Tx) error {
		go func() {
			defer close(done)
			f.mon.RunCycle(ctx)
		}()
		time.Sleep(50 * time.Millisecond)
		_, err := tx.Start(ctx)
		return err
	}))
	<-done
	snap, ok := f.mon.Last()
	require.True(t, ok)
	e, _ := snap.Entry("api")
	assert.Equal(t, Healthy, e.State)
	evs, err := f.ledger.List(ctx, "api")
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Equal(t, 1, f.fake.Spawns())
}

func TestRunInvokesHooksUntilCancelled(t *testing.T) {
	var mu sync.Mutex
	count := 0
	f := newFixture(t, "api")
	f.mon.onCycle = append(f.mon.onCycle, func(Snapshot) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mon.Run(ctx) }()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// the daemon outlives the monitor
	st, err := f.l.Status(context.Background(), "api")
	require.NoError(t, err)
	assert.True(t, st.Running)
}
