package launcher

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/keepr/internal/lock"
	"github.com/loykin/keepr/internal/platform"
	"github.com/loykin/keepr/internal/platform/platformtest"
	"github.com/loykin/keepr/internal/registry"
)

var fastOptions = Options{
	SpawnTimeout: 200 * time.Millisecond,
	PollInterval: time.Millisecond,
	StartGrace:   2 * time.Millisecond,
	StopTimeout:  20 * time.Millisecond,
	KillTimeout:  20 * time.Millisecond,
}

type fixture struct {
	l     *Launcher
	reg   *registry.Registry
	store *registry.MemoryStore
	fake  *platformtest.Fake
}

func newFixture(t *testing.T, daemons ...Daemon) *fixture {
	t.Helper()
	if len(daemons) == 0 {
		daemons = []Daemon{{Name: "api", Command: "api-server"}}
	}
	names := make([]string, 0, len(daemons))
	for _, d := range daemons {
		names = append(names, d.Name)
	}
	locks, err := lock.New(filepath.Join(t.TempDir(), "locks"), time.Second)
	require.NoError(t, err)
	st := registry.NewMemoryStore()
	fake := platformtest.New()
	reg := registry.New(st, fake, names, registry.WithGuard(locks))
	l, err := New(daemons, reg, fake, locks, nil, fastOptions)
	require.NoError(t, err)
	return &fixture{l: l, reg: reg, store: st, fake: fake}
}

func TestNewRejectsBadCatalog(t *testing.T) {
	_, err := New([]Daemon{{Name: "a"}, {Name: "a"}}, nil, nil, nil, nil, Options{})
	require.Error(t, err)
	_, err = New([]Daemon{{Command: "x"}}, nil, nil, nil, nil, Options{})
	require.Error(t, err)
}

func TestStartStatusStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.l.Start(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, Started, res.Outcome)
	assert.NotZero(t, res.PID)

	st, err := f.l.Status(ctx, "api")
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, res.PID, st.PID)

	v, err := f.reg.Verify(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, registry.Valid, v.Status)
	assert.Equal(t, "api-server", v.Record.Command)

	again, err := f.l.Start(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, AlreadyRunning, again.Outcome)
	assert.Equal(t, res.PID, again.PID)
	assert.Equal(t, 1, f.fake.Spawns())
	assert.Equal(t, 1, f.fake.Alive("api-server"))

	stop, err := f.l.Stop(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, Stopped, stop.Outcome)
	assert.Equal(t, res.PID, stop.PrevPID)

	st, err = f.l.Status(ctx, "api")
	require.NoError(t, err)
	assert.False(t, st.Running)
	_, found, err := f.reg.Get(ctx, "api")
	require.NoError(t, err)
	assert.False(t, found)

	stop, err = f.l.Stop(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, NotRunning, stop.Outcome)
}

func TestStopNeverStarted(t *testing.T) {
	f := newFixture(t)
	res, err := f.l.Stop(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, NotRunning, res.Outcome)
	assert.True(t, res.Outcome.OK())
}

func TestStopRemovesStaleRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.l.Start(ctx, "api")
	require.NoError(t, err)
	f.fake.Kill(res.PID)

	stop, err := f.l.Stop(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, NotRunning, stop.Outcome)
	_, found, err := f.reg.Get(ctx, "api")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUnknownDaemon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.l.Start(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownDaemon)
	_, err = f.l.Stop(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownDaemon)
	_, err = f.l.Status(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownDaemon)
}

func TestStartFailures(t *testing.T) {
	t.Run("spawn error", func(t *testing.T) {
		f := newFixture(t)
		f.fake.SpawnErr = errors.New("exec: no such file")
		res, err := f.l.Start(context.Background(), "api")
		require.Error(t, err)
		var se *StartError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "api", se.Name)
		assert.Equal(t, StartFailed, res.Outcome)
		assert.False(t, res.Outcome.OK())
		_, found, _ := f.reg.Get(context.Background(), "api")
		assert.False(t, found)
	})
	t.Run("dies on boot", func(t *testing.T) {
		f := newFixture(t)
		f.fake.DieOnBoot["api-server"] = true
		res, err := f.l.Start(context.Background(), "api")
		require.Error(t, err)
		assert.Equal(t, StartFailed, res.Outcome)
		_, found, _ := f.reg.Get(context.Background(), "api")
		assert.False(t, found)
	})
}

func TestStartReplacesStaleRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.l.Start(ctx, "api")
	require.NoError(t, err)
	f.fake.Kill(first.PID)

	second, err := f.l.Start(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, Started, second.Outcome)
	assert.Equal(t, first.PID, second.PrevPID)
	assert.NotEqual(t, first.PID, second.PID)
}

func TestStopEscalatesToKill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.l.Start(ctx, "api")
	require.NoError(t, err)
	f.fake.Ignore[res.PID] = platform.Graceful

	stop, err := f.l.Stop(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, Stopped, stop.Outcome)
	assert.Zero(t, f.fake.Alive("api-server"))
}

func TestStopTimeoutKeepsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.l.Start(ctx, "api")
	require.NoError(t, err)
	f.fake.Ignore[res.PID] = platform.Forced

	stop, err := f.l.Stop(ctx, "api")
	require.ErrorIs(t, err, ErrStopTimeout)
	assert.Equal(t, StopTimedOut, stop.Outcome)
	rec, found, err := f.reg.Get(ctx, "api")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, res.PID, rec.PID)

	// restart refuses to spawn a second copy
	rr, err := f.l.Restart(ctx, "api")
	require.ErrorIs(t, err, ErrStopTimeout)
	assert.Equal(t, RestartFailed, rr.Outcome)
	assert.Equal(t, 1, f.fake.Spawns())
}

func TestRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// restart of a never-started daemon just starts it
	res, err := f.l.Restart(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, Restarted, res.Outcome)
	assert.Zero(t, res.PrevPID)

	again, err := f.l.Restart(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, Restarted, again.Outcome)
	assert.Equal(t, res.PID, again.PrevPID)
	assert.NotEqual(t, res.PID, again.PID)
	assert.False(t, again.Coalesced)
	assert.Equal(t, 1, f.fake.Alive("api-server"))
}

func TestConcurrentRestartsCoalesce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.l.Start(ctx, "api")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	// hold the lock so both restarts queue up behind it
	require.NoError(t, f.l.Exclusive(ctx, "api", func(*Tx) error {
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = f.l.Restart(ctx, "api")
			}(i)
		}
		time.Sleep(100 * time.Millisecond)
		return nil
	}))
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	coalesced := 0
	for _, r := range results {
		assert.Equal(t, Restarted, r.Outcome)
		if r.Coalesced {
			coalesced++
		}
	}
	assert.Equal(t, 1, coalesced)
	assert.Equal(t, results[0].PID, results[1].PID)
	assert.Equal(t, 2, f.fake.Spawns(), "one start plus exactly one restart")
	assert.Equal(t, 1, f.fake.Alive("api-server"))
}

func TestBatchOperations(t *testing.T) {
	f := newFixture(t,
		Daemon{Name: "a", Command: "cmd-a"},
		Daemon{Name: "b", Command: "cmd-b"},
		Daemon{Name: "c", Command: "cmd-c"},
	)
	f.fake.DieOnBoot["cmd-b"] = true
	ctx := context.Background()

	results, err := f.l.StartAll(ctx)
	require.Error(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []Outcome{Started, StartFailed, Started}, []Outcome{results[0].Outcome, results[1].Outcome, results[2].Outcome})
	assert.Error(t, results[1].Err)

	statuses, err := f.l.StatusAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, []bool{statuses[0].Running, statuses[1].Running, statuses[2].Running})

	results, err = f.l.StopAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, []string{results[0].Name, results[1].Name, results[2].Name})
	assert.Equal(t, []Outcome{Stopped, NotRunning, Stopped}, []Outcome{results[0].Outcome, results[1].Outcome, results[2].Outcome})
}

func TestStatusUptime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.l.Start(ctx, "api")
	require.NoError(t, err)

	rec, _, err := f.reg.Get(ctx, "api")
	require.NoError(t, err)
	f.l.now = func() time.Time { return time.Unix(rec.StartUnix, 0).Add(90 * time.Second) }
	st, err := f.l.Status(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, res.PID, st.PID)
	assert.Equal(t, 90*time.Second, st.Uptime)
}

func TestOptionsNormalized(t *testing.T) {
	o := Options{}.normalized()
	assert.Equal(t, DefaultSpawnTimeout, o.SpawnTimeout)
	assert.Equal(t, DefaultPollInterval, o.PollInterval)
	assert.Equal(t, DefaultStartGrace, o.StartGrace)
	assert.Equal(t, DefaultStopTimeout, o.StopTimeout)
	assert.Equal(t, DefaultKillTimeout, o.KillTimeout)

	o = Options{SpawnTimeout: 100 * time.Millisecond, StartGrace: time.Second}.normalized()
	assert.Equal(t, 100*time.Millisecond, o.StartGrace)
}
