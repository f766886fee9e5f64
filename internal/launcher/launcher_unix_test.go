//go:build !windows

package launcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/keepr/internal/lock"
	"github.com/loykin/keepr/internal/logger"
	"github.com/loykin/keepr/internal/platform"
	"github.com/loykin/keepr/internal/registry"
	"github.com/loykin/keepr/internal/registry/file"
)

func newNativeLauncher(t *testing.T, opts Options, daemons ...Daemon) (*Launcher, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := file.New(filepath.Join(dir, "pids"))
	require.NoError(t, err)
	locks, err := lock.New(filepath.Join(dir, "locks"), 0)
	require.NoError(t, err)
	logs, err := logger.New(logger.Config{Dir: filepath.Join(dir, "logs")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logs.Close() })

	names := make([]string, 0, len(daemons))
	for _, d := range daemons {
		names = append(names, d.Name)
	}
	adapter := platform.Native()
	reg := registry.New(store, adapter, names, registry.WithGuard(locks))
	l, err := New(daemons, reg, adapter, locks, logs, opts)
	require.NoError(t, err)
	return l, reg, dir
}

func TestNativeStartStop(t *testing.T) {
	l, reg, dir := newNativeLauncher(t, Options{}, Daemon{Name: "sleeper", Command: "sh -c 'echo hello; sleep 30'"})
	ctx := context.Background()

	res, err := l.Start(ctx, "sleeper")
	require.NoError(t, err)
	require.Equal(t, Started, res.Outcome)
	t.Cleanup(func() { _ = platform.Native().Terminate(res.PID, platform.Forced) })

	v, err := reg.Verify(ctx, "sleeper")
	require.NoError(t, err)
	assert.Equal(t, registry.Valid, v.Status)
	assert.NotZero(t, v.Record.StartUnix)

	stop, err := l.Stop(ctx, "sleeper")
	require.NoError(t, err)
	assert.Equal(t, Stopped, stop.Outcome)
	assert.False(t, platform.Native().IsAlive(res.PID, 0))

	out, err := os.ReadFile(filepath.Join(dir, "logs", "sleeper.stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "hello")

	events, err := os.ReadFile(filepath.Join(dir, "logs", "events.log"))
	require.NoError(t, err)
	assert.Contains(t, string(events), `"msg":"started"`)
	assert.Contains(t, string(events), `"msg":"stopped"`)
}

func TestNativeStopEscalatesForTermIgnoringProcess(t *testing.T) {
	l, _, _ := newNativeLauncher(t, Options{StopTimeout: 300 * time.Millisecond, KillTimeout: 2 * time.Second},
		Daemon{Name: "stubborn", Command: `sh -c 'trap "" TERM; sleep 30'`})
	ctx := context.Background()

	res, err := l.Start(ctx, "stubborn")
	require.NoError(t, err)
	t.Cleanup(func() { _ = platform.Native().Terminate(res.PID, platform.Forced) })

	began := time.Now()
	stop, err := l.Stop(ctx, "stubborn")
	require.NoError(t, err)
	assert.Equal(t, Stopped, stop.Outcome)
	assert.GreaterOrEqual(t, time.Since(began), 300*time.Millisecond)
}

func TestNativeStartFailures(t *testing.T) {
	l, reg, _ := newNativeLauncher(t, Options{SpawnTimeout: 500 * time.Millisecond},
		Daemon{Name: "missing", Command: "/nonexistent/keepr-test-binary"},
		Daemon{Name: "quitter", Command: "sh -c 'exit 3'"},
	)
	ctx := context.Background()
	for _, name := range []string{"missing", "quitter"} {
		res, err := l.Start(ctx, name)
		require.Error(t, err, name)
		assert.Equal(t, StartFailed, res.Outcome, name)
		v, err := reg.Verify(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, registry.Absent, v.Status, name)
	}
}
