package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/keepr/internal/history"
	"github.com/loykin/keepr/internal/launcher"
	"github.com/loykin/keepr/internal/monitor"
	"github.com/loykin/keepr/internal/server"
	ktls "github.com/loykin/keepr/internal/tls"
)

type sources struct {
	snap monitor.Snapshot
	ok   bool
	sts  []launcher.Status
	evs  []history.Event
}

func (s *sources) Last() (monitor.Snapshot, bool) { return s.snap, s.ok }

func (s *sources) Status(_ context.Context, name string) (launcher.Status, error) {
	for _, st := range s.sts {
		if st.Name == name {
			return st, nil
		}
	}
	return launcher.Status{}, fmt.Errorf("%w: %s", launcher.ErrUnknownDaemon, name)
}

func (s *sources) StatusAll(context.Context) ([]launcher.Status, error) { return s.sts, nil }

func (s *sources) History(_ context.Context, _ string, limit int) ([]history.Event, error) {
	return history.Tail(s.evs, limit), nil
}

func serve(t *testing.T, src *sources) string {
	t.Helper()
	srv, err := server.NewServer("127.0.0.1:0", "", server.Sources{Health: src, Status: src, History: src}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return "http://" + srv.Addr
}

func TestHealth(t *testing.T) {
	src := &sources{}
	c, err := New(Config{BaseURL: serve(t, src)})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Health(ctx)
	require.ErrorIs(t, err, ErrNoSnapshot)

	src.snap = monitor.Snapshot{TakenAt: time.Now().UTC(), Score: 50, Entries: []monitor.Entry{
		{Name: "api", State: monitor.Healthy, PID: 10},
		{Name: "worker", State: monitor.Degraded, Issue: monitor.IssueRateLimited},
	}}
	src.ok = true
	snap, err := c.Health(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Healthy())
	e, ok := snap.Entry("worker")
	require.True(t, ok)
	assert.Equal(t, monitor.IssueRateLimited, e.Issue)
}

func TestStatusAndHistory(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	src := &sources{
		sts: []launcher.Status{{Name: "api", Running: true, PID: 10}, {Name: "worker"}},
		evs: []history.Event{
			history.NewEvent("api", at, history.ReasonStalePID, history.OutcomeSuccess),
			history.NewEvent("api", at.Add(time.Hour), history.ReasonManual, history.OutcomeSuccess),
		},
	}
	c, err := New(Config{BaseURL: serve(t, src) + "/"})
	require.NoError(t, err)
	ctx := context.Background()

	sts, err := c.StatusAll(ctx)
	require.NoError(t, err)
	require.Len(t, sts, 2)
	assert.True(t, sts[0].Running)

	st, err := c.Status(ctx, "worker")
	require.NoError(t, err)
	assert.False(t, st.Running)

	_, err = c.Status(ctx, "ghost")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)

	evs, err := c.History(ctx, "api", 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, history.ReasonManual, evs[0].Reason)
}

func TestUnreachable(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	_, err = c.StatusAll(context.Background())
	require.Error(t, err)
}

func TestTLSWithCACert(t *testing.T) {
	dir := t.TempDir()
	tlsCfg, err := ktls.Setup(ktls.Config{Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	src := &sources{snap: monitor.Snapshot{TakenAt: time.Now().UTC(), Score: 100}, ok: true}
	srv, err := server.NewServer("127.0.0.1:0", "", server.Sources{Health: src}, tlsCfg)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	c, err := New(Config{BaseURL: "https://" + srv.Addr, CACert: filepath.Join(dir, ktls.CACertFile)})
	require.NoError(t, err)
	snap, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Healthy())

	_, err = New(Config{CACert: filepath.Join(dir, "missing.crt")})
	require.Error(t, err)
}
