package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/keepr/internal/history"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func ev(at time.Time, o history.Outcome) history.Event {
	return history.Event{ID: at.String(), Name: "api", Timestamp: at, Reason: history.ReasonStalePID, Outcome: o}
}

func TestDecide(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name   string
		events []history.Event
		now    time.Time
		allow  bool
		reason string
	}{
		{"empty ledger", nil, t0, true, ""},
		{"cooldown after success", []history.Event{ev(t0, history.OutcomeSuccess)}, t0.Add(30 * time.Second), false, DenyCooldown},
		{"cooldown after failure", []history.Event{ev(t0, history.OutcomeFailed)}, t0.Add(59 * time.Second), false, DenyCooldown},
		{"cooldown boundary is exclusive", []history.Event{ev(t0, history.OutcomeSuccess)}, t0.Add(60 * time.Second), true, ""},
		{"denial restarts cooldown", []history.Event{
			ev(t0, history.OutcomeSuccess),
			ev(t0.Add(30*time.Second), history.OutcomeDenied),
		}, t0.Add(65 * time.Second), false, DenyCooldown},
		{"cooldown expires after last denial", []history.Event{
			ev(t0, history.OutcomeSuccess),
			ev(t0.Add(30*time.Second), history.OutcomeDenied),
		}, t0.Add(90 * time.Second), true, ""},
		{"three successes in window", []history.Event{
			ev(t0, history.OutcomeSuccess),
			ev(t0.Add(10*time.Minute), history.OutcomeSuccess),
			ev(t0.Add(20*time.Minute), history.OutcomeSuccess),
		}, t0.Add(30 * time.Minute), false, DenyRateLimit},
		{"failures do not count toward window", []history.Event{
			ev(t0, history.OutcomeSuccess),
			ev(t0.Add(10*time.Minute), history.OutcomeFailed),
			ev(t0.Add(20*time.Minute), history.OutcomeSuccess),
		}, t0.Add(30 * time.Minute), true, ""},
		{"oldest success ages out", []history.Event{
			ev(t0, history.OutcomeSuccess),
			ev(t0.Add(10*time.Minute), history.OutcomeSuccess),
			ev(t0.Add(20*time.Minute), history.OutcomeSuccess),
		}, t0.Add(time.Hour), true, ""},
		{"rate limit wins over cooldown", []history.Event{
			ev(t0, history.OutcomeSuccess),
			ev(t0.Add(time.Minute), history.OutcomeSuccess),
			ev(t0.Add(2*time.Minute), history.OutcomeSuccess),
		}, t0.Add(2*time.Minute + time.Second), false, DenyRateLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(cfg, tt.events, tt.now)
			assert.Equal(t, tt.allow, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestDecideRetryAt(t *testing.T) {
	cfg := Config{MaxRestartsPerWindow: 2, Window: time.Hour, Cooldown: time.Minute}
	evs := []history.Event{
		ev(t0.Add(5*time.Minute), history.OutcomeSuccess),
		ev(t0, history.OutcomeSuccess),
	}
	d := Decide(cfg, evs, t0.Add(30*time.Minute))
	require.False(t, d.Allowed)
	assert.Equal(t, t0.Add(time.Hour), d.RetryAt)

	d = Decide(cfg, evs[:1], t0.Add(5*time.Minute+10*time.Second))
	require.Equal(t, DenyCooldown, d.Reason)
	assert.Equal(t, t0.Add(6*time.Minute), d.RetryAt)
}

func TestDecisionErr(t *testing.T) {
	assert.NoError(t, Decision{Allowed: true}.Err())
	assert.True(t, errors.Is(Decision{Reason: DenyRateLimit}.Err(), ErrRateLimited))
	assert.True(t, errors.Is(Decision{Reason: DenyCooldown}.Err(), ErrCooldown))
	assert.Error(t, Decision{Reason: "other"}.Err())
}

func TestConfigNormalized(t *testing.T) {
	c := Config{}.normalized()
	assert.Equal(t, DefaultConfig(), Config{MaxRestartsPerWindow: c.MaxRestartsPerWindow, Window: c.Window, Cooldown: DefaultCooldown})
	assert.Zero(t, c.Cooldown, "explicit zero cooldown disables it")
}

type recordingSink struct {
	sent []history.Event
	err  error
}

func (s *recordingSink) Send(_ context.Context, e history.Event) error {
	s.sent = append(s.sent, e)
	return s.err
}
func (s *recordingSink) Close() error { return nil }

// Five crashes an hour apart from nothing: 3 restarts succeed, the next two
// are denied by the rate limit.
func TestEngineCrashLoopIsRateLimited(t *testing.T) {
	ctx := context.Background()
	now := t0
	sink := &recordingSink{err: errors.New("export down")}
	eng := New(DefaultConfig(), history.NewMemoryLedger(0), WithSink(sink), WithClock(func() time.Time { return now }))

	var outcomes []history.Outcome
	for i := 0; i < 5; i++ {
		now = t0.Add(time.Duration(i) * 2 * time.Minute)
		d, err := eng.ShouldRestart(ctx, "api", now)
		require.NoError(t, err)
		if d.Allowed {
			_, err = eng.RecordEvent(ctx, "api", history.ReasonStalePID, history.OutcomeSuccess, 100+i, 200+i)
		} else {
			_, err = eng.RecordEvent(ctx, "api", history.ReasonStalePID, history.OutcomeDenied, 100+i, 0, WithDenial(d.Reason))
		}
		require.NoError(t, err)
		outcomes = append(outcomes, map[bool]history.Outcome{true: history.OutcomeSuccess, false: history.OutcomeDenied}[d.Allowed])
	}
	assert.Equal(t, []history.Outcome{
		history.OutcomeSuccess, history.OutcomeSuccess, history.OutcomeSuccess,
		history.OutcomeDenied, history.OutcomeDenied,
	}, outcomes)

	evs, err := eng.History(ctx, "api", 0)
	require.NoError(t, err)
	require.Len(t, evs, 5)
	assert.Equal(t, DenyRateLimit, evs[3].DenialReason)
	assert.Equal(t, DenyRateLimit, evs[4].DenialReason)
	assert.Len(t, sink.sent, 5, "export failures do not stop recording")

	last2, err := eng.History(ctx, "api", 2)
	require.NoError(t, err)
	assert.Equal(t, evs[3:], last2)
}

func TestRecordEventWithError(t *testing.T) {
	eng := New(Config{}, history.NewMemoryLedger(0))
	e, err := eng.RecordEvent(context.Background(), "api", history.ReasonNeverStarted, history.OutcomeFailed, 0, 0, WithError(errors.New("exec: not found")))
	require.NoError(t, err)
	assert.Equal(t, "exec: not found", e.Error)
	assert.NotEmpty(t, e.ID)
	require.NoError(t, eng.Close())
}
