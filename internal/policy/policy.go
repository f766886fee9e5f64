// Package policy decides whether a failed daemon may be restarted now, based
// on its restart ledger, and is the single writer of that ledger.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/loykin/keepr/internal/history"
	"github.com/loykin/keepr/internal/metrics"
)

// Denial reasons.
const (
	DenyRateLimit = "rate_limit_exceeded"
	DenyCooldown  = "cooldown_active"
)

var (
	ErrRateLimited = errors.New(DenyRateLimit)
	ErrCooldown    = errors.New(DenyCooldown)
)

const (
	DefaultMaxRestarts = 3
	DefaultWindow      = time.Hour
	DefaultCooldown    = 60 * time.Second
)

// Config bounds automatic restarts.
type Config struct {
	MaxRestartsPerWindow int           `mapstructure:"max_restarts_per_window"`
	Window               time.Duration `mapstructure:"window"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
}

// DefaultConfig returns 3 restarts per hour with a 60s cooldown.
func DefaultConfig() Config {
	return Config{MaxRestartsPerWindow: DefaultMaxRestarts, Window: DefaultWindow, Cooldown: DefaultCooldown}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxRestartsPerWindow <= 0 {
		c.MaxRestartsPerWindow = d.MaxRestartsPerWindow
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	return c
}

// Decision is the answer of ShouldRestart.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// RetryAt is the earliest time the same ledger would allow a restart.
	RetryAt time.Time `json:"retry_at,omitzero"`
}

// Err returns nil when allowed, else ErrRateLimited or ErrCooldown.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == DenyRateLimit:
		return ErrRateLimited
	case d.Reason == DenyCooldown:
		return ErrCooldown
	}
	return fmt.Errorf("restart denied: %s", d.Reason)
}

// Decide applies cfg to a daemon's events at now. Only successful restarts
// count toward the window; the cooldown runs from the last recorded attempt
// of any outcome, denials included.
func Decide(cfg Config, events []history.Event, now time.Time) Decision {
	cfg = cfg.normalized()
	windowStart := now.Add(-cfg.Window)
	cooldownStart := now.Add(-cfg.Cooldown)

	var inWindow []time.Time
	var lastAttempt time.Time
	for _, e := range events {
		if e.Outcome == history.OutcomeSuccess && e.Timestamp.After(windowStart) && !e.Timestamp.After(now) {
			inWindow = append(inWindow, e.Timestamp)
		}
		if !e.Timestamp.After(now) && e.Timestamp.After(lastAttempt) {
			lastAttempt = e.Timestamp
		}
	}
	if len(inWindow) >= cfg.MaxRestartsPerWindow {
		// the window frees up when enough of the oldest successes age out
		oldest := earliest(inWindow, len(inWindow)-cfg.MaxRestartsPerWindow+1)
		return Decision{Reason: DenyRateLimit, RetryAt: oldest.Add(cfg.Window)}
	}
	if cfg.Cooldown > 0 && !lastAttempt.IsZero() && lastAttempt.After(cooldownStart) {
		return Decision{Reason: DenyCooldown, RetryAt: lastAttempt.Add(cfg.Cooldown)}
	}
	return Decision{Allowed: true}
}

// earliest returns the k-th smallest timestamp (1-based).
func earliest(ts []time.Time, k int) time.Time {
	sorted := slices.Clone(ts)
	slices.SortFunc(sorted, time.Time.Compare)
	return sorted[k-1]
}

// Engine binds a Config to a ledger and an optional export sink.
type Engine struct {
	cfg    Config
	ledger history.Ledger
	sink   history.Sink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink mirrors every recorded event to s. Export failures are logged, never returned.
func WithSink(s history.Sink) Option { return func(e *Engine) { e.sink = s } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(cfg Config, ledger history.Ledger, opts ...Option) *Engine {
	e := &Engine{cfg: cfg.normalized(), ledger: ledger, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// ShouldRestart loads the ledger for name and decides at now.
func (e *Engine) ShouldRestart(ctx context.Context, name string, now time.Time) (Decision, error) {
	evs, err := e.ledger.List(ctx, name)
	if err != nil {
		return Decision{}, fmt.Errorf("load restart history %s: %w", name, err)
	}
	return Decide(e.cfg, evs, now), nil
}

// EventOption decorates an event before it is recorded.
type EventOption func(*history.Event)

// WithDenial sets the denial reason of a denied event.
func WithDenial(reason string) EventOption {
	return func(ev *history.Event) { ev.DenialReason = reason }
}

// WithError attaches the failure cause of a failed event.
func WithError(err error) EventOption {
	return func(ev *history.Event) {
		if err != nil {
			ev.Error = err.Error()
		}
	}
}

// RecordEvent appends one entry to the ledger and returns it.
func (e *Engine) RecordEvent(ctx context.Context, name string, reason history.Reason, outcome history.Outcome, prevPID, newPID int, opts ...EventOption) (history.Event, error) {
	ev := history.NewEvent(name, e.now(), reason, outcome)
	ev.PrevPID, ev.NewPID = prevPID, newPID
	for _, o := range opts {
		o(&ev)
	}
	if err := e.ledger.Append(ctx, ev); err != nil {
		return ev, fmt.Errorf("record restart event %s: %w", name, err)
	}
	metrics.IncRestartEvent(name, string(reason), string(outcome))
	if e.sink != nil {
		if err := e.sink.Send(ctx, ev); err != nil {
			e.logger.Warn("restart event export failed", "daemon", name, "id", ev.ID, "error", err)
		}
	}
	return ev, nil
}

// History returns the ledger for name, oldest first, limited to the last
// limit entries when limit > 0.
func (e *Engine) History(ctx context.Context, name string, limit int) ([]history.Event, error) {
	evs, err := e.ledger.List(ctx, name)
	if err != nil {
		return nil, err
	}
	return history.Tail(evs, limit), nil
}

// Close closes the ledger and the export sink.
func (e *Engine) Close() error {
	var errs []error
	if e.sink != nil {
		errs = append(errs, e.sink.Close())
	}
	errs = append(errs, e.ledger.Close())
	return errors.Join(errs...)
}
