// Package registry owns the persisted name -> PID Record mapping and decides,
// on every call, whether a record still describes a live process.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/loykin/keepr/internal/platform"
)

// Status is the outcome of verifying one record.
type Status string

const (
	Valid  Status = "valid"
	Stale  Status = "stale"
	Absent Status = "absent"
)

// Reasons attached to stale verdicts.
const (
	ReasonPIDGone           = "pid-gone"
	ReasonStartTimeMismatch = "start-time-mismatch"
	ReasonCorrupt           = "corrupt"
)

// Verdict is the result of Verify.
type Verdict struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	Record Record `json:"record,omitzero"`
	// Known is false for records whose name is not in the daemon catalog.
	Known bool `json:"known"`
}

// Guard serializes work on one daemon name; see lock.Locker.With.
type Guard interface {
	With(ctx context.Context, name string, fn func() error) error
}

// Registry is constructed once and shared by the launcher, the monitor and
// the CLI.
type Registry struct {
	store   Store
	adapter platform.Adapter
	known   []string
	guard   Guard
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithGuard makes CleanupStale delete under the per-daemon lock, so it never
// removes a record a concurrent start has just replaced.
func WithGuard(g Guard) Option { return func(r *Registry) { r.guard = g } }

// WithClock overrides the clock used to stamp records.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// New creates a registry over store for the configured daemon names.
func New(store Store, adapter platform.Adapter, known []string, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		adapter: adapter,
		known:   append([]string(nil), known...),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Known returns the configured daemon names in configuration order.
func (r *Registry) Known() []string { return append([]string(nil), r.known...) }

func (r *Registry) isKnown(name string) bool {
	for _, k := range r.known {
		if k == name {
			return true
		}
	}
	return false
}

// Get returns the stored record. found is false when there is none.
// A corrupt record is reported through ErrCorrupt.
func (r *Registry) Get(ctx context.Context, name string) (Record, bool, error) {
	rec, err := r.store.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Set atomically replaces the record for name. WrittenAt is stamped when zero.
func (r *Registry) Set(ctx context.Context, name string, rec Record) error {
	rec.Name = name
	if rec.PID <= 0 {
		return fmt.Errorf("set %s: invalid pid %d", name, rec.PID)
	}
	if rec.WrittenAt.IsZero() {
		rec.WrittenAt = r.now().UTC()
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	return nil
}

// Delete atomically removes the record for name.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := r.store.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// Verify re-checks the record for name against the live process table.
// Only unexpected store failures are returned as errors.
func (r *Registry) Verify(ctx context.Context, name string) (Verdict, error) {
	v := Verdict{Name: name, Known: r.isKnown(name)}
	rec, err := r.store.Get(ctx, name)
	switch {
	case errors.Is(err, ErrNotFound):
		v.Status = Absent
		return v, nil
	case errors.Is(err, ErrCorrupt):
		v.Status, v.Reason = Stale, ReasonCorrupt
		return v, nil
	case err != nil:
		return Verdict{}, fmt.Errorf("verify %s: %w", name, err)
	}
	v.Record = rec
	switch {
	case rec.PID <= 0:
		v.Status, v.Reason = Stale, ReasonCorrupt
	case !r.adapter.IsAlive(rec.PID, 0):
		v.Status, v.Reason = Stale, ReasonPIDGone
	case !r.adapter.IsAlive(rec.PID, rec.StartUnix):
		v.Status, v.Reason = Stale, ReasonStartTimeMismatch
	default:
		v.Status = Valid
	}
	return v, nil
}

// names returns the catalog followed by any orphan names found in the store.
func (r *Registry) names(ctx context.Context) ([]string, error) {
	stored, err := r.store.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := r.Known()
	var orphans []string
	for _, n := range stored {
		if !r.isKnown(n) {
			orphans = append(orphans, n)
		}
	}
	sort.Strings(orphans)
	return append(out, orphans...), nil
}

// VerifyAll verifies every configured daemon and every orphan record.
func (r *Registry) VerifyAll(ctx context.Context) ([]Verdict, error) {
	names, err := r.names(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Verdict, 0, len(names))
	for _, n := range names {
		v, err := r.Verify(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// CleanupStale deletes every record that verifies stale and returns how many
// were removed. Valid and absent names are never touched.
func (r *Registry) CleanupStale(ctx context.Context) (int, error) {
	names, err := r.names(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, n := range names {
		name := n
		err := r.guarded(ctx, name, func() error {
			v, err := r.Verify(ctx, name)
			if err != nil {
				return err
			}
			if v.Status != Stale {
				return nil
			}
			if err := r.Delete(ctx, name); err != nil {
				return err
			}
			removed++
			return nil
		})
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (r *Registry) guarded(ctx context.Context, name string, fn func() error) error {
	if r.guard == nil {
		return fn()
	}
	return r.guard.With(ctx, name, fn)
}

// HealthScore returns 100 * valid / known over the configured catalog.
// An empty catalog scores 100.
func (r *Registry) HealthScore(ctx context.Context) (float64, error) {
	if len(r.known) == 0 {
		return 100, nil
	}
	valid := 0
	for _, n := range r.known {
		v, err := r.Verify(ctx, n)
		if err != nil {
			return 0, err
		}
		if v.Status == Valid {
			valid++
		}
	}
	return Score(valid, len(r.known)), nil
}

// Score computes 100 * valid / total, rounded to two decimals.
func Score(valid, total int) float64 {
	if total <= 0 {
		return 100
	}
	s := 100 * float64(valid) / float64(total)
	return float64(int(s*100+0.5)) / 100
}

// Close closes the backing store.
func (r *Registry) Close() error { return r.store.Close() }
