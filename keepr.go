// Package keepr supervises long-running daemons: it starts them detached,
// tracks their PIDs across invocations, verifies they are still the process
// it launched, and restarts dead ones within a bounded restart policy.
//
// The Supervisor type is the embedding surface; cmd/keepr is a thin CLI on
// top of it.
package keepr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/keepr/internal/config"
	"github.com/loykin/keepr/internal/history"
	historyfactory "github.com/loykin/keepr/internal/history/factory"
	"github.com/loykin/keepr/internal/launcher"
	"github.com/loykin/keepr/internal/lock"
	"github.com/loykin/keepr/internal/logger"
	"github.com/loykin/keepr/internal/metrics"
	"github.com/loykin/keepr/internal/monitor"
	"github.com/loykin/keepr/internal/platform"
	"github.com/loykin/keepr/internal/policy"
	"github.com/loykin/keepr/internal/registry"
	registryfactory "github.com/loykin/keepr/internal/registry/factory"
	"github.com/loykin/keepr/internal/server"
	ktls "github.com/loykin/keepr/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Result = launcher.Result

type Outcome = launcher.Outcome

type Status = launcher.Status

type Verdict = registry.Verdict

type Snapshot = monitor.Snapshot

type Event = history.Event

// Verification verdicts.
const (
	Valid  = registry.Valid
	Stale  = registry.Stale
	Absent = registry.Absent
)

var (
	ErrUnknownDaemon = launcher.ErrUnknownDaemon
	ErrStopTimeout   = launcher.ErrStopTimeout
)

// LoadConfig reads and validates a TOML configuration file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Supervisor owns one configured set of daemons and the shared state behind
// them. Construct it once per process with Open and Close it when done.
type Supervisor struct {
	cfg      *Config
	logs     *logger.Channels
	reg      *registry.Registry
	launcher *launcher.Launcher
	policy   *policy.Engine
	monitor  *monitor.Monitor
	gatherer prometheus.Gatherer
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	adapter    platform.Adapter
	console    *slog.Logger
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	onCycle    []func(Snapshot)
}

// WithAdapter replaces the native process adapter.
func WithAdapter(a platform.Adapter) Option { return func(o *openOptions) { o.adapter = a } }

// WithConsole mirrors channel output to an interactive logger.
func WithConsole(l *slog.Logger) Option { return func(o *openOptions) { o.console = l } }

// WithMetrics registers collectors on r and serves /metrics from g.
func WithMetrics(r prometheus.Registerer, g prometheus.Gatherer) Option {
	return func(o *openOptions) { o.registerer, o.gatherer = r, g }
}

// OnCycle receives every snapshot produced by the monitor loop.
func OnCycle(fn func(Snapshot)) Option {
	return func(o *openOptions) { o.onCycle = append(o.onCycle, fn) }
}

// Open wires the registry, the ledger, the restart policy, the launcher and
// the monitor from cfg. Nothing is started.
func Open(cfg *Config, opts ...Option) (s *Supervisor, err error) {
	o := openOptions{
		adapter:    platform.Native(),
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := metrics.Register(o.registerer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	logs, err := logger.New(cfg.Log, o.console)
	if err != nil {
		return nil, err
	}
	closers = append(closers, logs.Close)

	locks, err := lock.New(cfg.LockDir(), cfg.Launcher.LockTimeout)
	if err != nil {
		return nil, err
	}
	store, err := registryfactory.NewFromDSN(cfg.Registry.DSN)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	reg := registry.New(store, o.adapter, cfg.Names(), registry.WithGuard(locks))
	closers = append(closers, reg.Close)

	ledger, err := historyfactory.NewLedgerFromDSN(cfg.History.DSN, cfg.History.Retention)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	polOpts := []policy.Option{policy.WithLogger(logs.Events())}
	if cfg.History.ExportDSN != "" {
		sink, err := historyfactory.NewSinkFromDSN(cfg.History.ExportDSN)
		if err != nil {
			_ = ledger.Close()
			return nil, fmt.Errorf("open history export: %w", err)
		}
		polOpts = append(polOpts, policy.WithSink(sink))
	}
	pol := policy.New(cfg.Policy, ledger, polOpts...)
	closers = append(closers, pol.Close)

	environ, err := cfg.Environment()
	if err != nil {
		return nil, err
	}
	daemons := make([]launcher.Daemon, 0, len(cfg.Daemons))
	for _, d := range cfg.Daemons {
		daemons = append(daemons, launcher.Daemon{
			Name:        d.Name,
			Command:     d.Command,
			WorkDir:     d.WorkDir,
			Env:         environ.Merge(d.Env),
			StopTimeout: d.StopTimeout,
		})
	}
	l, err := launcher.New(daemons, reg, o.adapter, locks, logs, launcher.Options{
		SpawnTimeout: cfg.Launcher.SpawnTimeout,
		PollInterval: cfg.Launcher.PollInterval,
		StartGrace:   cfg.Launcher.StartGrace,
		StopTimeout:  cfg.Launcher.StopTimeout,
		KillTimeout:  cfg.Launcher.KillTimeout,
	})
	if err != nil {
		return nil, err
	}

	monOpts := []monitor.Option{
		monitor.WithInterval(cfg.Monitor.Interval),
		monitor.WithLogger(logs.Health()),
		monitor.WithResourceSampling(cfg.Monitor.SampleResources),
	}
	for _, fn := range o.onCycle {
		monOpts = append(monOpts, monitor.OnCycle(fn))
	}

	return &Supervisor{
		cfg:      cfg,
		logs:     logs,
		reg:      reg,
		launcher: l,
		policy:   pol,
		monitor:  monitor.New(l, reg, pol, monOpts...),
		gatherer: o.gatherer,
	}, nil
}

// Config returns the configuration the supervisor was opened with.
func (s *Supervisor) Config() *Config { return s.cfg }

// Names returns the configured daemon names in configuration order.
func (s *Supervisor) Names() []string { return s.launcher.Names() }

func (s *Supervisor) Start(ctx context.Context, name string) (Result, error) {
	return s.launcher.Start(ctx, name)
}

func (s *Supervisor) Stop(ctx context.Context, name string) (Result, error) {
	return s.launcher.Stop(ctx, name)
}

// StartAll starts every daemon in configuration order.
func (s *Supervisor) StartAll(ctx context.Context) ([]Result, error) {
	return s.launcher.StartAll(ctx)
}

// StopAll stops every daemon in reverse configuration order.
func (s *Supervisor) StopAll(ctx context.Context) ([]Result, error) {
	return s.launcher.StopAll(ctx)
}

// Restart stops and starts name and records a manual restart in its ledger,
// so operator restarts count toward the restart window. A restart that
// coalesced with a concurrent one is not recorded twice.
func (s *Supervisor) Restart(ctx context.Context, name string) (Result, error) {
	res, err := s.launcher.Restart(ctx, name)
	if errors.Is(err, launcher.ErrUnknownDaemon) || res.Coalesced {
		return res, err
	}
	outcome := history.OutcomeSuccess
	var evOpts []policy.EventOption
	if err != nil {
		outcome = history.OutcomeFailed
		evOpts = append(evOpts, policy.WithError(err))
	}
	if _, recErr := s.policy.RecordEvent(ctx, name, history.ReasonManual, outcome, res.PrevPID, res.PID, evOpts...); recErr != nil {
		return res, errors.Join(err, fmt.Errorf("record restart: %w", recErr))
	}
	return res, err
}

func (s *Supervisor) Status(ctx context.Context, name string) (Status, error) {
	return s.launcher.Status(ctx, name)
}

func (s *Supervisor) StatusAll(ctx context.Context) ([]Status, error) {
	return s.launcher.StatusAll(ctx)
}

// Verify checks one record against the live process table.
func (s *Supervisor) Verify(ctx context.Context, name string) (Verdict, error) {
	return s.reg.Verify(ctx, name)
}

// VerifyAll checks every configured daemon and every orphan record.
func (s *Supervisor) VerifyAll(ctx context.Context) ([]Verdict, error) {
	return s.reg.VerifyAll(ctx)
}

// CleanupStale removes stale records and returns how many were removed.
func (s *Supervisor) CleanupStale(ctx context.Context) (int, error) {
	n, err := s.reg.CleanupStale(ctx)
	if n > 0 {
		s.logs.Events().Info("stale records removed", "count", n)
	}
	return n, err
}

// Health runs one verification pass without restarting anything.
func (s *Supervisor) Health(ctx context.Context) Snapshot { return s.monitor.Check(ctx) }

// History returns up to limit of the newest restart events for name,
// oldest first. limit <= 0 returns everything retained.
func (s *Supervisor) History(ctx context.Context, name string, limit int) ([]Event, error) {
	return s.policy.History(ctx, name, limit)
}

// RunCycle performs one monitor cycle, restarting daemons the policy allows.
func (s *Supervisor) RunCycle(ctx context.Context) Snapshot { return s.monitor.RunCycle(ctx) }

// Monitor runs the health loop until ctx is done.
func (s *Supervisor) Monitor(ctx context.Context) error { return s.monitor.Run(ctx) }

// MonitorInterval is the time between health cycles.
func (s *Supervisor) MonitorInterval() time.Duration { return s.monitor.Interval() }

// Handler returns the status endpoints for mounting in another server.
// basePath may be empty or start with '/'.
func (s *Supervisor) Handler(basePath string) http.Handler {
	return server.NewRouter(basePath, s.sources()).Handler()
}

func (s *Supervisor) sources() server.Sources {
	return server.Sources{
		Health:   s.monitor,
		Status:   s.launcher,
		History:  s.policy,
		Gatherer: s.gatherer,
	}
}

// Serve starts the HTTP status server on addr in the background. It serves
// HTTPS when monitor.tls is configured.
func (s *Supervisor) Serve(addr string) (*http.Server, error) {
	tlsCfg, err := ktls.Setup(s.cfg.Monitor.TLS)
	if err != nil {
		return nil, err
	}
	return server.NewServer(addr, "", s.sources(), tlsCfg)
}

// Close releases stores and log files. Supervised daemons keep running.
func (s *Supervisor) Close() error {
	return errors.Join(s.policy.Close(), s.reg.Close(), s.logs.Close())
}
