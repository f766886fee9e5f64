package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/keepr"
	"github.com/loykin/keepr/internal/logger"
)

type monitorFlags struct {
	interval time.Duration
	once     bool
	listen   string
	quiet    bool
}

func newMonitorCommand(a *app) *cobra.Command {
	f := &monitorFlags{}
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the health loop: verify, restart within policy, report",
		Long: `Run a health cycle immediately and then every interval until SIGINT or
SIGTERM. Dead daemons are restarted unless the restart policy denies it.
Supervised daemons keep running after the monitor exits.

With --listen an HTTP server exposes /health, /status, /history/<name>
and /metrics while the loop runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.monitor(cmd.Context(), f)
		},
	}
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "time between cycles (default from config, 300s)")
	cmd.Flags().BoolVar(&f.once, "once", false, "run a single cycle and exit; exit 1 unless healthy")
	cmd.Flags().StringVar(&f.listen, "listen", "", "serve the HTTP status endpoints on this address")
	cmd.Flags().BoolVar(&f.quiet, "quiet", false, "do not mirror health logs to the terminal")
	return cmd
}

func (a *app) monitor(ctx context.Context, f *monitorFlags) error {
	cfg, err := keepr.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if f.interval < 0 {
		return errors.New("--interval must be positive")
	}
	if f.interval > 0 {
		cfg.Monitor.Interval = f.interval
	}
	if f.listen != "" {
		cfg.Monitor.Listen = f.listen
	}
	var opts []keepr.Option
	if !f.quiet {
		level := slog.LevelInfo
		if cfg.Log.Level == "debug" {
			level = slog.LevelDebug
		}
		opts = append(opts, keepr.WithConsole(logger.NewConsole(os.Stderr, level)))
	}
	s, err := a.openConfig(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if f.once {
		snap := s.RunCycle(ctx)
		_, _ = fmt.Fprintf(a.stdout, "health score: %.2f (%d issue(s))\n", snap.Score, len(snap.Issues))
		for _, is := range snap.Issues {
			_, _ = fmt.Fprintf(a.stdout, "  %s: %s %s\n", is.Name, is.Kind, is.Detail)
		}
		if !snap.Healthy() {
			return &exitCodeError{code: exitFailure}
		}
		return nil
	}

	if cfg.Monitor.Listen != "" {
		srv, err := s.Serve(cfg.Monitor.Listen)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(a.stderr, "serving status on http://%s\n", srv.Addr)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}
	_, _ = fmt.Fprintf(a.stderr, "monitoring %d daemon(s) every %s\n", len(s.Names()), s.MonitorInterval())
	return s.Monitor(ctx)
}
