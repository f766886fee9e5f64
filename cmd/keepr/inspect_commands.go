package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/keepr"
	"github.com/loykin/keepr/pkg/client"
)

// remoteFlags select a running monitor's status server instead of local state.
type remoteFlags struct {
	url      string
	caCert   string
	insecure bool
}

func (r *remoteFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.url, "url", "", "query the status server of a running monitor at this base URL")
	cmd.Flags().StringVar(&r.caCert, "ca-cert", "", "PEM file to trust for an https --url")
	cmd.Flags().BoolVar(&r.insecure, "insecure", false, "skip TLS verification for an https --url")
}

func (r *remoteFlags) client() (*client.Client, error) {
	return client.New(client.Config{BaseURL: r.url, CACert: r.caCert, Insecure: r.insecure})
}

// statusJSON is the machine-readable status line.
type statusJSON struct {
	Name          string `json:"name"`
	Running       bool   `json:"running"`
	PID           *int   `json:"pid"`
	UptimeSeconds *int64 `json:"uptime_seconds"`
}

// toStatusJSON leaves uptime null when the start time of a running daemon is unknown.
func toStatusJSON(st keepr.Status) statusJSON {
	out := statusJSON{Name: st.Name, Running: st.Running}
	if !st.Running {
		return out
	}
	pid := st.PID
	out.PID = &pid
	if !st.StartedAt.IsZero() {
		up := int64(st.Uptime / time.Second)
		out.UptimeSeconds = &up
	}
	return out
}

// isUnknownDaemon matches a local unknown-name error and a remote 404.
func isUnknownDaemon(err error) bool {
	var se *client.StatusError
	return errors.Is(err, keepr.ErrUnknownDaemon) || errors.As(err, &se) && se.Code == http.StatusNotFound
}

func newStatusCommand(a *app) *cobra.Command {
	var (
		all    bool
		format string
		remote remoteFlags
	)
	cmd := &cobra.Command{
		Use:   "status [name]",
		Short: "Show whether daemons are running",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := target(args, all)
			if err != nil {
				return err
			}
			if err := checkFormat(format); err != nil {
				return err
			}
			var src statusSource
			if remote.url != "" {
				c, err := remote.client()
				if err != nil {
					return err
				}
				src = c
			} else {
				s, err := a.open()
				if err != nil {
					return err
				}
				defer func() { _ = s.Close() }()
				src = s
			}

			var sts []keepr.Status
			if name == "" {
				sts, err = src.StatusAll(cmd.Context())
			} else {
				var st keepr.Status
				st, err = src.Status(cmd.Context(), name)
				if isUnknownDaemon(err) {
					// unknown names report as stopped
					_, _ = fmt.Fprintln(a.stderr, "warning:", err)
					st, err = keepr.Status{Name: name}, nil
				}
				sts = []keepr.Status{st}
			}
			if err != nil {
				return err
			}
			if format == formatJSON {
				out := make([]statusJSON, 0, len(sts))
				for _, st := range sts {
					out = append(out, toStatusJSON(st))
				}
				if name != "" {
					return printJSON(a.stdout, out[0])
				}
				return printJSON(a.stdout, out)
			}
			rows := make([][]string, 0, len(sts))
			for _, st := range sts {
				state, pid, uptime := "stopped", "-", "-"
				if st.Running {
					state, pid, uptime = "running", strconv.Itoa(st.PID), st.Uptime.String()
				}
				rows = append(rows, []string{st.Name, state, pid, uptime})
			}
			_, _ = fmt.Fprintln(a.stdout, renderTable(
				[]string{"NAME", "STATE", "PID", "UPTIME"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight}))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "show every configured daemon")
	cmd.Flags().StringVar(&format, "format", formatTable, "output format: table or json")
	remote.bind(cmd)
	return cmd
}

type statusSource interface {
	Status(ctx context.Context, name string) (keepr.Status, error)
	StatusAll(ctx context.Context) ([]keepr.Status, error)
}

func newHealthCommand(a *app) *cobra.Command {
	var (
		format string
		remote remoteFlags
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Verify every daemon without restarting; exit 1 unless all are running",
		Long: `Verify every daemon against the live process table without restarting
anything. With --url the last snapshot of a running monitor is shown
instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			snap, err := a.snapshot(cmd.Context(), &remote)
			if err != nil {
				return err
			}
			if format == formatJSON {
				if err := printJSON(a.stdout, snap); err != nil {
					return err
				}
			} else {
				rows := make([][]string, 0, len(snap.Entries))
				for _, e := range snap.Entries {
					pid := "-"
					if e.PID > 0 {
						pid = strconv.Itoa(e.PID)
					}
					rows = append(rows, []string{e.Name, string(e.State), pid, string(e.Issue)})
				}
				_, _ = fmt.Fprintln(a.stdout, renderTable(
					[]string{"NAME", "STATE", "PID", "ISSUE"}, rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft}))
				_, _ = fmt.Fprintf(a.stdout, "health score: %.2f\n", snap.Score)
			}
			if !snap.Healthy() {
				return &exitCodeError{code: exitFailure}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", formatTable, "output format: table or json")
	remote.bind(cmd)
	return cmd
}

func (a *app) snapshot(ctx context.Context, remote *remoteFlags) (keepr.Snapshot, error) {
	if remote.url != "" {
		c, err := remote.client()
		if err != nil {
			return keepr.Snapshot{}, err
		}
		return c.Health(ctx)
	}
	s, err := a.open()
	if err != nil {
		return keepr.Snapshot{}, err
	}
	defer func() { _ = s.Close() }()
	return s.Health(ctx), nil
}

func newVerifyCommand(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "verify [name]",
		Short: "Check PID records against the live process table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := target(args, all)
			if err != nil {
				return err
			}
			s, err := a.open()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			var vs []keepr.Verdict
			if name == "" {
				vs, err = s.VerifyAll(cmd.Context())
			} else {
				var v keepr.Verdict
				v, err = s.Verify(cmd.Context(), name)
				vs = []keepr.Verdict{v}
			}
			if err != nil {
				return err
			}
			issues := 0
			for _, v := range vs {
				line := fmt.Sprintf("%s: %s", v.Name, v.Status)
				if v.Reason != "" {
					line += " (" + v.Reason + ")"
				}
				if v.Record.PID > 0 {
					line += fmt.Sprintf(" pid %d", v.Record.PID)
				}
				if !v.Known {
					line += " [orphan]"
				}
				if v.Status == keepr.Stale {
					issues++
				}
				_, _ = fmt.Fprintln(a.stdout, line)
			}
			_, _ = fmt.Fprintf(a.stdout, "%d issue(s) found\n", issues)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "verify every configured daemon and orphan record")
	return cmd
}

func newCleanupStaleCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-stale",
		Short: "Remove PID records whose process is gone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			n, err := s.CleanupStale(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.stdout, "cleaned %d stale record(s)\n", n)
			return nil
		},
	}
}

func newRestartHistoryCommand(a *app) *cobra.Command {
	var (
		format string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "restart-history <name>",
		Short: "Show the restart ledger of a daemon, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			if limit < 0 {
				return errors.New("--limit must not be negative")
			}
			s, err := a.open()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			evs, err := s.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if format == formatJSON {
				if evs == nil {
					evs = []keepr.Event{}
				}
				return printJSON(a.stdout, evs)
			}
			rows := make([][]string, 0, len(evs))
			for _, ev := range evs {
				outcome := string(ev.Outcome)
				if ev.DenialReason != "" {
					outcome += " (" + ev.DenialReason + ")"
				}
				rows = append(rows, []string{
					ev.Timestamp.Local().Format(time.RFC3339),
					string(ev.Reason),
					outcome,
					pidCell(ev.PrevPID),
					pidCell(ev.NewPID),
				})
			}
			_, _ = fmt.Fprintln(a.stdout, renderTable(
				[]string{"TIME", "REASON", "OUTCOME", "PREV PID", "NEW PID"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight}))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", formatTable, "output format: table or json")
	cmd.Flags().IntVar(&limit, "limit", 0, "show only the newest N events (0 = all)")
	return cmd
}

func pidCell(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}
