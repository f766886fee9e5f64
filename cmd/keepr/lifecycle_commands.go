package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/loykin/keepr"
)

// target resolves "<name> | --all" into a single name or the whole catalog.
func target(args []string, all bool) (string, error) {
	switch {
	case all && len(args) > 0:
		return "", errors.New("give a daemon name or --all, not both")
	case all:
		return "", nil
	case len(args) == 1:
		return args[0], nil
	}
	return "", errors.New("a daemon name or --all is required")
}

func newStartCommand(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "start [name]",
		Short: "Start a daemon, or every daemon with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := target(args, all)
			if err != nil {
				return err
			}
			return a.lifecycle(cmd.Context(), name, (*keepr.Supervisor).Start, (*keepr.Supervisor).StartAll)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "start every configured daemon")
	return cmd
}

func newStopCommand(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "stop [name]",
		Short: "Stop a daemon, or every daemon with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := target(args, all)
			if err != nil {
				return err
			}
			return a.lifecycle(cmd.Context(), name, (*keepr.Supervisor).Stop, (*keepr.Supervisor).StopAll)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "stop every configured daemon (reverse order)")
	return cmd
}

func newRestartCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <name>",
		Short: "Stop and start a daemon; counts toward the restart window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.lifecycle(cmd.Context(), args[0], (*keepr.Supervisor).Restart, nil)
		},
	}
}

type (
	singleOp func(*keepr.Supervisor, context.Context, string) (keepr.Result, error)
	batchOp  func(*keepr.Supervisor, context.Context) ([]keepr.Result, error)
)

func (a *app) lifecycle(ctx context.Context, name string, one singleOp, all batchOp) error {
	s, err := a.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	var results []keepr.Result
	if name == "" {
		results, err = all(s, ctx)
	} else {
		var res keepr.Result
		res, err = one(s, ctx, name)
		if res.Name == "" {
			res.Name = name
		}
		if err != nil && res.Err == nil {
			res.Err = err
		}
		results = []keepr.Result{res}
	}
	printResults(a.stdout, results)
	return resultsError(results, err)
}

func printResults(w io.Writer, results []keepr.Result) {
	for _, r := range results {
		if r.Outcome == "" {
			continue
		}
		line := fmt.Sprintf("%s: %s", r.Name, r.Outcome)
		switch {
		case r.PID > 0 && r.PrevPID > 0:
			line += fmt.Sprintf(" (pid %d -> %d)", r.PrevPID, r.PID)
		case r.PID > 0:
			line += fmt.Sprintf(" (pid %d)", r.PID)
		case r.PrevPID > 0:
			line += fmt.Sprintf(" (was pid %d)", r.PrevPID)
		}
		if r.Coalesced {
			line += " [coalesced]"
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

// resultsError maps results to an exit code: a result without an outcome
// means the operation never ran (unknown daemon, storage or lock error) and
// is a hard error; an outcome that is not OK is an operational failure.
func resultsError(results []keepr.Result, err error) error {
	if err == nil {
		return nil
	}
	for _, r := range results {
		if r.Outcome == "" && r.Err != nil {
			return err
		}
	}
	for _, r := range results {
		if !r.Outcome.OK() {
			return failure(err)
		}
	}
	return err
}
