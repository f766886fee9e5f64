package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/keepr"
)

// DefaultConfigPath is used when neither --config nor KEEPR_CONFIG is set.
const DefaultConfigPath = "keepr.toml"

// app carries what every subcommand shares.
type app struct {
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	// options are appended to every keepr.Open call.
	options []keepr.Option
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "keepr",
		Short: "Keep long-running daemons alive",
		Long: `keepr starts daemons detached from the terminal, remembers their PIDs,
verifies they are still the process it launched and restarts dead ones
within a bounded restart policy.

Examples:
  keepr start --all
  keepr status --all --format json
  keepr restart-history context-daemon --limit 10
  keepr monitor --listen 127.0.0.1:9310`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	def := os.Getenv("KEEPR_CONFIG")
	if def == "" {
		def = DefaultConfigPath
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", def, "path to TOML config file (env KEEPR_CONFIG)")

	root.AddCommand(
		newStartCommand(a),
		newStopCommand(a),
		newRestartCommand(a),
		newStatusCommand(a),
		newHealthCommand(a),
		newVerifyCommand(a),
		newCleanupStaleCommand(a),
		newRestartHistoryCommand(a),
		newMonitorCommand(a),
	)
	return root
}

// open loads the config and opens a supervisor. Any error here is a hard
// error and maps to exit code 2.
func (a *app) open(extra ...keepr.Option) (*keepr.Supervisor, error) {
	cfg, err := keepr.LoadConfig(a.configPath)
	if err != nil {
		return nil, err
	}
	return a.openConfig(cfg, extra...)
}

func (a *app) openConfig(cfg *keepr.Config, extra ...keepr.Option) (*keepr.Supervisor, error) {
	opts := append(append([]keepr.Option{}, a.options...), extra...)
	return keepr.Open(cfg, opts...)
}
