package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/keepr/internal/env"
	"github.com/loykin/keepr/internal/logger"
	"github.com/loykin/keepr/internal/policy"
	ktls "github.com/loykin/keepr/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. KEEPR_MONITOR_INTERVAL=30s.
const EnvPrefix = "KEEPR"

// Config is the top-level TOML structure.
type Config struct {
	StateDir string         `mapstructure:"state_dir"`
	Env      []string       `mapstructure:"env"`
	EnvFiles []string       `mapstructure:"env_files"`
	UseOSEnv bool           `mapstructure:"use_os_env"`
	Log      logger.Config  `mapstructure:"log"`
	Registry RegistryConfig `mapstructure:"registry"`
	History  HistoryConfig  `mapstructure:"history"`
	Policy   policy.Config  `mapstructure:"policy"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Launcher LauncherConfig `mapstructure:"launcher"`
	Daemons  []Daemon       `mapstructure:"daemons"`
}

type RegistryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	DSN       string `mapstructure:"dsn"`
	Retention int    `mapstructure:"retention"`
	// ExportDSN optionally mirrors restart events to clickhouse:// or opensearch://.
	ExportDSN string `mapstructure:"export_dsn"`
}

type MonitorConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Listen          string        `mapstructure:"listen"`
	SampleResources bool          `mapstructure:"sample_resources"`
	// TLS serves the status endpoints over HTTPS when configured.
	TLS             ktls.Config   `mapstructure:"tls"`
}

type LauncherConfig struct {
	SpawnTimeout time.Duration `mapstructure:"spawn_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StartGrace   time.Duration `mapstructure:"start_grace"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	KillTimeout  time.Duration `mapstructure:"kill_timeout"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
}

// Daemon is one [[daemons]] entry.
type Daemon struct {
	Name        string        `mapstructure:"name"`
	Command     string        `mapstructure:"command"`
	WorkDir     string        `mapstructure:"workdir"`
	Env         []string      `mapstructure:"env"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", "~/.keepr")
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("registry.dsn", "")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.retention", 100)
	v.SetDefault("history.export_dsn", "")
	v.SetDefault("policy.max_restarts_per_window", policy.DefaultMaxRestarts)
	v.SetDefault("policy.window", policy.DefaultWindow)
	v.SetDefault("policy.cooldown", policy.DefaultCooldown)
	v.SetDefault("monitor.interval", 300*time.Second)
	v.SetDefault("monitor.listen", "")
	v.SetDefault("monitor.sample_resources", false)
	v.SetDefault("monitor.tls.cert_file", "")
	v.SetDefault("monitor.tls.key_file", "")
	v.SetDefault("monitor.tls.dir", "")
	v.SetDefault("monitor.tls.auto_generate", false)
	v.SetDefault("monitor.tls.min_version", "")
	v.SetDefault("monitor.tls.max_version", "")
	v.SetDefault("launcher.spawn_timeout", 2*time.Second)
	v.SetDefault("launcher.poll_interval", 25*time.Millisecond)
	v.SetDefault("launcher.start_grace", 200*time.Millisecond)
	v.SetDefault("launcher.stop_timeout", 5*time.Second)
	v.SetDefault("launcher.kill_timeout", 2*time.Second)
	v.SetDefault("launcher.lock_timeout", 10*time.Second)
}

// Load reads the TOML file at path, applies KEEPR_* environment overrides and
// defaults, resolves derived paths and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.resolve(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolve expands ~ and fills paths derived from state_dir.
func (c *Config) resolve() error {
	dir, err := expandHome(c.StateDir)
	if err != nil {
		return err
	}
	c.StateDir = dir
	if c.Log.Dir == "" {
		c.Log.Dir = filepath.Join(dir, "logs")
	} else if c.Log.Dir, err = expandHome(c.Log.Dir); err != nil {
		return err
	}
	t := &c.Monitor.TLS
	for _, p := range []*string{&t.CertFile, &t.KeyFile, &t.Dir} {
		if *p, err = expandHome(*p); err != nil {
			return err
		}
	}
	if t.AutoGenerate && t.Dir == "" && t.CertFile == "" {
		t.Dir = filepath.Join(dir, "tls")
	}
	if c.Registry.DSN == "" {
		c.Registry.DSN = "file://" + filepath.Join(dir, "pids")
	}
	if c.History.DSN == "" {
		c.History.DSN = "file://" + filepath.Join(dir, "history")
	}
	return nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

// LockDir is where per-daemon lock files live.
func (c *Config) LockDir() string { return filepath.Join(c.StateDir, "locks") }

// Names returns daemon names in configuration order.
func (c *Config) Names() []string {
	out := make([]string, 0, len(c.Daemons))
	for _, d := range c.Daemons {
		out = append(out, d.Name)
	}
	return out
}

// reserved names collide with the shared log channels.
var reserved = map[string]bool{logger.ChannelEvents: true, logger.ChannelHealth: true}

// Validate checks daemon names and commands, durations and DSNs. All
// problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir is empty"))
	}
	seen := make(map[string]bool, len(c.Daemons))
	for i, d := range c.Daemons {
		switch {
		case d.Name == "":
			errs = append(errs, fmt.Errorf("daemons[%d]: name is empty", i))
		case strings.ContainsAny(d.Name, `/\`) || d.Name == "." || d.Name == ".." || strings.HasPrefix(d.Name, "."):
			errs = append(errs, fmt.Errorf("daemon %q: name must not contain path separators or start with '.'", d.Name))
		case reserved[d.Name]:
			errs = append(errs, fmt.Errorf("daemon %q: name is reserved", d.Name))
		case seen[d.Name]:
			errs = append(errs, fmt.Errorf("daemon %q: duplicate name", d.Name))
		}
		seen[d.Name] = true
		if strings.TrimSpace(d.Command) == "" {
			errs = append(errs, fmt.Errorf("daemon %q: command is empty", d.Name))
		}
		if d.StopTimeout < 0 {
			errs = append(errs, fmt.Errorf("daemon %q: stop_timeout must not be negative", d.Name))
		}
		for _, kv := range d.Env {
			if _, _, ok := env.Parse(kv); !ok {
				errs = append(errs, fmt.Errorf("daemon %q: env entry %q is not KEY=VALUE", d.Name, kv))
			}
		}
	}
	positive := map[string]time.Duration{
		"policy.window":          c.Policy.Window,
		"monitor.interval":       c.Monitor.Interval,
		"launcher.spawn_timeout": c.Launcher.SpawnTimeout,
		"launcher.poll_interval": c.Launcher.PollInterval,
		"launcher.start_grace":   c.Launcher.StartGrace,
		"launcher.stop_timeout":  c.Launcher.StopTimeout,
		"launcher.kill_timeout":  c.Launcher.KillTimeout,
		"launcher.lock_timeout":  c.Launcher.LockTimeout,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, positive[key]))
		}
	}
	if c.Launcher.StartGrace > c.Launcher.SpawnTimeout {
		errs = append(errs, fmt.Errorf("launcher.start_grace (%s) exceeds spawn_timeout (%s)", c.Launcher.StartGrace, c.Launcher.SpawnTimeout))
	}
	if c.Policy.Cooldown < 0 {
		errs = append(errs, errors.New("policy.cooldown must not be negative"))
	}
	if c.Policy.MaxRestartsPerWindow <= 0 {
		errs = append(errs, errors.New("policy.max_restarts_per_window must be positive"))
	}
	if c.History.Retention <= 0 {
		errs = append(errs, errors.New("history.retention must be positive"))
	}
	if err := c.Monitor.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("monitor.tls: %w", err))
	}
	if strings.TrimSpace(c.Registry.DSN) == "" {
		errs = append(errs, errors.New("registry.dsn is empty"))
	}
	if strings.TrimSpace(c.History.DSN) == "" {
		errs = append(errs, errors.New("history.dsn is empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Environment builds the env composer for daemons from env, env_files and
// use_os_env.
func (c *Config) Environment() (*env.Env, error) {
	e := env.New(c.UseOSEnv)
	for _, f := range c.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, fmt.Errorf("env file: %w", err)
		}
	}
	e.SetPairs(c.Env)
	return e, nil
}
