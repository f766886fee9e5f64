// Package logger provides the supervisor's durable log channels: one rotating
// file per daemon plus the cross-cutting "events" and "health" channels. Every
// channel is a *slog.Logger writing JSON lines into a lumberjack-rotated file.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Well-known channel names.
const (
	ChannelEvents = "events"
	ChannelHealth = "health"
)

// Config describes where channels live and how they rotate.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string `mapstructure:"dir"`          // base directory for all channels
	Level      string `mapstructure:"level"`        // debug, info, warn, error (default info)
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `mapstructure:"compress"`     // gzip rotated files
}

// rotating returns a lumberjack writer for path with this config's limits.
func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// OutputPaths returns the stdout/stderr files a daemon's own output is
// appended to. They are plain files handed to the child process, not
// rotated by the supervisor.
func (c Config) OutputPaths(name string) (string, string) {
	if c.Dir == "" {
		return "", ""
	}
	return filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name)),
		filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
}

func (c Config) level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.Level))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Channels hands out one logger per channel name, creating the backing file
// on first use. It is safe for concurrent use.
type Channels struct {
	cfg     Config
	console *slog.Logger

	mu      sync.Mutex
	loggers map[string]*slog.Logger
	writers map[string]io.Closer
}

// New creates the channel set. When cfg.Dir is empty channels log to console
// only. console may be nil.
func New(cfg Config, console *slog.Logger) (*Channels, error) {
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	if console == nil {
		console = slog.New(discardHandler{})
	}
	return &Channels{
		cfg:     cfg,
		console: console,
		loggers: make(map[string]*slog.Logger),
		writers: make(map[string]io.Closer),
	}, nil
}

// Config returns the configuration the channels were built from.
func (c *Channels) Config() Config { return c.cfg }

// Events is the cross-cutting lifecycle channel.
func (c *Channels) Events() *slog.Logger { return c.Channel(ChannelEvents) }

// Health is the monitor's channel.
func (c *Channels) Health() *slog.Logger { return c.Channel(ChannelHealth) }

// Daemon is the per-daemon channel; entries are also copied to events.
func (c *Channels) Daemon(name string) *slog.Logger {
	key := "daemon:" + name
	c.mu.Lock()
	if l, ok := c.loggers[key]; ok {
		c.mu.Unlock()
		return l
	}
	c.mu.Unlock()
	own := c.Channel(name)
	events := c.Channel(ChannelEvents)
	l := slog.New(Fanout(own.Handler(), events.Handler())).With("daemon", name)
	c.mu.Lock()
	c.loggers[key] = l
	c.mu.Unlock()
	return l
}

// Console returns the logger used for interactive output.
func (c *Channels) Console() *slog.Logger { return c.console }

// Channel returns the logger for name, opening <dir>/<name>.log on first use.
func (c *Channels) Channel(name string) *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.loggers[name]; ok {
		return l
	}
	var h slog.Handler = discardHandler{}
	if c.cfg.Dir != "" {
		w := c.cfg.rotating(filepath.Join(c.cfg.Dir, name+".log"))
		c.writers[name] = w
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: c.cfg.level()})
	}
	if name == ChannelEvents || name == ChannelHealth {
		h = Fanout(h, c.console.Handler())
	}
	l := slog.New(h).With("channel", name)
	c.loggers[name] = l
	return l
}

// Close flushes and closes every file opened by the set.
func (c *Channels) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for name, w := range c.writers {
		if err := w.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s log: %w", name, err)
		}
	}
	c.writers = make(map[string]io.Closer)
	c.loggers = make(map[string]*slog.Logger)
	return first
}

// Fanout returns a handler that forwards every record to all handlers.
func Fanout(handlers ...slog.Handler) slog.Handler {
	return fanout(handlers)
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
