// Package client reads a running keepr monitor's HTTP status endpoints.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/keepr"
)

// ErrNoSnapshot is returned by Health before the monitor finished a cycle.
var ErrNoSnapshot = errors.New("monitor has not completed a health cycle")

// Client talks to the status server started by `keepr monitor --listen`.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	CACert   string // PEM file to trust, e.g. <state_dir>/tls/tls_ca.crt
	Insecure bool   // skip TLS verification
}

// DefaultConfig returns the configuration for a local monitor.
func DefaultConfig() Config {
	return Config{BaseURL: "http://127.0.0.1:9310", Timeout: 10 * time.Second}
}

// New creates a client. TLS settings apply to https base URLs only.
func New(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if cfg.Insecure || cfg.CACert != "" {
		tc, err := clientTLS(cfg)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  cfg.Logger,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}, nil
}

func clientTLS(cfg Config) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.Insecure {
		// #nosec G402 explicitly requested by the caller
		tc.InsecureSkipVerify = true
		return tc, nil
	}
	pem, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", cfg.CACert)
	}
	tc.RootCAs = pool
	return tc, nil
}

// Health returns the monitor's last snapshot. A degraded snapshot is not an
// error; check Snapshot.Healthy.
func (c *Client) Health(ctx context.Context) (keepr.Snapshot, error) {
	var snap keepr.Snapshot
	code, err := c.get(ctx, "/health", &snap, http.StatusOK, http.StatusServiceUnavailable)
	if err != nil {
		return keepr.Snapshot{}, err
	}
	if code == http.StatusServiceUnavailable && snap.TakenAt.IsZero() {
		return keepr.Snapshot{}, ErrNoSnapshot
	}
	return snap, nil
}

// StatusAll returns the status of every configured daemon.
func (c *Client) StatusAll(ctx context.Context) ([]keepr.Status, error) {
	var sts []keepr.Status
	_, err := c.get(ctx, "/status", &sts, http.StatusOK)
	return sts, err
}

// Status returns one daemon's status.
func (c *Client) Status(ctx context.Context, name string) (keepr.Status, error) {
	var st keepr.Status
	_, err := c.get(ctx, "/status/"+url.PathEscape(name), &st, http.StatusOK)
	return st, err
}

// History returns up to limit of the newest restart events, oldest first.
func (c *Client) History(ctx context.Context, name string, limit int) ([]keepr.Event, error) {
	var evs []keepr.Event
	p := "/history/" + url.PathEscape(name)
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	_, err := c.get(ctx, p, &evs, http.StatusOK)
	return evs, err
}

// get decodes the JSON body into out when the response code is one of ok.
func (c *Client) get(ctx context.Context, path string, out any, ok ...int) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("status server unreachable", "url", c.baseURL, "error", err)
		return 0, fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for _, code := range ok {
		if resp.StatusCode == code {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
			}
			return resp.StatusCode, nil
		}
	}
	var e struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&e)
	if e.Error == "" {
		e.Error = http.StatusText(resp.StatusCode)
	}
	return resp.StatusCode, &StatusError{Code: resp.StatusCode, Message: e.Error}
}

// StatusError is a non-success response from the status server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string { return fmt.Sprintf("status server: %d %s", e.Code, e.Message) }
