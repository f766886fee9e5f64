package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/keepr/internal/history"
	"github.com/loykin/keepr/internal/launcher"
	"github.com/loykin/keepr/internal/metrics"
	"github.com/loykin/keepr/internal/monitor"
)

// Router exposes the monitor's read-only view over HTTP.
// Endpoints:
//
//	GET {basePath}/health          last snapshot; 200 when healthy, 503 otherwise
//	GET {basePath}/status          status of every daemon
//	GET {basePath}/status/:name    status of one daemon
//	GET {basePath}/history/:name   restart events, query: limit=N
//	GET {basePath}/metrics         prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      Sources
	basePath string
}

// HealthSource returns the last completed health snapshot.
type HealthSource interface {
	Last() (monitor.Snapshot, bool)
}

// StatusSource reports daemon status.
type StatusSource interface {
	Status(ctx context.Context, name string) (launcher.Status, error)
	StatusAll(ctx context.Context) ([]launcher.Status, error)
}

// HistorySource lists restart events for a daemon.
type HistorySource interface {
	History(ctx context.Context, name string, limit int) ([]history.Event, error)
}

// Sources wires the router to the running supervisor. Nil sources disable
// their endpoints with 404. A nil Gatherer serves the default registry.
type Sources struct {
	Health   HealthSource
	Status   StatusSource
	History  HistorySource
	Gatherer prometheus.Gatherer
}

// NewRouter constructs a Router with a configurable basePath.
func NewRouter(basePath string, src Sources) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.src.Health != nil {
		group.GET("/health", r.handleHealth)
	}
	if r.src.Status != nil {
		group.GET("/status", r.handleStatusAll)
		group.GET("/status/:name", r.handleStatus)
	}
	if r.src.History != nil {
		group.GET("/history/:name", r.handleHistory)
	}
	var mh http.Handler
	if r.src.Gatherer != nil {
		mh = metrics.HandlerFor(r.src.Gatherer)
	} else {
		mh = metrics.Handler()
	}
	group.GET("/metrics", gin.WrapH(mh))
	return g
}

// NewServer binds addr and serves the router in the background, over TLS
// when tlsCfg is not nil. Bind errors are returned; the caller shuts the
// server down with Shutdown or Close.
func NewServer(addr, basePath string, src Sources, tlsCfg *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           NewRouter(basePath, src).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	if tlsCfg != nil {
		go func() { _ = server.ServeTLS(ln, "", "") }()
		return server, nil
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

func (r *Router) handleHealth(c *gin.Context) {
	snap, ok := r.src.Health.Last()
	if !ok {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no health cycle has completed yet"})
		return
	}
	code := http.StatusOK
	if !snap.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, snap)
}

func (r *Router) handleStatusAll(c *gin.Context) {
	sts, err := r.src.Status.StatusAll(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleStatus(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	st, err := r.src.Status.Status(c.Request.Context(), name)
	switch {
	case errors.Is(err, launcher.ErrUnknownDaemon):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	case err != nil:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusOK, st)
	}
}

func (r *Router) handleHistory(c *gin.Context) {
	name, ok := nameParam(c)
	if !ok {
		return
	}
	limit, ok := limitQuery(c)
	if !ok {
		return
	}
	evs, err := r.src.History.History(c.Request.Context(), name, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if evs == nil {
		evs = []history.Event{}
	}
	writeJSON(c, http.StatusOK, evs)
}
