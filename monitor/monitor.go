// Package monitor provides the HTTP status API of a running shigoto topology.
package monitor

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/TonyTheTaiga/doraemon/shigoto"
)

// Config holds all configuration needed by the Monitor.
type Config struct {
	Addr string

	// APIKeys, when non-empty, are required in the X-Shigoto-API-Key header
	// on /api/v1 routes.
	APIKeys []string
}

// Monitor manages the HTTP status server.
type Monitor struct {
	server    *http.Server
	mux       *http.ServeMux
	rc        *shigoto.RedisClient
	topo      *shigoto.Config
	logger    *slog.Logger
	cfg       Config
	startedAt time.Time
}

// New creates a new Monitor. rc serves node heartbeats and may be nil, in
// which case the node routes answer 503. topo is the configuration whose
// channels and nodes are described.
func New(rc *shigoto.RedisClient, topo *shigoto.Config, logger *slog.Logger, cfg Config) *Monitor {
	m := &Monitor{
		rc:        rc,
		topo:      topo,
		logger:    logger.With("component", "monitor"),
		cfg:       cfg,
		startedAt: time.Now(),
	}

	m.mux = http.NewServeMux()
	m.setupRoutes()

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	m.server = &http.Server{
		Addr:         addr,
		Handler:      m.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return m
}

// Handler returns the routes, for embedding or tests.
func (m *Monitor) Handler() http.Handler { return m.mux }

// Start starts the HTTP server. Blocks until the server is stopped or errors.
// Returns nil on graceful shutdown.
func (m *Monitor) Start() error {
	m.logger.Info("monitor HTTP server starting", "addr", m.server.Addr)
	err := m.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (m *Monitor) Stop(ctx context.Context) error {
	m.logger.Info("monitor HTTP server stopping")
	return m.server.Shutdown(ctx)
}
