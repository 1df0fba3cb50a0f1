package shigoto

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

const defaultShutdownTimeout = 30 * time.Second

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	logger          *slog.Logger
	reg             *Registry
	shutdownTimeout time.Duration
}

// WithLogger sets the logger of the server and everything it builds.
func WithLogger(l *slog.Logger) ServerOption {
	return func(sc *serverConfig) { sc.logger = l }
}

// WithRegistry sets the registry tasks are resolved against.
func WithRegistry(r *Registry) ServerOption {
	return func(sc *serverConfig) { sc.reg = r }
}

// WithShutdownTimeout sets how long Start waits for nodes to stop after a
// shutdown signal. Default 30s.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(sc *serverConfig) {
		if d > 0 {
			sc.shutdownTimeout = d
		}
	}
}

// Server runs a configured topology until a signal, Stop or ctx ends it. In a
// child started by a process-mode pool it runs that child's node instead.
type Server struct {
	cfg    *serverConfig
	topo   *Topology
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewServerFromConfig builds the topology of cfg. The config is the base;
// ServerOption values win.
func NewServerFromConfig(ctx context.Context, cfg *Config, opts ...ServerOption) (*Server, error) {
	sc := &serverConfig{shutdownTimeout: defaultShutdownTimeout}
	if cfg.App.ShutdownTimeout > 0 {
		sc.shutdownTimeout = time.Duration(cfg.App.ShutdownTimeout) * time.Second
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.logger == nil {
		sc.logger = newLoggerFromLevel(cfg.App.LogLevel)
	}

	topo, err := BuildTopology(ctx, cfg, WithTopologyLogger(sc.logger), WithTopologyRegistry(sc.reg))
	if err != nil {
		return nil, fmt.Errorf("creating server from config: %w", err)
	}
	return &Server{
		cfg:    sc,
		topo:   topo,
		logger: sc.logger.With("component", "server"),
		stopCh: make(chan struct{}),
	}, nil
}

// Topology returns the built topology, e.g. to put tasks on its channels.
func (s *Server) Topology() *Topology { return s.topo }

// Start runs every pool. It blocks until the server is stopped via signal
// (SIGTERM/SIGINT), Stop, or ctx cancellation, or until a pool fails. The
// server is single-use.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()
	defer s.topo.Close()

	if rc := s.topo.Redis(); rc != nil {
		if err := rc.Ping(ctx); err != nil {
			return fmt.Errorf("redis connection check: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() {
		if handled, err := ChildMain(ctx); handled {
			done <- err
			return
		}
		done <- s.topo.Run(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("topology stopped", "error", err)
		}
		return err
	case sig := <-sigCh:
		s.logger.Info("received signal, initiating shutdown", "signal", sig)
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
	case <-s.stopCh:
		s.logger.Info("Stop() called, initiating shutdown")
	}
	cancel()

	select {
	case err := <-done:
		s.logger.Info("all nodes stopped gracefully")
		return err
	case <-time.After(s.cfg.shutdownTimeout):
		s.logger.Warn("shutdown timeout reached, closing channels with nodes still running",
			"timeout", s.cfg.shutdownTimeout)
		return fmt.Errorf("shutdown timed out after %s", s.cfg.shutdownTimeout)
	}
}

// Stop signals the server to stop.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}
