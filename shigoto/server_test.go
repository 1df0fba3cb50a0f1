package shigoto

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	cfg, err := LoadConfig([]byte(memoryTopologyYAML))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	opts = append([]ServerOption{WithLogger(discardLogger()), WithRegistry(testRegistry(t))}, opts...)
	s, err := NewServerFromConfig(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("NewServerFromConfig: %v", err)
	}
	return s
}

func startServer(ctx context.Context, t *testing.T, s *Server) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	return done
}

func waitStopped(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func TestNewServerFromConfig_ShutdownTimeout(t *testing.T) {
	cfg := &Config{App: AppConfig{ShutdownTimeout: 7}}
	s, err := NewServerFromConfig(context.Background(), cfg, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewServerFromConfig: %v", err)
	}
	if s.cfg.shutdownTimeout != 7*time.Second {
		t.Errorf("shutdownTimeout = %v, want 7s from config", s.cfg.shutdownTimeout)
	}

	s, err = NewServerFromConfig(context.Background(), cfg,
		WithLogger(discardLogger()), WithShutdownTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewServerFromConfig: %v", err)
	}
	if s.cfg.shutdownTimeout != time.Second {
		t.Errorf("shutdownTimeout = %v, option should win", s.cfg.shutdownTimeout)
	}

	s, _ = NewServerFromConfig(context.Background(), &Config{}, WithLogger(discardLogger()), WithShutdownTimeout(-1))
	if s.cfg.shutdownTimeout != defaultShutdownTimeout {
		t.Errorf("shutdownTimeout = %v, want default", s.cfg.shutdownTimeout)
	}
}

func TestServer_StartStop(t *testing.T) {
	s := newTestServer(t)
	done := startServer(context.Background(), t, s)

	reg := testRegistry(t)
	tasks, _ := s.Topology().Output("tasks")
	results, _ := s.Topology().Input("results")
	ctx := context.Background()
	if err := tasks.Put(ctx, reg.Task(Ref("mymod", "myfunc"), []any{3, 4}, nil)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	m, err := results.Get(ctx, 2*time.Second)
	if err != nil || m == nil {
		t.Fatalf("Get = %v, %v", m, err)
	}

	s.Stop()
	s.Stop()
	if err := waitStopped(t, done); err != nil {
		t.Errorf("Start() = %v, want nil after Stop", err)
	}
}

func TestServer_ContextCancel(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := startServer(ctx, t, s)
	waitFor(t, "pools running", func() bool { return s.Topology().Pools()[0].Alive() == 2 })

	cancel()
	if err := waitStopped(t, done); err != nil {
		t.Errorf("Start() = %v, want nil after cancel", err)
	}
}

func TestServer_SingleUse(t *testing.T) {
	s := newTestServer(t)
	done := startServer(context.Background(), t, s)
	waitFor(t, "server running", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.running
	})
	if err := s.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Errorf("second Start() = %v", err)
	}
	s.Stop()
	waitStopped(t, done)
}

// stubbornNode ignores cancellation until released.
type stubbornNode struct{ release chan struct{} }

func (n *stubbornNode) Name() string              { return "stubborn" }
func (n *stubbornNode) Clone() Node               { return n }
func (n *stubbornNode) Run(context.Context) error { <-n.release; return nil }

func TestServer_ShutdownTimeout(t *testing.T) {
	s := newTestServer(t, WithShutdownTimeout(100*time.Millisecond))
	node := &stubbornNode{release: make(chan struct{})}
	t.Cleanup(func() { close(node.release) })
	s.topo.pools = append(s.topo.pools, NewPool(node, 1, WithPoolLogger(discardLogger())))

	done := startServer(context.Background(), t, s)
	waitFor(t, "stubborn node running", func() bool { return s.Topology().Pools()[2].Alive() == 1 })
	s.Stop()
	err := waitStopped(t, done)
	if err == nil || !strings.Contains(err.Error(), "shutdown timed out") {
		t.Errorf("Start() = %v, want shutdown timeout", err)
	}
}

func TestServer_RedisUnreachable(t *testing.T) {
	cfg := &Config{
		Redis:    RedisYAML{Addr: "127.0.0.1:1"},
		App:      AppConfig{HeartbeatInterval: 1},
		Channels: []ChannelDef{{Name: "a", Type: ChannelQueue}},
		Workers:  []WorkerDef{{Name: "w", Input: "a"}},
	}
	s, err := NewServerFromConfig(context.Background(), cfg, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewServerFromConfig: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Start(ctx); err == nil || !strings.Contains(err.Error(), "redis connection check") {
		t.Errorf("Start() = %v, want redis connection error", err)
	}
}
