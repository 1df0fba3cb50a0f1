package shigoto

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultHeartbeatInterval = 5 * time.Second

// Pool runs a fixed number of copies of a node: the prototype itself plus
// Size-1 clones, each on its own unit. Copies share the prototype's channels,
// so a shared input is consumed competitively.
type Pool struct {
	proto     Node
	size      int
	mode      UnitMode
	rc        *RedisClient
	heartbeat time.Duration
	logger    *slog.Logger

	mu    sync.RWMutex
	units []Unit
	nodes []Node
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolMode sets the unit mode of every copy. Default ModeGoroutine.
func WithPoolMode(mode UnitMode) PoolOption {
	return func(p *Pool) { p.mode = mode }
}

// WithPoolLogger sets the pool logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// WithHeartbeat publishes the pool's liveness to Redis every interval under
// the prefixed key "node:<name>". Zero interval uses the default of 5s.
func WithHeartbeat(rc *RedisClient, interval time.Duration) PoolOption {
	return func(p *Pool) {
		p.rc = rc
		if interval > 0 {
			p.heartbeat = interval
		}
	}
}

// NewPool creates a pool of size copies of proto. A size below 1 is 1.
func NewPool(proto Node, size int, opts ...PoolOption) *Pool {
	p := &Pool{
		proto:     proto,
		size:      max(size, 1),
		mode:      ModeGoroutine,
		heartbeat: defaultHeartbeatInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pool", "node", proto.Name())
	return p
}

// Name returns the prototype's name.
func (p *Pool) Name() string { return p.proto.Name() }

// Size returns the number of copies.
func (p *Pool) Size() int { return p.size }

// Nodes returns the copies after Run started. In process mode they only
// exist in the children and the slice is empty.
func (p *Pool) Nodes() []Node {
	_, nodes := p.snapshot()
	return nodes
}

// snapshot returns the units and copies of the current Run.
func (p *Pool) snapshot() ([]Unit, []Node) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.units, p.nodes
}

// Alive returns how many units are running.
func (p *Pool) Alive() int {
	units, _ := p.snapshot()
	n := 0
	for _, u := range units {
		if u.Alive() {
			n++
		}
	}
	return n
}

// Busy returns how many in-process copies are executing a task.
func (p *Pool) Busy() int {
	_, nodes := p.snapshot()
	n := 0
	for _, node := range nodes {
		if b, ok := node.(interface{ Busy() bool }); ok && b.Busy() {
			n++
		}
	}
	return n
}

// Run starts every copy and blocks until all stopped. The first copy failing
// with an error cancels the others, and that error is returned.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("pool starting", "size", p.size, "mode", string(p.mode))

	units := make([]Unit, 0, p.size)
	var nodes []Node
	for i := 0; i < p.size; i++ {
		if p.mode == ModeProcess {
			units = append(units, NewProcessUnit(p.proto.Name()))
			continue
		}
		node := p.proto
		if i > 0 {
			node = p.proto.Clone()
		}
		nodes = append(nodes, node)
		units = append(units, NewGoroutineUnit(node))
	}
	p.mu.Lock()
	p.units, p.nodes = units, nodes
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	for i, u := range units {
		if err := u.Start(gctx); err != nil {
			p.logger.Error("unit failed to start", "index", i, "error", err)
			cancel()
			g.Wait()
			return fmt.Errorf("starting %s[%d]: %w", p.proto.Name(), i, err)
		}
		g.Go(u.Wait)
	}

	hbDone := make(chan struct{})
	hbCtx, stopHeartbeat := context.WithCancel(gctx)
	go func() {
		defer close(hbDone)
		p.heartbeatLoop(hbCtx)
	}()

	err := g.Wait()
	stopHeartbeat()
	<-hbDone

	if err != nil {
		p.logger.Error("pool stopped", "error", err)
		return err
	}
	p.logger.Info("pool stopped")
	return nil
}

// heartbeatLoop records liveness until ctx ends, then marks the pool stopped.
func (p *Pool) heartbeatLoop(ctx context.Context) {
	if p.rc == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	p.logger.Debug("heartbeat started")
	defer p.logger.Debug("heartbeat stopped")

	p.sendHeartbeat(ctx, "active")
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			p.sendHeartbeat(stopCtx, "stopped")
			cancel()
			return
		case <-ticker.C:
			p.sendHeartbeat(ctx, "active")
		}
	}
}

// sendHeartbeat writes the pool's state hash. The hash expires after three
// missed heartbeats.
func (p *Pool) sendHeartbeat(ctx context.Context, status string) {
	sr, err := loadScripts()
	if err != nil {
		p.logger.Error("heartbeat scripts unavailable", "error", err)
		return
	}

	var processed, failed int64
	_, nodes := p.snapshot()
	for _, node := range nodes {
		if s, ok := node.(interface{ Stats() (int64, int64) }); ok {
			done, fail := s.Stats()
			processed += done
			failed += fail
		}
	}

	ttl := int64((3 * p.heartbeat).Seconds())
	name := p.proto.Name()
	err = sr.run(ctx, p.rc.rdb, "node_heartbeat",
		[]string{p.rc.Key("node", name), p.rc.Key("nodes")},
		name, time.Now().UnixMilli(), max(ttl, 1),
		"status", status,
		"mode", string(p.mode),
		"size", p.size,
		"alive", p.Alive(),
		"busy", p.Busy(),
		"processed", strconv.FormatInt(processed, 10),
		"failed", strconv.FormatInt(failed, 10),
	).Err()
	if err != nil && ctx.Err() == nil {
		p.logger.Error("heartbeat update failed", "error", err)
	}
}

// NodeStatus is a heartbeat read back from Redis.
type NodeStatus struct {
	Name          string
	Status        string
	Mode          string
	Size          int
	Alive         int
	Busy          int
	Processed     int64
	Failed        int64
	LastHeartbeat time.Time
}

// ReadNodeStatus returns the last heartbeat of every node that is still
// registered and not expired.
func ReadNodeStatus(ctx context.Context, rc *RedisClient) ([]NodeStatus, error) {
	names, err := rc.rdb.SMembers(ctx, rc.Key("nodes")).Result()
	if err != nil {
		return nil, fmt.Errorf("reading nodes: %w", err)
	}
	out := make([]NodeStatus, 0, len(names))
	for _, name := range names {
		h, err := rc.rdb.HGetAll(ctx, rc.Key("node", name)).Result()
		if err != nil {
			return nil, fmt.Errorf("reading node %s: %w", name, err)
		}
		if len(h) == 0 {
			continue
		}
		out = append(out, NodeStatus{
			Name:          name,
			Status:        h["status"],
			Mode:          h["mode"],
			Size:          parseInt(h["size"]),
			Alive:         parseInt(h["alive"]),
			Busy:          parseInt(h["busy"]),
			Processed:     parseInt64(h["processed"]),
			Failed:        parseInt64(h["failed"]),
			LastHeartbeat: time.UnixMilli(parseInt64(h["last_heartbeat"])),
		})
	}
	return out, nil
}
