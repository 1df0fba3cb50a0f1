package shigoto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TonyTheTaiga/doraemon/shigoto/broker"
)

// endpoint is a configured channel seen from either side.
type endpoint struct {
	def ChannelDef
	in  InputChannel
	out OutputChannel
}

// Topology is the set of brokers, channels and node pools built from a Config.
type Topology struct {
	cfg    *Config
	reg    *Registry
	logger *slog.Logger
	rc     *RedisClient

	brokers  map[string]broker.Broker
	channels map[string]endpoint
	closers  []io.Closer
	pools    []*Pool
	protos   map[string]Node

	// dial attaches procqueue channels to their owner instead of serving them.
	dial bool
}

// TopologyOption configures BuildTopology.
type TopologyOption func(*topologyConfig)

type topologyConfig struct {
	logger *slog.Logger
	reg    *Registry
}

// WithTopologyLogger sets the logger of every component. By default a logger
// at app.log_level is used.
func WithTopologyLogger(l *slog.Logger) TopologyOption {
	return func(tc *topologyConfig) { tc.logger = l }
}

// WithTopologyRegistry sets the registry codecs resolve tasks against.
// Default DefaultRegistry.
func WithTopologyRegistry(r *Registry) TopologyOption {
	return func(tc *topologyConfig) { tc.reg = r }
}

// BuildTopology creates every broker, channel and pool declared in cfg.
// Pools in process mode are registered with RegisterProcessNode so a child
// started by them, building the same topology, runs its node via ChildMain.
// In such a child, procqueue channels are dialed rather than served.
func BuildTopology(ctx context.Context, cfg *Config, opts ...TopologyOption) (*Topology, error) {
	tc := &topologyConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.logger == nil {
		tc.logger = newLoggerFromLevel(cfg.App.LogLevel)
	}
	if tc.reg == nil {
		tc.reg = DefaultRegistry
	}

	t := &Topology{
		cfg:      cfg,
		reg:      tc.reg,
		logger:   tc.logger.With("component", "topology"),
		brokers:  make(map[string]broker.Broker),
		channels: make(map[string]endpoint),
		protos:   make(map[string]Node),
	}
	if err := t.build(ctx, tc.logger); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *Topology) build(ctx context.Context, logger *slog.Logger) error {
	if t.cfg.usesRedis() {
		rc, err := NewRedisClient(t.cfg.Redis.redisOptions()...)
		if err != nil {
			return err
		}
		t.rc = rc
		t.closers = append(t.closers, rc)
	}

	for _, b := range t.cfg.Brokers {
		bk, err := t.newBroker(ctx, b, logger)
		if err != nil {
			return fmt.Errorf("broker %s: %w", b.Name, err)
		}
		t.brokers[b.Name] = bk
	}

	for _, def := range t.cfg.Channels {
		ep, err := t.newChannel(ctx, def, logger)
		if err != nil {
			return fmt.Errorf("channel %s: %w", def.Name, err)
		}
		t.channels[def.Name] = ep
	}

	var heartbeat []PoolOption
	if t.cfg.App.HeartbeatInterval > 0 {
		heartbeat = append(heartbeat, WithHeartbeat(t.rc, time.Duration(t.cfg.App.HeartbeatInterval)*time.Second))
	}

	for _, w := range t.cfg.Workers {
		outputs := make([]OutputChannel, 0, len(w.Outputs))
		for _, name := range w.Outputs {
			outputs = append(outputs, t.channels[name].out)
		}
		proto := NewWorker(t.channels[w.Input].in, outputs, WithNodeName(w.Name), WithNodeLogger(logger))
		if err := t.addPool(proto, w.Concurrency, w.Mode, logger, heartbeat); err != nil {
			return err
		}
	}

	for _, td := range t.cfg.Taskers {
		input, ok := t.channels[td.Input].in.(Channel)
		if !ok {
			return fmt.Errorf("tasker %s: channel %s does not accept puts", td.Name, td.Input)
		}
		nodeOpts := []NodeOption{WithNodeName(td.Name), WithNodeLogger(logger)}
		if td.Schedule == "redis" {
			codec, err := CodecByName(t.channels[td.Input].def.Codec, t.reg)
			if err != nil {
				return err
			}
			sched, err := NewRedisSchedule(t.rc, td.Name, codec)
			if err != nil {
				return fmt.Errorf("tasker %s: %w", td.Name, err)
			}
			nodeOpts = append(nodeOpts, WithSchedule(sched))
		}
		proto := NewTasker(input, t.channels[td.Output].out, nodeOpts...)
		if err := t.addPool(proto, td.Concurrency, td.Mode, logger, heartbeat); err != nil {
			return err
		}
	}
	return nil
}

func (t *Topology) addPool(proto Node, concurrency int, mode string, logger *slog.Logger, extra []PoolOption) error {
	m, err := ParseUnitMode(mode)
	if err != nil {
		return err
	}
	if m == ModeProcess {
		setProcessNode(proto.Name(), func(context.Context) (Node, error) { return proto, nil })
	}
	opts := append([]PoolOption{WithPoolMode(m), WithPoolLogger(logger)}, extra...)
	t.pools = append(t.pools, NewPool(proto, concurrency, opts...))
	t.protos[proto.Name()] = proto
	return nil
}

func (t *Topology) newBroker(ctx context.Context, def BrokerDef, logger *slog.Logger) (broker.Broker, error) {
	opts := []broker.Option{broker.WithLogger(logger)}
	switch def.Type {
	case BrokerMemory:
		bk := broker.NewMemory(opts...)
		t.closers = append(t.closers, bk)
		return bk, nil
	case BrokerRedis:
		opts = append(opts, broker.WithPrefix(t.rc.Prefix()), broker.WithMaxLen(def.MaxLen))
		bk := broker.NewRedis(t.rc.Unwrap(), opts...)
		t.closers = append(t.closers, bk)
		return bk, nil
	case BrokerGossip:
		bk, err := broker.NewGossip(ctx, def.gossipConfig(), opts...)
		if err != nil {
			return nil, err
		}
		t.closers = append(t.closers, bk)
		logger.Info("gossip broker listening", "broker", def.Name, "addrs", bk.Addrs())
		return bk, nil
	}
	return nil, fmt.Errorf("unknown broker type %q", def.Type)
}

func (t *Topology) newChannel(ctx context.Context, def ChannelDef, logger *slog.Logger) (endpoint, error) {
	codec, err := CodecByName(def.Codec, t.reg)
	if err != nil {
		return endpoint{}, err
	}
	opts := []ChannelOption{WithChannelName(def.Name), WithChannelLogger(logger)}
	ep := endpoint{def: def}
	redisOpts := func() ChannelOption {
		return WithChannelRedis(WithRedisClient(t.rc.Unwrap()), WithPrefix(t.rc.Prefix()))
	}
	orName := func(s string) string {
		if s == "" {
			return def.Name
		}
		return s
	}

	switch def.Type {
	case ChannelQueue:
		c := NewQueueChannel(codec, append(opts, WithMaxSize(def.MaxSize))...)
		ep.in, ep.out = c, c
		t.closers = append(t.closers, c)
	case ChannelProcQueue:
		var c *ProcQueueChannel
		if IsChild() || t.dial {
			c, err = DialProcQueueChannel(codec, def.Address, opts...)
		} else {
			c, err = NewProcQueueChannel(codec, append(opts, WithMaxSize(def.MaxSize), WithAddress(def.Address))...)
		}
		if err != nil {
			return endpoint{}, err
		}
		ep.in, ep.out = c, c
		t.closers = append(t.closers, c)
	case ChannelRedis:
		c, err := NewRedisChannel(codec, orName(def.Key), append(opts, redisOpts())...)
		if err != nil {
			return endpoint{}, err
		}
		ep.in, ep.out = c, c
		t.closers = append(t.closers, c)
	case ChannelAsyncRedis:
		c, err := NewAsyncRedisChannel(codec, orName(def.Key), append(opts, redisOpts())...)
		if err != nil {
			return endpoint{}, err
		}
		ep.in, ep.out = c, c
		t.closers = append(t.closers, c)
	case ChannelPublish:
		c, err := NewPublishChannel(codec, t.brokers[def.Broker], orName(def.Topic), opts...)
		if err != nil {
			return endpoint{}, err
		}
		ep.out = c
	case ChannelSubscription:
		c, err := NewSubscriptionChannel(ctx, codec, t.brokers[def.Broker], orName(def.Topic), orName(def.Subscription), opts...)
		if err != nil {
			return endpoint{}, err
		}
		ep.in = c
		t.closers = append(t.closers, c)
	case ChannelPubSub:
		c, err := NewPubSubChannel(ctx, codec, t.brokers[def.Broker], orName(def.Topic), orName(def.Subscription), opts...)
		if err != nil {
			return endpoint{}, err
		}
		ep.in, ep.out = c, c
		t.closers = append(t.closers, c)
	default:
		return endpoint{}, fmt.Errorf("unknown channel type %q", def.Type)
	}
	return ep, nil
}

// OpenOutput opens only the producing side of the named channel, for
// processes that feed a topology run elsewhere. Procqueue channels are
// dialed; queue channels and memory brokers are rejected since they only
// exist inside the running process. Close the returned Topology when done.
func OpenOutput(ctx context.Context, cfg *Config, name string, opts ...TopologyOption) (*Topology, OutputChannel, error) {
	var def *ChannelDef
	for i := range cfg.Channels {
		if cfg.Channels[i].Name == name {
			def = &cfg.Channels[i]
			break
		}
	}
	if def == nil {
		return nil, nil, fmt.Errorf("no channel named %q", name)
	}

	var bdef *BrokerDef
	for i := range cfg.Brokers {
		if cfg.Brokers[i].Name == def.Broker {
			bdef = &cfg.Brokers[i]
		}
	}
	switch {
	case def.Type == ChannelQueue:
		return nil, nil, fmt.Errorf("channel %q is process-local", name)
	case def.Type == ChannelSubscription:
		return nil, nil, fmt.Errorf("channel %q is input-only", name)
	case def.Type == ChannelProcQueue && def.Address == "":
		return nil, nil, fmt.Errorf("procqueue %q has no address to dial", name)
	case bdef != nil && bdef.Type == BrokerMemory:
		return nil, nil, fmt.Errorf("channel %q uses a memory broker", name)
	}

	tc := &topologyConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.logger == nil {
		tc.logger = newLoggerFromLevel(cfg.App.LogLevel)
	}
	if tc.reg == nil {
		tc.reg = DefaultRegistry
	}
	t := &Topology{
		cfg:      cfg,
		reg:      tc.reg,
		logger:   tc.logger.With("component", "topology"),
		brokers:  make(map[string]broker.Broker),
		channels: make(map[string]endpoint),
		protos:   make(map[string]Node),
		dial:     true,
	}

	if def.Type == ChannelRedis || def.Type == ChannelAsyncRedis || (bdef != nil && bdef.Type == BrokerRedis) {
		rc, err := NewRedisClient(cfg.Redis.redisOptions()...)
		if err != nil {
			return nil, nil, err
		}
		t.rc = rc
		t.closers = append(t.closers, rc)
	}
	if bdef != nil {
		bk, err := t.newBroker(ctx, *bdef, tc.logger)
		if err != nil {
			t.Close()
			return nil, nil, fmt.Errorf("broker %s: %w", bdef.Name, err)
		}
		t.brokers[bdef.Name] = bk
	}
	// A pubsub channel would join the subscription group and take deliveries.
	out := *def
	if out.Type == ChannelPubSub {
		out.Type = ChannelPublish
	}
	ep, err := t.newChannel(ctx, out, tc.logger)
	if err != nil {
		t.Close()
		return nil, nil, fmt.Errorf("channel %s: %w", def.Name, err)
	}
	t.channels[def.Name] = ep
	return t, ep.out, nil
}

// Input returns the consuming side of a named channel.
func (t *Topology) Input(name string) (InputChannel, error) {
	ep, ok := t.channels[name]
	if !ok || ep.in == nil {
		return nil, fmt.Errorf("no input channel named %q", name)
	}
	return ep.in, nil
}

// Output returns the producing side of a named channel.
func (t *Topology) Output(name string) (OutputChannel, error) {
	ep, ok := t.channels[name]
	if !ok || ep.out == nil {
		return nil, fmt.Errorf("no output channel named %q", name)
	}
	return ep.out, nil
}

// Node returns the prototype node of a named pool.
func (t *Topology) Node(name string) (Node, bool) {
	n, ok := t.protos[name]
	return n, ok
}

// Pools returns the pools in declaration order, workers first.
func (t *Topology) Pools() []*Pool { return t.pools }

// Redis returns the shared Redis client, or nil when nothing uses Redis.
func (t *Topology) Redis() *RedisClient { return t.rc }

// Run runs every pool until ctx ends or one fails.
func (t *Topology) Run(ctx context.Context) error {
	if len(t.pools) == 0 {
		return errors.New("topology declares no workers or taskers")
	}
	t.logger.Info("topology starting", "pools", len(t.pools), "channels", len(t.channels))
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range t.pools {
		g.Go(func() error { return p.Run(gctx) })
	}
	return g.Wait()
}

// Close releases channels, brokers and the Redis connection in reverse
// creation order.
func (t *Topology) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}
