package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fxamacker/cbor/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// GossipConfig configures the libp2p host of a Gossip broker.
type GossipConfig struct {
	// ListenAddrs are multiaddrs to listen on. Default /ip4/0.0.0.0/tcp/0.
	ListenAddrs []string `yaml:"listen_addrs" toml:"listen_addrs"`

	// Bootstrap are full peer multiaddrs (with /p2p/<id>) dialed at startup.
	Bootstrap []string `yaml:"bootstrap" toml:"bootstrap"`
}

// Gossip is a peer-to-peer broker over libp2p GossipSub. Delivery is
// best-effort: every subscriber on every peer receives each envelope, there
// are no competing consumers within a group, and nothing is redelivered.
type Gossip struct {
	host   host.Host
	ps     *pubsub.PubSub
	logger *slog.Logger
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[*gossipSub]struct{}
	closed bool
}

// NewGossip starts a libp2p host and joins the gossip mesh.
func NewGossip(parent context.Context, cfg GossipConfig, opts ...Option) (*Gossip, error) {
	o := newOptions(opts)
	ctx, cancel := context.WithCancel(parent)

	listen := make([]ma.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, s := range cfg.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		listen = append(listen, a)
	}
	if len(listen) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listen = append(listen, a)
	}

	h, err := libp2p.New(libp2p.ListenAddrs(listen...))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	g := &Gossip{
		host:   h,
		ps:     ps,
		logger: o.logger.With("component", "broker", "backend", "gossip", "peer", h.ID().String()),
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[*gossipSub]struct{}),
	}
	for _, raw := range cfg.Bootstrap {
		if raw == "" {
			continue
		}
		if err := g.Connect(ctx, raw); err != nil {
			g.logger.Warn("bootstrap connect failed", "addr", raw, "error", err)
		}
	}
	return g, nil
}

// PeerID returns the local peer ID.
func (g *Gossip) PeerID() string { return g.host.ID().String() }

// Addrs returns the dialable multiaddrs of this peer, including /p2p/<id>.
func (g *Gossip) Addrs() []string {
	out := make([]string, 0, len(g.host.Addrs()))
	for _, addr := range g.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr, g.host.ID()))
	}
	return out
}

// Connect dials a peer by its full multiaddr.
func (g *Gossip) Connect(ctx context.Context, addr string) error {
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid peer multiaddr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(a)
	if err != nil {
		return fmt.Errorf("invalid peer multiaddr %q: %w", addr, err)
	}
	if err := g.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connect %s: %w", info.ID, err)
	}
	g.logger.Info("connected peer", "remote", info.ID.String())
	return nil
}

// Publish implements Broker.
func (g *Gossip) Publish(ctx context.Context, topic string, env Envelope) error {
	t, err := g.topic(topic)
	if err != nil {
		return err
	}
	data, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := t.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Broker. group only labels the subscriber in logs.
func (g *Gossip) Subscribe(_ context.Context, topic, group string, deliver DeliverFunc) (Subscription, error) {
	t, err := g.topic(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &gossipSub{
		broker: g,
		sub:    sub,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: g.logger.With("topic", topic, "group", group),
	}
	g.mu.Lock()
	g.subs[s] = struct{}{}
	g.mu.Unlock()

	go s.run(ctx, deliver)
	return s, nil
}

// Close cancels subscriptions, leaves topics and shuts the host down.
func (g *Gossip) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	subs := make([]*gossipSub, 0, len(g.subs))
	for s := range g.subs {
		subs = append(subs, s)
	}
	g.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}

	g.mu.Lock()
	for _, t := range g.topics {
		_ = t.Close()
	}
	g.mu.Unlock()
	g.cancel()
	return g.host.Close()
}

func (g *Gossip) topic(name string) (*pubsub.Topic, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	if t, ok := g.topics[name]; ok {
		return t, nil
	}
	t, err := g.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", name, err)
	}
	g.topics[name] = t
	return t, nil
}

type gossipSub struct {
	broker *Gossip
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (s *gossipSub) run(ctx context.Context, deliver DeliverFunc) {
	defer close(s.done)
	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := cbor.Unmarshal(msg.Data, &env); err != nil {
			s.logger.Error("malformed gossip message, dropped", "from", msg.GetFrom().String(), "error", err)
			continue
		}
		if err := deliver(ctx, env); err != nil {
			s.logger.Warn("delivery rejected, dropped", "producer", env.Producer, "seq", env.Seq, "error", err)
		}
	}
}

// Close implements Subscription.
func (s *gossipSub) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.sub.Cancel()
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
	})
	<-s.done
	return nil
}
