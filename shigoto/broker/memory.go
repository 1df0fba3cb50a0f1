package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Memory is a process-local broker. Envelopes published before a group
// exists are not retained for it; once a group exists it buffers envelopes
// even while it has no subscriber. Rejected envelopes are redelivered.
type Memory struct {
	logger *slog.Logger
	retry  time.Duration

	mu     sync.Mutex
	topics map[string]map[string]*memGroup
	closed bool
}

// NewMemory creates an in-process broker.
func NewMemory(opts ...Option) *Memory {
	o := newOptions(opts)
	return &Memory{
		logger: o.logger.With("component", "broker", "backend", "memory"),
		retry:  o.retry,
		topics: make(map[string]map[string]*memGroup),
	}
}

// memGroup is the buffer shared by the competing subscribers of one group.
type memGroup struct {
	mu      sync.Mutex
	pending []Envelope
	changed chan struct{}
}

func newMemGroup() *memGroup {
	return &memGroup{changed: make(chan struct{})}
}

func (g *memGroup) push(env Envelope, front bool) {
	g.mu.Lock()
	if front {
		g.pending = append([]Envelope{env}, g.pending...)
	} else {
		g.pending = append(g.pending, env)
	}
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()
}

// pop returns the oldest envelope, or a channel that fires on the next push.
func (g *memGroup) pop() (Envelope, bool, <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.pending) == 0 {
		return Envelope{}, false, g.changed
	}
	env := g.pending[0]
	g.pending[0] = Envelope{}
	g.pending = g.pending[1:]
	return env, true, nil
}

// Len returns the number of envelopes buffered for group on topic.
func (m *Memory) Len(topic, group string) int {
	m.mu.Lock()
	g := m.topics[topic][group]
	m.mu.Unlock()
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Publish implements Broker.
func (m *Memory) Publish(ctx context.Context, topic string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	groups := make([]*memGroup, 0, len(m.topics[topic]))
	for _, g := range m.topics[topic] {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	for _, g := range groups {
		cp := env
		cp.Data = append([]byte(nil), env.Data...)
		g.push(cp, false)
	}
	return nil
}

// Subscribe implements Broker.
func (m *Memory) Subscribe(_ context.Context, topic, group string, deliver DeliverFunc) (Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	groups, ok := m.topics[topic]
	if !ok {
		groups = make(map[string]*memGroup)
		m.topics[topic] = groups
	}
	g, ok := groups[group]
	if !ok {
		g = newMemGroup()
		groups[group] = g
	}
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s := &memSub{cancel: cancel, done: make(chan struct{})}
	logger := m.logger.With("topic", topic, "group", group)
	go s.run(ctx, g, deliver, m.retry, logger)
	return s, nil
}

// Close stops accepting publishes and subscriptions. Existing subscriptions
// keep draining until closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

type memSub struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *memSub) run(ctx context.Context, g *memGroup, deliver DeliverFunc, retry time.Duration, logger *slog.Logger) {
	defer close(s.done)
	for {
		env, ok, wait := g.pop()
		if !ok {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return
			}
		}
		if err := deliver(ctx, env); err != nil {
			logger.Warn("delivery rejected, will redeliver", "producer", env.Producer, "seq", env.Seq, "error", err)
			g.push(env, true)
			select {
			case <-time.After(retry):
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close implements Subscription.
func (s *memSub) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}
