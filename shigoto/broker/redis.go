package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a broker over Redis Streams. A topic is the stream
// <prefix>stream:<topic>, a subscription group is a consumer group on it.
// Entries are acknowledged (XACK) after the DeliverFunc returns nil; entries
// left pending longer than the claim-idle time are claimed by a live
// consumer of the group, giving at-least-once delivery.
type Redis struct {
	rdb    redis.UniversalClient
	opts   *options
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

// NewRedis creates a stream broker on rdb. The caller keeps ownership of rdb.
func NewRedis(rdb redis.UniversalClient, opts ...Option) *Redis {
	o := newOptions(opts)
	return &Redis{
		rdb:    rdb,
		opts:   o,
		logger: o.logger.With("component", "broker", "backend", "redis"),
		subs:   make(map[*redisSub]struct{}),
	}
}

// Stream returns the stream key of topic.
func (b *Redis) Stream(topic string) string {
	return b.opts.prefix + "stream:" + topic
}

// Publish implements Broker.
func (b *Redis) Publish(ctx context.Context, topic string, env Envelope) error {
	args := &redis.XAddArgs{
		Stream: b.Stream(topic),
		Values: map[string]any{
			"producer": env.Producer,
			"seq":      strconv.FormatUint(env.Seq, 10),
			"data":     env.Data,
		},
	}
	if b.opts.maxLen > 0 {
		args.MaxLen = b.opts.maxLen
		args.Approx = true
	}
	if err := b.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

// Subscribe implements Broker. A group created here starts at the end of the
// stream, like a fresh subscription only sees messages published after it.
func (b *Redis) Subscribe(ctx context.Context, topic, group string, deliver DeliverFunc) (Subscription, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	stream := b.Stream(topic)
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("xgroup create %s %s: %w", stream, group, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &redisSub{
		broker:   b,
		stream:   stream,
		group:    group,
		consumer: uuid.NewString(),
		deliver:  deliver,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.logger = b.logger.With("stream", stream, "group", group, "consumer", s.consumer)

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run(runCtx)
	return s, nil
}

// Close stops every subscription started by this broker.
func (b *Redis) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}

type redisSub struct {
	broker   *Redis
	stream   string
	group    string
	consumer string
	deliver  DeliverFunc
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) run(ctx context.Context) {
	defer close(s.done)
	rdb := s.broker.rdb
	opts := s.broker.opts
	lastClaim := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		if time.Since(lastClaim) >= opts.claimIdle {
			lastClaim = time.Now()
			s.claimStale(ctx)
		}

		streams, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    16,
			Block:    opts.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("stream read failed", "error", err)
			select {
			case <-time.After(opts.retry):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, st := range streams {
			for _, msg := range st.Messages {
				s.handle(ctx, msg)
			}
		}
	}
}

// claimStale takes over entries another consumer read but never acknowledged.
func (s *redisSub) claimStale(ctx context.Context) {
	msgs, _, err := s.broker.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  s.broker.opts.claimIdle,
		Start:    "0-0",
		Count:    16,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("claiming stale entries failed", "error", err)
		}
		return
	}
	for _, msg := range msgs {
		s.handle(ctx, msg)
	}
}

func (s *redisSub) handle(ctx context.Context, msg redis.XMessage) {
	env, err := envelopeFromValues(msg.Values)
	if err != nil {
		// A malformed entry can never be delivered; acknowledge it so it does
		// not circulate forever.
		s.logger.Error("malformed stream entry, dropped", "id", msg.ID, "error", err)
		s.ack(ctx, msg.ID)
		return
	}
	if err := s.deliver(ctx, env); err != nil {
		s.logger.Warn("delivery rejected, left pending", "id", msg.ID, "error", err)
		return
	}
	s.ack(ctx, msg.ID)
}

// ack runs on its own context so an entry delivered just before Close is
// still acknowledged.
func (s *redisSub) ack(_ context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.broker.rdb.XAck(ctx, s.stream, s.group, id).Err(); err != nil {
		s.logger.Error("xack failed", "id", id, "error", err)
	}
}

// Close implements Subscription.
func (s *redisSub) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.broker.mu.Lock()
		delete(s.broker.subs, s)
		s.broker.mu.Unlock()
	})
	<-s.done
	return nil
}

func envelopeFromValues(values map[string]any) (Envelope, error) {
	producer, _ := values["producer"].(string)
	rawSeq, _ := values["seq"].(string)
	data, ok := values["data"].(string)
	if !ok {
		return Envelope{}, errors.New("missing data field")
	}
	seq, err := strconv.ParseUint(rawSeq, 10, 64)
	if err != nil {
		return Envelope{}, fmt.Errorf("invalid seq %q: %w", rawSeq, err)
	}
	return Envelope{Producer: producer, Seq: seq, Data: []byte(data)}, nil
}
