package shigoto

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// InputChannel is the consuming side of a channel.
//
// Get returns (nil, nil) when no message is available: the timeout expired
// or the received payload could not be decoded (the failure is logged).
// timeout <= 0 waits until a message arrives or ctx ends.
type InputChannel interface {
	ID() string
	Get(ctx context.Context, timeout time.Duration) (Message, error)
}

// OutputChannel is the producing side of a channel.
//
// Put returns an error wrapping ErrSerialization, without enqueuing, when the
// codec cannot encode the message, and one wrapping ErrChannel on backend
// failure.
type OutputChannel interface {
	ID() string
	Put(ctx context.Context, m Message) error
}

// Channel is a bidirectional conduit shared by every node holding it.
type Channel interface {
	InputChannel
	OutputChannel
}

// channelNameRe matches list keys, topics and subscription names.
var channelNameRe = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

func validateChannelName(name string) error {
	if name == "" || len(name) > 128 || !channelNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidChannelName, name)
	}
	return nil
}

// ChannelOption configures a channel. Options that do not apply to a
// channel variant are ignored by it.
type ChannelOption func(*channelConfig)

type channelConfig struct {
	name         string
	logger       *slog.Logger
	maxsize      int
	queue        *MemQueue
	redisOpts    []RedisOption
	pollInterval time.Duration
	address      string
}

func newChannelConfig(opts []ChannelOption) *channelConfig {
	cfg := &channelConfig{pollInterval: defaultPollSlice}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg
}

// WithChannelName sets a human-readable name used in logs.
func WithChannelName(name string) ChannelOption {
	return func(cfg *channelConfig) { cfg.name = name }
}

// WithChannelLogger sets the logger used for recovered codec failures.
func WithChannelLogger(l *slog.Logger) ChannelOption {
	return func(cfg *channelConfig) { cfg.logger = l }
}

// WithMaxSize bounds a local or cross-process queue. Put blocks while full.
func WithMaxSize(n int) ChannelOption {
	return func(cfg *channelConfig) { cfg.maxsize = n }
}

// WithQueue attaches the channel to an existing queue instead of creating one.
func WithQueue(q *MemQueue) ChannelOption {
	return func(cfg *channelConfig) { cfg.queue = q }
}

// WithAddress sets the socket (or named pipe) address a cross-process queue
// is served on. By default a fresh address under the temp dir is used.
func WithAddress(addr string) ChannelOption {
	return func(cfg *channelConfig) { cfg.address = addr }
}

// WithChannelRedis sets the Redis options of a Redis-backed channel.
func WithChannelRedis(opts ...RedisOption) ChannelOption {
	return func(cfg *channelConfig) { cfg.redisOpts = append(cfg.redisOpts, opts...) }
}

// WithPollInterval sets how long a single backend wait may block before the
// channel re-checks ctx. Only used for waits without a caller timeout.
func WithPollInterval(d time.Duration) ChannelOption {
	return func(cfg *channelConfig) {
		if d > 0 {
			cfg.pollInterval = d
		}
	}
}

// channelBase holds what every variant shares: identity, codec and the
// logging of recovered codec failures.
type channelBase struct {
	id     string
	codec  Codec
	logger *slog.Logger
}

func newChannelBase(kind string, codec Codec, cfg *channelConfig) channelBase {
	id := uuid.Must(uuid.NewV7()).String()
	name := cfg.name
	if name == "" {
		name = id
	}
	return channelBase{
		id:     id,
		codec:  codec,
		logger: cfg.logger.With("channel", name, "kind", kind),
	}
}

// ID returns the channel's unique identifier.
func (b *channelBase) ID() string { return b.id }

// Codec returns the channel's codec.
func (b *channelBase) Codec() Codec { return b.codec }

// encode serializes m, logging unsupported messages.
func (b *channelBase) encode(m Message) ([]byte, error) {
	data, err := b.codec.Serialize(m)
	if err != nil {
		b.logger.Error("message not supported by codec, dropped",
			"codec", b.codec.Name(),
			"type", fmt.Sprintf("%T", m),
			"error", err,
		)
		return nil, err
	}
	return data, nil
}

// decode deserializes data, logging failures and returning nil.
func (b *channelBase) decode(data []byte) Message {
	m, err := b.codec.Deserialize(data)
	if err != nil {
		b.logger.Error("message could not be deserialized, dropped",
			"codec", b.codec.Name(),
			"size", len(data),
			"error", err,
		)
		return nil
	}
	return m
}

// QueueChannel is an in-process FIFO channel.
type QueueChannel struct {
	channelBase
	queue *MemQueue
}

// NewQueueChannel creates a local queue channel. It is unbounded unless
// WithMaxSize is given; WithQueue attaches it to an existing queue.
func NewQueueChannel(codec Codec, opts ...ChannelOption) *QueueChannel {
	cfg := newChannelConfig(opts)
	q := cfg.queue
	if q == nil {
		q = NewMemQueue(cfg.maxsize)
	}
	return &QueueChannel{
		channelBase: newChannelBase("queue", codec, cfg),
		queue:       q,
	}
}

// Queue returns the backing queue, e.g. to attach a second channel to it.
func (c *QueueChannel) Queue() *MemQueue { return c.queue }

// Len returns the number of buffered messages.
func (c *QueueChannel) Len() int { return c.queue.Len() }

// Put enqueues m, blocking while a bounded queue is full.
func (c *QueueChannel) Put(ctx context.Context, m Message) error {
	data, err := c.encode(m)
	if err != nil {
		return err
	}
	if err := c.queue.Put(ctx, data); err != nil {
		return c.queueErr(err)
	}
	return nil
}

// TryPut enqueues m or returns ErrQueueFull without blocking.
func (c *QueueChannel) TryPut(m Message) error {
	data, err := c.encode(m)
	if err != nil {
		return err
	}
	if err := c.queue.TryPut(data); err != nil {
		return c.queueErr(err)
	}
	return nil
}

// Get dequeues the oldest message.
func (c *QueueChannel) Get(ctx context.Context, timeout time.Duration) (Message, error) {
	data, ok, err := c.queue.Get(ctx, timeout)
	if err != nil {
		return nil, c.queueErr(err)
	}
	if !ok {
		return nil, nil
	}
	return c.decode(data), nil
}

// Close closes the backing queue.
func (c *QueueChannel) Close() error {
	c.queue.Close()
	return nil
}

func (c *QueueChannel) queueErr(err error) error {
	if err == ErrChannelClosed {
		return fmt.Errorf("%w: %w", ErrChannel, err)
	}
	return err
}
