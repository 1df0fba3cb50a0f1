// Package broker provides the topic/subscription backends used by
// shigoto's publish and subscription channels.
//
// A Broker delivers published envelopes to every subscription group of a
// topic. Within one group, deliveries compete: each envelope is handed to a
// single subscriber. An envelope counts as acknowledged when the subscriber's
// DeliverFunc returns nil; backends that support redelivery keep it pending
// otherwise.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

// Envelope is one published message. Seq orders the messages of a single
// Producer and starts at 1.
type Envelope struct {
	Producer string `cbor:"p" json:"producer"`
	Seq      uint64 `cbor:"s" json:"seq"`
	Data     []byte `cbor:"d" json:"data"`
}

// DeliverFunc receives one envelope. Returning nil acknowledges it.
type DeliverFunc func(ctx context.Context, env Envelope) error

// Subscription is an active subscriber. Close stops deliveries and waits for
// an in-flight DeliverFunc to return.
type Subscription interface {
	Close() error
}

// Broker publishes to topics and subscribes groups to them.
type Broker interface {
	// Publish returns once the backend has accepted env.
	Publish(ctx context.Context, topic string, env Envelope) error

	// Subscribe attaches a subscriber to group on topic and starts calling
	// deliver. The group is created if needed.
	Subscribe(ctx context.Context, topic, group string, deliver DeliverFunc) (Subscription, error)

	Close() error
}

// Option configures a broker.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	prefix    string
	block     time.Duration
	maxLen    int64
	claimIdle time.Duration
	retry     time.Duration
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:    slog.Default(),
		prefix:    "shigoto:",
		block:     2 * time.Second,
		claimIdle: 30 * time.Second,
		retry:     time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPrefix sets the Redis key prefix of stream names. Default "shigoto:".
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithBlock sets how long a single Redis stream read blocks. Default 2s.
func WithBlock(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.block = d
		}
	}
}

// WithMaxLen caps Redis streams to roughly n entries (0 = uncapped).
func WithMaxLen(n int64) Option {
	return func(o *options) { o.maxLen = n }
}

// WithClaimIdle sets after how long an unacknowledged Redis stream entry is
// claimed by another consumer of the group. Default 30s.
func WithClaimIdle(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.claimIdle = d
		}
	}
}

// WithRetryDelay sets the pause before redelivering a rejected envelope in
// the memory broker. Default 1s.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retry = d
		}
	}
}
