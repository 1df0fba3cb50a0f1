package shigoto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TonyTheTaiga/doraemon/shigoto/broker"
)

// PublishChannel is an output-only channel publishing to a broker topic.
// Each message carries the channel ID as producer and a sequence number that
// starts at 1 and increases by one per Put, which consumers can use to
// restore per-producer order.
type PublishChannel struct {
	channelBase
	broker broker.Broker
	topic  string

	mu  sync.Mutex
	seq uint64
}

// NewPublishChannel creates a publisher on topic.
func NewPublishChannel(codec Codec, b broker.Broker, topic string, opts ...ChannelOption) (*PublishChannel, error) {
	if err := validateChannelName(topic); err != nil {
		return nil, err
	}
	cfg := newChannelConfig(opts)
	if cfg.name == "" {
		cfg.name = topic
	}
	return &PublishChannel{
		channelBase: newChannelBase("publish", codec, cfg),
		broker:      b,
		topic:       topic,
	}, nil
}

// Topic returns the topic published to.
func (c *PublishChannel) Topic() string { return c.topic }

// Put publishes m and returns once the broker accepted it. Failures are
// returned to the caller and not retried. Publishes are serialized so the
// broker sees sequence numbers in order.
func (c *PublishChannel) Put(ctx context.Context, m Message) error {
	data, err := c.encode(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	env := broker.Envelope{Producer: c.id, Seq: c.seq + 1, Data: data}
	if err := c.broker.Publish(ctx, c.topic, env); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: publish %s: %v", ErrChannel, c.topic, err)
	}
	c.seq = env.Seq
	return nil
}

// SubscriptionChannel is an input-only channel fed by a broker subscription.
// Deliveries are buffered locally, unbounded, and acknowledged once buffered;
// Get drains the buffer.
type SubscriptionChannel struct {
	channelBase
	topic        string
	subscription string
	buffer       *MemQueue
	sub          broker.Subscription
}

// NewSubscriptionChannel subscribes to topic as subscription and starts
// buffering deliveries.
func NewSubscriptionChannel(ctx context.Context, codec Codec, b broker.Broker, topic, subscription string, opts ...ChannelOption) (*SubscriptionChannel, error) {
	if err := validateChannelName(topic); err != nil {
		return nil, err
	}
	if err := validateChannelName(subscription); err != nil {
		return nil, err
	}
	cfg := newChannelConfig(opts)
	if cfg.name == "" {
		cfg.name = subscription
	}
	c := &SubscriptionChannel{
		channelBase:  newChannelBase("subscription", codec, cfg),
		topic:        topic,
		subscription: subscription,
		buffer:       NewMemQueue(0),
	}
	sub, err := b.Subscribe(ctx, topic, subscription, c.receive)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s/%s: %v", ErrChannel, topic, subscription, err)
	}
	c.sub = sub
	return c, nil
}

// receive buffers one delivery. Returning nil acknowledges it to the broker.
func (c *SubscriptionChannel) receive(ctx context.Context, env broker.Envelope) error {
	if err := c.buffer.Put(ctx, env.Data); err != nil {
		return err
	}
	c.logger.Debug("message buffered", "producer", env.Producer, "seq", env.Seq)
	return nil
}

// Subscription returns the subscription name.
func (c *SubscriptionChannel) Subscription() string { return c.subscription }

// Buffered returns the number of received messages not yet taken by Get.
func (c *SubscriptionChannel) Buffered() int { return c.buffer.Len() }

// Get takes the oldest buffered message. A payload that fails to decode is
// logged and reported as no message; it was already acknowledged.
func (c *SubscriptionChannel) Get(ctx context.Context, timeout time.Duration) (Message, error) {
	data, ok, err := c.buffer.Get(ctx, timeout)
	if err != nil {
		if err == ErrChannelClosed {
			return nil, fmt.Errorf("%w: %w", ErrChannel, err)
		}
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return c.decode(data), nil
}

// Close stops the subscription. Already buffered messages can still be read.
func (c *SubscriptionChannel) Close() error {
	err := c.sub.Close()
	c.buffer.Close()
	return err
}

// PubSubChannel publishes through one PublishChannel and consumes through one
// SubscriptionChannel. Failures on either side do not affect the other.
type PubSubChannel struct {
	*PublishChannel
	*SubscriptionChannel
}

// NewPubSubChannel composes a publisher on topic and a subscriber named
// subscription on the same broker, both using codec.
func NewPubSubChannel(ctx context.Context, codec Codec, b broker.Broker, topic, subscription string, opts ...ChannelOption) (*PubSubChannel, error) {
	pub, err := NewPublishChannel(codec, b, topic, opts...)
	if err != nil {
		return nil, err
	}
	sub, err := NewSubscriptionChannel(ctx, codec, b, topic, subscription, opts...)
	if err != nil {
		return nil, err
	}
	return &PubSubChannel{PublishChannel: pub, SubscriptionChannel: sub}, nil
}

// ID returns the publisher's ID, which is also the producer of every message
// this channel publishes.
func (c *PubSubChannel) ID() string { return c.PublishChannel.ID() }

// Codec returns the shared codec.
func (c *PubSubChannel) Codec() Codec { return c.PublishChannel.Codec() }

// Close stops the subscription side.
func (c *PubSubChannel) Close() error { return c.SubscriptionChannel.Close() }
