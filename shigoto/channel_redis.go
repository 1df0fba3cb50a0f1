package shigoto

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultPollSlice bounds a single blocking backend wait when the caller
// asked to wait forever, so ctx cancellation is observed between waits.
const defaultPollSlice = 5 * time.Second

// RedisChannel is a channel over a Redis list. Ordering is FIFO: Put pushes
// to the tail (RPUSH) and Get pops from the head (BLPOP). Concurrent
// consumers on the same key each receive a distinct message.
type RedisChannel struct {
	channelBase
	rc           *RedisClient
	key          string
	pollInterval time.Duration
}

// NewRedisChannel creates a channel on list key. Connection settings come
// from WithChannelRedis (WithRedisURL, WithRedisAddr, WithRedisClient, ...).
func NewRedisChannel(codec Codec, key string, opts ...ChannelOption) (*RedisChannel, error) {
	if err := validateChannelName(key); err != nil {
		return nil, err
	}
	cfg := newChannelConfig(opts)
	rc, err := NewRedisClient(cfg.redisOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating redis channel %s: %w", key, err)
	}
	if cfg.name == "" {
		cfg.name = key
	}
	return &RedisChannel{
		channelBase:  newChannelBase("redis", codec, cfg),
		rc:           rc,
		key:          rc.Key(key),
		pollInterval: cfg.pollInterval,
	}, nil
}

// NewRedisChannelURL creates a channel on list key of the server at uri.
func NewRedisChannelURL(codec Codec, uri, key string, opts ...ChannelOption) (*RedisChannel, error) {
	opts = append(opts, WithChannelRedis(WithRedisURL(uri)))
	return NewRedisChannel(codec, key, opts...)
}

// Key returns the full (prefixed) list key.
func (c *RedisChannel) Key() string { return c.key }

// Put appends m to the tail of the list.
func (c *RedisChannel) Put(ctx context.Context, m Message) error {
	data, err := c.encode(m)
	if err != nil {
		return err
	}
	if err := c.rc.rdb.RPush(ctx, c.key, data).Err(); err != nil {
		return c.backendErr(ctx, "rpush", err)
	}
	return nil
}

// Get pops the head of the list, waiting up to timeout (forever if <= 0).
func (c *RedisChannel) Get(ctx context.Context, timeout time.Duration) (Message, error) {
	if timeout > 0 {
		m, _, err := c.pop(ctx, timeout)
		return m, err
	}
	for {
		m, popped, err := c.pop(ctx, c.pollInterval)
		if err != nil || popped {
			return m, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// pop waits up to timeout for the head of the list and reports whether an
// element was removed. A payload that fails to decode is logged and reported
// as a nil message.
func (c *RedisChannel) pop(ctx context.Context, timeout time.Duration) (Message, bool, error) {
	res, err := c.blpop(ctx, timeout)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, c.backendErr(ctx, "blpop", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("%w: blpop %s: unexpected reply length %d", ErrChannel, c.key, len(res))
	}
	return c.decode([]byte(res[1])), true, nil
}

// blpop blocks for timeout at millisecond precision. go-redis sends BLPOP
// timeouts as whole seconds, rounding sub-second waits up to 1s, so the
// whole seconds go through BLPop (which extends the read deadline) and the
// remainder is sent as a decimal timeout (Redis 6+).
func (c *RedisChannel) blpop(ctx context.Context, timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)
	if whole := timeout.Truncate(time.Second); whole > 0 {
		res, err := c.rc.rdb.BLPop(ctx, whole, c.key).Result()
		if !errors.Is(err, redis.Nil) {
			return res, err
		}
	}
	rest := time.Until(deadline)
	if rest <= 0 {
		return nil, redis.Nil
	}
	secs := strconv.FormatFloat(max(rest, time.Millisecond).Seconds(), 'f', 3, 64)
	return c.rc.rdb.Do(ctx, "BLPOP", c.key, secs).StringSlice()
}

// Len returns the list length.
func (c *RedisChannel) Len(ctx context.Context) (int64, error) {
	n, err := c.rc.rdb.LLen(ctx, c.key).Result()
	if err != nil {
		return 0, c.backendErr(ctx, "llen", err)
	}
	return n, nil
}

// Close releases the Redis connection if the channel owns it.
func (c *RedisChannel) Close() error {
	return c.rc.Close()
}

func (c *RedisChannel) backendErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %s %s: %v", ErrChannel, op, c.key, err)
}

// GetResult is the outcome of an asynchronous Get.
type GetResult struct {
	Message Message
	Err     error
}

// AsyncRedisChannel is a RedisChannel whose operations can also be started
// without blocking the caller. Each *Async call returns a channel that
// yields exactly one result. Ordering is the same FIFO as RedisChannel.
type AsyncRedisChannel struct {
	*RedisChannel
}

// NewAsyncRedisChannel creates an asynchronous channel on list key.
func NewAsyncRedisChannel(codec Codec, key string, opts ...ChannelOption) (*AsyncRedisChannel, error) {
	c, err := NewRedisChannel(codec, key, opts...)
	if err != nil {
		return nil, err
	}
	return &AsyncRedisChannel{RedisChannel: c}, nil
}

// PutAsync starts a Put and returns its future.
func (c *AsyncRedisChannel) PutAsync(ctx context.Context, m Message) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.RedisChannel.Put(ctx, m) }()
	return done
}

// GetAsync starts a Get and returns its future.
func (c *AsyncRedisChannel) GetAsync(ctx context.Context, timeout time.Duration) <-chan GetResult {
	done := make(chan GetResult, 1)
	go func() {
		m, err := c.RedisChannel.Get(ctx, timeout)
		done <- GetResult{Message: m, Err: err}
	}()
	return done
}
