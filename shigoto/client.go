package shigoto

import (
	"context"
	"fmt"
)

// Client is used to enqueue tasks onto an output channel.
type Client struct {
	out OutputChannel
	reg *Registry
}

// NewClient creates a client writing to out. Tasks are validated against reg
// (DefaultRegistry when nil) before they are sent.
func NewClient(out OutputChannel, reg *Registry) *Client {
	if reg == nil {
		reg = DefaultRegistry
	}
	return &Client{out: out, reg: reg}
}

// Enqueue builds a task for fn and puts it on the channel. It fails with
// ErrResolution when fn (or the continuation predicate of a periodic task)
// is not registered locally, so typos surface at the producer.
func (c *Client) Enqueue(ctx context.Context, fn FuncRef, opts ...EnqueueOption) (Message, error) {
	cfg := &enqueueConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := validateRef(fn); err != nil {
		return nil, err
	}
	if _, err := c.reg.Lookup(fn); err != nil {
		return nil, err
	}

	var m Message
	if cfg.periodic {
		if cfg.interval <= 0 {
			return nil, fmt.Errorf("periodic task %s: interval must be > 0", fn)
		}
		if _, err := c.reg.LookupPredicate(cfg.cont); err != nil {
			return nil, err
		}
		m = c.reg.Periodic(fn, cfg.args, cfg.kwargs, cfg.interval, cfg.cont)
	} else {
		m = c.reg.Task(fn, cfg.args, cfg.kwargs)
	}

	if err := c.out.Put(ctx, m); err != nil {
		return nil, fmt.Errorf("enqueueing %s: %w", fn, err)
	}
	return m, nil
}
