package shigoto

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Node is a long-running unit of the topology: it reads from input channels,
// does work and writes to output channels.
type Node interface {
	// Name identifies the node in logs, heartbeats and process re-execution.
	Name() string

	// Run processes messages until ctx ends (returning nil) or a channel
	// fails (returning an error wrapping ErrChannel).
	Run(ctx context.Context) error

	// Clone returns a node of the same kind sharing the same channels.
	Clone() Node
}

// NodeOption configures a Worker or Tasker.
type NodeOption func(*nodeConfig)

type nodeConfig struct {
	name         string
	logger       *slog.Logger
	schedule     Schedule
	pollInterval time.Duration
}

func newNodeConfig(kind string, opts []NodeOption) *nodeConfig {
	cfg := &nodeConfig{
		name:         kind,
		pollInterval: schedulerPollInterval,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg
}

// WithNodeName sets the node name. Defaults to "worker" or "tasker".
func WithNodeName(name string) NodeOption {
	return func(cfg *nodeConfig) { cfg.name = name }
}

// WithNodeLogger sets the node logger.
func WithNodeLogger(l *slog.Logger) NodeOption {
	return func(cfg *nodeConfig) { cfg.logger = l }
}

// WithSchedule sets where a Tasker keeps periodic re-submissions.
// Defaults to a new MemorySchedule.
func WithSchedule(s Schedule) NodeOption {
	return func(cfg *nodeConfig) { cfg.schedule = s }
}

// WithSchedulePoll sets the longest a Tasker sleeps between schedule checks.
func WithSchedulePoll(d time.Duration) NodeOption {
	return func(cfg *nodeConfig) {
		if d > 0 {
			cfg.pollInterval = d
		}
	}
}

// stopErr maps a loop-ending error to Run's result: nil for a finished ctx,
// the error itself otherwise.
func stopErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return err
}

// forward puts m on every output. Messages the output's codec cannot encode
// are skipped (the channel already logged them); any other failure stops.
func forward(ctx context.Context, outputs []OutputChannel, m Message) error {
	for _, out := range outputs {
		if err := out.Put(ctx, m); err != nil {
			if errors.Is(err, ErrSerialization) {
				continue
			}
			return err
		}
	}
	return nil
}
