package shigoto

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Worker executes tasks from one input channel and forwards non-empty results
// to each of its output channels. A failing or panicking task is logged and
// the loop continues.
type Worker struct {
	name    string
	input   InputChannel
	outputs []OutputChannel
	logger  *slog.Logger
	opts    []NodeOption

	busy      atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a worker reading input and writing to outputs.
func NewWorker(input InputChannel, outputs []OutputChannel, opts ...NodeOption) *Worker {
	cfg := newNodeConfig("worker", opts)
	return &Worker{
		name:    cfg.name,
		input:   input,
		outputs: outputs,
		logger:  cfg.logger.With("component", "worker", "node", cfg.name),
		opts:    opts,
	}
}

// Name implements Node.
func (w *Worker) Name() string { return w.name }

// Busy reports whether a task is executing right now.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Stats returns how many tasks completed and how many failed.
func (w *Worker) Stats() (processed, failed int64) {
	return w.processed.Load(), w.failed.Load()
}

// Clone returns a worker on the same channels with fresh state.
func (w *Worker) Clone() Node {
	return NewWorker(w.input, w.outputs, w.opts...)
}

// Run implements Node.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug("worker started", "input", w.input.ID())
	defer w.logger.Debug("worker stopped")

	for {
		m, err := w.input.Get(ctx, 0)
		if err != nil {
			return stopErr(ctx, err)
		}
		if m == nil {
			continue
		}

		task, ok := m.(Executable)
		if !ok {
			w.logger.Warn("message is not executable, dropped", "type", fmt.Sprintf("%T", m))
			continue
		}

		result, err := w.execute(ctx, task)
		if err != nil {
			w.failed.Add(1)
			w.logger.Error("task failed", "task", task, "error", err)
			continue
		}
		w.processed.Add(1)

		out := resultMessage(result)
		if out == nil || len(w.outputs) == 0 {
			continue
		}
		if err := forward(ctx, w.outputs, out); err != nil {
			return stopErr(ctx, err)
		}
	}
}

// execute runs task on a context that ignores the worker's cancellation, so
// shutdown never interrupts a running task. Panics become ErrTaskExecution.
func (w *Worker) execute(ctx context.Context, task Executable) (result any, err error) {
	w.busy.Store(true)
	defer w.busy.Store(false)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task panic recovered",
				"task", task,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			result, err = nil, fmt.Errorf("%w: panic: %v", ErrTaskExecution, r)
		}
	}()

	result, err = task.Execute(context.WithoutCancel(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTaskExecution, err)
	}
	w.logger.Debug("task completed", "task", task, "duration", time.Since(start))
	return result, nil
}
