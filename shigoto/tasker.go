package shigoto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Tasker routes tasks from its input channel to a single output channel.
// A PeriodicTask is forwarded only while its continuation predicate holds,
// and each forward schedules the task to re-enter the input after Interval.
type Tasker struct {
	name     string
	input    Channel
	output   OutputChannel
	schedule Schedule
	poll     time.Duration
	logger   *slog.Logger
	opts     []NodeOption

	// wake nudges the schedule loop after a local Add.
	wake chan struct{}
}

// NewTasker creates a tasker. input must also accept puts: AddTask and
// periodic re-submission write to it.
func NewTasker(input Channel, output OutputChannel, opts ...NodeOption) *Tasker {
	cfg := newNodeConfig("tasker", opts)
	sched := cfg.schedule
	if sched == nil {
		sched = NewMemorySchedule()
		// Clones share the schedule so Pending covers every clone.
		opts = append(opts, WithSchedule(sched))
	}
	return &Tasker{
		name:     cfg.name,
		input:    input,
		output:   output,
		schedule: sched,
		poll:     cfg.pollInterval,
		logger:   cfg.logger.With("component", "tasker", "node", cfg.name),
		opts:     opts,
		wake:     make(chan struct{}, 1),
	}
}

// Name implements Node.
func (t *Tasker) Name() string { return t.name }

// Clone returns a tasker on the same channels and schedule.
func (t *Tasker) Clone() Node {
	return NewTasker(t.input, t.output, t.opts...)
}

// AddTask puts task on the tasker's own input channel.
func (t *Tasker) AddTask(ctx context.Context, task Message) error {
	return t.input.Put(ctx, task)
}

// Pending returns the number of scheduled re-submissions not yet due.
func (t *Tasker) Pending(ctx context.Context) (int, error) {
	return t.schedule.Len(ctx)
}

// Run implements Node. Scheduled re-submissions stop when ctx ends; entries
// still pending stay in the schedule.
func (t *Tasker) Run(ctx context.Context) error {
	t.logger.Debug("tasker started", "input", t.input.ID(), "output", t.output.ID())
	defer t.logger.Debug("tasker stopped")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.intakeLoop(gctx) })
	g.Go(func() error { return t.scheduleLoop(gctx) })
	return stopErr(ctx, g.Wait())
}

func (t *Tasker) intakeLoop(ctx context.Context) error {
	for {
		m, err := t.input.Get(ctx, 0)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		if err := t.route(ctx, m); err != nil {
			return err
		}
	}
}

// route forwards one message, scheduling periodic re-submission.
func (t *Tasker) route(ctx context.Context, m Message) error {
	p, periodic := m.(*PeriodicTask)
	if periodic {
		ok, err := p.ShouldContinue()
		if err != nil {
			t.logger.Error("continuation predicate not resolvable, dropped", "task", p, "error", err)
			return nil
		}
		if !ok {
			t.logger.Debug("periodic task finished", "task", p)
			return nil
		}
	} else if _, ok := m.(Executable); !ok {
		t.logger.Warn("message is not executable, dropped", "type", fmt.Sprintf("%T", m))
		return nil
	}

	if err := forward(ctx, []OutputChannel{t.output}, m); err != nil {
		return err
	}

	if periodic {
		at := time.Now().Add(p.Interval)
		if err := t.schedule.Add(ctx, at, p); err != nil {
			if errors.Is(err, ErrSerialization) {
				t.logger.Error("periodic task cannot be scheduled, dropped", "task", p, "error", err)
				return nil
			}
			return err
		}
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// scheduleLoop moves due re-submissions back onto the input channel. It
// sleeps until the next due time, but never longer than the poll interval so
// entries added by other clones are noticed.
func (t *Tasker) scheduleLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			if err := t.resubmitDue(ctx); err != nil {
				return err
			}
		}
		timer.Reset(t.nextWait(ctx))
	}
}

func (t *Tasker) resubmitDue(ctx context.Context) error {
	due, err := t.schedule.Due(ctx, time.Now(), schedulerBatchSize)
	if err != nil {
		if errors.Is(err, ErrChannel) {
			return err
		}
		t.logger.Error("dropping unreadable scheduled entries", "error", err)
	}
	for _, m := range due {
		if err := t.AddTask(ctx, m); err != nil {
			return err
		}
	}
	if len(due) > 0 {
		t.logger.Debug("periodic tasks resubmitted", "count", len(due))
	}
	return nil
}

func (t *Tasker) nextWait(ctx context.Context) time.Duration {
	next, ok, err := t.schedule.Next(ctx)
	if err != nil || !ok {
		return t.poll
	}
	wait := time.Until(next)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return min(wait, t.poll)
}
