package shigoto

import (
	"context"
	"sync"
	"time"
)

// MemQueue is an in-process FIFO of encoded messages. It is unbounded when
// maxsize <= 0; otherwise Put blocks while the queue is full. Every item is
// handed to exactly one Get caller.
type MemQueue struct {
	mu      sync.Mutex
	items   [][]byte
	maxsize int
	closed  bool

	// changed is closed and replaced on every state change to wake waiters.
	changed chan struct{}
}

// NewMemQueue creates a queue holding at most maxsize items (unbounded if <= 0).
func NewMemQueue(maxsize int) *MemQueue {
	if maxsize < 0 {
		maxsize = 0
	}
	return &MemQueue{
		maxsize: maxsize,
		changed: make(chan struct{}),
	}
}

// Put appends item, blocking while the queue is full until space frees or
// ctx ends. It never drops an item.
func (q *MemQueue) Put(ctx context.Context, item []byte) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrChannelClosed
		}
		if q.maxsize == 0 || len(q.items) < q.maxsize {
			q.items = append(q.items, item)
			q.signalLocked()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryPut appends item or returns ErrQueueFull without blocking.
func (q *MemQueue) TryPut(item []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrChannelClosed
	}
	if q.maxsize > 0 && len(q.items) >= q.maxsize {
		return ErrQueueFull
	}
	q.items = append(q.items, item)
	q.signalLocked()
	return nil
}

// Get removes the oldest item. With timeout > 0 it waits at most timeout and
// reports ok=false on expiry; with timeout <= 0 it waits until an item
// arrives or ctx ends.
func (q *MemQueue) Get(ctx context.Context, timeout time.Duration) (item []byte, ok bool, err error) {
	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item = q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.signalLocked()
			q.mu.Unlock()
			return item, true, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false, ErrChannelClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-expire:
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Requeue puts item back at the head, ahead of everything queued. It is for
// items already removed by Get whose delivery failed, so it ignores maxsize
// and works on a closed queue.
func (q *MemQueue) Requeue(item []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([][]byte{item}, q.items...)
	q.signalLocked()
}

// Len returns the number of queued items.
func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// MaxSize returns the capacity, 0 meaning unbounded.
func (q *MemQueue) MaxSize() int {
	return q.maxsize
}

// Close wakes all waiters. Queued items can still be drained by Get.
func (q *MemQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}

func (q *MemQueue) signalLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
