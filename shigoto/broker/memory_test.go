package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// collector records deliveries and can reject the first n of them.
type collector struct {
	mu     sync.Mutex
	got    []Envelope
	reject int
	ch     chan Envelope
}

func newCollector() *collector {
	return &collector{ch: make(chan Envelope, 64)}
}

func (c *collector) deliver(_ context.Context, env Envelope) error {
	c.mu.Lock()
	if c.reject > 0 {
		c.reject--
		c.mu.Unlock()
		return errors.New("not now")
	}
	c.got = append(c.got, env)
	c.mu.Unlock()
	c.ch <- env
	return nil
}

func (c *collector) wait(t *testing.T, n int) []Envelope {
	t.Helper()
	out := make([]Envelope, 0, n)
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case env := <-c.ch:
			out = append(out, env)
		case <-timeout:
			t.Fatalf("received %d envelopes, want %d", len(out), n)
		}
	}
	return out
}

func TestMemory_PublishSubscribeOrder(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	c := newCollector()
	sub, err := b.Subscribe(ctx, "events", "g1", c.deliver)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	for i := uint64(1); i <= 5; i++ {
		if err := b.Publish(ctx, "events", Envelope{Producer: "p", Seq: i, Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	got := c.wait(t, 5)
	for i, env := range got {
		if env.Seq != uint64(i+1) {
			t.Errorf("delivery %d: seq = %d, want %d", i, env.Seq, i+1)
		}
	}
}

func TestMemory_GroupsFanOut(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	c1, c2 := newCollector(), newCollector()
	s1, _ := b.Subscribe(ctx, "events", "g1", c1.deliver)
	s2, _ := b.Subscribe(ctx, "events", "g2", c2.deliver)
	defer s1.Close()
	defer s2.Close()

	if err := b.Publish(ctx, "events", Envelope{Producer: "p", Seq: 1, Data: []byte("x")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	c1.wait(t, 1)
	c2.wait(t, 1)
}

func TestMemory_CompetingConsumers(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	shared := newCollector()
	s1, _ := b.Subscribe(ctx, "work", "workers", shared.deliver)
	s2, _ := b.Subscribe(ctx, "work", "workers", shared.deliver)
	defer s1.Close()
	defer s2.Close()

	const n = 50
	for i := uint64(1); i <= n; i++ {
		b.Publish(ctx, "work", Envelope{Producer: "p", Seq: i})
	}
	got := shared.wait(t, n)

	seen := make(map[uint64]bool, n)
	for _, env := range got {
		if seen[env.Seq] {
			t.Fatalf("seq %d delivered twice", env.Seq)
		}
		seen[env.Seq] = true
	}

	select {
	case env := <-shared.ch:
		t.Fatalf("unexpected extra delivery seq %d", env.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_RejectedIsRedelivered(t *testing.T) {
	b := NewMemory(WithRetryDelay(10 * time.Millisecond))
	defer b.Close()
	ctx := context.Background()

	c := newCollector()
	c.reject = 2
	sub, _ := b.Subscribe(ctx, "events", "g", c.deliver)
	defer sub.Close()

	b.Publish(ctx, "events", Envelope{Producer: "p", Seq: 7})
	got := c.wait(t, 1)
	if got[0].Seq != 7 {
		t.Errorf("seq = %d, want 7", got[0].Seq)
	}
}

func TestMemory_GroupBuffersWithoutSubscriber(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	c := newCollector()
	sub, _ := b.Subscribe(ctx, "events", "g", c.deliver)
	sub.Close()

	b.Publish(ctx, "events", Envelope{Producer: "p", Seq: 1})
	if n := b.Len("events", "g"); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}

	sub2, _ := b.Subscribe(ctx, "events", "g", c.deliver)
	defer sub2.Close()
	c.wait(t, 1)
}

func TestMemory_PublishDataIsCopied(t *testing.T) {
	b := NewMemory()
	defer b.Close()
	ctx := context.Background()

	c := newCollector()
	sub, _ := b.Subscribe(ctx, "events", "g", c.deliver)
	defer sub.Close()

	data := []byte("abc")
	b.Publish(ctx, "events", Envelope{Producer: "p", Seq: 1, Data: data})
	data[0] = 'z'

	got := c.wait(t, 1)
	if string(got[0].Data) != "abc" {
		t.Errorf("Data = %q, want %q", got[0].Data, "abc")
	}
}

func TestMemory_Closed(t *testing.T) {
	b := NewMemory()
	b.Close()
	ctx := context.Background()

	if err := b.Publish(ctx, "t", Envelope{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Close: err = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(ctx, "t", "g", newCollector().deliver); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close: err = %v, want ErrClosed", err)
	}
}
