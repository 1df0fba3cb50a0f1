package shigoto

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func redisZ(at time.Time, member string) redis.Z {
	return redis.Z{Score: float64(at.UnixMilli()), Member: member}
}

func TestMemorySchedule_DueOrder(t *testing.T) {
	s := NewMemorySchedule()
	ctx := context.Background()
	base := time.Now()

	msgs := []*JSONMessage{
		{Data: Payload{"n": "late"}},
		{Data: Payload{"n": "early"}},
		{Data: Payload{"n": "tie-first"}},
		{Data: Payload{"n": "tie-second"}},
	}
	_ = s.Add(ctx, base.Add(3*time.Second), msgs[0])
	_ = s.Add(ctx, base.Add(1*time.Second), msgs[1])
	_ = s.Add(ctx, base.Add(2*time.Second), msgs[2])
	_ = s.Add(ctx, base.Add(2*time.Second), msgs[3])

	if n, _ := s.Len(ctx); n != 4 {
		t.Fatalf("Len() = %d, want 4", n)
	}
	next, ok, err := s.Next(ctx)
	if err != nil || !ok || !next.Equal(base.Add(time.Second)) {
		t.Fatalf("Next() = %v, %v, %v", next, ok, err)
	}

	due, err := s.Due(ctx, base.Add(2*time.Second), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	want := []Message{msgs[1], msgs[2], msgs[3]}
	if len(due) != len(want) {
		t.Fatalf("Due() returned %d entries, want %d", len(due), len(want))
	}
	for i := range want {
		if !want[i].Equal(due[i]) {
			t.Errorf("Due()[%d] = %v, want %v", i, due[i], want[i])
		}
	}
	if n, _ := s.Len(ctx); n != 1 {
		t.Errorf("Len() after Due = %d, want 1", n)
	}
}

func TestMemorySchedule_Limit(t *testing.T) {
	s := NewMemorySchedule()
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 5; i++ {
		_ = s.Add(ctx, now, &JSONMessage{Data: Payload{"i": i}})
	}
	due, _ := s.Due(ctx, now, 2)
	if len(due) != 2 {
		t.Errorf("Due(limit=2) returned %d", len(due))
	}
	if n, _ := s.Len(ctx); n != 3 {
		t.Errorf("Len() = %d, want 3", n)
	}
}

func TestMemorySchedule_Empty(t *testing.T) {
	s := NewMemorySchedule()
	ctx := context.Background()
	if _, ok, err := s.Next(ctx); ok || err != nil {
		t.Errorf("Next() on empty = %v, %v", ok, err)
	}
	if due, err := s.Due(ctx, time.Now(), 10); len(due) != 0 || err != nil {
		t.Errorf("Due() on empty = %v, %v", due, err)
	}
}

func testRedisSchedule(t *testing.T, codec Codec) (*RedisSchedule, *RedisClient) {
	t.Helper()
	rc := testRedisClient(t)
	s, err := NewRedisSchedule(rc, "ticker", codec)
	if err != nil {
		t.Fatalf("NewRedisSchedule: %v", err)
	}
	return s, rc
}

func TestRedisSchedule_AddDue(t *testing.T) {
	reg := testRegistry(t)
	s, rc := testRedisSchedule(t, NewTaskCodec(reg))
	ctx := context.Background()
	now := time.Now()

	if s.Key() != rc.Key("schedule", "ticker") {
		t.Errorf("Key() = %q", s.Key())
	}

	p := reg.Periodic(Ref("mymod", "myfunc"), []any{1}, nil, time.Second, Ref("mymod", "yes"))
	// Identical messages at the same time stay distinct entries.
	_ = s.Add(ctx, now, p)
	_ = s.Add(ctx, now, p)
	_ = s.Add(ctx, now.Add(time.Hour), p)

	if n, err := s.Len(ctx); err != nil || n != 3 {
		t.Fatalf("Len() = %d, %v; want 3", n, err)
	}
	next, ok, err := s.Next(ctx)
	if err != nil || !ok || next.UnixMilli() != now.UnixMilli() {
		t.Errorf("Next() = %v, %v, %v", next, ok, err)
	}

	due, err := s.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("Due() returned %d entries, want 2", len(due))
	}
	for _, m := range due {
		if !p.Equal(m) {
			t.Errorf("Due() entry = %v, want %v", m, p)
		}
	}
	if n, _ := s.Len(ctx); n != 1 {
		t.Errorf("Len() after Due = %d, want 1", n)
	}
}

func TestRedisSchedule_DueIsExclusive(t *testing.T) {
	s, _ := testRedisSchedule(t, JSONCodec{})
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 20; i++ {
		_ = s.Add(ctx, now, &JSONMessage{Data: Payload{"i": i}})
	}

	results := make(chan int, 4)
	for w := 0; w < 4; w++ {
		go func() {
			due, _ := s.Due(ctx, now, 100)
			results <- len(due)
		}()
	}
	total := 0
	for w := 0; w < 4; w++ {
		total += <-results
	}
	if total != 20 {
		t.Errorf("concurrent Due() returned %d entries in total, want 20", total)
	}
}

func TestRedisSchedule_UndecodableReported(t *testing.T) {
	s, rc := testRedisSchedule(t, JSONCodec{})
	ctx := context.Background()
	now := time.Now()

	_ = s.Add(ctx, now, &JSONMessage{Data: Payload{"ok": true}})
	rc.Unwrap().ZAdd(ctx, s.Key(), redisZ(now, "short"))

	due, err := s.Due(ctx, now, 10)
	if len(due) != 1 {
		t.Errorf("Due() returned %d decodable entries, want 1", len(due))
	}
	if !errors.Is(err, ErrDeserialization) {
		t.Errorf("expected ErrDeserialization, got %v", err)
	}
	if n, _ := s.Len(ctx); n != 0 {
		t.Errorf("Len() = %d, bad entries should be removed", n)
	}
}

func TestTasker_RedisSchedule(t *testing.T) {
	reg := testRegistry(t)
	codec := NewTaskCodec(reg)
	s, _ := testRedisSchedule(t, codec)
	pred, _ := countdown(2)
	if _, err := reg.RegisterPredicate("mymod", "twice", pred); err != nil {
		t.Fatalf("RegisterPredicate: %v", err)
	}

	in := NewQueueChannel(codec)
	out := NewQueueChannel(codec)
	tk := NewTasker(in, out, WithSchedule(s), WithSchedulePoll(20*time.Millisecond), WithNodeLogger(discardLogger()))
	stop := runNode(t, tk)
	defer stop()
	ctx := context.Background()

	_ = tk.AddTask(ctx, reg.Periodic(Ref("mymod", "myfunc"), nil, nil, 50*time.Millisecond, Ref("mymod", "twice")))
	for i := 0; i < 2; i++ {
		if m, _ := out.Get(ctx, 3*time.Second); m == nil {
			t.Fatalf("forward %d missing", i+1)
		}
	}
	if m, _ := out.Get(ctx, 300*time.Millisecond); m != nil {
		t.Errorf("unexpected third forward: %v", m)
	}
}
