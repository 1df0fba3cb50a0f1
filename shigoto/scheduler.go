package shigoto

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	schedulerPollInterval = 1 * time.Second
	schedulerBatchSize    = 100
)

// Schedule holds messages until their due time. A Tasker adds re-submissions
// to it and polls it for due entries.
type Schedule interface {
	// Add keeps m until at.
	Add(ctx context.Context, at time.Time, m Message) error

	// Due removes and returns up to limit entries due at or before now, in
	// due order. Each entry is returned to exactly one caller.
	Due(ctx context.Context, now time.Time, limit int) ([]Message, error)

	// Next returns the earliest due time, or false when empty.
	Next(ctx context.Context) (time.Time, bool, error)

	// Len returns the number of pending entries.
	Len(ctx context.Context) (int, error)
}

// MemorySchedule is a process-local Schedule backed by a min-heap.
type MemorySchedule struct {
	mu    sync.Mutex
	items scheduleHeap
	seq   uint64
}

// NewMemorySchedule creates an empty schedule.
func NewMemorySchedule() *MemorySchedule {
	return &MemorySchedule{}
}

type scheduled struct {
	at  time.Time
	seq uint64 // keeps insertion order among equal due times
	msg Message
}

type scheduleHeap []scheduled

func (h scheduleHeap) Len() int { return len(h) }
func (h scheduleHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h scheduleHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *scheduleHeap) Push(x any)   { *h = append(*h, x.(scheduled)) }
func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = scheduled{}
	*h = old[:n-1]
	return item
}

// Add implements Schedule.
func (s *MemorySchedule) Add(_ context.Context, at time.Time, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	heap.Push(&s.items, scheduled{at: at, seq: s.seq, msg: m})
	return nil
}

// Due implements Schedule.
func (s *MemorySchedule) Due(_ context.Context, now time.Time, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for len(s.items) > 0 && !s.items[0].at.After(now) && (limit <= 0 || len(out) < limit) {
		out = append(out, heap.Pop(&s.items).(scheduled).msg)
	}
	return out, nil
}

// Next implements Schedule.
func (s *MemorySchedule) Next(context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return time.Time{}, false, nil
	}
	return s.items[0].at, true, nil
}

// Len implements Schedule.
func (s *MemorySchedule) Len(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

// RedisSchedule keeps entries in a Redis sorted set scored by due time (unix
// ms), so pending re-submissions survive a restart and can be shared by
// Tasker clones in different processes. Entries are encoded with codec.
type RedisSchedule struct {
	rc      *RedisClient
	key     string
	codec   Codec
	scripts *scriptRegistry
}

// memberIDLen is the length of the unique prefix of every member, which keeps
// identical messages scheduled at the same time from collapsing.
const memberIDLen = 36

// NewRedisSchedule creates a schedule stored under the prefixed key
// "schedule:<name>".
func NewRedisSchedule(rc *RedisClient, name string, codec Codec) (*RedisSchedule, error) {
	if err := validateChannelName(name); err != nil {
		return nil, err
	}
	sr, err := loadScripts()
	if err != nil {
		return nil, err
	}
	return &RedisSchedule{
		rc:      rc,
		key:     rc.Key("schedule", name),
		codec:   codec,
		scripts: sr,
	}, nil
}

// Key returns the sorted set key.
func (s *RedisSchedule) Key() string { return s.key }

// Add implements Schedule.
func (s *RedisSchedule) Add(ctx context.Context, at time.Time, m Message) error {
	data, err := s.codec.Serialize(m)
	if err != nil {
		return err
	}
	member := uuid.Must(uuid.NewV7()).String() + string(data)
	err = s.rc.rdb.ZAdd(ctx, s.key, redis.Z{Score: float64(at.UnixMilli()), Member: member}).Err()
	if err != nil {
		return fmt.Errorf("%w: zadd %s: %v", ErrChannel, s.key, err)
	}
	return nil
}

// Due implements Schedule. Removal is atomic, so clones polling the same
// schedule never receive the same entry. Entries that no longer decode are
// dropped and reported in the returned error alongside the decoded ones.
func (s *RedisSchedule) Due(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = schedulerBatchSize
	}
	res, err := s.scripts.run(ctx, s.rc.rdb, "schedule_pop", []string{s.key}, now.UnixMilli(), limit).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: schedule poll %s: %v", ErrChannel, s.key, err)
	}

	out := make([]Message, 0, len(res))
	var errs []error
	for _, member := range res {
		if len(member) < memberIDLen {
			errs = append(errs, fmt.Errorf("%w: schedule entry too short", ErrDeserialization))
			continue
		}
		m, err := s.codec.Deserialize([]byte(member[memberIDLen:]))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	return out, errors.Join(errs...)
}

// Next implements Schedule.
func (s *RedisSchedule) Next(ctx context.Context) (time.Time, bool, error) {
	zs, err := s.rc.rdb.ZRangeWithScores(ctx, s.key, 0, 0).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: zrange %s: %v", ErrChannel, s.key, err)
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)), true, nil
}

// Len implements Schedule.
func (s *RedisSchedule) Len(ctx context.Context) (int, error) {
	n, err := s.rc.rdb.ZCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: zcard %s: %v", ErrChannel, s.key, err)
	}
	return int(n), nil
}
