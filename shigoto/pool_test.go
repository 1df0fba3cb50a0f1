package shigoto

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// recordingNode counts runs and optionally fails.
type recordingNode struct {
	name string
	runs *sync.WaitGroup
	fail error
}

func (n *recordingNode) Name() string { return n.name }
func (n *recordingNode) Clone() Node  { return &recordingNode{name: n.name, runs: n.runs, fail: n.fail} }
func (n *recordingNode) Run(ctx context.Context) error {
	n.runs.Done()
	if n.fail != nil {
		return n.fail
	}
	<-ctx.Done()
	return nil
}

func TestNewPool_Defaults(t *testing.T) {
	p := NewPool(&recordingNode{name: "n"}, 0)
	if p.Size() != 1 {
		t.Errorf("Size() = %d, want 1", p.Size())
	}
	if p.mode != ModeGoroutine {
		t.Errorf("mode = %q, want goroutine", p.mode)
	}
	if p.heartbeat != defaultHeartbeatInterval {
		t.Errorf("heartbeat = %v, want %v", p.heartbeat, defaultHeartbeatInterval)
	}
	if p.Name() != "n" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestPool_RunsEveryCopy(t *testing.T) {
	var runs sync.WaitGroup
	runs.Add(3)
	p := NewPool(&recordingNode{name: "n", runs: &runs}, 3, WithPoolLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	runs.Wait()
	waitFor(t, "all units alive", func() bool { return p.Alive() == 3 })
	if len(p.Nodes()) != 3 {
		t.Errorf("Nodes() = %d, want 3", len(p.Nodes()))
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
	if p.Alive() != 0 {
		t.Errorf("Alive() after stop = %d", p.Alive())
	}
}

// Liveness accessors are polled by the server while Run builds the units.
func TestPool_LivenessPolledDuringRun(t *testing.T) {
	var runs sync.WaitGroup
	runs.Add(4)
	p := NewPool(&recordingNode{name: "n", runs: &runs}, 4, WithPoolLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			select {
			case <-stop:
				return
			default:
				_ = p.Alive() + p.Busy() + len(p.Nodes())
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	runs.Wait()
	waitFor(t, "all units alive", func() bool { return p.Alive() == 4 })

	close(stop)
	<-polled
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func TestPool_FailureStopsOthers(t *testing.T) {
	var runs sync.WaitGroup
	runs.Add(2)
	boom := fmt.Errorf("%w: backend gone", ErrChannel)
	p := NewPool(&recordingNode{name: "n", runs: &runs, fail: boom}, 2, WithPoolLogger(discardLogger()))

	err := p.Run(context.Background())
	if !errors.Is(err, ErrChannel) {
		t.Errorf("Run() = %v, want ErrChannel", err)
	}
}

func TestPool_WorkersShareInput(t *testing.T) {
	const total = 40
	reg := testRegistry(t)
	in := NewQueueChannel(NewTaskCodec(reg))
	out := NewQueueChannel(JSONCodec{})
	proto := NewWorker(in, []OutputChannel{out}, WithNodeLogger(discardLogger()))
	p := NewPool(proto, 4, WithPoolLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 1; i <= total; i++ {
		_ = in.Put(ctx, reg.Task(Ref("mymod", "myfunc"), []any{i}, nil))
	}
	waitFor(t, "all results", func() bool { return out.Len() == total })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}

	var processed int64
	for _, n := range p.Nodes() {
		done, _ := n.(*Worker).Stats()
		processed += done
	}
	if processed != total {
		t.Errorf("processed %d tasks across copies, want %d (no duplicates)", processed, total)
	}
	if out.Len() != total {
		t.Errorf("output has %d results, want %d", out.Len(), total)
	}
}

func TestPool_Heartbeat(t *testing.T) {
	rc := testRedisClient(t)
	var runs sync.WaitGroup
	runs.Add(2)
	p := NewPool(&recordingNode{name: "beater", runs: &runs}, 2,
		WithPoolLogger(discardLogger()),
		WithHeartbeat(rc, time.Second),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	runs.Wait()

	var status []NodeStatus
	waitFor(t, "heartbeat", func() bool {
		status, _ = ReadNodeStatus(context.Background(), rc)
		return len(status) == 1 && status[0].Status == "active"
	})
	st := status[0]
	if st.Name != "beater" || st.Mode != "goroutine" || st.Size != 2 {
		t.Errorf("status = %+v", st)
	}
	if time.Since(st.LastHeartbeat) > time.Minute {
		t.Errorf("LastHeartbeat = %v", st.LastHeartbeat)
	}
	ttl, err := rc.Unwrap().TTL(context.Background(), rc.Key("node", "beater")).Result()
	if err != nil || ttl <= 0 || ttl > 3*time.Second {
		t.Errorf("TTL = %v, %v; want (0, 3s]", ttl, err)
	}

	cancel()
	<-done
	status, err = ReadNodeStatus(context.Background(), rc)
	if err != nil || len(status) != 1 || status[0].Status != "stopped" {
		t.Errorf("status after stop = %+v, %v", status, err)
	}
}
