package shigoto

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestParseUnitMode(t *testing.T) {
	tests := []struct {
		in      string
		want    UnitMode
		wantErr bool
	}{
		{"", ModeGoroutine, false},
		{"goroutine", ModeGoroutine, false},
		{"process", ModeProcess, false},
		{"thread", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUnitMode(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ParseUnitMode(%q) = %q, %v", tt.in, got, err)
			}
		})
	}
}

func TestSpawn(t *testing.T) {
	n := &recordingNode{name: "spawned"}
	if _, ok := Spawn(n, ModeGoroutine).(*GoroutineUnit); !ok {
		t.Error("goroutine mode should create a GoroutineUnit")
	}
	if u, ok := Spawn(n, ModeProcess).(*ProcessUnit); !ok || u.name != "spawned" {
		t.Error("process mode should create a ProcessUnit for the node name")
	}
}

func TestGoroutineUnit_Lifecycle(t *testing.T) {
	n := &recordingNode{name: "g", runs: new(sync.WaitGroup)}
	n.runs.Add(1)
	u := NewGoroutineUnit(n)

	if err := u.Wait(); err == nil {
		t.Error("Wait before Start should fail")
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := u.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := u.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}
	n.runs.Wait()
	if !u.Alive() {
		t.Error("unit should be alive while the node runs")
	}
	cancel()
	if err := u.Wait(); err != nil {
		t.Errorf("Wait() = %v", err)
	}
	if u.Alive() {
		t.Error("unit should not be alive after the node returned")
	}
	if u.Node() != n {
		t.Error("Node() should return the wrapped node")
	}
}

func TestRegisterProcessNode(t *testing.T) {
	build := func(context.Context) (Node, error) { return &recordingNode{name: "x"}, nil }
	if err := RegisterProcessNode("unit-test-register", build); err != nil {
		t.Fatalf("RegisterProcessNode: %v", err)
	}
	if err := RegisterProcessNode("unit-test-register", build); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := RegisterProcessNode("", build); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("empty name: %v", err)
	}
	if err := RegisterProcessNode("y", nil); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("nil builder: %v", err)
	}
}

func TestChildMain_NotChild(t *testing.T) {
	if IsChild() {
		t.Skip("running as a helper process")
	}
	handled, err := ChildMain(context.Background())
	if handled || err != nil {
		t.Errorf("ChildMain() = %v, %v; want false, nil", handled, err)
	}
}

// fileNode creates a file once running and blocks until ctx ends.
type fileNode struct{ path string }

func (n *fileNode) Name() string { return "unit-test-child" }
func (n *fileNode) Clone() Node  { return n }
func (n *fileNode) Run(ctx context.Context) error {
	if err := os.WriteFile(n.path, []byte("ok"), 0o600); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// TestProcessChildHelper is the body of the child processes started below.
func TestProcessChildHelper(t *testing.T) {
	if !IsChild() {
		t.Skip("helper process only")
	}
	setProcessNode("unit-test-child", func(context.Context) (Node, error) {
		return &fileNode{path: os.Getenv("SHIGOTO_TEST_CHILD_FILE")}, nil
	})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if _, err := ChildMain(ctx); err != nil {
		os.Exit(3)
	}
	os.Exit(0)
}

func TestProcessUnit_RunsChild(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a child process")
	}
	marker := filepath.Join(t.TempDir(), "child-running")
	u := NewProcessUnit("unit-test-child").
		WithArgs("-test.run=^TestProcessChildHelper$").
		WithEnv("SHIGOTO_TEST_CHILD_FILE=" + marker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := u.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if u.Pid() == 0 {
		t.Error("Pid() = 0 after Start")
	}
	waitFor(t, "child running", func() bool {
		_, err := os.Stat(marker)
		return err == nil
	})
	if !u.Alive() {
		t.Error("unit should be alive")
	}

	cancel()
	done := make(chan error, 1)
	go func() { done <- u.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait() = %v, want nil after interrupt", err)
		}
	case <-time.After(processStopGrace + 5*time.Second):
		t.Fatal("child did not exit")
	}
}

func TestProcessUnit_UnknownNodeFails(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a child process")
	}
	u := NewProcessUnit("unit-test-unregistered").WithArgs("-test.run=^TestProcessChildHelper$")
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := u.Wait(); err == nil {
		t.Error("Wait() should report the child's failure")
	}
}
