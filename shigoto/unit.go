package shigoto

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// Unit is the concurrency vehicle a node runs on.
type Unit interface {
	// Start launches the unit. It returns once the unit is running.
	Start(ctx context.Context) error

	// Wait blocks until the unit exits and returns its error.
	Wait() error

	// Alive reports whether the unit is running.
	Alive() bool
}

// UnitMode selects the kind of Unit Spawn creates.
type UnitMode string

const (
	// ModeGoroutine runs the node on a goroutine of this process.
	ModeGoroutine UnitMode = "goroutine"

	// ModeProcess runs the node in a child OS process.
	ModeProcess UnitMode = "process"
)

// ParseUnitMode validates a configured mode. Empty means ModeGoroutine.
func ParseUnitMode(s string) (UnitMode, error) {
	switch UnitMode(s) {
	case "", ModeGoroutine:
		return ModeGoroutine, nil
	case ModeProcess:
		return ModeProcess, nil
	}
	return "", fmt.Errorf("unknown unit mode %q: must be goroutine or process", s)
}

// Spawn pairs node with a unit of the given mode. In process mode the child
// runs whatever RegisterProcessNode registered under node.Name().
func Spawn(node Node, mode UnitMode) Unit {
	if mode == ModeProcess {
		return NewProcessUnit(node.Name())
	}
	return NewGoroutineUnit(node)
}

// GoroutineUnit runs a node on its own goroutine.
type GoroutineUnit struct {
	node    Node
	alive   atomic.Bool
	started atomic.Bool
	done    chan struct{}
	err     error
}

// NewGoroutineUnit creates a unit for node.
func NewGoroutineUnit(node Node) *GoroutineUnit {
	return &GoroutineUnit{node: node, done: make(chan struct{})}
}

// Node returns the node run by this unit.
func (u *GoroutineUnit) Node() Node { return u.node }

// Start implements Unit.
func (u *GoroutineUnit) Start(ctx context.Context) error {
	if !u.started.CompareAndSwap(false, true) {
		return errors.New("unit already started")
	}
	u.alive.Store(true)
	go func() {
		defer close(u.done)
		defer u.alive.Store(false)
		u.err = u.node.Run(ctx)
	}()
	return nil
}

// Wait implements Unit.
func (u *GoroutineUnit) Wait() error {
	if !u.started.Load() {
		return errors.New("unit not started")
	}
	<-u.done
	return u.err
}

// Alive implements Unit.
func (u *GoroutineUnit) Alive() bool { return u.alive.Load() }

// processStopGrace is how long a child may take to exit after the interrupt
// sent on ctx cancellation before it is killed.
const processStopGrace = 10 * time.Second

// ProcessUnit runs a registered node in a child process: the current
// executable is started again with the same arguments and with
// SHIGOTO_PROCESS_NODE set, and its main must call ChildMain early.
type ProcessUnit struct {
	name string
	args []string
	env  []string

	mu    sync.Mutex
	cmd   *exec.Cmd
	alive atomic.Bool
	done  chan struct{}
	err   error
}

// NewProcessUnit creates a unit running the process node registered as name.
func NewProcessUnit(name string) *ProcessUnit {
	return &ProcessUnit{name: name, args: os.Args[1:], done: make(chan struct{})}
}

// WithArgs overrides the child's command-line arguments.
func (u *ProcessUnit) WithArgs(args ...string) *ProcessUnit {
	u.args = args
	return u
}

// WithEnv adds KEY=value entries to the child's environment.
func (u *ProcessUnit) WithEnv(kv ...string) *ProcessUnit {
	u.env = append(u.env, kv...)
	return u
}

// Pid returns the child's process ID, or 0 before Start.
func (u *ProcessUnit) Pid() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cmd == nil || u.cmd.Process == nil {
		return 0
	}
	return u.cmd.Process.Pid
}

// Start implements Unit. Cancelling ctx interrupts the child, then kills it
// if it has not exited within processStopGrace.
func (u *ProcessUnit) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cmd != nil {
		return errors.New("unit already started")
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	cmd := exec.CommandContext(ctx, exe, u.args...)
	cmd.Env = append(os.Environ(), processNodeEnv+"="+u.name)
	cmd.Env = append(cmd.Env, u.env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error {
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = processStopGrace

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting process node %s: %w", u.name, err)
	}
	u.cmd = cmd
	u.alive.Store(true)
	go func() {
		defer close(u.done)
		defer u.alive.Store(false)
		err := cmd.Wait()
		if err != nil && ctx.Err() != nil {
			// Exit caused by our own interrupt.
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("process node %s: %w", u.name, err)
		}
		u.err = err
	}()
	return nil
}

// Wait implements Unit.
func (u *ProcessUnit) Wait() error {
	u.mu.Lock()
	started := u.cmd != nil
	u.mu.Unlock()
	if !started {
		return errors.New("unit not started")
	}
	<-u.done
	return u.err
}

// Alive implements Unit.
func (u *ProcessUnit) Alive() bool { return u.alive.Load() }

// NodeBuilder constructs the node a child process runs.
type NodeBuilder func(ctx context.Context) (Node, error)

var (
	processNodesMu sync.RWMutex
	processNodes   = make(map[string]NodeBuilder)
)

// RegisterProcessNode makes name runnable by ProcessUnit. Both the parent and
// the child must register it, typically from init or early in main.
func RegisterProcessNode(name string, build NodeBuilder) error {
	if name == "" || build == nil {
		return fmt.Errorf("%w: empty name or nil builder", ErrUnknownNode)
	}
	processNodesMu.Lock()
	defer processNodesMu.Unlock()
	if _, exists := processNodes[name]; exists {
		return fmt.Errorf("process node %q already registered", name)
	}
	processNodes[name] = build
	return nil
}

// IsChild reports whether this process was started by a ProcessUnit.
func IsChild() bool {
	e, _ := LoadEnvironment()
	return e.ProcessNode != ""
}

// ChildMain runs the node named by SHIGOTO_PROCESS_NODE until ctx ends. It
// reports handled=false in a process not started by ProcessUnit, in which
// case main continues normally.
func ChildMain(ctx context.Context) (handled bool, err error) {
	e, _ := LoadEnvironment()
	name := e.ProcessNode
	if name == "" {
		return false, nil
	}
	processNodesMu.RLock()
	build, ok := processNodes[name]
	processNodesMu.RUnlock()
	if !ok {
		return true, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	node, err := build(ctx)
	if err != nil {
		return true, fmt.Errorf("building process node %s: %w", name, err)
	}
	return true, node.Run(ctx)
}

// setProcessNode registers or replaces a builder. Topologies rebuilt in the
// same process re-register their pools.
func setProcessNode(name string, build NodeBuilder) {
	processNodesMu.Lock()
	defer processNodesMu.Unlock()
	processNodes[name] = build
}
