package shigoto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// Payload is an untyped key-value mapping carried by messages.
type Payload map[string]any

// Message is anything a channel can carry. Equal implements the structural
// equality of the concrete variant.
type Message interface {
	Equal(other Message) bool
}

// Executable is a message that can be run by a Worker.
type Executable interface {
	Message
	Execute(ctx context.Context) (any, error)
}

// FuncRef is the wire-safe reference to a registered function: the module
// it was registered under plus its name.
type FuncRef struct {
	Module string `json:"module" cbor:"module"`
	Name   string `json:"name" cbor:"name"`
}

// Ref builds a FuncRef.
func Ref(module, name string) FuncRef {
	return FuncRef{Module: module, Name: name}
}

// String returns the qualified "module.name" form.
func (r FuncRef) String() string {
	return r.Module + "." + r.Name
}

// IsZero reports whether the reference is unset.
func (r FuncRef) IsZero() bool {
	return r.Module == "" && r.Name == ""
}

// JSONMessage wraps an arbitrary key-value mapping.
type JSONMessage struct {
	Data Payload `json:"data"`
}

// Equal reports whether other is a JSONMessage with the same data.
func (m *JSONMessage) Equal(other Message) bool {
	o, ok := other.(*JSONMessage)
	if !ok || m == nil || o == nil {
		return ok && m == o
	}
	return sameJSON(emptyIfNilMap(m.Data), emptyIfNilMap(o.Data))
}

// Task is a function reference plus positional and keyword arguments.
//
// A Task built by a producer is usually unbound; Execute resolves Fn through
// the registry it was created with (DefaultRegistry when none). Tasks decoded
// by TaskCodec or OpaqueCodec are already bound.
type Task struct {
	Fn     FuncRef
	Args   []any
	Kwargs Payload

	fn  Func
	reg *Registry
}

// NewTask creates an unbound task resolved against DefaultRegistry.
func NewTask(fn FuncRef, args []any, kwargs Payload) *Task {
	return &Task{Fn: fn, Args: args, Kwargs: kwargs}
}

// Execute calls the referenced function with the task arguments.
func (t *Task) Execute(ctx context.Context) (any, error) {
	fn := t.fn
	if fn == nil {
		var err error
		fn, err = t.registry().Lookup(t.Fn)
		if err != nil {
			return nil, err
		}
		t.fn = fn
	}
	return fn(ctx, emptyIfNilSlice(t.Args), emptyIfNilMap(t.Kwargs))
}

// Equal compares function reference, args and kwargs. Function identity is
// the qualified name, so tasks rebuilt in another process still compare equal.
func (t *Task) Equal(other Message) bool {
	o, ok := other.(*Task)
	if !ok || t == nil || o == nil {
		return ok && t == o
	}
	return t.sameCall(o)
}

func (t *Task) sameCall(o *Task) bool {
	return t.Fn == o.Fn &&
		sameJSON(emptyIfNilSlice(t.Args), emptyIfNilSlice(o.Args)) &&
		sameJSON(emptyIfNilMap(t.Kwargs), emptyIfNilMap(o.Kwargs))
}

func (t *Task) registry() *Registry {
	if t.reg != nil {
		return t.reg
	}
	return DefaultRegistry
}

func (t *Task) String() string {
	return fmt.Sprintf("Task(%s, args=%v, kwargs=%v)", t.Fn, t.Args, t.Kwargs)
}

// PeriodicTask is a Task that keeps being resubmitted every Interval while
// its Continue predicate returns true.
type PeriodicTask struct {
	Task
	Interval time.Duration
	Continue FuncRef

	cont Predicate
}

// NewPeriodicTask creates an unbound periodic task resolved against DefaultRegistry.
func NewPeriodicTask(fn FuncRef, args []any, kwargs Payload, interval time.Duration, cont FuncRef) *PeriodicTask {
	return &PeriodicTask{
		Task:     Task{Fn: fn, Args: args, Kwargs: kwargs},
		Interval: interval,
		Continue: cont,
	}
}

// ShouldContinue evaluates the continuation predicate.
func (p *PeriodicTask) ShouldContinue() (bool, error) {
	pred := p.cont
	if pred == nil {
		var err error
		pred, err = p.registry().LookupPredicate(p.Continue)
		if err != nil {
			return false, err
		}
		p.cont = pred
	}
	return pred(), nil
}

// checkInterval rejects periodic intervals that would resubmit immediately.
func checkInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("periodic interval %s must be > 0", d)
	}
	return nil
}

// Equal additionally compares Interval and the continuation predicate name.
func (p *PeriodicTask) Equal(other Message) bool {
	o, ok := other.(*PeriodicTask)
	if !ok || p == nil || o == nil {
		return ok && p == o
	}
	return p.sameCall(&o.Task) && p.Interval == o.Interval && p.Continue == o.Continue
}

func (p *PeriodicTask) String() string {
	return fmt.Sprintf("PeriodicTask(%s, every=%s, while=%s)", p.Fn, p.Interval, p.Continue)
}

// resultMessage converts a task result into the message forwarded downstream.
// Empty results (nil, false, zero numbers, empty strings and collections)
// produce nil and are not forwarded.
func resultMessage(v any) Message {
	if isEmptyResult(v) {
		return nil
	}
	if m, ok := v.(Message); ok {
		return m
	}
	if p, ok := v.(Payload); ok {
		return &JSONMessage{Data: p}
	}
	if p, ok := v.(map[string]any); ok {
		return &JSONMessage{Data: p}
	}
	return &JSONMessage{Data: Payload{"result": v}}
}

func isEmptyResult(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	case reflect.Slice, reflect.Map, reflect.String, reflect.Array:
		return rv.Len() == 0
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return rv.IsZero()
	}
	return false
}

// sameJSON compares two values through their canonical JSON encoding, so
// numbers widened by a codec (int -> float64, uint64) still compare equal.
func sameJSON(a, b any) bool {
	ab, errA := json.Marshal(normalizeValue(a))
	bb, errB := json.Marshal(normalizeValue(b))
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ab, bb)
}

// normalizeValue rewrites map[any]any produced by generic decoders into
// map[string]any so it can be JSON encoded, and turns json.Number into int64
// (float64 when it has a fraction or overflows).
func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalizeValue(val)
		}
		return out
	case Payload:
		return normalizeValue(map[string]any(x))
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalizeValue(val)
		}
		return out
	}
	return v
}

func emptyIfNilSlice(s []any) []any {
	if s == nil {
		return []any{}
	}
	return s
}

func emptyIfNilMap(m Payload) Payload {
	if m == nil {
		return Payload{}
	}
	return m
}
