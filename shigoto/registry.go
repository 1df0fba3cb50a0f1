package shigoto

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"sync"
	"time"
)

// Func is a registered task function. It receives the task's positional and
// keyword arguments and returns an optional result that a Worker forwards to
// its output channels.
type Func func(ctx context.Context, args []any, kwargs Payload) (any, error)

// Predicate is a registered continuation predicate for periodic tasks.
type Predicate func() bool

// moduleRe matches module names: dotted or slashed paths of safe characters.
var moduleRe = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._/-]*$`)

// funcNameRe matches function names.
var funcNameRe = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_-]*$`)

// Registry maps qualified names to functions and predicates. It replaces
// dynamic imports: a process can only run the tasks it registered at startup,
// and an unknown name is a first-class ErrResolution.
type Registry struct {
	mu    sync.RWMutex
	funcs map[FuncRef]Func
	preds map[FuncRef]Predicate

	// opaque message types: kind -> struct type and back
	types map[string]reflect.Type
	kinds map[reflect.Type]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[FuncRef]Func),
		preds: make(map[FuncRef]Predicate),
		types: make(map[string]reflect.Type),
		kinds: make(map[reflect.Type]string),
	}
}

// DefaultRegistry is used by codecs and tasks that are not given a registry.
var DefaultRegistry = NewRegistry()

// Register adds fn under module.name.
func (r *Registry) Register(module, name string, fn Func) (FuncRef, error) {
	ref := Ref(module, name)
	if err := validateRef(ref); err != nil {
		return ref, err
	}
	if fn == nil {
		return ref, fmt.Errorf("%w: nil function for %s", ErrInvalidFuncRef, ref)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[ref]; exists {
		return ref, fmt.Errorf("%w: %s", ErrDuplicateFunc, ref)
	}
	r.funcs[ref] = fn
	return ref, nil
}

// MustRegister is like Register but panics on error. Intended for init-time
// registration.
func (r *Registry) MustRegister(module, name string, fn Func) FuncRef {
	ref, err := r.Register(module, name, fn)
	if err != nil {
		panic(err)
	}
	return ref
}

// RegisterPredicate adds a continuation predicate under module.name.
func (r *Registry) RegisterPredicate(module, name string, p Predicate) (FuncRef, error) {
	ref := Ref(module, name)
	if err := validateRef(ref); err != nil {
		return ref, err
	}
	if p == nil {
		return ref, fmt.Errorf("%w: nil predicate for %s", ErrInvalidFuncRef, ref)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.preds[ref]; exists {
		return ref, fmt.Errorf("%w: predicate %s", ErrDuplicateFunc, ref)
	}
	r.preds[ref] = p
	return ref, nil
}

// Lookup resolves a function reference.
func (r *Registry) Lookup(ref FuncRef) (Func, error) {
	r.mu.RLock()
	fn, ok := r.funcs[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResolution, ref)
	}
	return fn, nil
}

// LookupPredicate resolves a continuation predicate reference.
func (r *Registry) LookupPredicate(ref FuncRef) (Predicate, error) {
	r.mu.RLock()
	p, ok := r.preds[ref]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: predicate %s", ErrResolution, ref)
	}
	return p, nil
}

// RegisterType makes a custom message type transportable by OpaqueCodec under
// kind. sample must be a pointer to a struct, e.g. (*MyEvent)(nil).
func (r *Registry) RegisterType(kind string, sample Message) error {
	switch kind {
	case "", kindTask, kindPeriodic, kindJSON:
		return fmt.Errorf("%w: reserved or empty message kind %q", ErrInvalidFuncRef, kind)
	}
	typ := reflect.TypeOf(sample)
	if typ == nil || typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("message kind %q: sample must be a pointer to a struct, got %T", kind, sample)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[kind]; exists {
		return fmt.Errorf("%w: message kind %s", ErrDuplicateFunc, kind)
	}
	r.types[kind] = typ.Elem()
	r.kinds[typ.Elem()] = kind
	return nil
}

func (r *Registry) typeOf(kind string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	typ, ok := r.types[kind]
	return typ, ok
}

func (r *Registry) kindOf(m Message) (string, bool) {
	typ := reflect.TypeOf(m)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.kinds[typ.Elem()]
	return kind, ok
}

// Refs returns the registered function references sorted by qualified name.
func (r *Registry) Refs() []FuncRef {
	r.mu.RLock()
	refs := make([]FuncRef, 0, len(r.funcs))
	for ref := range r.funcs {
		refs = append(refs, ref)
	}
	r.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	return refs
}

// Task returns a task bound to this registry.
func (r *Registry) Task(fn FuncRef, args []any, kwargs Payload) *Task {
	return &Task{Fn: fn, Args: args, Kwargs: kwargs, reg: r}
}

// Periodic returns a periodic task bound to this registry.
func (r *Registry) Periodic(fn FuncRef, args []any, kwargs Payload, interval time.Duration, cont FuncRef) *PeriodicTask {
	p := NewPeriodicTask(fn, args, kwargs, interval, cont)
	p.reg = r
	return p
}

// bind resolves a decoded task against the registry.
func (r *Registry) bind(t *Task) error {
	fn, err := r.Lookup(t.Fn)
	if err != nil {
		return err
	}
	t.fn = fn
	t.reg = r
	return nil
}

func (r *Registry) bindPeriodic(p *PeriodicTask) error {
	if err := r.bind(&p.Task); err != nil {
		return err
	}
	pred, err := r.LookupPredicate(p.Continue)
	if err != nil {
		return err
	}
	p.cont = pred
	return nil
}

// Register adds fn to DefaultRegistry.
func Register(module, name string, fn Func) (FuncRef, error) {
	return DefaultRegistry.Register(module, name, fn)
}

// RegisterPredicate adds p to DefaultRegistry.
func RegisterPredicate(module, name string, p Predicate) (FuncRef, error) {
	return DefaultRegistry.RegisterPredicate(module, name, p)
}

func validateRef(ref FuncRef) error {
	if !moduleRe.MatchString(ref.Module) || len(ref.Module) > 256 {
		return fmt.Errorf("%w: module %q", ErrInvalidFuncRef, ref.Module)
	}
	if !funcNameRe.MatchString(ref.Name) || len(ref.Name) > 128 {
		return fmt.Errorf("%w: name %q", ErrInvalidFuncRef, ref.Name)
	}
	return nil
}
