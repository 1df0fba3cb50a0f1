package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TonyTheTaiga/doraemon/shigoto"
)

const builtinModule = "builtin"

// newRegistry returns a registry holding the builtin functions and
// predicates.
func newRegistry() (*shigoto.Registry, error) {
	reg := shigoto.NewRegistry()
	funcs := map[string]shigoto.Func{
		"echo":  builtinEcho,
		"add":   builtinAdd,
		"sleep": builtinSleep,
		"fail":  builtinFail,
	}
	for name, fn := range funcs {
		if _, err := reg.Register(builtinModule, name, fn); err != nil {
			return nil, err
		}
	}
	if _, err := reg.RegisterPredicate(builtinModule, "forever", func() bool { return true }); err != nil {
		return nil, err
	}
	return reg, nil
}

// builtinEcho returns its arguments.
func builtinEcho(_ context.Context, args []any, kwargs shigoto.Payload) (any, error) {
	if len(args) == 0 && len(kwargs) == 0 {
		return nil, nil
	}
	return shigoto.Payload{"args": args, "kwargs": kwargs}, nil
}

// builtinAdd sums its integer arguments.
func builtinAdd(_ context.Context, args []any, _ shigoto.Payload) (any, error) {
	var sum int64
	for i, a := range args {
		n, err := shigoto.ToInt(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		sum += n
	}
	return sum, nil
}

// builtinSleep sleeps for args[0] (or kwargs["seconds"]) seconds.
func builtinSleep(ctx context.Context, args []any, kwargs shigoto.Payload) (any, error) {
	var v any
	switch {
	case len(args) > 0:
		v = args[0]
	case kwargs["seconds"] != nil:
		v = kwargs["seconds"]
	default:
		return nil, errors.New("sleep needs a duration in seconds")
	}
	secs, err := shigoto.ToFloat(v)
	if err != nil {
		return nil, err
	}
	if secs < 0 {
		return nil, fmt.Errorf("negative sleep %v", secs)
	}
	t := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// builtinFail always fails, with args[0] as the message when given.
func builtinFail(_ context.Context, args []any, _ shigoto.Payload) (any, error) {
	if len(args) > 0 {
		if msg, err := shigoto.ToString(args[0]); err == nil {
			return nil, errors.New(msg)
		}
	}
	return nil, errors.New("builtin.fail called")
}
