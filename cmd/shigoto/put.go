package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/TonyTheTaiga/doraemon/shigoto"
)

// parseFuncRef splits "module.name" at the last dot; modules may be dotted.
func parseFuncRef(s string) (shigoto.FuncRef, error) {
	i := strings.LastIndex(s, ".")
	if i <= 0 || i == len(s)-1 {
		return shigoto.FuncRef{}, fmt.Errorf("function %q: want module.name", s)
	}
	return shigoto.Ref(s[:i], s[i+1:]), nil
}

// parseTaskArgs decodes the JSON --args array and --kwargs object.
func parseTaskArgs(argsJSON, kwargsJSON string) ([]any, shigoto.Payload, error) {
	var args []any
	if argsJSON != "" {
		if err := decodeFlagJSON(argsJSON, &args); err != nil {
			return nil, nil, fmt.Errorf("--args must be a JSON array: %w", err)
		}
	}
	var kwargs shigoto.Payload
	if kwargsJSON != "" {
		if err := decodeFlagJSON(kwargsJSON, &kwargs); err != nil {
			return nil, nil, fmt.Errorf("--kwargs must be a JSON object: %w", err)
		}
	}
	return args, kwargs, nil
}

// decodeFlagJSON keeps numbers as json.Number so large integers reach the
// task unchanged.
func decodeFlagJSON(s string, v any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

func runPut(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "shigoto.yaml", "Path to the topology config file")
	channel := fs.String("channel", "", "Channel to put the task on (required)")
	fn := fs.String("fn", "", "Function as module.name (required)")
	argsJSON := fs.String("args", "", "Positional arguments as a JSON array")
	kwargsJSON := fs.String("kwargs", "", "Keyword arguments as a JSON object")
	every := fs.Duration("every", 0, "Resubmit the task at this interval")
	while := fs.String("while", builtinModule+".forever", "Predicate that keeps a periodic task going")
	timeout := fs.Duration("timeout", 10*time.Second, "Give up if the channel does not accept the task in time")
	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: shigoto put --config <file> --channel <name> --fn <module.name> [flags]

Enqueue a task onto a channel of a running topology. The channel must be
reachable from another process: procqueue with an address, redis,
async_redis, publish or pubsub on a redis or gossip broker.

Flags:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *channel == "" || *fn == "" {
		fmt.Fprintln(stderr, "shigoto: --channel and --fn are required")
		fs.Usage()
		return 1
	}

	ref, err := parseFuncRef(*fn)
	if err != nil {
		fmt.Fprintf(stderr, "shigoto: %v\n", err)
		return 1
	}
	taskArgs, kwargs, err := parseTaskArgs(*argsJSON, *kwargsJSON)
	if err != nil {
		fmt.Fprintf(stderr, "shigoto: %v\n", err)
		return 1
	}
	opts := []shigoto.EnqueueOption{shigoto.Args(taskArgs...), shigoto.Kwargs(kwargs)}
	if *every != 0 {
		cont, err := parseFuncRef(*while)
		if err != nil {
			fmt.Fprintf(stderr, "shigoto: %v\n", err)
			return 1
		}
		opts = append(opts, shigoto.Every(*every, cont))
	}

	cfg, err := shigoto.LoadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "shigoto: %v\n", err)
		return 1
	}
	logger, closer := newLogger(cfg.App, stderr)
	defer closer.Close()
	reg, err := newRegistry()
	if err != nil {
		fmt.Fprintf(stderr, "shigoto: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	topo, out, err := shigoto.OpenOutput(ctx, cfg, *channel,
		shigoto.WithTopologyLogger(logger), shigoto.WithTopologyRegistry(reg))
	if err != nil {
		fmt.Fprintf(stderr, "shigoto: %v\n", err)
		return 1
	}
	defer topo.Close()

	m, err := shigoto.NewClient(out, reg).Enqueue(ctx, ref, opts...)
	if err != nil {
		fmt.Fprintf(stderr, "shigoto: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "enqueued %s on %s\n", m, *channel)
	return 0
}
