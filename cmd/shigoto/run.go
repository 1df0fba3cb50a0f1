package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/TonyTheTaiga/doraemon/monitor"
	"github.com/TonyTheTaiga/doraemon/shigoto"
)

// runRun builds the topology and runs it until a signal. Process-mode pools
// re-execute this same command line; in those children Server.Start runs the
// child's node instead of the whole topology.
func runRun(args []string, _, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "shigoto.yaml", "Path to the topology config file")
	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: shigoto run --config <file>

Run every worker and tasker declared in the config until SIGINT or SIGTERM.

Flags:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "shigoto: unexpected arguments %v\n", fs.Args())
		return 1
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

	ctx := context.Background()
	srv, err := shigoto.NewServerFromConfig(ctx, cfg, shigoto.WithLogger(logger), shigoto.WithRegistry(reg))
	if err != nil {
		logger.Error("building topology", "error", err)
		return 1
	}
	if cfg.App.MonitorAddr != "" && !shigoto.IsChild() {
		mon := monitor.New(srv.Topology().Redis(), cfg, logger, monitor.Config{
			Addr:    cfg.App.MonitorAddr,
			APIKeys: cfg.App.MonitorAPIKeys,
		})
		go func() {
			if err := mon.Start(); err != nil {
				logger.Error("monitor stopped", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mon.Stop(stopCtx)
		}()
	}

	if err := srv.Start(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	return 0
}
