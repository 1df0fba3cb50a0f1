// Binary shigoto runs and feeds task-distribution topologies.
//
// Usage:
//
//	shigoto <command> [arguments]
//
// Commands:
//
//	init [--config <file>]                       Generate a topology config file
//	run --config <file>                          Run every worker and tasker of a topology
//	put --config <file> --channel <name> --fn <module.name> [--args <json>] [--kwargs <json>]
//	                                             Enqueue a task onto a channel
//	status --config <file>                       Show node heartbeats from Redis
//	version                                      Print the shigoto version
//	help                                         Show this help message
package main

import (
	"fmt"
	"io"
	"os"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stdout)
		return 0
	}

	switch args[0] {
	case "init":
		return runInit(args[1:], stdout, stderr)
	case "run":
		return runRun(args[1:], stdout, stderr)
	case "put":
		return runPut(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "shigoto %s\n", version)
		return 0
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "shigoto: unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `shigoto: task distribution over queues, Redis and pub/sub

Usage:
  shigoto <command> [arguments]

Setup:
  init [--config <file>]           Generate a config file (default: shigoto.yaml)

Running:
  run --config <file>              Run every worker and tasker of the topology

Producing:
  put --config <file> --channel <name> --fn <module.name>
      [--args '[1, 2]'] [--kwargs '{"x": 3}']
      [--every <duration> [--while <module.name>]]
                                   Enqueue a task (periodic with --every)

Inspecting:
  status --config <file>           Show node heartbeats (needs app.heartbeat_interval)

Other:
  version                          Print the shigoto version
  help                             Show this help message

Built-in functions: builtin.echo, builtin.add, builtin.sleep, builtin.fail
Built-in predicates: builtin.forever
`)
}
