package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

const configTemplate = `# shigoto topology configuration

# Redis connection, used by redis channels, redis brokers, redis schedules
# and heartbeats.
redis:
  addr: "localhost:6379"
  password: ""
  db: 0
  prefix: "shigoto:"

# Application settings
app:
  log_level: "info"            # debug, info, warn, error
  # log_file: "shigoto.log"    # also write logs to a rotating file
  # log_max_size_mb: 100
  # log_max_backups: 3
  # log_max_age_days: 28
  shutdown_timeout: 30         # seconds, max wait for nodes to stop
  heartbeat_interval: 0        # seconds, 0 = off; publishes node status to redis
  # monitor_addr: ":8080"      # HTTP status API, needs heartbeat_interval > 0
  # monitor_api_keys: []

# Brokers back publish, subscription and pubsub channels.
brokers:
  - name: "local"
    type: "memory"             # memory, redis, gossip
  # - name: "events"
  #   type: "redis"
  #   max_len: 10000           # approximate stream trim length
  # - name: "mesh"
  #   type: "gossip"
  #   listen_addrs: ["/ip4/0.0.0.0/tcp/4001"]
  #   bootstrap: []

# Channels carry messages between nodes.
channels:
  - name: "tasks"
    type: "procqueue"          # queue, procqueue, redis, async_redis, publish, subscription, pubsub
    codec: "task"              # task, json, proto, opaque
    maxsize: 0                 # 0 = unbounded
    address: "/tmp/shigoto-tasks.sock"   # lets "shigoto put" reach the running queue
  - name: "results"
    type: "pubsub"
    codec: "json"
    broker: "local"
  # - name: "scratch"
  #   type: "queue"            # in-process only
  # - name: "jobs"
  #   type: "redis"
  #   key: "jobs"

# Workers execute tasks from input and forward results to outputs.
workers:
  - name: "worker"
    input: "tasks"
    outputs: ["results"]
    concurrency: 4
    mode: "goroutine"          # goroutine, process

# Taskers forward tasks and resubmit periodic ones.
# taskers:
#   - name: "tasker"
#     input: "scheduled"
#     output: "tasks"
#     schedule: "memory"       # memory, redis
`

// initConfig writes the config template to path, refusing to overwrite.
func initConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists (will not overwrite)", path)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "shigoto.yaml", "Path for the new config file")
	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: shigoto init [--config <file>]

Generate a shigoto config file with sensible defaults and documentation comments.
Default output: shigoto.yaml in the current directory.

Flags:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if err := initConfig(*configPath); err != nil {
		fmt.Fprintf(stderr, "shigoto: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Config file created: %s\n\n", *configPath)
	fmt.Fprintln(stdout, "Next steps:")
	fmt.Fprintln(stdout, "  1. Edit the config file to declare your channels and nodes")
	fmt.Fprintln(stdout, "  2. Run the topology:")
	fmt.Fprintln(stdout, "       shigoto run --config "+*configPath)
	fmt.Fprintln(stdout, "  3. Enqueue a task from another shell:")
	fmt.Fprintln(stdout, "       shigoto put --config "+*configPath+" --channel tasks --fn builtin.add --args '[1, 2]'")
	return 0
}
