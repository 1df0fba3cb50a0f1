package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/TonyTheTaiga/doraemon/shigoto"
)

// printStatus renders node heartbeats as an aligned table.
func printStatus(w io.Writer, nodes []shigoto.NodeStatus, now time.Time) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATUS\tMODE\tALIVE\tBUSY\tPROCESSED\tFAILED\tLAST SEEN")
	for _, n := range nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%d\t%s ago\n",
			n.Name, n.Status, n.Mode, n.Alive, n.Size, n.Busy, n.Processed, n.Failed,
			now.Sub(n.LastHeartbeat).Truncate(time.Second))
	}
	tw.Flush()
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "shigoto.yaml", "Path to the topology config file")
	fs.Usage = func() {
		fmt.Fprintln(stderr, `Usage: shigoto status --config <file>

Show the last heartbeat of every node of a running topology. Nodes report
only when app.heartbeat_interval is set.

Flags:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := shigoto.LoadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "shigoto: %v\n", err)
		return 1
	}
	rc, err := cfg.RedisClient()
	if err != nil {
		fmt.Fprintf(stderr, "shigoto: %v\n", err)
		return 1
	}
	defer rc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	nodes, err := shigoto.ReadNodeStatus(ctx, rc)
	if err != nil {
		fmt.Fprintf(stderr, "shigoto: %v\n", err)
		return 1
	}
	if len(nodes) == 0 {
		fmt.Fprintln(stdout, "no nodes reporting")
		return 0
	}
	printStatus(stdout, nodes, time.Now())
	return 0
}
