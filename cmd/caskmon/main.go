// Command caskmon prints the status of a running caskd.
//
// Usage:
//
//	caskmon [-wire] socket-path
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/searchktools/cask-server/core/observability"
	"github.com/searchktools/cask-server/ipc"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("caskmon", flag.ContinueOnError)
	fs.SetOutput(stderr)
	wire := fs.Bool("wire", false, "request the extended snapshot with storage and route metrics")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage:\n\n  caskmon [-wire] socket-path\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "A socket path must be provided")
		return 1
	}

	c, err := ipc.Dial(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer c.Close()

	var snap ipc.Snapshot
	if *wire {
		snap, err = c.StatusWire()
	} else {
		snap, err = c.Status()
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	printSnapshot(stdout, snap, *wire)
	return 0
}

func printSnapshot(w io.Writer, snap ipc.Snapshot, wire bool) {
	fmt.Fprintf(w, "Status:\nUptime: %d seconds\nNumber of workers: %d\n",
		int64(snap.Uptime/time.Second), len(snap.Workers))

	for _, ws := range snap.Workers {
		state := "Terminated"
		if ws.Running {
			state = "Running"
		}
		fmt.Fprintf(w, "  Worker #%d:\n  Status: %s\n  Number of connections: %d\n\n", ws.ID, state, ws.Conns)
	}

	if !wire {
		return
	}
	fmt.Fprintf(w, "Next paste id: %d\n", snap.NextID)
	for _, r := range snap.Routes {
		var mean time.Duration
		if r.Count > 0 {
			mean = r.Total / time.Duration(r.Count)
		}
		fmt.Fprintf(w, "  %-10s requests=%d errors=%d mean=%v min=%v max=%v\n",
			r.Name, r.Count, r.Errors, mean, r.Min, r.Max)
		if len(r.Latency) > 0 {
			fmt.Fprintf(w, "  %-10s %s\n", "", latencyLine(r.Latency))
		}
	}
}

// latencyLine renders bucket counts against the server's bucket bounds
func latencyLine(counts []uint64) string {
	var sb strings.Builder
	for i, n := range counts {
		if i > 0 {
			sb.WriteByte(' ')
		}
		switch {
		case i < len(observability.LatencyBounds):
			fmt.Fprintf(&sb, "<=%v:%d", observability.LatencyBounds[i], n)
		default:
			fmt.Fprintf(&sb, ">%v:%d", observability.LatencyBounds[len(observability.LatencyBounds)-1], n)
		}
	}
	return sb.String()
}
