package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"
)

// ============================================================================
// detent-ctl - Command-line IPC Client
// ============================================================================
// Sends one event to a running detentd over its unix socket.
//
// Usage:
//   detent-ctl cw
//   detent-ctl ccw
//   detent-ctl set-period 250
//   detent-ctl edge 1 0
//   detent-ctl status
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/detentd.sock)
// ============================================================================

const defaultSocketPath = "/tmp/detentd.sock"

// Event payloads (duplicated from the daemon for a standalone binary)
type rotate struct {
	Direction string `json:"direction"`
}

type setPeriod struct {
	Ticks uint32 `json:"ticks"`
}

type edge struct {
	A int `json:"a"`
	B int `json:"b"`
}

type eventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ipcResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	socketPath := defaultSocketPath

	if len(args) > 0 && (args[0] == "-socket" || args[0] == "--socket") {
		if len(args) < 2 {
			fmt.Fprintln(stderr, "error: -socket requires an argument")
			return 1
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage(stderr)
		return 1
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage(stdout)
		return 0
	}

	env, err := buildEnvelope(args)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	resp, err := send(socketPath, env)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	if len(resp.State) > 0 {
		var pretty any
		if err := json.Unmarshal(resp.State, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Fprintln(stdout, string(out))
			return 0
		}
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}

// buildEnvelope turns a command line into the event the daemon expects.
func buildEnvelope(args []string) (eventEnvelope, error) {
	var (
		env  eventEnvelope
		data any
	)

	switch args[0] {
	case "cw", "clockwise":
		env.Type, data = "rotate", rotate{Direction: "cw"}

	case "ccw", "counterclockwise":
		env.Type, data = "rotate", rotate{Direction: "ccw"}

	case "set-period", "set":
		if len(args) != 2 {
			return env, fmt.Errorf("%s requires a tick count", args[0])
		}
		n, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil || n == 0 {
			return env, fmt.Errorf("invalid tick count %q", args[1])
		}
		env.Type, data = "set_period", setPeriod{Ticks: uint32(n)}

	case "edge":
		if len(args) != 3 {
			return env, fmt.Errorf("edge requires two levels")
		}
		a, errA := strconv.Atoi(args[1])
		b, errB := strconv.Atoi(args[2])
		if errA != nil || errB != nil {
			return env, fmt.Errorf("invalid levels %q %q", args[1], args[2])
		}
		env.Type, data = "edge", edge{A: a, B: b}

	case "status":
		env.Type = "status"

	default:
		return env, fmt.Errorf("unknown command: %s", args[0])
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return env, fmt.Errorf("marshal %s: %w", env.Type, err)
		}
		env.Data = raw
	}
	return env, nil
}

func send(socketPath string, env eventEnvelope) (ipcResponse, error) {
	var resp ipcResponse

	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return resp, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := json.Marshal(env)
	if err != nil {
		return resp, fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return resp, fmt.Errorf("send event: %w", err)
	}

	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		return resp, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status == "error" {
		return resp, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `detent-ctl - Control detentd via IPC

Usage:
  detent-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/detentd.sock)

Commands:
  cw, clockwise            One detent clockwise (period shrinks)
  ccw, counterclockwise    One detent counterclockwise (period grows)
  set-period, set <N>      Set the blink period to N ticks
  edge <A> <B>             Inject line levels (sim backend only)
  status                   Print the daemon state as JSON
  help, -h, --help         Show this help message

Examples:
  detent-ctl cw
  detent-ctl set-period 250
  detent-ctl -socket /run/detentd.sock status
`)
}
