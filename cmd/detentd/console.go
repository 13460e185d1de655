package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"detentd/internal/encoder"
	"detentd/internal/gpio"
	"detentd/internal/quadrature"
)

// readlineWriter keeps log output from clobbering the prompt.
type readlineWriter struct {
	out io.Writer

	mu sync.Mutex
	rl *readline.Instance
}

func (w *readlineWriter) setReadline(rl *readline.Instance) {
	w.mu.Lock()
	w.rl = rl
	w.mu.Unlock()
}

func (w *readlineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err := w.out.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

// console drives the sim backend by hand.
type console struct {
	sim     *gpio.Sim
	handler *encoder.Handler
	events  chan<- Event
}

const consoleHelp = `commands:
  cw [N]        turn N detents clockwise (default 1)
  ccw [N]       turn N detents counterclockwise
  edge A B      drive the lines to levels A and B
  bounce N      chatter line A N times
  period        show the current period
  set N         set the period to N ticks
  stats         show edge handler counters
  reset         clear the decoder state
  help          this text
  quit          stop detentd
`

// handle runs one console line. It reports whether the console should exit.
func (c *console) handle(ctx context.Context, line string, out io.Writer) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "cw", "ccw":
		n, err := optionalCount(fields[1:])
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
		d, _ := quadrature.ParseDetent(fields[0])
		edges := 0
		for i := 0; i < n; i++ {
			edges += c.sim.Rotate(d)
		}
		fmt.Fprintf(out, "%s x%d: %d edges, lines %s\n", d, n, edges, c.sim.State())

	case "edge":
		if len(fields) != 3 {
			fmt.Fprintln(out, "usage: edge A B")
			return false
		}
		a, errA := parseLevel(fields[1])
		b, errB := parseLevel(fields[2])
		if err := errors.Join(errA, errB); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
		if c.sim.Push(quadrature.NewSample(a, b)) {
			fmt.Fprintf(out, "edge delivered, lines %s\n", c.sim.State())
		} else {
			fmt.Fprintf(out, "no change, lines %s\n", c.sim.State())
		}

	case "bounce":
		n, err := optionalCount(fields[1:])
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "bounce: %d edges, lines %s\n", c.sim.Bounce(n), c.sim.State())

	case "period":
		snap, err := requestSnapshot(ctx, c.events, ipcSnapshotTimeout)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "period %d ticks (%.0f ms), bounds %d..%d\n",
			snap.PeriodTicks, snap.PeriodMS, snap.Bounds.FloorTicks, snap.Bounds.CeilingTicks)

	case "set":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: set N")
			return false
		}
		v, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil || v == 0 {
			fmt.Fprintf(out, "error: invalid period %q\n", fields[1])
			return false
		}
		if !trySend(c.events, SetPeriodAction{Ticks: uint32(v)}) {
			fmt.Fprintln(out, "error: event queue full")
			return false
		}
		fmt.Fprintln(out, "ok")

	case "stats":
		st := c.handler.Stats()
		fmt.Fprintf(out, "edges=%d cw=%d ccw=%d read_errors=%d clear_errors=%d accumulator=%d history=%s\n",
			st.Edges, st.Clockwise, st.Counter, st.ReadErrors, st.ClearErrors, st.Accumulator, st.History)

	case "reset":
		c.handler.Reset()
		fmt.Fprintln(out, "decoder reset")

	case "help", "?":
		fmt.Fprint(out, consoleHelp)

	case "quit", "exit":
		return true

	default:
		fmt.Fprintf(out, "unknown command: %s (try 'help')\n", fields[0])
	}
	return false
}

func optionalCount(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > 1000 {
		return 0, fmt.Errorf("invalid count %q (1..1000)", args[0])
	}
	return n, nil
}

func parseLevel(s string) (int, error) {
	switch s {
	case "0":
		return 0, nil
	case "1":
		return 1, nil
	default:
		return 0, fmt.Errorf("invalid level %q (0 or 1)", s)
	}
}

// runConsole reads commands until quit, EOF or Ctrl+C, then cancels ctx.
func runConsole(ctx context.Context, cancel context.CancelFunc, c *console, w *readlineWriter) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "detentd> ",
		HistoryFile: consoleHistoryPath(),
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	w.setReadline(rl)
	defer func() {
		w.setReadline(nil)
		_ = rl.Close()
	}()

	// Readline blocks; closing it on shutdown unblocks the loop.
	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	fmt.Fprintln(rl.Stdout(), "detentd console (type 'help' for commands)")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			cancel()
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			cancel()
			return err
		}
		if c.handle(ctx, line, rl.Stdout()) {
			cancel()
			return nil
		}
	}
}

func consoleHistoryPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(cacheDir, "detentd")
	_ = os.MkdirAll(dir, 0750)
	return filepath.Join(dir, "console_history")
}
