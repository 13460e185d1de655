package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"detentd/internal/quadrature"
)

// startTestIPC runs the IPC server with a stand-in daemon that records
// actions and answers snapshot requests.
func startTestIPC(t *testing.T) (string, <-chan Event) {
	t.Helper()
	dir, err := os.MkdirTemp("", "detentd-ipc")
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	socket := filepath.Join(dir, "d.sock")

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 8)
	seen := make(chan Event, 8)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if req, ok := ev.(RequestStateSnapshot); ok {
					req.Reply <- StateSnapshot{PeriodTicks: 900, PeriodKnown: true}
					continue
				}
				seen <- ev
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- runIPCServer(ctx, socket, events, quietLogger()) }()

	waitUntil(t, time.Second, func() bool {
		c, err := net.Dial("unix", socket)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, "IPC socket not listening")

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runIPCServer: %v", err)
			}
		case <-time.After(time.Second):
			t.Errorf("IPC server did not stop")
		}
		if _, err := os.Stat(socket); !os.IsNotExist(err) {
			t.Errorf("socket file not removed: %v", err)
		}
		os.RemoveAll(dir)
	})
	return socket, seen
}

func TestIPC_ActionQueued(t *testing.T) {
	socket, seen := startTestIPC(t)

	resp, err := SendIPCEvent(socket, RotateAction{Direction: quadrature.CounterclockwiseDetent})
	if err != nil {
		t.Fatalf("SendIPCEvent: %v", err)
	}
	if resp.Status != "ok" || resp.State != nil {
		t.Fatalf("unexpected response %#v", resp)
	}

	select {
	case ev := <-seen:
		if ev != (RotateAction{Direction: quadrature.CounterclockwiseDetent}) {
			t.Fatalf("daemon got %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("action never reached the daemon")
	}
}

func TestIPC_StatusReturnsState(t *testing.T) {
	socket, _ := startTestIPC(t)

	resp, err := SendIPCEvent(socket, StatusQuery{})
	if err != nil {
		t.Fatalf("SendIPCEvent: %v", err)
	}
	if resp.State == nil || resp.State.PeriodTicks != 900 {
		t.Fatalf("expected state with period 900, got %#v", resp.State)
	}
}

func TestIPC_ErrorsAndMultipleLines(t *testing.T) {
	socket, seen := startTestIPC(t)

	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	lines := strings.Join([]string{
		`garbage`,
		``,
		`{"type":"set_period","data":{"ticks":77}}`,
	}, "\n") + "\n"
	if _, err := conn.Write([]byte(lines)); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	readResponse := func() IPCResponse {
		t.Helper()
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read response: %v", err)
		}
		var resp IPCResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		return resp
	}

	first := readResponse()
	if first.Status != "error" || !strings.Contains(first.Error, "parse event") {
		t.Fatalf("expected parse error, got %#v", first)
	}

	// Blank lines are skipped, so the next response belongs to set_period.
	if second := readResponse(); second.Status != "ok" {
		t.Fatalf("expected ok, got %#v", second)
	}

	select {
	case ev := <-seen:
		if ev != (SetPeriodAction{Ticks: 77}) {
			t.Fatalf("daemon got %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("set_period never reached the daemon")
	}
}

func TestHandleIPCLine_QueueFull(t *testing.T) {
	events := make(chan Event) // unbuffered, nobody reading
	resp := handleIPCLine(context.Background(), []byte(`{"type":"rotate","data":{"direction":"cw"}}`), events)
	if resp.Status != "error" || resp.Error != "event queue full" {
		t.Fatalf("expected queue full error, got %#v", resp)
	}
}

func TestRequestSnapshot_Timeout(t *testing.T) {
	events := make(chan Event, 1) // accepted but never answered
	_, err := requestSnapshot(context.Background(), events, 50*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}
