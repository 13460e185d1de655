package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// frame is one detentd state message.
type frame struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type periodData struct {
	PeriodTicks uint32  `json:"period_ticks"`
	PeriodMS    float64 `json:"period_ms"`
	Source      string  `json:"source"`
}

type detentData struct {
	Direction   string `json:"direction"`
	PeriodTicks uint32 `json:"period_ticks"`
	Changed     bool   `json:"changed"`
	Source      string `json:"source"`
}

type blinkData struct {
	On bool `json:"on"`
}

func main() {
	var (
		wsURL     = flag.String("ws", "ws://127.0.0.1:3001/ws/state", "detentd state websocket URL")
		showBlink = flag.Bool("blink", false, "Also print blink frames")
		raw       = flag.Bool("raw", false, "Print frames as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	var writeMu sync.Mutex

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	// Server pings also keep the read deadline fresh.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Printf("ping failed: %v", err)
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			if *raw {
				fmt.Printf("%s\n", message)
				continue
			}
			printFrame(os.Stdout, message, *showBlink)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// printFrame writes one human-readable line per frame.
func printFrame(w io.Writer, message []byte, showBlink bool) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		fmt.Fprintf(w, "[TEXT] %s\n", message)
		return
	}

	switch f.Type {
	case "state_init":
		var pretty any
		if err := json.Unmarshal(f.Data, &pretty); err != nil {
			fmt.Fprintf(w, "[STATE] %s\n", f.Data)
			return
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Fprintf(w, "[STATE]\n%s\n", out)

	case "period_changed":
		var p periodData
		if err := json.Unmarshal(f.Data, &p); err != nil {
			fmt.Fprintf(w, "[PERIOD] %s\n", f.Data)
			return
		}
		fmt.Fprintf(w, "[PERIOD] %d ticks (%.0f ms) via %s\n", p.PeriodTicks, p.PeriodMS, p.Source)

	case "detent":
		var dd detentData
		if err := json.Unmarshal(f.Data, &dd); err != nil {
			fmt.Fprintf(w, "[DETENT] %s\n", f.Data)
			return
		}
		note := ""
		if !dd.Changed {
			note = " (at bound)"
		}
		fmt.Fprintf(w, "[DETENT] %s -> %d ticks%s\n", dd.Direction, dd.PeriodTicks, note)

	case "blink":
		if !showBlink {
			return
		}
		var b blinkData
		_ = json.Unmarshal(f.Data, &b)
		state := "OFF"
		if b.On {
			state = "ON"
		}
		fmt.Fprintf(w, "[LED] %s\n", state)

	default:
		fmt.Fprintf(w, "[%s] %s\n", f.Type, f.Data)
	}
}
