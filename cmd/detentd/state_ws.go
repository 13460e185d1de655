package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// Messages are JSON text frames {type, ts, data}. The first frame on a new
// connection is "state_init" carrying a StateSnapshot fetched through the
// daemon loop. After that the broadcaster forwards reducer broadcasts as
// "period_changed", "detent" and "blink". Clients whose send queue fills up
// are disconnected.
//
// ============================================================================

// wsPeriodChangedData is the payload for "period_changed".
type wsPeriodChangedData struct {
	PeriodTicks uint32  `json:"period_ticks"`
	PeriodMS    float64 `json:"period_ms"`
	Source      string  `json:"source,omitempty"`
}

// wsDetentData is the payload for "detent".
type wsDetentData struct {
	Direction   string `json:"direction"`
	PeriodTicks uint32 `json:"period_ticks"`
	Changed     bool   `json:"changed"`
	Source      string `json:"source,omitempty"`
}

// wsBlinkData is the payload for "blink".
type wsBlinkData struct {
	On bool `json:"on"`
}

const (
	wsTypeStateInit     = "state_init"
	wsTypePeriodChanged = "period_changed"
	wsTypeDetent        = "detent"
	wsTypeBlink         = "blink"
)

// wsOutboundEvent is a typed, externally-consumable state event.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time
}

// envelope is the wire format for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func (ev wsOutboundEvent) marshal() ([]byte, error) {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	// done is closed when Run returns; nothing reads unregister after that.
	done     chan struct{}
	doneOnce sync.Once

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size. Zero means 32.
	SendBuf int
	// BroadcastBuf is the hub inbound queue size. Zero means 128.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled, then disconnects all
// clients.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")
	defer h.doneOnce.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				if !c.trySend(msg) {
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// registerClient hands c to Run. It reports false, and closes c, if the hub
// has already stopped.
func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		c.close()
		return false
	}
}

// unregisterClient hands c to Run for removal. After Run has returned it
// closes c directly instead of waiting for a reader that is gone.
func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		c.close()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

// BroadcastBytes enqueues a serialized frame. It never blocks; a full hub
// queue drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

// close shuts the connection and signals writePump. Safe to call twice.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
	}
	close(c.send)
}

// trySend queues msg without blocking. It reports false if the client is
// closed or its queue is full.
func (c *Client) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsBlinkCoalesceWindow bounds how often blink frames reach clients. Short
// periods toggle far faster than a browser needs to repaint.
const wsBlinkCoalesceWindow = 50 * time.Millisecond

func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes queued frames and keepalive pings. It exits on write
// error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards inbound frames to process control messages and detect
// disconnects, then unregisters the client.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			if c.hub != nil {
				c.hub.unregisterClient(c)
			}
			return
		}
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

// StateServer serves /ws/state.
type StateServer struct {
	logger *slog.Logger
	hub    *Hub

	// Initial snapshots are fetched through the daemon loop.
	events chan<- Event
}

// NewStateServer constructs the hub and handler. Start Hub().Run and
// RunBroadcaster separately.
func NewStateServer(logger *slog.Logger, events chan<- Event, cfg HubConfig) *StateServer {
	return &StateServer{
		logger: logger,
		hub:    NewHub(logger, cfg),
		events: events,
	}
}

func (s *StateServer) Hub() *Hub { return s.hub }

// Register registers the WS handler on mux.
func (s *StateServer) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *StateServer) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)
	if !s.hub.registerClient(client) {
		return
	}

	// The pumps outlive the request; net/http cancels r.Context() as soon as
	// this handler returns.
	go client.writePump(context.Background())
	go client.readPump()

	if s.events == nil {
		return
	}

	snap, err := requestSnapshot(r.Context(), s.events, ipcSnapshotTimeout)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "error", err)
		}
		return
	}

	initMsg, err := wsOutboundEvent{Type: wsTypeStateInit, Data: snap}.marshal()
	if err != nil {
		s.logger.Warn("ws state_init marshal failed", "error", err)
		return
	}
	if !client.trySend(initMsg) {
		s.hub.unregisterClient(client)
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// blinkCoalescer holds the latest blink frame and releases it at most once
// per window. The timer keeps running while updates arrive, so a fast blink
// still produces one frame per window.
type blinkCoalescer struct {
	window  time.Duration
	pending *wsOutboundEvent
	timer   *time.Timer
}

func (bc *blinkCoalescer) C() <-chan time.Time {
	if bc.timer == nil {
		return nil
	}
	return bc.timer.C
}

func (bc *blinkCoalescer) offer(ev wsOutboundEvent) {
	bc.pending = &ev
	if bc.timer == nil {
		bc.timer = time.NewTimer(bc.window)
	}
}

// take returns the pending frame, if any.
func (bc *blinkCoalescer) take() (wsOutboundEvent, bool) {
	if bc.pending == nil {
		return wsOutboundEvent{}, false
	}
	ev := *bc.pending
	bc.pending = nil
	return ev, true
}

// fired is called after the timer channel delivered.
func (bc *blinkCoalescer) fired() {
	if bc.pending == nil {
		bc.timer = nil
		return
	}
	bc.timer.Reset(bc.window)
}

func (bc *blinkCoalescer) stop() {
	if bc.timer != nil {
		bc.timer.Stop()
		bc.timer = nil
	}
}

// RunBroadcaster reads reducer broadcasts, marshals them and fans them out
// through hub. Intended to run as a single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	blink := &blinkCoalescer{window: wsBlinkCoalesceWindow}
	defer blink.stop()

	emit := func(ev wsOutboundEvent) {
		msg, err := ev.marshal()
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}
	flushBlink := func() {
		if ev, ok := blink.take(); ok {
			emit(ev)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushBlink()
			return

		case <-blink.C():
			flushBlink()
			blink.fired()

		case b, ok := <-src:
			if !ok {
				flushBlink()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				continue
			}
			if ev.Type == wsTypeBlink {
				blink.offer(ev)
				continue
			}
			emit(ev)
		}
	}
}

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastPeriodChanged:
		return wsOutboundEvent{
			Type: wsTypePeriodChanged,
			Data: wsPeriodChangedData{PeriodTicks: ev.PeriodTicks, PeriodMS: ev.PeriodMS, Source: ev.Source},
		}, true

	case BroadcastDetent:
		return wsOutboundEvent{
			Type: wsTypeDetent,
			Data: wsDetentData{
				Direction:   ev.Direction.String(),
				PeriodTicks: ev.PeriodTicks,
				Changed:     ev.Changed,
				Source:      ev.Source,
			},
		}, true

	case BroadcastBlink:
		return wsOutboundEvent{Type: wsTypeBlink, Data: wsBlinkData{On: ev.On}}, true

	default:
		return wsOutboundEvent{}, false
	}
}
