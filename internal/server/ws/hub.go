// Package ws streams engine events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/meridian/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	replayBatch    = 500
)

// upgrader allows every origin; the CORS middleware does not apply to
// upgrades and events are public.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMsg is a control frame sent by a client:
//
//	{"action":"subscribe","decisions":[1,2]}
//	{"action":"unsubscribe","decisions":[2]}
//	{"action":"replay","since":"0"}
//
// A client with no decision subscriptions receives every event.
type clientMsg struct {
	Action    string   `json:"action"`
	Decisions []uint64 `json:"decisions"`
	Since     string   `json:"since"`
}

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.RWMutex
	subs   map[uint64]bool
	closed bool
}

// Hub bridges the signal bus to connected WebSocket clients.
type Hub struct {
	bus        domain.SignalBus
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	mode       string
	startedAt  time.Time
	logger     *slog.Logger
}

// NewHub creates a hub reading events from bus.
func NewHub(bus domain.SignalBus, mode string, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		mode:       mode,
		startedAt:  time.Now().UTC(),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run subscribes to every decision channel and fans events out until ctx is
// cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	events, err := h.bus.Subscribe(ctx, domain.EventsChannel+":*")
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "ws: subscribed to events")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws: client disconnected", slog.Int("total_clients", n))

		case data, ok := <-events:
			if !ok {
				h.logger.Warn("ws: event subscription closed")
				events = nil
				continue
			}
			h.fanOut(data)
		}
	}
}

func (h *Hub) fanOut(data []byte) {
	var head struct {
		DecisionID uint64 `json:"decision_id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		h.logger.Warn("ws: dropping malformed event", slog.String("error", err.Error()))
		return
	}
	msg, err := json.Marshal(envelope{Type: "event", Payload: json.RawMessage(data)})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.wants(head.DecisionID) && !c.enqueue(msg) {
			h.logger.Warn("ws: dropping message for slow client")
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[uint64]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.push("hello", map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})

	go c.writePump()
	go c.readPump(r.Context())
}

func (c *client) wants(decisionID uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs) == 0 || c.subs[decisionID]
}

func (c *client) push(typ string, payload any) {
	msg, err := json.Marshal(envelope{Type: typ, Payload: payload})
	if err != nil {
		return
	}
	c.enqueue(msg)
}

// enqueue queues msg without blocking. It reports false when the buffer is
// full or the client has been closed.
func (c *client) enqueue(msg []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
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

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var msg clientMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			c.push("error", map[string]string{"error": "malformed control frame"})
			continue
		}
		c.handle(context.WithoutCancel(ctx), msg)
	}
}

func (c *client) handle(ctx context.Context, msg clientMsg) {
	switch msg.Action {
	case "subscribe":
		c.mu.Lock()
		for _, id := range msg.Decisions {
			c.subs[id] = true
		}
		c.mu.Unlock()
	case "unsubscribe":
		c.mu.Lock()
		for _, id := range msg.Decisions {
			delete(c.subs, id)
		}
		c.mu.Unlock()
	case "replay":
		c.replay(ctx, msg.Since)
	default:
		c.push("error", map[string]string{"error": "unknown action " + msg.Action})
	}
}

// replay sends stream entries after since that match the subscription,
// followed by a cursor the client can resume from.
func (c *client) replay(ctx context.Context, since string) {
	if since == "" {
		since = "0"
	}
	msgs, err := c.hub.bus.StreamRead(ctx, domain.EventsStream, since, replayBatch)
	if err != nil {
		c.hub.logger.Warn("ws: replay failed", slog.String("error", err.Error()))
		c.push("error", map[string]string{"error": "replay unavailable"})
		return
	}
	cursor := since
	for _, m := range msgs {
		cursor = m.ID
		var head struct {
			DecisionID uint64 `json:"decision_id"`
		}
		if json.Unmarshal(m.Payload, &head) != nil || !c.wants(head.DecisionID) {
			continue
		}
		c.push("event", json.RawMessage(m.Payload))
	}
	c.push("replayed", map[string]any{"cursor": cursor, "count": len(msgs)})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
