package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"finbench/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// client is one WebSocket subscriber. An empty filter receives every
// snapshot.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	filter map[domain.CanonicalID]bool
}

func (c *client) wants(id domain.CanonicalID) bool {
	return len(c.filter) == 0 || c.filter[id]
}

type message struct {
	id   domain.CanonicalID
	data []byte
}

// Hub fans snapshot events out to WebSocket subscribers. It implements
// Publisher; Run must be running for messages to be delivered.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan message
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	log        *slog.Logger
	done       chan struct{}
}

// NewHub creates a hub with initialised channels and client map.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:  logger.With("component", "ws-hub"),
		done: make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(msg.id) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Slow consumer.
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

// Publish queues snapshot events for broadcast. Other kinds are ignored.
func (h *Hub) Publish(ctx context.Context, events ...Event) error {
	for _, ev := range events {
		if ev.Kind != KindSnapshot || ev.Snapshot == nil {
			continue
		}
		data, err := json.Marshal(ev.Snapshot)
		if err != nil {
			return err
		}
		select {
		case h.broadcast <- message{id: ev.CanonicalID, data: data}:
		case <-h.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close is a no-op; the hub stops with Run's context.
func (h *Hub) Close() error { return nil }

// ServeHTTP upgrades the connection and registers a subscriber. The
// optional ids query parameter is a comma-separated canonical id filter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := make(map[domain.CanonicalID]bool)
	if raw := r.URL.Query().Get("ids"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			id, err := domain.ParseCanonicalID(strings.TrimSpace(s))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			filter[id] = true
		}
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), filter: filter}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump drains control frames until the peer goes away.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
