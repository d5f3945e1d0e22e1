// Package wsocket is the websocket hub fanning broadcast events out to
// connected clients, with per-connection event-kind filtering.
package wsocket

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/warthog618/goatsms/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// connection is one registered websocket client.
type connection struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	filter map[events.Kind]bool // nil means subscribe to everything
}

func (c *connection) subscribes(k events.Kind) bool {
	if c.filter == nil {
		return true
	}
	return c.filter[k]
}

// Hub tracks registered connections and fans broadcast events out to
// them. It implements events.Sink.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{conns: make(map[string]*connection)}
}

// Deliver implements events.Sink. It serializes ev once, then attempts a
// non-blocking send to every subscribed connection; connections whose
// send channel is full are evicted, matching spec.md §4.10.
func (h *Hub) Deliver(ev events.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Println("wsocket: marshaling event:", err)
		return
	}

	h.mu.RLock()
	targets := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		if c.subscribes(ev.Kind) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- body:
		default:
			h.evict(c.id)
		}
	}
}

// ServeHTTP upgrades the request to a websocket connection and registers
// it with the hub. The "events" query parameter is a comma-separated
// list of event kinds to subscribe to; "*" or an absent parameter
// subscribes to all kinds.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("wsocket: upgrade failed:", err)
		return
	}

	c := &connection{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		filter: parseFilter(r.URL.Query().Get("events")),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	go c.writePump()
	go c.readPump(h)
}

func (h *Hub) evict(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[id]; ok {
		delete(h.conns, id)
		close(c.send)
	}
}

// Count reports the number of currently registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func parseFilter(raw string) map[events.Kind]bool {
	if raw == "" || raw == "*" {
		return nil
	}
	filter := make(map[events.Kind]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "*" {
			return nil
		}
		if part != "" {
			filter[events.Kind(part)] = true
		}
	}
	return filter
}

func (c *connection) readPump(h *Hub) {
	defer func() {
		h.evict(c.id)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
