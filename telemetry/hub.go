package telemetry

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Per-client send buffer. A client that falls this far behind is
	// disconnected rather than allowed to stall the broadcast loop.
	clientBuffer = 64

	// Hub intake buffer. Emit drops events once this fills so the
	// scheduler never blocks on a slow hub.
	hubBuffer = 256
)

// Hub broadcasts engine events to websocket clients. It implements Sink,
// so it can be passed to the engine directly or combined with Multi.
type Hub struct {
	upgrader   websocket.Upgrader
	register   chan *client
	unregister chan *client
	events     chan Event
	clients    map[*client]bool

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}

	mu      sync.Mutex
	dropped int
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Event
}

// NewHub starts the broadcast loop and returns the hub.
func NewHub() *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan Event, hubBuffer),
		clients:    make(map[*client]bool),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go h.run()
	return h
}

// Emit queues an event for broadcast. It never blocks: when the hub is
// saturated or closed the event is dropped and counted.
func (h *Hub) Emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
	}
}

// Dropped reports how many events were discarded because the hub could
// not keep up.
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// ServeHTTP upgrades the request to a websocket and attaches the client
// to the broadcast feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: %v", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan Event, clientBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// Close disconnects all clients and stops the broadcast loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
	<-h.stopped
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			log.Printf("[WS] Client attached (%d total)", len(h.clients))
		case c := <-h.unregister:
			h.drop(c)
		case ev := <-h.events:
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					log.Printf("[WS] Dropping slow client")
					h.drop(c)
				}
			}
		case <-h.done:
			for c := range h.clients {
				h.drop(c)
			}
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
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

// readPump consumes control frames so pongs and close messages are
// processed; inbound data frames are ignored.
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
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
