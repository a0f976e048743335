package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"shortfall/internal/ingestion"
	"shortfall/internal/observability"
	"shortfall/internal/projection"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	// Slow subscribers are dropped rather than allowed to stall the hub.
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	conn *websocket.Conn
	send chan ingestion.PublishableEvent
	pool string
}

// EventHub fans accepted events out to websocket subscribers. A client
// may filter to a single pool with the ?pool= query parameter; on
// connect it receives the recent bid backlog for that pool.
type EventHub struct {
	mu         sync.RWMutex
	clients    map[*wsClient]struct{}
	bidHistory *projection.BidHistory
	metrics    *observability.Metrics
	log        zerolog.Logger
}

func NewEventHub(bidHistory *projection.BidHistory, metrics *observability.Metrics) *EventHub {
	return &EventHub{
		clients:    make(map[*wsClient]struct{}),
		bidHistory: bidHistory,
		metrics:    metrics,
		log:        observability.NewLogger("ws-hub"),
	}
}

// Run consumes the publish channel and broadcasts until ctx is cancelled.
func (h *EventHub) Run(ctx context.Context, events <-chan ingestion.PublishableEvent) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-events:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *EventHub) broadcast(ev ingestion.PublishableEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.pool != "" && ev.Pool != "" && c.pool != ev.Pool {
			continue
		}
		select {
		case c.send <- ev:
		default:
			// Buffer full: the writer goroutine will notice the closed
			// channel and tear the connection down.
			go h.unregister(c)
		}
	}
}

func (h *EventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *EventHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}
}

func (h *EventHub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		if h.metrics != nil {
			h.metrics.WSConnections.Dec()
		}
	}
	h.mu.Unlock()
}

// ServeWS upgrades the connection and streams events to the client.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan ingestion.PublishableEvent, wsSendBuffer),
		pool: r.URL.Query().Get("pool"),
	}
	h.register(client)

	if client.pool != "" && h.bidHistory != nil {
		backlog := h.bidHistory.RecentByPool(client.pool, wsSendBuffer/2)
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(map[string]interface{}{
			"kind": "bid_backlog",
			"pool": client.pool,
			"bids": backlog,
		}); err != nil {
			h.unregister(client)
			conn.Close()
			return
		}
	}

	go h.writePump(client)
	go h.readPump(client)
}

func (h *EventHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				h.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// readPump discards inbound frames; the feed is one-way. It exists to
// surface client disconnects promptly.
func (h *EventHub) readPump(c *wsClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
