// Package realtime streams notifications to connected parties over
// WebSocket. It is a live mirror of the webhook pipeline: every
// notification addressed to a party is also pushed to that party's
// open connections. Arbiter and system connections see all traffic.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/escrowhq/escrowd/internal/metrics"
	"github.com/escrowhq/escrowd/internal/notify"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Filter narrows what a connection receives. An empty Types list means
// every notification addressed to the party.
type Filter struct {
	Types []notify.Type `json:"types"`
}

func (f Filter) wants(t notify.Type) bool {
	if len(f.Types) == 0 {
		return true
	}
	for _, ft := range f.Types {
		if ft == t {
			return true
		}
	}
	return false
}

// Client is one WebSocket connection bound to an authenticated party.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	partyID string
	seeAll  bool // arbiter and system connections

	mu     sync.RWMutex
	filter Filter
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

type envelope struct {
	partyID string
	n       *notify.Notification
}

// Hub manages all WebSocket connections.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalSent    atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

var _ notify.Broadcaster = (*Hub)(nil)

// NewHub creates a WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "party", client.partyID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "party", client.partyID, "total", n)

		case env := <-h.broadcast:
			payload, err := json.Marshal(env.n)
			if err != nil {
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if !h.shouldSend(client, env) {
					continue
				}
				select {
				case client.send <- payload:
					h.totalSent.Add(1)
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

func (h *Hub) shouldSend(client *Client, env envelope) bool {
	if !client.seeAll && client.partyID != env.partyID {
		return false
	}
	client.mu.RLock()
	filter := client.filter
	client.mu.RUnlock()
	return filter.wants(env.n.Type)
}

// Broadcast pushes a notification to the party's open connections.
// Never blocks; when the hub is saturated the notification is dropped
// here and still delivered by webhook.
func (h *Hub) Broadcast(partyID string, n *notify.Notification) {
	select {
	case h.broadcast <- envelope{partyID: partyID, n: n}:
	default:
		h.logger.Warn("broadcast channel full, dropping notification", "party", partyID)
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalSent":        h.totalSent.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket handles GET /ws. The route must sit behind API key
// auth; the connection is bound to the key's party.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		c.String(http.StatusServiceUnavailable, "server shutting down")
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		c.String(http.StatusServiceUnavailable, "too many connections")
		return
	}

	partyID := c.GetString("authPartyID")
	role := c.GetString("authRole")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		partyID: partyID,
		seeAll:  role == "arbiter" || role == "system",
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads filter updates and keeps the connection alive.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var filter Filter
		if err := json.Unmarshal(message, &filter); err == nil {
			c.mu.Lock()
			c.filter = filter
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to the WebSocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
