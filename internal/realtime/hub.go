// Package realtime streams a user's notifications over WebSocket as they are
// stored, so dashboards need not poll GET /notifications.
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

	"github.com/mbd888/careline/internal/auth"
	"github.com/mbd888/careline/internal/domain"
	"github.com/mbd888/careline/internal/metrics"
)

// MaxClients is the maximum number of concurrent streams.
const MaxClients = 10000

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
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
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Frame is one message on the stream.
type Frame struct {
	Type         string               `json:"type"`
	Timestamp    time.Time            `json:"timestamp"`
	Notification *domain.Notification `json:"notification"`
}

// Client is one open stream owned by a single user.
type Client struct {
	hub    *Hub
	userID int64
	conn   *websocket.Conn
	send   chan []byte
}

// Hub fans stored notifications out to their recipient's streams.
type Hub struct {
	clients    map[int64]map[*Client]struct{}
	count      int
	broadcast  chan *domain.Notification
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{}
	maxClients int

	totalEvents atomic.Int64
	peakClients atomic.Int64
}

// NewHub creates a hub. Start it with Run.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[int64]map[*Client]struct{}),
		broadcast:  make(chan *domain.Notification, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run owns the client set until ctx is done, then closes every stream.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("notification stream hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, set := range h.clients {
				for client := range set {
					close(client.send)
				}
			}
			h.clients = make(map[int64]map[*Client]struct{})
			h.count = 0
			h.mu.Unlock()
			metrics.NotificationStreamClients.Set(0)
			h.logger.Info("notification stream hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			set := h.clients[client.userID]
			if set == nil {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			h.count++
			if int64(h.count) > h.peakClients.Load() {
				h.peakClients.Store(int64(h.count))
			}
			n := h.count
			h.mu.Unlock()
			metrics.NotificationStreamClients.Set(float64(n))
			h.logger.Debug("stream opened", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			n := h.count
			h.mu.Unlock()
			metrics.NotificationStreamClients.Set(float64(n))
			h.logger.Debug("stream closed", "user_id", client.userID, "total", n)

		case n := <-h.broadcast:
			h.totalEvents.Add(1)
			payload := h.serialize(n)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients[n.UserID] {
				select {
				case client.send <- payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					h.remove(client)
				}
				h.mu.Unlock()
			}
		}
	}
}

// remove drops client and closes its send channel. Caller holds h.mu.
func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.userID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	close(client.send)
	h.count--
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
}

func (h *Hub) serialize(n *domain.Notification) []byte {
	data, _ := json.Marshal(Frame{Type: "notification", Timestamp: time.Now().UTC(), Notification: n})
	return data
}

// Publish queues n for its recipient's streams. A full queue drops it; the
// notification is already stored and still listed by GET /notifications.
func (h *Hub) Publish(n *domain.Notification) {
	if n == nil {
		return
	}
	select {
	case h.broadcast <- n:
	default:
		h.logger.Warn("stream broadcast queue full, dropping", "user_id", n.UserID, "type", n.Type)
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"connectedClients": h.count,
		"connectedUsers":   len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleStream handles GET /notifications/stream. It must run behind
// auth.RequireAuth.
func (h *Hub) HandleStream(c *gin.Context) {
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Server shutting down"})
		return
	default:
	}

	userID := auth.UserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
		return
	}

	h.mu.RLock()
	n := h.count
	h.mu.RUnlock()
	if n >= h.maxClients {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "Too many open streams"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump drains control frames so pongs extend the read deadline.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
