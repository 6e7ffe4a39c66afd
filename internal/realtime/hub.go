// Package realtime pushes per-user events over WebSocket connections.
//
// Delivery is at most once. Events for users without a live connection are
// dropped, as are events for clients whose send buffer is full; those
// clients are disconnected and recover by polling their notifications.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/metrics"
)

var (
	ErrBacklogFull = errors.New("realtime: push backlog full")
	ErrStopped     = errors.New("realtime: hub stopped")
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
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Event is the frame written to a client.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription narrows the event types a client receives. An empty
// subscription receives everything addressed to its user.
type Subscription struct {
	EventTypes []string `json:"eventTypes"`
}

func (s Subscription) wants(eventType string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Client is one WebSocket connection of a user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	mu     sync.RWMutex
	sub    Subscription
}

type delivery struct {
	userID string
	event  *Event
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// IdentifyFunc resolves the user a connection belongs to.
type IdentifyFunc func(r *http.Request) (userID string, ok bool)

// Hub routes pushed events to the connections of their user.
type Hub struct {
	clients    map[string]map[*Client]struct{}
	deliveries chan delivery
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	identify   IdentifyFunc
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	count      int

	totalEvents  atomic.Int64
	droppedSlow  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. identify may be nil, in which case the user id is
// taken from the X-User-ID header or the userId query parameter; the
// credential check in front of this endpoint is out of this package's scope.
func NewHub(logger *slog.Logger, identify IdentifyFunc) *Hub {
	if identify == nil {
		identify = identifyFromRequest
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		deliveries: make(chan delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logging.OrDefault(logger),
		identify:   identify,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

func identifyFromRequest(r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("userId"))
	}
	return id, id != ""
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for userID, set := range h.clients {
				for client := range set {
					close(client.send) // writePump sends CloseMessage on closed channel
				}
				delete(h.clients, userID)
			}
			h.count = 0
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			h.count++
			h.totalClients.Add(1)
			if current := int64(h.count); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := h.count
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			n := h.count
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "user_id", client.userID, "total", n)

		case d := <-h.deliveries:
			h.totalEvents.Add(1)
			h.deliver(d)
		}
	}
}

func (h *Hub) deliver(d delivery) {
	payload, err := json.Marshal(d.event)
	if err != nil {
		h.logger.Warn("dropping unserializable event", "type", d.event.Type, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients[d.userID] {
		client.mu.RLock()
		wanted := client.sub.wants(d.event.Type)
		client.mu.RUnlock()
		if !wanted {
			continue
		}
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
			h.removeLocked(client)
		}
		n := h.count
		h.mu.Unlock()
		h.droppedSlow.Add(int64(len(slow)))
		metrics.ActiveWebSocketClients.Set(float64(n))
		h.logger.Warn("disconnected slow websocket clients", "user_id", d.userID, "count", len(slow))
	}
}

// removeLocked drops client and closes its send channel. h.mu must be held.
func (h *Hub) removeLocked(client *Client) {
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

// Push queues an event for every connection of userID. It never blocks;
// when the queue is full the event is dropped and ErrBacklogFull returned.
func (h *Hub) Push(userID string, eventType string, payload any) error {
	select {
	case <-h.done:
		return ErrStopped
	default:
	}

	event := &Event{Type: eventType, Timestamp: time.Now(), Data: payload}
	select {
	case h.deliveries <- delivery{userID: userID, event: event}:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Connected reports how many live connections userID has.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": h.count,
		"connectedUsers":   len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"droppedSlow":      h.droppedSlow.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket for the identified user.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	userID, ok := h.identify(r)
	if !ok {
		http.Error(w, "user id required", http.StatusUnauthorized)
		return
	}

	h.mu.RLock()
	n := h.count
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 256),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and keeps the read deadline alive.
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
				c.hub.logger.Warn("websocket read error", "user_id", c.userID, "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
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
				c.hub.logger.Warn("websocket write error", "user_id", c.userID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "user_id", c.userID, "error", err)
				return
			}
		}
	}
}
