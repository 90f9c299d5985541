// Package api provides HTTP API handlers and WebSocket support
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Spatial-NVR/CamWatch/internal/core"
	"github.com/Spatial-NVR/CamWatch/internal/monitor"
	"github.com/Spatial-NVR/CamWatch/internal/notification"
)

// MessageType represents the type of WebSocket message
type MessageType string

const (
	MessageTypeConnected          MessageType = "connected"
	MessageTypeCameraStatusChange MessageType = "camera-status-change"
	MessageTypeNotification       MessageType = "notification"
	MessageTypePing               MessageType = "ping"
	MessageTypePong               MessageType = "pong"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp *time.Time  `json:"timestamp,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// CameraStatusData is the payload of a camera-status-change message
type CameraStatusData struct {
	CameraID   int64     `json:"cameraId"`
	CameraNome string    `json:"cameraNome"`
	IsOnline   bool      `json:"isOnline"`
	Timestamp  time.Time `json:"timestamp"`
}

// NotificationData is the payload of a notification message
type NotificationData struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConnectedMessage creates the confirmation sent on every new connection
func ConnectedMessage() Message {
	now := time.Now()
	return Message{Type: MessageTypeConnected, Timestamp: &now}
}

// CameraStatusMessage creates a camera-status-change message
func CameraStatusMessage(e monitor.StatusChangeEvent) Message {
	return Message{
		Type: MessageTypeCameraStatusChange,
		Data: CameraStatusData{
			CameraID:   e.CameraID,
			CameraNome: e.CameraNome,
			IsOnline:   e.IsOnline,
			Timestamp:  e.Timestamp,
		},
	}
}

// NotificationMessage creates a notification message
func NotificationMessage(n *notification.Notification) Message {
	return Message{
		Type: MessageTypeNotification,
		Data: NotificationData{
			ID:        n.ID,
			Title:     n.Title,
			Message:   n.Message,
			Type:      string(n.Type),
			CreatedAt: n.CreatedAt,
		},
	}
}

// HubConfig holds connection liveness and buffering settings
type HubConfig struct {
	PingInterval   time.Duration
	MaxMissedPings int
	WriteTimeout   time.Duration
	SendBuffer     int
}

// DefaultHubConfig returns the default liveness settings
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:   30 * time.Second,
		MaxMissedPings: 2,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     256,
	}
}

// Client represents a WebSocket client
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	missed atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader

	clients map[*Client]bool
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(cfg HubConfig) *Hub {
	def := DefaultHubConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.MaxMissedPings <= 0 {
		cfg.MaxMissedPings = def.MaxMissedPings
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}

	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Same-origin is enforced by the outer transport
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*Client]bool),
		logger:  slog.Default().With("component", "websocket-hub"),
	}
}

// Broadcast serializes msg once and queues it on every open connection.
// A full or closed connection is skipped without affecting the others.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", "error", err)
		return
	}
	h.BroadcastRaw(data)
}

// BroadcastRaw queues pre-encoded bytes on every open connection
func (h *Hub) BroadcastRaw(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.enqueue(data) {
			h.logger.Warn("Client buffer full, dropping message", "client", client.id)
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// Bridge forwards bus transitions and notifications to every connection
func (h *Hub) Bridge(bus *core.EventBus) error {
	if _, err := core.On(bus, core.SubjectCameraStatusChanged, func(e monitor.StatusChangeEvent) {
		h.Broadcast(CameraStatusMessage(e))
	}); err != nil {
		return err
	}
	if _, err := core.On(bus, core.SubjectNotificationCreated, func(n notification.Notification) {
		h.Broadcast(NotificationMessage(&n))
	}); err != nil {
		return err
	}
	return nil
}

// HandleWebSocket handles WebSocket connections
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := &Client{
		id:     uuid.New().String(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBuffer),
		closed: make(chan struct{}),
	}

	if data, err := json.Marshal(ConnectedMessage()); err == nil {
		client.enqueue(data)
	}

	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("Client connected", "client", client.id, "remote", r.RemoteAddr, "total_clients", total)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		h.logger.Debug("Client disconnected", "client", c.id, "total_clients", total)
	}
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// readPump reads client frames until the connection fails
func (c *Client) readPump() {
	defer c.hub.unregister(c)

	cfg := c.hub.cfg
	// Backstop for a peer that stops reading altogether
	readWindow := cfg.PingInterval * time.Duration(cfg.MaxMissedPings+1)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(readWindow))
	c.conn.SetPongHandler(func(string) error {
		c.missed.Store(0)
		return c.conn.SetReadDeadline(time.Now().Add(readWindow))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("WebSocket read error", "client", c.id, "error", err)
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump writes queued messages and pings the peer
func (c *Client) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.hub.unregister(c)
	}()

	for {
		select {
		case <-c.closed:
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("WebSocket write failed", "client", c.id, "error", err)
				return
			}

		case <-ticker.C:
			if int(c.missed.Load()) >= cfg.MaxMissedPings {
				c.hub.logger.Info("Dropping unresponsive client", "client", c.id, "missed_pings", c.missed.Load())
				return
			}
			c.missed.Add(1)
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage handles incoming messages from the client. Unknown types are ignored.
func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case MessageTypePing:
		now := time.Now()
		if data, err := json.Marshal(Message{Type: MessageTypePong, Timestamp: &now}); err == nil {
			c.enqueue(data)
		}
	}
}
