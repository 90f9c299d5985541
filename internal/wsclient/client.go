// Package wsclient consumes the realtime feed served at /ws
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ErrGaveUp is returned by Run once every reconnection attempt failed
var ErrGaveUp = errors.New("realtime feed: reconnection attempts exhausted")

// Message types understood by the client
const (
	TypeConnected          = "connected"
	TypeCameraStatusChange = "camera-status-change"
	TypeNotification       = "notification"
)

// CameraStatus is the payload of a camera-status-change message
type CameraStatus struct {
	CameraID   int64     `json:"cameraId"`
	CameraNome string    `json:"cameraNome"`
	IsOnline   bool      `json:"isOnline"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notification is the payload of a notification message
type Notification struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// Event is one decoded message. Exactly one payload is set for data-carrying types.
type Event struct {
	Type         string
	Timestamp    time.Time
	CameraStatus *CameraStatus
	Notification *Notification
}

type envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Config controls the connection and its reconnection schedule
type Config struct {
	URL         string
	Header      http.Header
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultConfig returns the standard backoff: 1s doubling up to 30s, 10 attempts
func DefaultConfig(url string) Config {
	return Config{
		URL:         url,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 10,
	}
}

// Client is a reconnecting consumer of the realtime feed
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

// New creates a client
func New(cfg Config) *Client {
	def := DefaultConfig(cfg.URL)
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: slog.Default().With("component", "wsclient"),
	}
}

// Run delivers events to handle until ctx is cancelled or reconnection gives
// up. A successful connection resets the attempt counter. Calling Run again
// after ErrGaveUp starts a fresh schedule.
func (c *Client) Run(ctx context.Context, handle func(Event)) error {
	attempts := 0
	for {
		connected, err := c.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempts = 0
		}

		attempts++
		if attempts > c.cfg.MaxAttempts {
			c.logger.Error("Giving up on realtime feed", "attempts", c.cfg.MaxAttempts, "error", err)
			return ErrGaveUp
		}

		delay := Backoff(attempts, c.cfg.BaseDelay, c.cfg.MaxDelay)
		c.logger.Warn("Realtime feed disconnected, retrying",
			"attempt", attempts, "max_attempts", c.cfg.MaxAttempts, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// session runs one connection. It reports whether the handshake succeeded.
func (c *Client) session(ctx context.Context, handle func(Event)) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	c.logger.Info("Connected to realtime feed", "url", c.cfg.URL)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		event, ok := Decode(data)
		if !ok {
			continue
		}
		handle(event)
	}
}

// Decode parses a feed message. Unknown types and malformed payloads are
// reported as not ok so callers can skip them.
func Decode(data []byte) (Event, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, false
	}

	event := Event{Type: env.Type, Timestamp: env.Timestamp}
	switch env.Type {
	case TypeConnected:
	case TypeCameraStatusChange:
		var cs CameraStatus
		if err := json.Unmarshal(env.Data, &cs); err != nil {
			return Event{}, false
		}
		event.CameraStatus = &cs
		event.Timestamp = cs.Timestamp
	case TypeNotification:
		var n Notification
		if err := json.Unmarshal(env.Data, &n); err != nil {
			return Event{}, false
		}
		event.Notification = &n
		event.Timestamp = n.CreatedAt
	default:
		return Event{}, false
	}
	return event, true
}

// Backoff returns base * 2^(attempt-1) capped at max
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return max
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}
