package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Spatial-NVR/CamWatch/internal/core"
	"github.com/Spatial-NVR/CamWatch/internal/monitor"
	"github.com/Spatial-NVR/CamWatch/internal/notification"
)

func newTestHubServer(t *testing.T, cfg HubConfig) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(cfg)
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return hub, server
}

func dialHub(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Message is not JSON: %v (%s)", err, data)
	}
	return msg
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, have %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewHub_Defaults(t *testing.T) {
	hub := NewHub(HubConfig{})

	if hub.cfg.PingInterval != 30*time.Second {
		t.Errorf("Expected 30s ping interval, got %v", hub.cfg.PingInterval)
	}
	if hub.cfg.MaxMissedPings != 2 {
		t.Errorf("Expected 2 missed pings, got %d", hub.cfg.MaxMissedPings)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("Expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestMessageWireShapes(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	data, _ := json.Marshal(CameraStatusMessage(monitor.StatusChangeEvent{
		CameraID: 7, CameraNome: "Portão", IsOnline: true, Timestamp: ts,
	}))
	want := `{"type":"camera-status-change","data":{"cameraId":7,"cameraNome":"Portão","isOnline":true,"timestamp":"2026-03-01T12:00:00Z"}}`
	if string(data) != want {
		t.Errorf("camera-status-change shape:\n got %s\nwant %s", data, want)
	}

	data, _ = json.Marshal(NotificationMessage(&notification.Notification{
		ID: 3, Title: "Câmera offline", Message: "m", Type: notification.SeverityError, CreatedAt: ts,
	}))
	want = `{"type":"notification","data":{"id":3,"title":"Câmera offline","message":"m","type":"error","createdAt":"2026-03-01T12:00:00Z"}}`
	if string(data) != want {
		t.Errorf("notification shape:\n got %s\nwant %s", data, want)
	}

	data, _ = json.Marshal(ConnectedMessage())
	var connected map[string]interface{}
	_ = json.Unmarshal(data, &connected)
	if connected["type"] != "connected" || connected["timestamp"] == nil || connected["data"] != nil {
		t.Errorf("Unexpected connected message %s", data)
	}
}

func TestHub_ConnectedOnConnect(t *testing.T) {
	_, server := newTestHubServer(t, HubConfig{})
	conn := dialHub(t, server)

	msg := readMessage(t, conn)
	if msg["type"] != "connected" {
		t.Errorf("Expected connected message first, got %v", msg)
	}
	if _, err := time.Parse(time.RFC3339Nano, msg["timestamp"].(string)); err != nil {
		t.Errorf("timestamp should be ISO8601: %v", err)
	}
}

func TestHub_BroadcastReachesEveryClient(t *testing.T) {
	hub, server := newTestHubServer(t, HubConfig{})

	conns := []*websocket.Conn{dialHub(t, server), dialHub(t, server), dialHub(t, server)}
	for _, c := range conns {
		readMessage(t, c)
	}
	waitForClients(t, hub, 3)

	hub.Broadcast(CameraStatusMessage(monitor.StatusChangeEvent{CameraID: 1, CameraNome: "Doca", IsOnline: false}))

	for i, c := range conns {
		msg := readMessage(t, c)
		if msg["type"] != "camera-status-change" {
			t.Errorf("Client %d: unexpected message %v", i, msg)
			continue
		}
		data := msg["data"].(map[string]interface{})
		if data["cameraId"].(float64) != 1 || data["isOnline"].(bool) {
			t.Errorf("Client %d: unexpected payload %v", i, data)
		}

		// Exactly once: nothing else should arrive
		_ = c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if _, extra, err := c.ReadMessage(); err == nil {
			t.Errorf("Client %d: received duplicate %s", i, extra)
		}
	}
}

func TestHub_FullClientDoesNotBlockOthers(t *testing.T) {
	hub, server := newTestHubServer(t, HubConfig{})
	good := dialHub(t, server)
	readMessage(t, good)
	waitForClients(t, hub, 1)

	// A consumer whose buffer is already full
	stuck := &Client{id: "stuck", hub: hub, send: make(chan []byte, 1), closed: make(chan struct{})}
	stuck.send <- []byte("pending")
	hub.mu.Lock()
	hub.clients[stuck] = true
	hub.mu.Unlock()
	t.Cleanup(func() {
		hub.mu.Lock()
		delete(hub.clients, stuck)
		hub.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		hub.Broadcast(NotificationMessage(&notification.Notification{ID: 1, Type: notification.SeverityInfo}))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full client")
	}

	if msg := readMessage(t, good); msg["type"] != "notification" {
		t.Errorf("Healthy client should still receive, got %v", msg)
	}
}

func TestHub_BrokenClientDoesNotAffectOthers(t *testing.T) {
	hub, server := newTestHubServer(t, HubConfig{})
	a := dialHub(t, server)
	b := dialHub(t, server)
	c := dialHub(t, server)
	for _, conn := range []*websocket.Conn{a, b, c} {
		readMessage(t, conn)
	}
	waitForClients(t, hub, 3)

	// Cut the TCP connection without a close handshake
	_ = a.UnderlyingConn().Close()

	hub.Broadcast(NotificationMessage(&notification.Notification{ID: 2, Type: notification.SeveritySuccess}))
	for name, conn := range map[string]*websocket.Conn{"b": b, "c": c} {
		if msg := readMessage(t, conn); msg["type"] != "notification" {
			t.Errorf("Client %s should receive, got %v", name, msg)
		}
	}

	waitForClients(t, hub, 2)
}

func TestHub_DropsClientThatStopsAnsweringPings(t *testing.T) {
	hub, server := newTestHubServer(t, HubConfig{PingInterval: 40 * time.Millisecond, MaxMissedPings: 2})

	// Never reads, so never answers pings
	_ = dialHub(t, server)

	// Reads continuously; gorilla answers pings from inside ReadMessage
	alive := dialHub(t, server)
	go func() {
		for {
			if _, _, err := alive.ReadMessage(); err != nil {
				return
			}
		}
	}()

	waitForClients(t, hub, 2)

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Unresponsive client was not dropped, %d clients", hub.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(300 * time.Millisecond)
	if hub.ClientCount() != 1 {
		t.Errorf("Responsive client should stay connected, %d clients", hub.ClientCount())
	}
}

func TestHub_ClientMessages(t *testing.T) {
	hub, server := newTestHubServer(t, HubConfig{})
	conn := dialHub(t, server)
	readMessage(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","data":{"camera":1}}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if msg := readMessage(t, conn); msg["type"] != "pong" {
		t.Errorf("Expected pong after ignored messages, got %v", msg)
	}
	if hub.ClientCount() != 1 {
		t.Errorf("Unknown messages must not disconnect, %d clients", hub.ClientCount())
	}
}

func TestHub_BridgeForwardsBusEvents(t *testing.T) {
	bus, err := core.NewEventBus(core.DefaultEventBusConfig(), nil)
	if err != nil {
		t.Fatalf("Failed to start event bus: %v", err)
	}
	t.Cleanup(bus.Stop)

	hub, server := newTestHubServer(t, HubConfig{})
	if err := hub.Bridge(bus); err != nil {
		t.Fatalf("Bridge failed: %v", err)
	}

	conn := dialHub(t, server)
	readMessage(t, conn)
	waitForClients(t, hub, 1)

	event := monitor.StatusChangeEvent{CameraID: 4, CameraNome: "Recepção", EmpresaID: 2, IsOnline: true, Timestamp: time.Now()}
	if err := bus.Publish(core.SubjectCameraStatusChanged, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != "camera-status-change" {
		t.Fatalf("Expected camera-status-change, got %v", msg)
	}
	if data := msg["data"].(map[string]interface{}); data["cameraNome"] != "Recepção" {
		t.Errorf("Unexpected payload %v", data)
	}

	if err := bus.Publish(core.SubjectNotificationCreated, &notification.Notification{
		ID: 9, Title: "Câmera online", Type: notification.SeveritySuccess, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	msg = readMessage(t, conn)
	if msg["type"] != "notification" {
		t.Fatalf("Expected notification, got %v", msg)
	}
	if data := msg["data"].(map[string]interface{}); data["id"].(float64) != 9 || data["type"] != "success" {
		t.Errorf("Unexpected payload %v", data)
	}
}
