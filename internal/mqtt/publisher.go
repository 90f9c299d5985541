// Package mqtt republishes camera transitions to an MQTT broker
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/Spatial-NVR/CamWatch/internal/monitor"
)

const publishTimeout = 2 * time.Second

// Config holds broker connection settings
type Config struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	BaseTopic string
}

// client is the part of paho.Client the publisher uses
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// StatusPayload is the retained message body for a camera
type StatusPayload struct {
	CameraID   int64     `json:"cameraId"`
	CameraNome string    `json:"cameraNome"`
	EmpresaID  int64     `json:"empresaId"`
	IsOnline   bool      `json:"isOnline"`
	WasOnline  bool      `json:"wasOnline"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher is a monitor.Listener that publishes each transition as a
// retained status message
type Publisher struct {
	client    client
	baseTopic string
	logger    *slog.Logger

	mu        sync.Mutex
	published uint64
	errors    uint64
}

// Connect dials the broker and returns a ready publisher
func Connect(cfg Config) (*Publisher, error) {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	logger := slog.Default().With("component", "mqtt")

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(paho.Client) {
		logger.Info("MQTT connection established", "broker", broker)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warn("MQTT connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	cli := paho.NewClient(opts)
	token := cli.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", err)
	}

	return newPublisher(cli, cfg.BaseTopic), nil
}

func newPublisher(c client, baseTopic string) *Publisher {
	return &Publisher{
		client:    c,
		baseTopic: strings.TrimSuffix(baseTopic, "/"),
		logger:    slog.Default().With("component", "mqtt"),
	}
}

// Topic returns the status topic of a camera
func (p *Publisher) Topic(empresaID, cameraID int64) string {
	return fmt.Sprintf("%s/%d/%d/status", p.baseTopic, empresaID, cameraID)
}

// OnStatusChange implements monitor.Listener. Failures are logged.
func (p *Publisher) OnStatusChange(ctx context.Context, e monitor.StatusChangeEvent) {
	payload, err := json.Marshal(StatusPayload{
		CameraID:   e.CameraID,
		CameraNome: e.CameraNome,
		EmpresaID:  e.EmpresaID,
		IsOnline:   e.IsOnline,
		WasOnline:  e.WasOnline,
		Timestamp:  e.Timestamp,
	})
	if err != nil {
		p.fail("marshal", e.CameraID, err)
		return
	}

	topic := p.Topic(e.EmpresaID, e.CameraID)
	token := p.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.fail("publish timeout", e.CameraID, fmt.Errorf("no ack within %s", publishTimeout))
		return
	}
	if err := token.Error(); err != nil {
		p.fail("publish", e.CameraID, err)
		return
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	p.logger.Debug("Published camera status", "topic", topic, "online", e.IsOnline)
}

func (p *Publisher) fail(stage string, cameraID int64, err error) {
	p.mu.Lock()
	p.errors++
	p.mu.Unlock()
	p.logger.Warn("Failed to republish camera status", "stage", stage, "camera", cameraID, "error", err)
}

// Stats returns the number of successful and failed publications
func (p *Publisher) Stats() (published, failed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.errors
}

// Close disconnects from the broker
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
