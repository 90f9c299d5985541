// Package core provides the in-process event bus that connects the monitor,
// the notification ledger and the realtime fan-out.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects published on the bus
const (
	SubjectCameraStatusChanged = "cameras.status.changed"
	SubjectNotificationCreated = "notifications.created"
	SubjectConfigChanged       = "config.changed"
	SubjectSystemShutdown      = "system.shutdown"
)

const (
	readyTimeout = 2 * time.Second
	drainTimeout = 5 * time.Second
)

// ErrBusDown is returned by HealthCheck once the client lost the embedded server
var ErrBusDown = errors.New("event bus connection not active")

// EventBusConfig selects where the embedded server listens
type EventBusConfig struct {
	Host string
	// Port -1 picks a free port; only in-process clients connect by default
	Port int
}

func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{Host: "127.0.0.1", Port: server.RANDOM_PORT}
}

// EventBus is an embedded NATS server plus the single connection every
// component shares. Handlers of one subscription run one at a time in
// publish order.
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*nats.Subscription]string

	// closed is closed by the connection's ClosedHandler
	closed chan struct{}
}

// NewEventBus starts the server and connects to it
func NewEventBus(cfg EventBusConfig, logger *slog.Logger) (*EventBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultEventBusConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}

	ns, err := server.NewServer(&server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server on %s:%d not ready after %s", cfg.Host, cfg.Port, readyTimeout)
	}

	eb := &EventBus{
		server: ns,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[*nats.Subscription]string),
		closed: make(chan struct{}),
	}

	eb.conn, err = nats.Connect(ns.ClientURL(),
		nats.Name("camwatch"),
		nats.DrainTimeout(drainTimeout),
		nats.ClosedHandler(func(*nats.Conn) { close(eb.closed) }),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			eb.logger.Warn("Event bus delivery error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	eb.logger.Info("Event bus started", "url", ns.ClientURL())
	return eb, nil
}

// URL is where external NATS clients can reach the bus
func (eb *EventBus) URL() string {
	return eb.server.ClientURL()
}

// Publish sends data encoded as JSON
func (eb *EventBus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", subject, err)
	}
	return eb.conn.Publish(subject, payload)
}

// Subscribe registers handler for subject. The returned func cancels the
// subscription; Stop cancels any still open.
func (eb *EventBus) Subscribe(subject string, handler func(subject string, data []byte)) (func(), error) {
	sub, err := eb.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	eb.mu.Lock()
	eb.subs[sub] = subject
	eb.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subs, sub)
			eb.mu.Unlock()
			_ = sub.Unsubscribe()
		})
	}, nil
}

// On subscribes with a typed handler. Payloads that do not decode as T are
// logged and dropped.
func On[T any](eb *EventBus, subject string, handler func(T)) (func(), error) {
	return eb.Subscribe(subject, func(subject string, data []byte) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			eb.logger.Error("Dropping undecodable event", "subject", subject, "error", err)
			return
		}
		handler(v)
	})
}

// Flush blocks until the server has processed everything published so far
func (eb *EventBus) Flush() error {
	return eb.conn.Flush()
}

// HealthCheck round-trips to the server within ctx's deadline
func (eb *EventBus) HealthCheck(ctx context.Context) error {
	if eb.conn.Status() != nats.CONNECTED {
		return ErrBusDown
	}

	timeout := readyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return ctx.Err()
		}
	}
	if err := eb.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("event bus round-trip failed: %w", err)
	}
	return nil
}

// Stop lets subscribers finish what was published so far, bounded by
// drainTimeout, then shuts the server down
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	open := len(eb.subs)
	eb.subs = make(map[*nats.Subscription]string)
	eb.mu.Unlock()

	if err := eb.conn.Drain(); err != nil {
		eb.logger.Warn("Event bus drain failed", "error", err)
		eb.conn.Close()
	}
	select {
	case <-eb.closed:
	case <-time.After(drainTimeout + time.Second):
		eb.logger.Warn("Event bus drain did not finish", "timeout", drainTimeout)
		eb.conn.Close()
	}

	eb.server.Shutdown()
	eb.logger.Info("Event bus stopped", "open_subscriptions", open)
}
