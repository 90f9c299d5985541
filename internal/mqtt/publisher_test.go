package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/Spatial-NVR/CamWatch/internal/monitor"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	messages     []published
	token        *fakeToken
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic, qos, retained, payload.([]byte)})
	if c.token != nil {
		return c.token
	}
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

func TestPublisher_Topic(t *testing.T) {
	p := newPublisher(&fakeClient{}, "camwatch/cameras/")

	if got := p.Topic(3, 17); got != "camwatch/cameras/3/17/status" {
		t.Errorf("Unexpected topic %s", got)
	}
}

func TestPublisher_PublishesRetainedStatus(t *testing.T) {
	fc := &fakeClient{}
	p := newPublisher(fc, "camwatch/cameras")

	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	p.OnStatusChange(context.Background(), monitor.StatusChangeEvent{
		CameraID: 17, CameraNome: "Doca", EmpresaID: 3, WasOnline: true, IsOnline: false, Timestamp: ts,
	})

	if len(fc.messages) != 1 {
		t.Fatalf("Expected one message, got %d", len(fc.messages))
	}
	msg := fc.messages[0]
	if msg.topic != "camwatch/cameras/3/17/status" || !msg.retained || msg.qos != 1 {
		t.Errorf("Unexpected publish %+v", msg)
	}

	var payload StatusPayload
	if err := json.Unmarshal(msg.payload, &payload); err != nil {
		t.Fatalf("Payload is not JSON: %v", err)
	}
	if payload.IsOnline || !payload.WasOnline || payload.CameraNome != "Doca" || !payload.Timestamp.Equal(ts) {
		t.Errorf("Unexpected payload %+v", payload)
	}

	if ok, failed := p.Stats(); ok != 1 || failed != 0 {
		t.Errorf("Stats = %d, %d", ok, failed)
	}
}

func TestPublisher_FailuresAreCounted(t *testing.T) {
	fc := &fakeClient{token: &fakeToken{err: errors.New("not connected")}}
	p := newPublisher(fc, "camwatch/cameras")

	p.OnStatusChange(context.Background(), monitor.StatusChangeEvent{CameraID: 1, IsOnline: true})

	fc.token = &fakeToken{timeout: true}
	p.OnStatusChange(context.Background(), monitor.StatusChangeEvent{CameraID: 1, IsOnline: false})

	if ok, failed := p.Stats(); ok != 0 || failed != 2 {
		t.Errorf("Stats = %d, %d", ok, failed)
	}

	p.Close()
	if !fc.disconnected {
		t.Error("Close should disconnect")
	}
}
