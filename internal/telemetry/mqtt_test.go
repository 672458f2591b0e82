package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/slumber-project/slumber/internal/config"
	"github.com/slumber-project/slumber/internal/events"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	retained bool
	body     map[string]interface{}
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	messages  []published
}

func (f *fakePublisher) IsConnected() bool { return f.connected }

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	json.Unmarshal(payload.([]byte), &body)
	f.mu.Lock()
	f.messages = append(f.messages, published{topic: topic, retained: retained, body: body})
	f.mu.Unlock()
	return doneToken{}
}

func newTestHandler(pub *fakePublisher) *MQTTHandler {
	return &MQTTHandler{
		cfg:      config.MQTTConfig{TopicPrefix: "slumber"},
		bus:      events.NewEventBus(),
		pub:      pub,
		metadata: map[string]interface{}{"hostname": "test"},
	}
}

func TestSessionEndedPublished(t *testing.T) {
	pub := &fakePublisher{connected: true}
	h := newTestHandler(pub)
	h.Subscribe()

	start := time.Now().Add(-time.Minute)
	err := h.bus.EmitSync(context.Background(), events.Event{
		Type: events.EventSessionEnded,
		Payload: events.SessionPayload{
			ID:        "abc",
			StartedAt: start,
			EndedAt:   start.Add(time.Minute),
			BytesUp:   10,
			BytesDown: 20,
			Reason:    events.EndClientClosed,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(pub.messages) != 1 {
		t.Fatalf("published %d messages", len(pub.messages))
	}
	m := pub.messages[0]
	if m.topic != "slumber/session" || m.retained {
		t.Fatalf("topic = %q retained = %v", m.topic, m.retained)
	}
	if m.body["hostname"] != "test" || m.body["timestamp"] == nil {
		t.Fatalf("metadata missing: %v", m.body)
	}
	payload := m.body["payload"].(map[string]interface{})
	if payload["reason"] != "client_closed" || payload["duration_sec"] != 60.0 || payload["bytes_down"] != 20.0 {
		t.Fatalf("payload = %v", payload)
	}
}

func TestBackendStateIsRetained(t *testing.T) {
	pub := &fakePublisher{connected: true}
	h := newTestHandler(pub)
	h.Subscribe()

	h.bus.EmitSync(context.Background(), events.Event{
		Type:    events.EventBackendStateChanged,
		Payload: events.BackendStatePayload{Previous: events.BackendReady, Current: events.BackendSuspended},
	})

	if len(pub.messages) != 1 {
		t.Fatalf("published %d messages", len(pub.messages))
	}
	m := pub.messages[0]
	if m.topic != "slumber/backend" || !m.retained {
		t.Fatalf("topic = %q retained = %v", m.topic, m.retained)
	}
	if m.body["payload"].(map[string]interface{})["current"] != "suspended" {
		t.Fatalf("payload = %v", m.body["payload"])
	}
}

func TestDisconnectedDropsMessages(t *testing.T) {
	pub := &fakePublisher{connected: false}
	h := newTestHandler(pub)
	h.publishStatus(true)
	if len(pub.messages) != 0 {
		t.Fatal("published while disconnected")
	}
}

func TestTopicWithoutPrefix(t *testing.T) {
	h := &MQTTHandler{}
	if got := h.topic(TopicStatus); got != "status" {
		t.Fatalf("topic = %q", got)
	}
}

func TestDisabledConfig(t *testing.T) {
	if _, err := NewMQTTHandler(config.MQTTConfig{}, events.NewEventBus(), "dev"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestHeartbeatPublished(t *testing.T) {
	pub := &fakePublisher{connected: true}
	h := newTestHandler(pub)
	h.Subscribe()

	h.bus.EmitSync(context.Background(), events.Event{
		Type: events.EventHeartbeat,
		Payload: events.HeartbeatPayload{
			Backend:        events.BackendSuspended,
			ActiveSessions: 0,
			Uptime:         90 * time.Second,
		},
	})

	if len(pub.messages) != 1 || pub.messages[0].topic != "slumber/heartbeat" {
		t.Fatalf("messages = %+v", pub.messages)
	}
	payload := pub.messages[0].body["payload"].(map[string]interface{})
	if payload["backend"] != "suspended" || payload["uptime_sec"] != 90.0 {
		t.Fatalf("payload = %v", payload)
	}
}
