// Package telemetry publishes session and backend events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/slumber-project/slumber/internal/config"
	"github.com/slumber-project/slumber/internal/events"
	"github.com/slumber-project/slumber/internal/util"
)

// ErrDisabled is returned by NewMQTTHandler when MQTT is turned off.
var ErrDisabled = errors.New("MQTT is disabled")

// Topic suffixes, appended to the configured prefix.
const (
	TopicSession   = "session"
	TopicBackend   = "backend"
	TopicStatus    = "status"
	TopicHeartbeat = "heartbeat"
)

// Publisher is the part of the MQTT client the handler uses.
type Publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTHandler subscribes to bus events and publishes them as JSON.
type MQTTHandler struct {
	mu sync.Mutex

	cfg    config.MQTTConfig
	bus    *events.EventBus
	client mqtt.Client
	pub    Publisher

	// included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates an MQTT handler from the config. It does not
// connect until Start.
func NewMQTTHandler(cfg config.MQTTConfig, bus *events.EventBus, version string) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		cfg: cfg,
		bus: bus,
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"platform":    sysInfo.Platform,
			"app_version": version,
		},
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("slumber-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	// last will marks the proxy offline if it disappears without a shutdown message
	opts.SetWill(h.topic(TopicStatus), `{"online":false}`, 1, true)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
		h.publishStatus(true)
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	h.pub = h.client
	return h, nil
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	// mTLS
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// Start connects to the broker, subscribes to bus events and blocks until
// ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	// with ConnectRetry the token completes once the first attempt is made
	token := h.client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.Subscribe()

	<-ctx.Done()

	h.bus.Unsubscribe("mqtt")
	h.publishStatus(false)
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")
	return nil
}

// Subscribe registers the bus handlers that publish to MQTT.
func (h *MQTTHandler) Subscribe() {
	h.bus.Subscribe("mqtt", h.onEvent,
		events.EventSessionStarted,
		events.EventSessionEnded,
		events.EventBackendStateChanged,
		events.EventBackendCrashed,
		events.EventSuspendRequested,
		events.EventHeartbeat,
	)
}

func (h *MQTTHandler) topic(suffix string) string {
	if h.cfg.TopicPrefix == "" {
		return suffix
	}
	return h.cfg.TopicPrefix + "/" + suffix
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	switch p := event.Payload.(type) {
	case events.SessionPayload:
		msg := map[string]interface{}{
			"event":            string(event.Type),
			"session_id":       p.ID,
			"remote_addr":      p.RemoteAddr,
			"protocol_version": p.ProtocolVersion,
			"server_address":   p.ServerAddress,
			"started_at":       p.StartedAt.UTC().Format(time.RFC3339),
		}
		if event.Type == events.EventSessionEnded {
			msg["ended_at"] = p.EndedAt.UTC().Format(time.RFC3339)
			msg["duration_sec"] = p.EndedAt.Sub(p.StartedAt).Seconds()
			msg["bytes_up"] = p.BytesUp
			msg["bytes_down"] = p.BytesDown
			msg["reason"] = p.Reason
			if p.Err != "" {
				msg["error"] = p.Err
			}
		}
		return h.publish(h.topic(TopicSession), msg, false)

	case events.BackendStatePayload:
		return h.publish(h.topic(TopicBackend), map[string]interface{}{
			"event":    string(event.Type),
			"previous": p.Previous,
			"current":  p.Current,
			"pid":      p.PID,
		}, true)

	case events.BackendCrashedPayload:
		return h.publish(h.topic(TopicBackend), map[string]interface{}{
			"event":     string(event.Type),
			"pid":       p.PID,
			"exit_code": p.ExitCode,
			"error":     p.Err,
		}, false)

	case events.SuspendRequestedPayload:
		msg := map[string]interface{}{
			"event":        string(event.Type),
			"idle_for_sec": p.IdleFor.Seconds(),
		}
		if p.Err != "" {
			msg["error"] = p.Err
		}
		return h.publish(h.topic(TopicBackend), msg, false)

	case events.HeartbeatPayload:
		return h.publish(h.topic(TopicHeartbeat), map[string]interface{}{
			"backend":          p.Backend,
			"active_sessions":  p.ActiveSessions,
			"open_connections": p.OpenConnections,
			"uptime_sec":       int64(p.Uptime.Seconds()),
		}, false)
	}
	return nil
}

// publish sends a JSON message. Messages are dropped while disconnected.
func (h *MQTTHandler) publish(topic string, payload interface{}, retained bool) error {
	h.mu.Lock()
	pub := h.pub
	h.mu.Unlock()

	if !pub.IsConnected() {
		return nil
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		return fmt.Errorf("failed to marshal MQTT message for %s: %w", topic, err)
	}

	token := pub.Publish(topic, 1, retained, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
	return nil
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) publishStatus(online bool) {
	if err := h.publish(h.topic(TopicStatus), map[string]interface{}{"online": online}, true); err != nil {
		log.Warn().Err(err).Msg("failed to publish MQTT status")
	}
}
