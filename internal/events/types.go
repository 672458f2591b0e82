// Package events defines the event types and payloads passed over the
// EventBus between the proxy, the backend supervisor and the notifiers.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session events
	EventSessionStarted     EventType = "session_started"
	EventSessionEnded       EventType = "session_ended"
	EventConnectionRejected EventType = "connection_rejected"
	EventStatusServed       EventType = "status_served"

	// Idle controller events
	EventIdleArmed        EventType = "idle_armed"
	EventIdleCancelled    EventType = "idle_cancelled"
	EventSuspendRequested EventType = "suspend_requested"

	// Backend lifecycle events
	EventBackendStateChanged EventType = "backend_state_changed"
	EventBackendCrashed      EventType = "backend_crashed"
	EventSuspendBackend      EventType = "cmd_suspend_backend"
	EventResumeBackend       EventType = "cmd_resume_backend"

	// Notification events
	EventNotifyDiscord EventType = "notify_discord"

	// System events
	EventHeartbeat EventType = "heartbeat"
	EventShutdown  EventType = "shutdown"
)

// BackendStatus is the lifecycle state of the backend process.
type BackendStatus int

const (
	BackendStopped BackendStatus = iota
	BackendStarting
	BackendReady
	BackendSuspended
	BackendStopping
)

var backendStatusStrings = map[BackendStatus]string{
	BackendStopped:   "stopped",
	BackendStarting:  "starting",
	BackendReady:     "ready",
	BackendSuspended: "suspended",
	BackendStopping:  "stopping",
}

// String returns the string representation of BackendStatus.
func (s BackendStatus) String() string {
	if str, ok := backendStatusStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes BackendStatus as a JSON string (e.g. "suspended").
func (s BackendStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// EndReason says why a tunnelled session finished.
type EndReason string

const (
	EndClientClosed       EndReason = "client_closed"
	EndBackendClosed      EndReason = "backend_closed"
	EndBackendUnavailable EndReason = "backend_unavailable"
	EndShutdown           EndReason = "shutdown"
	EndError              EndReason = "error"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// SessionPayload describes one tunnelled session. StartedAt is always set;
// EndedAt, the byte counters and Reason only on EventSessionEnded.
type SessionPayload struct {
	ID              string
	RemoteAddr      string
	BackendAddr     string
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	StartedAt       time.Time
	EndedAt         time.Time
	BytesUp         int64
	BytesDown       int64
	Reason          EndReason
	Err             string
}

// ConnectionRejectedPayload is emitted when the listener refuses a client.
type ConnectionRejectedPayload struct {
	RemoteAddr string
	Reason     string
}

// StatusServedPayload is emitted after a status request was answered locally.
type StatusServedPayload struct {
	RemoteAddr      string
	ProtocolVersion int32
}

// IdlePayload carries the idle controller's view when it arms or drops a
// suspend deadline.
type IdlePayload struct {
	Active   int
	Deadline time.Time
}

// SuspendRequestedPayload is emitted when the idle deadline fires.
type SuspendRequestedPayload struct {
	IdleFor time.Duration
	Err     string
}

// BackendStatePayload is emitted on every backend status transition.
type BackendStatePayload struct {
	Previous BackendStatus
	Current  BackendStatus
	PID      int
}

// BackendCrashedPayload is emitted when the backend exits without being asked to.
type BackendCrashedPayload struct {
	PID      int
	ExitCode int
	Err      string
}

// HeartbeatPayload is emitted periodically by the health manager.
type HeartbeatPayload struct {
	Backend         BackendStatus
	ActiveSessions  int
	OpenConnections int
	Uptime          time.Duration
}

// NotifyDiscordPayload is used for sending Discord notifications.
type NotifyDiscordPayload struct {
	Title   string
	Message string
	Level   string // "info", "warning", "error"
}
