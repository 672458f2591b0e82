// Package network implements the client-facing side of the proxy: the TCP
// listener, per-connection routing by protocol state, the tunnel to the
// backend and the LAN announcer.
package network

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/slumber-project/slumber/internal/protocol"
)

const writeTimeout = 10 * time.Second

// Connection wraps one client TCP connection. Reads go through a buffered
// reader so bytes that arrive behind the handshake are kept for the tunnel.
type Connection struct {
	mu     sync.Mutex
	id     string
	conn   net.Conn
	reader *bufio.Reader
	logger zerolog.Logger

	connectedAt  time.Time
	lastActivity atomic.Int64 // unix nanos

	state     atomic.Int32 // protocol.State
	tunnelled atomic.Bool
	bytesUp   atomic.Int64 // client -> backend
	bytesDown atomic.Int64 // backend -> client

	closed bool
}

// NewConnection wraps an accepted net.Conn.
func NewConnection(conn net.Conn) *Connection {
	now := time.Now()
	id := uuid.NewString()
	c := &Connection{
		id:          id,
		conn:        conn,
		reader:      bufio.NewReader(conn),
		connectedAt: now,
		logger: log.With().
			Str("component", "connection").
			Str("conn", id[:8]).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
	c.lastActivity.Store(now.UnixNano())
	c.state.Store(int32(protocol.StateListening))
	return c
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.id
}

// ReadFrame reads one frame, waiting at most timeout (0 means no limit).
func (c *Connection) ReadFrame(timeout time.Duration) (*protocol.Frame, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	frame, err := protocol.ReadFrame(c.reader)
	if err != nil {
		return nil, err
	}
	c.touch()
	return frame, nil
}

// WritePacket encodes and sends one packet.
func (c *Connection) WritePacket(p protocol.Packet) error {
	payload, err := protocol.Encode(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return protocol.ErrConnectionClosed
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.WriteFrame(c.conn, payload); err != nil {
		return fmt.Errorf("failed to write packet 0x%02X: %w", p.ID(), err)
	}
	c.touch()
	return nil
}

// clearDeadlines removes read and write deadlines before the connection is
// handed to the tunnel.
func (c *Connection) clearDeadlines() {
	c.conn.SetDeadline(time.Time{})
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// SetState records the connection's protocol state for listings.
func (c *Connection) SetState(s protocol.State) {
	c.state.Store(int32(s))
}

// State returns the last recorded protocol state.
func (c *Connection) State() protocol.State {
	return protocol.State(c.state.Load())
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read/write activity.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ConnectionInfo is a JSON-friendly view of a Connection.
type ConnectionInfo struct {
	ID           string         `json:"id"`
	RemoteAddr   string         `json:"remote_addr"`
	State        protocol.State `json:"state"`
	Tunnelled    bool           `json:"tunnelled"`
	ConnectedAt  time.Time      `json:"connected_at"`
	LastActivity time.Time      `json:"last_activity"`
	BytesUp      int64          `json:"bytes_up"`
	BytesDown    int64          `json:"bytes_down"`
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:           c.id,
		RemoteAddr:   c.conn.RemoteAddr().String(),
		State:        c.State(),
		Tunnelled:    c.tunnelled.Load(),
		ConnectedAt:  c.connectedAt,
		LastActivity: c.LastActivity(),
		BytesUp:      c.bytesUp.Load(),
		BytesDown:    c.bytesDown.Load(),
	}
}

// ConnectionRegistry tracks live client connections.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionRegistry creates a new ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[string]*Connection),
	}
}

// Register adds a connection to the registry.
func (r *ConnectionRegistry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
}

// Unregister closes and removes a connection.
func (r *ConnectionRegistry) Unregister(id string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	if ok {
		conn.Close()
	}
}

// Get returns the connection with the given ID.
func (r *ConnectionRegistry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// List returns a snapshot of every registered connection.
func (r *ConnectionRegistry) List() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ConnectionInfo, 0, len(r.conns))
	for _, c := range r.conns {
		result = append(result, c.Info())
	}
	return result
}

// Count returns the number of registered connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every connection. Their handlers unregister them.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	if len(conns) > 0 {
		log.Info().Int("count", len(conns)).Msg("all connections closed")
	}
}

// CleanStale closes connections idle for longer than timeout and returns
// how many were closed. Tunnelled sessions are left alone; they end when
// one side closes.
func (r *ConnectionRegistry) CleanStale(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	var stale []*Connection
	for _, c := range r.conns {
		if !c.tunnelled.Load() && c.LastActivity().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		log.Warn().
			Str("conn", c.ID()).
			Time("last_activity", c.LastActivity()).
			Msg("closing stale connection")
		c.Close()
	}
	return len(stale)
}
