package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/slumber-project/slumber/internal/config"
	"github.com/slumber-project/slumber/internal/events"
	"github.com/slumber-project/slumber/internal/protocol"
)

// ErrBackendUnavailable is returned when the backend could not be woken or
// dialed for a login. The client is closed and nothing is retried.
var ErrBackendUnavailable = errors.New("backend unavailable")

// SessionTracker counts tunnelled sessions. The idle controller implements it.
type SessionTracker interface {
	Begin(ctx context.Context) (end func())
}

// BackendWaker makes sure the backend accepts connections before a dial.
type BackendWaker interface {
	Wake(ctx context.Context) error
}

// StatusSource answers status requests locally.
type StatusSource interface {
	Response(ctx context.Context, clientProtocol int32) (protocol.StatusResponse, error)
}

// Options wires a Proxy to its collaborators.
type Options struct {
	Proxy    config.ProxyConfig
	Backend  config.BackendConfig
	Sessions SessionTracker
	Waker    BackendWaker
	Status   StatusSource
	// Bus receives session, rejection and status events. May be nil.
	Bus *events.EventBus
}

// Stats are cumulative counters since the proxy started.
type Stats struct {
	Accepted       uint64 `json:"accepted"`
	Rejected       uint64 `json:"rejected"`
	StatusServed   uint64 `json:"status_served"`
	PingsAnswered  uint64 `json:"pings_answered"`
	Tunnels        uint64 `json:"tunnels"`
	Unavailable    uint64 `json:"backend_unavailable"`
	ProtocolErrors uint64 `json:"protocol_errors"`
	Active         int    `json:"active_connections"`
}

type counters struct {
	accepted       atomic.Uint64
	rejected       atomic.Uint64
	statusServed   atomic.Uint64
	pings          atomic.Uint64
	tunnels        atomic.Uint64
	unavailable    atomic.Uint64
	protocolErrors atomic.Uint64
}

// Proxy accepts client connections and routes each one by protocol state.
type Proxy struct {
	opts     Options
	registry *ConnectionRegistry
	limiter  *rateTracker
	stats    counters
	logger   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewProxy creates a Proxy. Sessions, Waker and Status are required.
func NewProxy(opts Options) *Proxy {
	return &Proxy{
		opts:     opts,
		registry: NewConnectionRegistry(),
		limiter:  newRateTracker(opts.Proxy.MaxConnectionsPerIP),
		logger:   log.With().Str("component", "proxy").Logger(),
	}
}

// Start listens on the configured address and serves until ctx is cancelled.
func (p *Proxy) Start(ctx context.Context) error {
	addr := p.opts.Proxy.ListenAddr()

	// SO_REUSEADDR allows immediate rebinding after a restart
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start proxy listener on %s: %w", addr, err)
	}
	return p.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It closes ln and
// waits for every connection handler to finish before returning.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	p.mu.Lock()
	p.listener = ln
	p.mu.Unlock()

	p.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("backend", p.opts.Backend.Addr()).
		Msg("proxy listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	defer func() {
		p.registry.CloseAll()
		p.wg.Wait()
		p.logger.Info().Msg("proxy stopped")
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			p.logger.Error().Err(err).Dur("retry_in", backoff).Msg("failed to accept connection")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if reason, ok := p.admit(conn); !ok {
			p.reject(ctx, conn, reason)
			continue
		}

		p.stats.accepted.Add(1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleConnection(ctx, conn)
		}()
	}
}

// admit applies the per-IP rate limit and the concurrent connection cap.
func (p *Proxy) admit(conn net.Conn) (string, bool) {
	if !p.limiter.allow(extractIP(conn.RemoteAddr())) {
		return "rate limited", false
	}
	if max := p.opts.Proxy.MaxConnections; max > 0 && p.registry.Count() >= max {
		return "too many connections", false
	}
	return "", true
}

func (p *Proxy) reject(ctx context.Context, conn net.Conn, reason string) {
	p.stats.rejected.Add(1)
	remote := conn.RemoteAddr().String()
	conn.Close()

	p.logger.Warn().Str("remote", remote).Str("reason", reason).Msg("connection rejected")
	p.emit(ctx, events.EventConnectionRejected, events.ConnectionRejectedPayload{
		RemoteAddr: remote,
		Reason:     reason,
	})
}

// Addr returns the listener address, or nil before Serve.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Registry returns the live connection registry.
func (p *Proxy) Registry() *ConnectionRegistry {
	return p.registry
}

// OpenConnections is the number of registered client connections.
func (p *Proxy) OpenConnections() int {
	return p.registry.Count()
}

// Stats returns the proxy's counters.
func (p *Proxy) Stats() Stats {
	return Stats{
		Accepted:       p.stats.accepted.Load(),
		Rejected:       p.stats.rejected.Load(),
		StatusServed:   p.stats.statusServed.Load(),
		PingsAnswered:  p.stats.pings.Load(),
		Tunnels:        p.stats.tunnels.Load(),
		Unavailable:    p.stats.unavailable.Load(),
		ProtocolErrors: p.stats.protocolErrors.Load(),
		Active:         p.registry.Count(),
	}
}

// SweepStale closes connections idle for longer than the configured limit
// and drops expired rate limit buckets.
func (p *Proxy) SweepStale() int {
	p.limiter.prune()
	if p.opts.Proxy.StaleAfterSec <= 0 {
		return 0
	}
	return p.registry.CleanStale(time.Duration(p.opts.Proxy.StaleAfterSec) * time.Second)
}

func (p *Proxy) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if p.opts.Bus == nil {
		return
	}
	p.opts.Bus.Emit(ctx, events.Event{Type: t, Source: "proxy", Payload: payload})
}
