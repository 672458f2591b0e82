package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slumber-project/slumber/internal/events"
	"github.com/slumber-project/slumber/internal/protocol"
)

// tunnel hands a logged-in client to the backend. The session is counted
// before the backend is woken so the idle controller cannot suspend it in
// between, and the end is reported on every path.
func (p *Proxy) tunnel(ctx context.Context, conn *Connection, hs protocol.Handshake, raw []byte) {
	end := p.opts.Sessions.Begin(ctx)
	defer end()

	p.stats.tunnels.Add(1)
	conn.tunnelled.Store(true)

	session := events.SessionPayload{
		ID:              conn.ID(),
		RemoteAddr:      conn.RemoteAddr().String(),
		BackendAddr:     p.opts.Backend.Addr(),
		ProtocolVersion: hs.ProtocolVersion,
		ServerAddress:   hs.ServerAddress,
		ServerPort:      hs.ServerPort,
		StartedAt:       time.Now(),
	}
	p.emit(ctx, events.EventSessionStarted, session)

	logger := conn.logger.With().Int32("protocol", hs.ProtocolVersion).Logger()
	logger.Info().Msg("session started")

	reason, err := p.relay(ctx, conn, raw)

	session.EndedAt = time.Now()
	session.BytesUp = conn.bytesUp.Load()
	session.BytesDown = conn.bytesDown.Load()
	session.Reason = reason
	if err != nil {
		session.Err = err.Error()
	}
	p.emit(ctx, events.EventSessionEnded, session)

	ev := logger.Info()
	if err != nil {
		ev = logger.Warn().Err(err)
	}
	ev.Str("reason", string(reason)).
		Int64("bytes_up", session.BytesUp).
		Int64("bytes_down", session.BytesDown).
		Dur("duration", session.EndedAt.Sub(session.StartedAt)).
		Msg("session ended")
}

// relay wakes and dials the backend, forwards the handshake verbatim and
// copies bytes both ways until one side finishes. Both sockets are closed
// when it returns.
func (p *Proxy) relay(ctx context.Context, conn *Connection, raw []byte) (events.EndReason, error) {
	defer conn.Close()
	conn.clearDeadlines()

	if err := p.opts.Waker.Wake(ctx); err != nil {
		p.stats.unavailable.Add(1)
		if ctx.Err() != nil {
			return events.EndShutdown, err
		}
		return events.EndBackendUnavailable, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	dialer := net.Dialer{Timeout: p.opts.Backend.DialTimeout()}
	upstream, err := dialer.DialContext(ctx, "tcp", p.opts.Backend.Addr())
	if err != nil {
		p.stats.unavailable.Add(1)
		return events.EndBackendUnavailable, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	defer upstream.Close()

	if _, err := upstream.Write(raw); err != nil {
		p.stats.unavailable.Add(1)
		return events.EndBackendUnavailable, fmt.Errorf("%w: forwarding handshake: %w", ErrBackendUnavailable, err)
	}
	conn.bytesUp.Add(int64(len(raw)))

	var (
		reasonOnce sync.Once
		reason     events.EndReason
		closeOnce  sync.Once
	)
	setReason := func(r events.EndReason) {
		if ctx.Err() != nil {
			r = events.EndShutdown
		}
		reasonOnce.Do(func() { reason = r })
	}
	closeBoth := func() {
		closeOnce.Do(func() {
			conn.Close()
			upstream.Close()
		})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			setReason(events.EndShutdown)
			closeBoth()
		case <-done:
		}
	}()

	var g errgroup.Group
	g.Go(func() error {
		// the buffered reader first drains anything pipelined behind the handshake
		_, err := io.Copy(&countingWriter{w: upstream, n: &conn.bytesUp, c: conn}, conn.reader)
		setReason(events.EndClientClosed)
		closeBoth()
		return relayError("client to backend", err)
	})
	g.Go(func() error {
		_, err := io.Copy(&countingWriter{w: conn.conn, n: &conn.bytesDown, c: conn}, upstream)
		setReason(events.EndBackendClosed)
		closeBoth()
		return relayError("backend to client", err)
	})

	err = g.Wait()
	close(done)

	if err != nil && reason != events.EndShutdown {
		return events.EndError, err
	}
	return reason, nil
}

// relayError drops the errors a normal close produces.
func relayError(direction string, err error) error {
	if err == nil ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return nil
	}
	return fmt.Errorf("%s: %w", direction, err)
}

type countingWriter struct {
	w io.Writer
	n *atomic.Int64
	c *Connection
}

func (cw *countingWriter) Write(b []byte) (int, error) {
	n, err := cw.w.Write(b)
	if n > 0 {
		cw.n.Add(int64(n))
		cw.c.touch()
	}
	return n, err
}
