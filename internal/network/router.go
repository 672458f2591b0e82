package network

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog"

	"github.com/slumber-project/slumber/internal/events"
	"github.com/slumber-project/slumber/internal/protocol"
)

// handleConnection runs the per-connection loop: read a frame, decode it
// against the current state, apply it to the state machine and dispatch the
// resulting action. Any error closes this connection only.
func (p *Proxy) handleConnection(ctx context.Context, rawConn net.Conn) {
	conn := NewConnection(rawConn)
	p.registry.Register(conn)
	defer p.registry.Unregister(conn.ID())

	logger := conn.logger
	machine := protocol.NewMachine()
	timeout := p.opts.Proxy.HandshakeTimeout()

	// Handshake seen on the way to Status; its version drives the reply.
	var handshake protocol.Handshake

	for {
		frame, err := conn.ReadFrame(timeout)
		if err != nil {
			p.logReadError(logger, err)
			return
		}

		pkt, err := protocol.Decode(machine.State(), frame.Payload)
		if err != nil {
			p.stats.protocolErrors.Add(1)
			logger.Warn().Err(err).Str("state", machine.State().String()).Msg("bad packet")
			return
		}

		action, err := machine.Apply(pkt)
		if err != nil {
			p.stats.protocolErrors.Add(1)
			logger.Warn().Err(err).Msg("packet rejected")
			return
		}
		conn.SetState(machine.State())

		switch action {
		case protocol.ActionNone:
			if hs, ok := pkt.(protocol.Handshake); ok {
				handshake = hs
				logger.Debug().
					Int32("protocol", hs.ProtocolVersion).
					Str("address", hs.ServerAddress).
					Msg("status handshake")
			}

		case protocol.ActionStatus:
			if err := p.serveStatus(ctx, conn, handshake); err != nil {
				logger.Warn().Err(err).Msg("failed to send status")
				return
			}

		case protocol.ActionPong:
			ping := pkt.(protocol.PingRequest)
			if err := conn.WritePacket(protocol.PongResponse{Payload: ping.Payload}); err != nil {
				logger.Warn().Err(err).Msg("failed to send pong")
				return
			}
			p.stats.pings.Add(1)

		case protocol.ActionTunnel:
			hs := pkt.(protocol.Handshake)
			if required := p.opts.Backend.RequiredProtocol; required != 0 && hs.ProtocolVersion != required {
				logger.Info().
					Int32("protocol", hs.ProtocolVersion).
					Int32("required", required).
					Msg("login with unsupported protocol version, closing")
				return
			}
			p.tunnel(ctx, conn, hs, frame.Raw)
			return
		}
	}
}

func (p *Proxy) serveStatus(ctx context.Context, conn *Connection, hs protocol.Handshake) error {
	resp, err := p.opts.Status.Response(ctx, hs.ProtocolVersion)
	if err != nil {
		return err
	}
	if err := conn.WritePacket(resp); err != nil {
		return err
	}

	p.stats.statusServed.Add(1)
	p.emit(ctx, events.EventStatusServed, events.StatusServedPayload{
		RemoteAddr:      conn.RemoteAddr().String(),
		ProtocolVersion: hs.ProtocolVersion,
	})
	return nil
}

func (p *Proxy) logReadError(logger zerolog.Logger, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, protocol.ErrConnectionClosed), errors.Is(err, net.ErrClosed):
		logger.Debug().Msg("client closed connection")
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Debug().Msg("client timed out")
	case protocol.IsProtocolError(err):
		p.stats.protocolErrors.Add(1)
		logger.Warn().Err(err).Msg("bad frame")
	default:
		logger.Debug().Err(err).Msg("read failed")
	}
}
