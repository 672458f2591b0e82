package protocol

import "fmt"

// Action tells the session router what to do with a packet that the state
// machine accepted.
type Action int

const (
	ActionNone   Action = iota // state changed, nothing to send
	ActionStatus               // reply with a StatusResponse
	ActionPong                 // reply with a PongResponse
	ActionTunnel               // hand the connection to the backend tunnel
)

// Machine tracks the protocol state of one connection. It is not safe for
// concurrent use; each connection goroutine owns its own Machine.
type Machine struct {
	state State
}

// NewMachine returns a Machine in the listening state.
func NewMachine() *Machine {
	return &Machine{state: StateListening}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Apply validates p against the current state and performs the transition
// the packet triggers. A Handshake is the only packet that changes state,
// and it is only legal while listening.
func (m *Machine) Apply(p Packet) (Action, error) {
	switch pkt := p.(type) {
	case Handshake:
		if m.state != StateListening {
			return ActionNone, fmt.Errorf("%w: handshake in %s", ErrWrongState, m.state)
		}
		switch pkt.NextState {
		case StateStatus:
			m.state = StateStatus
			return ActionNone, nil
		case StateLogin:
			m.state = StateLogin
			return ActionTunnel, nil
		default:
			return ActionNone, fmt.Errorf("%w: %s", ErrInvalidState, pkt.NextState)
		}
	case StatusRequest:
		if m.state != StateStatus {
			return ActionNone, fmt.Errorf("%w: status request in %s", ErrWrongState, m.state)
		}
		return ActionStatus, nil
	case PingRequest:
		if m.state != StateStatus {
			return ActionNone, fmt.Errorf("%w: ping request in %s", ErrWrongState, m.state)
		}
		return ActionPong, nil
	default:
		return ActionNone, fmt.Errorf("%w: %T from client", ErrUnsupportedPacket, p)
	}
}
