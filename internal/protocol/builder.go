package protocol

import (
	"encoding/binary"
	"fmt"
)

// PacketBuilder constructs packet bodies field by field.
type PacketBuilder struct {
	buf []byte
}

// NewPacketBuilder creates a builder whose body starts with the packet ID.
func NewPacketBuilder(id int32) *PacketBuilder {
	b := &PacketBuilder{}
	return b.WriteVarint(int64(id))
}

// WriteVarint writes a non-negative varint.
func (b *PacketBuilder) WriteVarint(v int64) *PacketBuilder {
	b.buf = AppendVarint(b.buf, v)
	return b
}

// WriteUint16 writes a uint16 in big-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
	return b
}

// WriteInt64 writes an int64 in big-endian order.
func (b *PacketBuilder) WriteInt64(v int64) *PacketBuilder {
	b.buf = binary.BigEndian.AppendUint64(b.buf, uint64(v))
	return b
}

// WriteString writes a varint-length-prefixed UTF-8 string.
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	b.buf = AppendVarint(b.buf, int64(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// Build returns the packet body (ID included, length prefix excluded).
func (b *PacketBuilder) Build() []byte {
	return b.buf
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return len(b.buf)
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(b.buf), b.buf)
}

// Encode serializes a packet into a frame payload.
func Encode(p Packet) ([]byte, error) {
	switch pkt := p.(type) {
	case Handshake:
		var next int64
		switch pkt.NextState {
		case StateStatus:
			next = 1
		case StateLogin:
			next = 2
		default:
			return nil, fmt.Errorf("%w: %s", ErrInvalidState, pkt.NextState)
		}
		if pkt.ProtocolVersion < 0 {
			return nil, fmt.Errorf("%w: protocol version %d", ErrNegativeVarint, pkt.ProtocolVersion)
		}
		return NewPacketBuilder(pkt.ID()).
			WriteVarint(int64(pkt.ProtocolVersion)).
			WriteString(pkt.ServerAddress).
			WriteUint16(pkt.ServerPort).
			WriteVarint(next).
			Build(), nil
	case StatusRequest:
		return NewPacketBuilder(pkt.ID()).Build(), nil
	case PingRequest:
		return NewPacketBuilder(pkt.ID()).WriteInt64(pkt.Payload).Build(), nil
	case StatusResponse:
		return NewPacketBuilder(pkt.ID()).WriteString(pkt.JSON).Build(), nil
	case PongResponse:
		return NewPacketBuilder(pkt.ID()).WriteInt64(pkt.Payload).Build(), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedPacket, p)
	}
}
