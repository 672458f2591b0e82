// Package protocol implements the game wire protocol as far as the proxy
// needs it: varint-prefixed frames, the handshake, the status query and the
// ping exchange. Integers in packet bodies are either varints or fixed-width
// big-endian values.
package protocol

import "fmt"

// Packet IDs. The same ID means different things in different states.
const (
	PktHandshake      int32 = 0x00 // Listening
	PktStatusRequest  int32 = 0x00 // Status (empty body)
	PktPingRequest    int32 = 0x01 // Status
	PktStatusResponse int32 = 0x00 // clientbound
	PktPongResponse   int32 = 0x01 // clientbound
)

// MaxAddressLength is the longest server address a handshake may declare.
const MaxAddressLength = 255

// State is the per-connection protocol state.
type State int

const (
	StateListening State = iota
	StateStatus
	StateLogin
)

var stateStrings = map[State]string{
	StateListening: "listening",
	StateStatus:    "status",
	StateLogin:     "login",
}

// String returns the lowercase name of the state.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalJSON serializes State as a JSON string (e.g. "status").
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Packet is one of the packet variants below. The set is closed.
type Packet interface {
	ID() int32
	packet()
}

// Handshake is the first packet on every connection.
type Handshake struct {
	ProtocolVersion int32
	ServerAddress   string
	ServerPort      uint16
	NextState       State
}

// StatusRequest asks for the server list entry.
type StatusRequest struct{}

// PingRequest carries an opaque payload the server echoes back.
type PingRequest struct {
	Payload int64
}

// StatusResponse carries the serialized StatusJSON document.
type StatusResponse struct {
	JSON string
}

// PongResponse echoes a PingRequest payload.
type PongResponse struct {
	Payload int64
}

func (Handshake) ID() int32      { return PktHandshake }
func (StatusRequest) ID() int32  { return PktStatusRequest }
func (PingRequest) ID() int32    { return PktPingRequest }
func (StatusResponse) ID() int32 { return PktStatusResponse }
func (PongResponse) ID() int32   { return PktPongResponse }

func (Handshake) packet()      {}
func (StatusRequest) packet()  {}
func (PingRequest) packet()    {}
func (StatusResponse) packet() {}
func (PongResponse) packet()   {}

// StatusJSON is the document returned in a StatusResponse.
type StatusJSON struct {
	Version            Version     `json:"version"`
	Players            Players     `json:"players"`
	Description        Description `json:"description"`
	Favicon            string      `json:"favicon,omitempty"`
	EnforcesSecureChat bool        `json:"enforcesSecureChat"`
	PreviewsChat       bool        `json:"previewsChat"`
}

// Version identifies the game version the server speaks.
type Version struct {
	Name     string `json:"name"`
	Protocol int32  `json:"protocol"`
}

// Players is the player count block of the status document.
type Players struct {
	Max    int            `json:"max"`
	Online int            `json:"online"`
	Sample []PlayerSample `json:"sample,omitempty"`
}

// PlayerSample is one entry of the hover list in the server browser.
type PlayerSample struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// Description is the server's message of the day.
type Description struct {
	Text string `json:"text"`
}
