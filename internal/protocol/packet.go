// Package protocol defines the channel frame format carried next to STUN
// traffic on the shared data socket.
package protocol

// Frame type constants. Every type has the top nibble set so frames never
// collide with STUN (first byte 0x00–0x03, RFC 7983).
const (
	TypeOpen    uint8 = 0xF1 // open request for a channel id
	TypeOpenAck uint8 = 0xF2 // open confirmation
	TypeData    uint8 = 0xF3 // ordered, reliable application message
	TypeAck     uint8 = 0xF4 // cumulative acknowledgement (Seq = last in-order seq)
	TypeClose   uint8 = 0xF5 // end of the channel, ordered after all data

	frameMarker uint8 = 0xF0
)

// HeaderSize is the fixed header size: Type(1) + Channel(2) + Seq(4).
const HeaderSize = 7

// Largest frame each data transport carries in one unit.
const (
	MaxUDPFrame = 65507  // IPv4 UDP payload
	MaxTCPFrame = 0xFFFF // RFC 4571 length field
)

// Packet represents one channel frame.
type Packet struct {
	Type    uint8  // one of the Type* constants
	Channel uint16 // engine-assigned channel id
	Seq     uint32 // per-channel sequence number (TypeData, TypeClose, TypeAck)
	Payload []byte // only used for TypeData
}

// Sequenced reports whether the frame occupies a slot in the ordered stream.
func (p *Packet) Sequenced() bool {
	return p.Type == TypeData || p.Type == TypeClose
}
