package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotFrame is returned when a datagram does not carry a channel frame.
var ErrNotFrame = errors.New("not a channel frame")

// IsFrame reports whether data looks like a channel frame.
func IsFrame(data []byte) bool {
	return len(data) >= HeaderSize && data[0]&0xF0 == frameMarker
}

// Encode serializes a Packet into a byte slice for datagram transmission.
func Encode(pkt *Packet) []byte {
	size := HeaderSize + len(pkt.Payload)
	buf := make([]byte, size)
	buf[0] = pkt.Type
	binary.BigEndian.PutUint16(buf[1:3], pkt.Channel)
	binary.BigEndian.PutUint32(buf[3:7], pkt.Seq)
	if len(pkt.Payload) > 0 {
		copy(buf[HeaderSize:], pkt.Payload)
	}
	return buf
}

// Decode deserializes a byte slice into a Packet.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrNotFrame, len(data), HeaderSize)
	}
	if data[0]&0xF0 != frameMarker || data[0] < TypeOpen || data[0] > TypeClose {
		return nil, fmt.Errorf("%w: unknown type 0x%02x", ErrNotFrame, data[0])
	}
	pkt := &Packet{
		Type:    data[0],
		Channel: binary.BigEndian.Uint16(data[1:3]),
		Seq:     binary.BigEndian.Uint32(data[3:7]),
	}
	if len(data) > HeaderSize {
		if pkt.Type != TypeData {
			return nil, fmt.Errorf("%w: type 0x%02x carries a payload", ErrNotFrame, pkt.Type)
		}
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}
