// Package candidate defines the address/transport pairs a peer is reachable on
// and how they are gathered and exchanged.
package candidate

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/netip"
	"strconv"
	"strings"
)

// Protocol is the transport protocol of a candidate.
type Protocol string

const (
	UDP Protocol = "udp"
	TCP Protocol = "tcp"
)

// Kind tags where a candidate address came from.
type Kind string

const (
	Host            Kind = "host"  // bound on a local interface
	ServerReflexive Kind = "srflx" // mapped address reported by a STUN server
	PeerReflexive   Kind = "prflx" // learned from an inbound connectivity check
)

// type preferences from RFC 8445 §5.1.2.2.
var typePreference = map[Kind]uint32{
	Host:            126,
	PeerReflexive:   110,
	ServerReflexive: 100,
}

// ErrMalformed is returned when a candidate line or record cannot be parsed.
var ErrMalformed = errors.New("malformed candidate")

// Candidate is an immutable address/transport pair plus a kind tag.
type Candidate struct {
	Address  netip.Addr `json:"address"`
	Port     uint16     `json:"port"`
	Protocol Protocol   `json:"protocol"`
	Kind     Kind       `json:"kind"`
}

// New builds a candidate from an address and port.
func New(ap netip.AddrPort, proto Protocol, kind Kind) Candidate {
	return Candidate{
		Address:  ap.Addr().Unmap(),
		Port:     ap.Port(),
		Protocol: proto,
		Kind:     kind,
	}
}

// AddrPort returns the socket address of the candidate.
func (c Candidate) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(c.Address, c.Port)
}

// Key is the tuple identity used for de-duplication.
type Key struct {
	AddrPort netip.AddrPort
	Protocol Protocol
	Kind     Kind
}

// Key returns the (address, port, protocol, kind) tuple of the candidate.
func (c Candidate) Key() Key {
	return Key{AddrPort: c.AddrPort(), Protocol: c.Protocol, Kind: c.Kind}
}

// Priority computes the RFC 8445 priority for component 1.
func (c Candidate) Priority() uint32 {
	const localPreference = 65535
	return typePreference[c.Kind]<<24 | localPreference<<8 | (256 - 1)
}

// Foundation groups candidates of the same kind, base address and protocol.
func (c Candidate) Foundation() string {
	h := fnv.New32a()
	h.Write([]byte(c.Kind))
	h.Write(c.Address.AsSlice())
	h.Write([]byte(c.Protocol))
	return strconv.FormatUint(uint64(h.Sum32()), 10)
}

// Validate checks that every field holds a usable value.
func (c Candidate) Validate() error {
	if !c.Address.IsValid() {
		return fmt.Errorf("%w: invalid address", ErrMalformed)
	}
	if c.Port == 0 {
		return fmt.Errorf("%w: zero port", ErrMalformed)
	}
	if c.Protocol != UDP && c.Protocol != TCP {
		return fmt.Errorf("%w: unknown protocol %q", ErrMalformed, c.Protocol)
	}
	if _, ok := typePreference[c.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, c.Kind)
	}
	return nil
}

// String renders the candidate as an ICE attribute line, e.g.
//
//	candidate:1234 1 udp 2130706431 192.0.2.1 5000 typ host
func (c Candidate) String() string {
	line := fmt.Sprintf("candidate:%s 1 %s %d %s %d typ %s",
		c.Foundation(), c.Protocol, c.Priority(), c.Address, c.Port, c.Kind)
	if c.Protocol == TCP {
		line += " tcptype passive"
	}
	return line
}

// Parse reads an ICE candidate attribute line. The "candidate:" prefix is
// optional and trailing extension tokens (raddr, tcptype, generation, …) are
// ignored.
func Parse(line string) (Candidate, error) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "a=")
	line = strings.TrimPrefix(line, "candidate:")
	fields := strings.Fields(line)
	if len(fields) < 8 || fields[6] != "typ" {
		return Candidate{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}

	addr, err := netip.ParseAddr(fields[4])
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: address %q: %v", ErrMalformed, fields[4], err)
	}
	port, err := strconv.ParseUint(fields[5], 10, 16)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: port %q: %v", ErrMalformed, fields[5], err)
	}

	c := Candidate{
		Address:  addr.Unmap(),
		Port:     uint16(port),
		Protocol: Protocol(strings.ToLower(fields[2])),
		Kind:     Kind(fields[7]),
	}
	if err := c.Validate(); err != nil {
		return Candidate{}, err
	}
	return c, nil
}

// List is the JSON body exchanged on the candidates route.
type List struct {
	Candidates []Candidate `json:"candidates"`
}

// SameSet reports whether a and b contain the same tuples, ignoring order and
// duplicates.
func SameSet(a, b []Candidate) bool {
	left := make(map[Key]struct{}, len(a))
	for _, c := range a {
		left[c.Key()] = struct{}{}
	}
	right := make(map[Key]struct{}, len(b))
	for _, c := range b {
		if _, ok := left[c.Key()]; !ok {
			return false
		}
		right[c.Key()] = struct{}{}
	}
	return len(left) == len(right)
}
