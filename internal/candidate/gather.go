package candidate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun/v3"
)

// stunTimeout bounds a single server-reflexive query.
const stunTimeout = 2 * time.Second

// HostCandidates expands a bound socket address into host candidates. A
// wildcard bind address is replaced by every up, non-loopback interface
// address of the same family; loopback is kept only when nothing else exists.
func HostCandidates(bound netip.AddrPort, proto Protocol) ([]Candidate, error) {
	if !bound.Addr().IsUnspecified() {
		return []Candidate{New(bound, proto, Host)}, nil
	}

	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate interfaces: %w", err)
	}

	wantV4 := bound.Addr().Unmap().Is4()
	var out, loopback []Candidate
	for _, a := range ifaceAddrs {
		prefix, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		addr := prefix.Addr().Unmap()
		if addr.Is4() != wantV4 || addr.IsLinkLocalUnicast() {
			continue
		}
		c := New(netip.AddrPortFrom(addr, bound.Port()), proto, Host)
		if addr.IsLoopback() {
			loopback = append(loopback, c)
			continue
		}
		out = append(out, c)
	}

	if len(out) == 0 {
		out = loopback
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable interface address for %s", bound)
	}
	return out, nil
}

// QueryReflexive sends a STUN binding request from conn to server and returns
// the mapped address the server observed. conn must not be read by anyone
// else while the query is in flight.
func QueryReflexive(ctx context.Context, conn net.PacketConn, server string) (netip.AddrPort, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to resolve STUN server %s: %w", server, err)
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return netip.AddrPort{}, err
	}

	deadline := time.Now().Add(stunTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return netip.AddrPort{}, err
	}
	defer conn.SetReadDeadline(time.Time{})

	if _, err := conn.WriteTo(req.Raw, raddr); err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to send STUN request: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("no STUN response from %s: %w", server, err)
		}

		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil || res.TransactionID != req.TransactionID {
			continue // stray datagram
		}

		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err != nil {
			return netip.AddrPort{}, fmt.Errorf("STUN response without mapped address: %w", err)
		}
		addr, ok := netip.AddrFromSlice(xor.IP)
		if !ok {
			return netip.AddrPort{}, errors.New("STUN response carried an invalid address")
		}
		return netip.AddrPortFrom(addr.Unmap(), uint16(xor.Port)), nil
	}
}

// Gather returns the host candidates of a bound UDP socket plus one
// server-reflexive candidate from the first STUN server that answers.
// STUN failures are not fatal: the host candidates are still returned.
func Gather(ctx context.Context, conn net.PacketConn, stunServers []string) ([]Candidate, error) {
	bound, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return nil, fmt.Errorf("unexpected local address %s: %w", conn.LocalAddr(), err)
	}

	cands, err := HostCandidates(bound, UDP)
	if err != nil {
		return nil, err
	}

	for _, server := range stunServers {
		mapped, err := QueryReflexive(ctx, conn, server)
		if err != nil {
			continue
		}
		srflx := New(mapped, UDP, ServerReflexive)
		if !containsAddr(cands, srflx.AddrPort()) {
			cands = append(cands, srflx)
		}
		break
	}

	return cands, nil
}

func containsAddr(cands []Candidate, ap netip.AddrPort) bool {
	for _, c := range cands {
		if c.AddrPort() == ap {
			return true
		}
	}
	return false
}
