// Package mux owns the data-path sockets of a session. It hands every inbound
// datagram to a single consumer through one channel and routes outbound
// datagrams to the socket bound to their source address.
package mux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/1ureka/p2pperf/internal/candidate"
	"github.com/1ureka/p2pperf/internal/util"
)

// recvBufferSize is the capacity of the shared inbound channel.
const recvBufferSize = 256

var (
	// ErrNoRoute is returned by Send when no owned socket matches the source.
	ErrNoRoute = errors.New("no socket for source address")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("multiplexer closed")
)

// Datagram is one inbound message. Source is the remote address, Destination
// the local socket address it arrived on.
type Datagram struct {
	Protocol    candidate.Protocol
	Source      netip.AddrPort
	Destination netip.AddrPort
	Contents    []byte
	At          time.Time
}

// tcpRoute identifies one framed TCP connection.
type tcpRoute struct {
	local  netip.AddrPort
	remote netip.AddrPort
}

// Multiplexer is safe for concurrent use, although a session has a single
// owner calling Send and reading Recv.
type Multiplexer struct {
	ctx    context.Context
	cancel context.CancelFunc
	recv   chan Datagram
	wg     sync.WaitGroup

	mu        sync.Mutex
	udp       map[netip.AddrPort]*udpSocket
	tcp       map[tcpRoute]*tcpSocket
	listeners []net.Listener
	closed    bool
}

// New creates an empty multiplexer. Cancelling ctx has the same effect as
// Close except that it does not wait for the reader goroutines.
func New(ctx context.Context) *Multiplexer {
	ctx, cancel := context.WithCancel(ctx)
	return &Multiplexer{
		ctx:    ctx,
		cancel: cancel,
		recv:   make(chan Datagram, recvBufferSize),
		udp:    make(map[netip.AddrPort]*udpSocket),
		tcp:    make(map[tcpRoute]*tcpSocket),
	}
}

// Recv returns the channel every owned socket delivers into. Readers blocked
// on a full channel are served in arrival order, so no socket starves.
func (m *Multiplexer) Recv() <-chan Datagram {
	return m.recv
}

// AddUDP binds a UDP socket on addr (e.g. "0.0.0.0:0") and returns its local
// address.
func (m *Multiplexer) AddUDP(addr string) (netip.AddrPort, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return m.AdoptUDP(conn)
}

// AdoptUDP takes ownership of a bound UDP socket, e.g. one that was already
// used for STUN gathering. Nothing else may read from conn afterwards.
func (m *Multiplexer) AdoptUDP(conn *net.UDPConn) (netip.AddrPort, error) {
	s := &udpSocket{conn: conn, local: addrPortOf(conn.LocalAddr())}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return netip.AddrPort{}, ErrClosed
	}
	m.udp[s.local] = s
	m.mu.Unlock()

	m.start(s)
	util.LogDebug("mux: udp socket bound on %s", s.local)
	return s.local, nil
}

// AddTCP takes ownership of an established TCP connection. Messages on it use
// RFC 4571 framing.
func (m *Multiplexer) AddTCP(conn net.Conn) (netip.AddrPort, error) {
	s := &tcpSocket{
		conn:   conn,
		local:  addrPortOf(conn.LocalAddr()),
		remote: addrPortOf(conn.RemoteAddr()),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return netip.AddrPort{}, ErrClosed
	}
	m.tcp[tcpRoute{s.local, s.remote}] = s
	m.mu.Unlock()

	m.start(s)
	util.LogDebug("mux: tcp connection %s <-> %s", s.local, s.remote)
	return s.local, nil
}

// AcceptTCP accepts connections from ln in the background and adds each of
// them. The listener is closed by Close.
func (m *Multiplexer) AcceptTCP(ln net.Listener) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ln.Close()
		return ErrClosed
	}
	m.listeners = append(m.listeners, ln)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-m.ctx.Done():
				default:
					util.LogWarning("mux: accept on %s failed: %v", ln.Addr(), err)
				}
				return
			}
			if _, err := m.AddTCP(conn); err != nil {
				return
			}
		}
	}()
	return nil
}

// Locals returns a host candidate for every owned socket. Wildcard bindings are
// reported as bound; use candidate.HostCandidates to expand them.
func (m *Multiplexer) Locals() []candidate.Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]candidate.Candidate, 0, len(m.udp)+len(m.tcp))
	for addr := range m.udp {
		out = append(out, candidate.New(addr, candidate.UDP, candidate.Host))
	}
	for route := range m.tcp {
		out = append(out, candidate.New(route.local, candidate.TCP, candidate.Host))
	}
	return out
}

// Send writes payload to dst from the socket owning src. Failures are
// transient: they are logged and counted, and the caller may ignore them.
func (m *Multiplexer) Send(proto candidate.Protocol, src, dst netip.AddrPort, payload []byte) error {
	s, err := m.route(proto, src, dst)
	if err == nil {
		err = s.writeTo(dst, payload)
	}
	if err != nil {
		util.Stats.AddSendError()
		util.LogDebug("mux: send %s %s -> %s failed: %v", proto, src, dst, err)
		return err
	}
	util.Stats.AddSent(len(payload))
	return nil
}

func (m *Multiplexer) route(proto candidate.Protocol, src, dst netip.AddrPort) (socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	switch proto {
	case candidate.UDP:
		if s, ok := m.udp[src]; ok {
			return s, nil
		}
		// Host candidates of a wildcard socket carry interface addresses.
		for addr, s := range m.udp {
			if addr.Addr().IsUnspecified() && addr.Port() == src.Port() {
				return s, nil
			}
		}
	case candidate.TCP:
		if s, ok := m.tcp[tcpRoute{src, dst}]; ok {
			return s, nil
		}
		for route, s := range m.tcp {
			if route.remote == dst && route.local.Port() == src.Port() {
				return s, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNoRoute, proto, src)
}

// Close closes every socket and listener and waits for the reader goroutines.
// It is safe to call more than once.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()

	var errs []error
	for _, ln := range m.listeners {
		errs = append(errs, ln.Close())
	}
	for _, s := range m.udp {
		errs = append(errs, s.close())
	}
	for _, s := range m.tcp {
		errs = append(errs, s.close())
	}
	m.mu.Unlock()

	m.wg.Wait()
	return errors.Join(errs...)
}

// start launches the reader goroutine for s.
func (m *Multiplexer) start(s socket) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.readLoop(m)
	}()
}

// deliver hands a datagram to the consumer, giving up when the multiplexer
// shuts down.
func (m *Multiplexer) deliver(d Datagram) bool {
	util.Stats.AddRecv(len(d.Contents))
	select {
	case m.recv <- d:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// forget drops a TCP connection whose reader ended.
func (m *Multiplexer) forget(s *tcpSocket) {
	m.mu.Lock()
	delete(m.tcp, tcpRoute{s.local, s.remote})
	m.mu.Unlock()
}

func (m *Multiplexer) done() bool {
	select {
	case <-m.ctx.Done():
		return true
	default:
		return false
	}
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	var ap netip.AddrPort
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap = a.AddrPort()
	case *net.TCPAddr:
		ap = a.AddrPort()
	default:
		ap, _ = netip.ParseAddrPort(addr.String())
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
