package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/1ureka/p2pperf/internal/candidate"
	"github.com/1ureka/p2pperf/internal/protocol"
	"github.com/1ureka/p2pperf/internal/util"
)

// Tuning constants.
const (
	maxDatagramSize = 64 * 1024 // UDP read buffer
	maxFrameSize    = protocol.MaxTCPFrame
)

// ErrFrameTooLarge is returned when a payload does not fit a TCP frame.
var ErrFrameTooLarge = errors.New("payload exceeds RFC 4571 frame size")

// socket is one owned endpoint. readLoop runs on its own goroutine until the
// socket is closed.
type socket interface {
	writeTo(dst netip.AddrPort, payload []byte) error
	readLoop(m *Multiplexer)
	close() error
}

// ---------------------------------------------------------------------------
// UDP
// ---------------------------------------------------------------------------

type udpSocket struct {
	conn  *net.UDPConn
	local netip.AddrPort
}

func (s *udpSocket) writeTo(dst netip.AddrPort, payload []byte) error {
	_, err := s.conn.WriteToUDPAddrPort(payload, dst)
	return err
}

func (s *udpSocket) readLoop(m *Multiplexer) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if m.done() || errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP-induced errors surface here on some platforms; they are
			// per-datagram and the socket stays usable.
			util.LogDebug("mux: udp read on %s: %v", s.local, err)
			continue
		}

		contents := make([]byte, n)
		copy(contents, buf[:n])
		ok := m.deliver(Datagram{
			Protocol:    candidate.UDP,
			Source:      netip.AddrPortFrom(src.Addr().Unmap(), src.Port()),
			Destination: s.local,
			Contents:    contents,
			At:          time.Now(),
		})
		if !ok {
			return
		}
	}
}

func (s *udpSocket) close() error {
	return s.conn.Close()
}

// ---------------------------------------------------------------------------
// TCP (RFC 4571 framing)
// ---------------------------------------------------------------------------

type tcpSocket struct {
	conn   net.Conn
	local  netip.AddrPort
	remote netip.AddrPort

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (s *tcpSocket) writeTo(dst netip.AddrPort, payload []byte) error {
	if dst != s.remote {
		return fmt.Errorf("%w: %s is connected to %s", ErrNoRoute, s.local, s.remote)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[2:], payload)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.conn.Write(frame)
	return err
}

func (s *tcpSocket) readLoop(m *Multiplexer) {
	defer m.forget(s)
	defer s.close()

	var header [2]byte
	for {
		if _, err := io.ReadFull(s.conn, header[:]); err != nil {
			if !m.done() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				util.LogWarning("mux: tcp read from %s: %v", s.remote, err)
			}
			return
		}

		contents := make([]byte, binary.BigEndian.Uint16(header[:]))
		if _, err := io.ReadFull(s.conn, contents); err != nil {
			if !m.done() {
				util.LogWarning("mux: truncated tcp frame from %s: %v", s.remote, err)
			}
			return
		}

		ok := m.deliver(Datagram{
			Protocol:    candidate.TCP,
			Source:      s.remote,
			Destination: s.local,
			Contents:    contents,
			At:          time.Now(),
		})
		if !ok {
			return
		}
	}
}

func (s *tcpSocket) close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
