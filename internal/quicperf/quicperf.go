// Package quicperf runs the throughput test over a direct QUIC connection:
// the dialer opens one bidirectional stream and sends the load, the listener
// measures every peer it accepts.
package quicperf

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/1ureka/p2pperf/internal/throughput"
	"github.com/1ureka/p2pperf/internal/util"
)

// ALPN is the application protocol both ends negotiate.
const ALPN = "p2pperf/0"

const (
	defaultIdleTimeout = 30 * time.Second
	closeGrace         = 5 * time.Second
	codeDone           = quic.ApplicationErrorCode(0)
)

// Config parameterizes both ends.
type Config struct {
	Sender      throughput.SenderConfig // dialer load
	ReportEvery int                     // listener interval reports, in messages
	IdleTimeout time.Duration           // QUIC idle timeout and per-peer expiry

	// OnReport, when set, receives every final or partial per-peer report.
	OnReport func(peer uint32, rep throughput.Report)
}

func (c Config) idle() time.Duration {
	if c.IdleTimeout <= 0 {
		return defaultIdleTimeout
	}
	return c.IdleTimeout
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  c.idle(),
		KeepAlivePeriod: c.idle() / 3,
	}
}

// ---------------------------------------------------------------------------
// Listener side
// ---------------------------------------------------------------------------

// Server accepts QUIC connections and measures one stream per connection.
type Server struct {
	ln    *quic.Listener
	cfg   Config
	meter *throughput.Meter
}

// Listen binds addr with a freshly generated self-signed certificate.
func Listen(addr string, cfg Config) (*Server, error) {
	tlsConf, err := selfSignedTLS()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Server{ln: ln, cfg: cfg, meter: throughput.NewMeter(cfg.ReportEvery)}, nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled, which is a clean stop.
func (s *Server) Serve(ctx context.Context) error {
	defer s.ln.Close()
	go s.expire(ctx)

	util.LogInfo("waiting for QUIC peers on %s", s.ln.Addr())
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept QUIC connection: %w", err)
		}
		go s.handle(ctx, conn)
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) handle(ctx context.Context, conn quic.Connection) {
	peer := util.PeerIDFromAddrs(conn.LocalAddr(), conn.RemoteAddr())
	util.LogInfo("peer %08x connected from %s", peer, conn.RemoteAddr())

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		util.LogWarning("peer %08x: no stream: %v", peer, err)
		_ = conn.CloseWithError(codeDone, "")
		return
	}

	rep, err := throughput.ReceiveStream(stream, peer, s.meter)
	if err != nil {
		util.LogWarning("peer %08x: stream ended: %v", peer, err)
	}
	s.report(peer, rep)
	_ = conn.CloseWithError(codeDone, "done")
}

// expire drops peers whose connection went silent without ending the stream.
func (s *Server) expire(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.idle())
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			for peer, rep := range s.meter.Expire(now, s.cfg.idle()) {
				s.report(peer, rep)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) report(peer uint32, rep throughput.Report) {
	if rep.Kind == throughput.ReportFinal {
		util.LogSuccess("peer %08x: %s", peer, rep)
	} else {
		util.LogWarning("peer %08x: %s", peer, rep)
	}
	if s.cfg.OnReport != nil {
		s.cfg.OnReport(peer, rep)
	}
}

// ---------------------------------------------------------------------------
// Dialer side
// ---------------------------------------------------------------------------

// Dial connects to addr, sends the configured load on one stream and waits
// for the listener to close the connection.
func Dial(ctx context.Context, addr string, cfg Config) (throughput.Report, error) {
	tlsConf := clientTLS()
	conn, err := quic.DialAddr(ctx, addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return throughput.Report{}, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	defer conn.CloseWithError(codeDone, "")

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return throughput.Report{}, fmt.Errorf("failed to open stream: %w", err)
	}

	rep, err := throughput.SendStream(ctx, stream, cfg.Sender)
	if err != nil {
		return rep, err
	}
	if err := stream.Close(); err != nil {
		util.LogDebug("stream close: %v", err)
	}

	select {
	case <-conn.Context().Done():
	case <-time.After(closeGrace):
		util.LogWarning("listener did not close the connection within %v", closeGrace)
	case <-ctx.Done():
	}
	util.LogSuccess("sent %d payloads (%s)", rep.Messages, util.FormatBytes(float64(rep.Bytes)))
	return rep, nil
}
