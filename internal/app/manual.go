package app

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/1ureka/p2pperf/internal/candidate"
	"github.com/1ureka/p2pperf/internal/config"
	"github.com/1ureka/p2pperf/internal/engine"
	"github.com/1ureka/p2pperf/internal/mux"
	"github.com/1ureka/p2pperf/internal/session"
	"github.com/1ureka/p2pperf/internal/signaling"
	"github.com/1ureka/p2pperf/internal/util"
)

// RunManual runs the poll-driven session engine over sockets owned by the
// multiplexer, with the throughput role chosen by cfg.Mode.
func RunManual(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return session.NewError(session.CategoryConfig, err)
	}
	app, err := newApplication(cfg)
	if err != nil {
		return classify(err)
	}
	return runManual(ctx, cfg, app)
}

func runManual(ctx context.Context, cfg config.Config, app session.Application) error {
	m := mux.New(ctx)
	pending := signaling.NewPending()
	d := session.New(engine.New(engine.DefaultConfig()), m, pending, app)

	stopStats := util.StartStatsReporter(ctx, statsPeriod)
	defer stopStats()

	var err error
	if cfg.Role == config.RoleOffer {
		err = runManualOffer(ctx, cfg, d, m, pending)
	} else {
		err = runManualAnswer(ctx, cfg, d, m, pending)
	}
	if err != nil {
		// Run never started, so the sockets are still ours.
		select {
		case <-d.Done():
		default:
			_ = m.Close()
		}
	}
	logLastKnown(app)
	return classify(err)
}

// runManualOffer negotiates through the signaling channel, then runs the
// session. Remote candidates reach the driver only through the Pending queue.
func runManualOffer(ctx context.Context, cfg config.Config, d *session.Driver, m *mux.Multiplexer, pending *signaling.Pending) error {
	ch, inc, err := dialSignaling(ctx, cfg)
	if err != nil {
		return err
	}
	defer ch.Close()

	offer, err := d.CreateOffer()
	if err != nil {
		return err
	}
	answer, err := ch.SubmitOffer(ctx, offer)
	if err != nil {
		return err
	}
	if err := d.AcceptAnswer(answer); err != nil {
		return err
	}

	var locals []candidate.Candidate
	if cfg.Transport == config.TransportUDP {
		if locals, err = bindUDP(ctx, cfg, m); err != nil {
			return err
		}
		if err := addLocals(d, locals); err != nil {
			return err
		}
	}

	remotes, err := ch.PublishCandidates(ctx, locals)
	if err != nil {
		return err
	}

	if cfg.Transport == config.TransportTCP {
		if len(remotes) == 0 && inc != nil {
			select {
			case batch, ok := <-inc.Incoming():
				if !ok {
					return signaling.Lost(inc)
				}
				remotes = batch
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := dialTCP(ctx, d, m, remotes); err != nil {
			return err
		}
	}

	pending.Push(remotes...)
	if inc != nil {
		go forward(ctx, inc, pending, d)
	}

	return d.Run(ctx)
}

// runManualAnswer serves signaling and runs the session; the offer reaches
// the loop as a command from the server goroutine.
func runManualAnswer(ctx context.Context, cfg config.Config, d *session.Driver, m *mux.Multiplexer, pending *signaling.Pending) error {
	var (
		locals []candidate.Candidate
		err    error
	)
	if cfg.Transport == config.TransportTCP {
		locals, err = listenTCP(cfg, m)
	} else {
		locals, err = bindUDP(ctx, cfg, m)
	}
	if err != nil {
		return err
	}
	if err := addLocals(d, locals); err != nil {
		return err
	}

	srv := signaling.NewServer(&answerHandler{d: d, pending: pending, locals: locals})
	addr, err := srv.Start(cfg.SignalAddr)
	if err != nil {
		return err
	}
	defer srv.Close()
	util.LogInfo("signaling server listening on http://%s (offer side: --peer %s)", addr, addr)

	return d.Run(ctx)
}

// answerHandler is the signaling.Handler of the manual answering side.
type answerHandler struct {
	d       *session.Driver
	pending *signaling.Pending
	locals  []candidate.Candidate
}

func (h *answerHandler) HandleOffer(ctx context.Context, desc string) (string, error) {
	return h.d.Offer(ctx, desc)
}

func (h *answerHandler) HandleCandidates(_ context.Context, cands []candidate.Candidate) ([]candidate.Candidate, error) {
	h.pending.Push(cands...)
	return h.locals, nil
}

// forward moves incremental candidate batches into pending until the session
// ends. Losing the channel before the session connected aborts it; afterwards
// no more candidates are needed.
func forward(ctx context.Context, inc signaling.Incremental, pending *signaling.Pending, d *session.Driver) {
	for {
		select {
		case batch, ok := <-inc.Incoming():
			if !ok {
				if d.State() < session.StateConnected {
					d.Abort(signaling.Lost(inc))
				} else {
					util.LogDebug("signaling closed after connecting: %v", inc.Err())
				}
				return
			}
			pending.Push(batch...)
		case <-d.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// bindUDP binds the data socket, gathers its candidates with STUN before the
// multiplexer starts reading it, and hands it over.
func bindUDP(ctx context.Context, cfg config.Config, m *mux.Multiplexer) ([]candidate.Candidate, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	cands, err := candidate.Gather(ctx, conn, cfg.STUNServers)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := m.AdoptUDP(conn); err != nil {
		return nil, err
	}
	for _, c := range cands {
		util.LogInfo("local candidate %s", c)
	}
	return cands, nil
}

// listenTCP starts accepting data connections. The dialing peer shows up as a
// peer-reflexive candidate on its first check.
func listenTCP(cfg config.Config, m *mux.Multiplexer) ([]candidate.Candidate, error) {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	bound, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("unexpected listener address %s: %w", ln.Addr(), err)
	}
	cands, err := candidate.HostCandidates(bound, candidate.TCP)
	if err != nil {
		ln.Close()
		return nil, err
	}
	if err := m.AcceptTCP(ln); err != nil {
		return nil, err
	}
	return cands, nil
}

// dialTCP connects to the first reachable TCP candidate and registers the
// connection's local end as this side's host candidate.
func dialTCP(ctx context.Context, d *session.Driver, m *mux.Multiplexer, remotes []candidate.Candidate) error {
	var dialer net.Dialer
	for _, r := range remotes {
		if r.Protocol != candidate.TCP {
			continue
		}
		conn, err := dialer.DialContext(ctx, "tcp", r.AddrPort().String())
		if err != nil {
			util.LogWarning("failed to dial %s: %v", r, err)
			continue
		}
		local, err := m.AddTCP(conn)
		if err != nil {
			return err
		}
		return d.AddLocalCandidate(candidate.New(local, candidate.TCP, candidate.Host))
	}
	return fmt.Errorf("no reachable tcp candidate among %d remote candidates", len(remotes))
}

func addLocals(d *session.Driver, locals []candidate.Candidate) error {
	for _, c := range locals {
		if err := d.AddLocalCandidate(c); err != nil {
			return fmt.Errorf("failed to add local candidate %s: %w", c, err)
		}
	}
	return nil
}
