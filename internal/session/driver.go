// Package session drives a poll-based connectivity engine. A Driver owns the
// engine and the data-path sockets, feeds every input to the engine stamped
// with the time of delivery, and overlays an Application on the same loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/p2pperf/internal/candidate"
	"github.com/1ureka/p2pperf/internal/engine"
	"github.com/1ureka/p2pperf/internal/mux"
	"github.com/1ureka/p2pperf/internal/signaling"
	"github.com/1ureka/p2pperf/internal/util"
)

// DefaultLinger is how long the loop keeps serving the engine after the
// application finished. It spans several engine retransmission timeouts so a
// lost final acknowledgement can still be repeated to the peer.
const DefaultLinger = time.Second

// Engine is the poll/feed state machine driven by the loop. *engine.Engine
// implements it.
type Engine interface {
	CreateOffer() (string, error)
	AcceptOffer(offer string) (string, error)
	AcceptAnswer(answer string) error
	Negotiated() bool

	AddLocalCandidate(c candidate.Candidate) error
	AddRemoteCandidate(c candidate.Candidate) error
	LocalCandidates() []candidate.Candidate

	PollOutput() engine.Output
	HandleInput(in engine.Input) error

	Write(id uint16, data []byte) error
	CloseChannel(id uint16) error
	Buffered(id uint16) int
	Close()
}

// Transport carries datagrams. *mux.Multiplexer implements it.
type Transport interface {
	Send(proto candidate.Protocol, src, dst netip.AddrPort, payload []byte) error
	Recv() <-chan mux.Datagram
	Close() error
}

// Stats are the loop's own counters.
type Stats struct {
	SendErrors int64 // transient, see CategoryTransient
	Rejected   int64 // inputs the engine refused, see CategoryProtocol
}

type commandKind int

const (
	cmdOffer commandKind = iota
)

type command struct {
	kind  commandKind
	desc  string
	reply chan commandResult
}

type commandResult struct {
	desc string
	err  error
}

// Driver is the single owner of a session. Setup methods (CreateOffer,
// AcceptAnswer, AddLocalCandidate) must be called before Run; afterwards the
// only way in is through Offer, Shutdown and the Pending queue.
type Driver struct {
	eng     Engine
	tr      Transport
	pending *signaling.Pending
	app     Application
	linger  time.Duration

	state   atomic.Int32
	channel uint16
	writer  channelWriter
	stats   Stats

	cmds         chan command
	shutdown     chan struct{}
	shutdownOnce sync.Once
	abort        chan struct{}
	abortOnce    sync.Once
	abortErr     error // valid once abort is closed
	done         chan struct{}
}

// Option customizes a Driver.
type Option func(*Driver)

// WithLinger overrides DefaultLinger.
func WithLinger(d time.Duration) Option {
	return func(dr *Driver) { dr.linger = d }
}

// New creates an idle driver. app may be nil for a session that only
// establishes connectivity, and a nil pending gets a private queue.
func New(eng Engine, tr Transport, pending *signaling.Pending, app Application, opts ...Option) *Driver {
	d := &Driver{
		eng:      eng,
		tr:       tr,
		pending:  pending,
		app:      app,
		linger:   DefaultLinger,
		cmds:     make(chan command),
		shutdown: make(chan struct{}),
		abort:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	if d.pending == nil {
		d.pending = signaling.NewPending()
	}
	d.writer = channelWriter{d: d}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the current state. It is safe to call from any goroutine.
func (d *Driver) State() State {
	return State(d.state.Load())
}

// Stats returns the loop counters. Call it after Run returned.
func (d *Driver) Stats() Stats {
	return d.stats
}

// Done is closed once Run returned and every resource was released.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// ---------------------------------------------------------------------------
// Setup (before Run)
// ---------------------------------------------------------------------------

// CreateOffer makes this side the offerer.
func (d *Driver) CreateOffer() (string, error) {
	if d.State() != StateIdle {
		return "", ErrNotIdle
	}
	offer, err := d.eng.CreateOffer()
	if err != nil {
		return "", err
	}
	d.setState(StateNegotiating)
	return offer, nil
}

// AcceptAnswer applies the answer to the offer from CreateOffer.
func (d *Driver) AcceptAnswer(answer string) error {
	if d.State() != StateNegotiating {
		return fmt.Errorf("%w: no pending offer", engine.ErrNegotiation)
	}
	return d.eng.AcceptAnswer(answer)
}

// AddLocalCandidate registers a local candidate with the engine.
func (d *Driver) AddLocalCandidate(c candidate.Candidate) error {
	return d.eng.AddLocalCandidate(c)
}

// ---------------------------------------------------------------------------
// Requests to the running loop
// ---------------------------------------------------------------------------

// Offer hands a remote offer to the running loop and returns the local
// answer. It is the answering side's entry point and is safe to call from the
// signaling goroutine.
func (d *Driver) Offer(ctx context.Context, offer string) (string, error) {
	reply := make(chan commandResult, 1)
	select {
	case d.cmds <- command{kind: cmdOffer, desc: offer, reply: reply}:
	case <-d.done:
		return "", errors.New("session already finished")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case res := <-reply:
		return res.desc, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Shutdown asks the loop to close the session. It does not wait; use Done.
func (d *Driver) Shutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdown) })
}

// Abort stops the loop like Shutdown, but Run returns err. Only the first
// call counts. It is how a failure outside the loop, such as lost signaling,
// ends the session.
func (d *Driver) Abort(err error) {
	d.abortOnce.Do(func() {
		d.abortErr = err
		close(d.abort)
	})
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

// Run drives the session until it closes (nil error) or disconnects
// (*Error with CategoryDisconnect). The transport and engine are closed on
// every exit path.
func (d *Driver) Run(ctx context.Context) error {
	defer close(d.done)
	defer d.release()

	engTimer := time.NewTimer(time.Hour)
	defer engTimer.Stop()
	appTimer := time.NewTimer(time.Hour)
	defer appTimer.Stop()
	lingerTimer := time.NewTimer(time.Hour)
	defer lingerTimer.Stop()

	recv := d.tr.Recv()
	lingering := false

	for {
		d.maybeStartConnecting()

		deadline, reason := d.drain()
		if d.State() == StateDisconnected {
			return d.fail(CategoryDisconnect, fmt.Errorf("%w: %s", ErrDisconnected, reason))
		}

		if !lingering && d.app != nil && d.app.Done() {
			lingering = true
			lingerTimer.Reset(d.linger)
			util.LogDebug("session: application finished, lingering %v", d.linger)
		}

		engTimer.Reset(time.Until(deadline))
		appC := (<-chan time.Time)(nil)
		if d.app != nil && !lingering {
			if at, ok := d.app.NextDeadline(); ok {
				appTimer.Reset(time.Until(at))
				appC = appTimer.C
			}
		}
		lingerC := (<-chan time.Time)(nil)
		if lingering {
			lingerC = lingerTimer.C
		}

		select {
		case dg, ok := <-recv:
			if !ok {
				recv = nil
				continue
			}
			d.feed(engine.Receive{
				At:          time.Now(),
				Protocol:    dg.Protocol,
				Source:      dg.Source,
				Destination: dg.Destination,
				Contents:    dg.Contents,
			})

		case <-engTimer.C:
			d.feed(engine.Timeout{At: time.Now()})

		case <-appC:
			d.app.HandleDeadline(time.Now(), d.writer)

		case cmd := <-d.cmds:
			d.handleCommand(cmd)

		case <-d.pending.Notify():
			d.flushPending()

		case <-lingerC:
			d.setState(StateClosed)
			return nil

		case <-d.shutdown:
			d.setState(StateClosed)
			return nil

		case <-d.abort:
			util.LogDebug("session: aborted: %v", d.abortErr)
			d.setState(StateClosed)
			return d.abortErr

		case <-ctx.Done():
			d.setState(StateClosed)
			return nil
		}
	}
}

// drain polls the engine until it asks to wait. Transmits go straight to the
// transport and events are consumed before polling again.
func (d *Driver) drain() (deadline time.Time, disconnectReason string) {
	for {
		out := d.eng.PollOutput()
		switch out.Kind {
		case engine.OutputTransmit:
			tx := out.Transmit
			if err := d.tr.Send(tx.Protocol, tx.Source, tx.Destination, tx.Contents); err != nil {
				d.stats.SendErrors++
				util.LogDebug("session: %s: %v", CategoryTransient, err)
			}

		case engine.OutputEvent:
			d.handleEvent(out.Event)
			if out.Event.Kind == engine.EventDisconnected {
				return time.Time{}, out.Event.Reason
			}

		default:
			return out.Deadline, ""
		}
	}
}

func (d *Driver) handleEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventConnected:
		d.setState(StateConnected)
	case engine.EventChannelOpen:
		d.channel = ev.ChannelID
		d.setState(StateChannelOpen)
	case engine.EventDisconnected:
		util.LogWarning("session: disconnected: %s", ev.Reason)
		d.setState(StateDisconnected)
	}

	if d.app != nil {
		d.app.HandleEvent(ev, d.writer)
	}
}

func (d *Driver) feed(in engine.Input) {
	if err := d.eng.HandleInput(in); err != nil {
		d.stats.Rejected++
		util.LogDebug("session: %s: %v", CategoryProtocol, err)
	}
}

func (d *Driver) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdOffer:
		if d.State() != StateIdle {
			cmd.reply <- commandResult{err: ErrNotIdle}
			return
		}
		answer, err := d.eng.AcceptOffer(cmd.desc)
		if err != nil {
			cmd.reply <- commandResult{err: err}
			return
		}
		d.setState(StateNegotiating)
		cmd.reply <- commandResult{desc: answer}
	}
}

// maybeStartConnecting moves Negotiating → Connecting once both descriptions
// are set and a local candidate exists, then hands over the remote candidates
// that were waiting.
func (d *Driver) maybeStartConnecting() {
	if d.State() != StateNegotiating || !d.eng.Negotiated() || len(d.eng.LocalCandidates()) == 0 {
		return
	}
	d.setState(StateConnecting)
	d.flushPending()
}

// flushPending adds queued remote candidates to the engine in arrival order.
// Before Connecting they stay queued.
func (d *Driver) flushPending() {
	if d.State() < StateConnecting || d.State().Terminal() {
		return
	}
	for _, c := range d.pending.Flush() {
		if err := d.eng.AddRemoteCandidate(c); err != nil {
			util.LogDebug("session: remote candidate %s dropped: %v", c, err)
			continue
		}
		util.LogDebug("session: remote candidate %s", c)
	}
}

func (d *Driver) setState(to State) {
	from := d.State()
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		util.LogDebug("session: ignoring transition %s -> %s", from, to)
		return
	}
	d.state.Store(int32(to))
	util.LogDebug("session: %s -> %s", from, to)
}

func (d *Driver) fail(c Category, err error) *Error {
	e := NewError(c, err)
	if p, ok := d.app.(Progress); ok {
		e.Bytes, e.Messages = p.Progress()
	}
	return e
}

func (d *Driver) release() {
	d.eng.Close()
	if err := d.tr.Close(); err != nil {
		util.LogDebug("session: transport close: %v", err)
	}
}
