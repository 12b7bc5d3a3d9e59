// Package engine implements a sans-IO connectivity and channel engine.
//
// The engine never touches a socket or reads the clock. Callers repeatedly ask
// it for its next action with PollOutput, which yields exactly one of:
//
//   - OutputTimeout: nothing to do until Deadline (or until new input arrives)
//   - OutputTransmit: a datagram that must be written out now
//   - OutputEvent: an application-visible state change or channel message
//
// and feed it timestamped input (Receive, Timeout) with HandleInput.
// Connectivity checks are STUN binding requests exchanged on every candidate
// pair; once a pair is selected, a single reliable, ordered channel runs over
// it using the frames defined in package protocol.
package engine

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/p2pperf/internal/candidate"
)

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

// OutputKind discriminates the three things PollOutput can return.
type OutputKind int

const (
	OutputTimeout OutputKind = iota
	OutputTransmit
	OutputEvent
)

// Transmit is a fully formed outbound datagram.
type Transmit struct {
	Protocol    candidate.Protocol
	Source      netip.AddrPort // local socket address the datagram must leave from
	Destination netip.AddrPort
	Contents    []byte
}

// EventKind identifies an application event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventChannelOpen
	EventChannelData
	EventChannelClosed
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventChannelOpen:
		return "channel-open"
	case EventChannelData:
		return "channel-data"
	case EventChannelClosed:
		return "channel-closed"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is an application-visible change.
type Event struct {
	Kind      EventKind
	ChannelID uint16
	Data      []byte // EventChannelData only
	Reason    string // EventDisconnected only
}

// Output is the result of one PollOutput call. Only the field matching Kind
// is meaningful.
type Output struct {
	Kind     OutputKind
	Deadline time.Time
	Transmit Transmit
	Event    Event
}

// ---------------------------------------------------------------------------
// Input
// ---------------------------------------------------------------------------

// Input is something that happened outside the engine at a given instant.
type Input interface {
	at() time.Time
}

// Receive is an inbound datagram. Destination is the local socket address it
// arrived on.
type Receive struct {
	At          time.Time
	Protocol    candidate.Protocol
	Source      netip.AddrPort
	Destination netip.AddrPort
	Contents    []byte
}

// Timeout tells the engine that time has advanced to At. Feeding it before
// the last announced deadline is harmless.
type Timeout struct {
	At time.Time
}

func (r Receive) at() time.Time { return r.At }
func (t Timeout) at() time.Time { return t.At }

// ---------------------------------------------------------------------------
// Configuration and errors
// ---------------------------------------------------------------------------

// Config holds the engine timers and limits.
type Config struct {
	CheckInterval     time.Duration // pacing between check rounds
	CheckRetransmit   time.Duration // per-pair request retransmission
	ConnectTimeout    time.Duration // negotiation → connected budget
	IdleTimeout       time.Duration // silence after which the peer is gone
	KeepaliveInterval time.Duration
	RTO               time.Duration // channel frame retransmission timeout
	AckDelay          time.Duration // delayed cumulative ACK
	AckEvery          int           // ACK immediately after this many frames
	Window            int           // max unacknowledged channel frames
}

// DefaultConfig returns the timers used by the CLI.
func DefaultConfig() Config {
	return Config{
		CheckInterval:     20 * time.Millisecond,
		CheckRetransmit:   200 * time.Millisecond,
		ConnectTimeout:    15 * time.Second,
		IdleTimeout:       10 * time.Second,
		KeepaliveInterval: time.Second,
		RTO:               200 * time.Millisecond,
		AckDelay:          5 * time.Millisecond,
		AckEvery:          16,
		Window:            512,
	}
}

var (
	// ErrRejected wraps every refused input (malformed, unauthenticated or
	// out of order). The engine state is unchanged when it is returned.
	ErrRejected = errors.New("input rejected")

	// ErrNegotiation is returned when descriptions are applied out of order.
	ErrNegotiation = errors.New("negotiation out of order")

	// ErrCandidatesFrozen is returned when a candidate arrives after a pair
	// has been selected.
	ErrCandidatesFrozen = errors.New("candidates can no longer be added")

	ErrChannelNotOpen = errors.New("channel is not open")
	ErrChannelClosed  = errors.New("channel is closed")
)

func reject(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

type agentState int

const (
	stateNew agentState = iota
	stateChecking
	stateConnected
	stateDisconnected
	stateClosed
)

// Stats are engine-internal counters, exposed for reporting.
type Stats struct {
	ChecksSent  int
	Retransmits int
	Rejected    int
}

// Engine is the session state machine. It is not safe for concurrent use; a
// single owner drives it.
type Engine struct {
	cfg Config
	now time.Time

	controlling bool
	local       *Description
	remote      *Description

	localCands  []candidate.Candidate
	remoteCands []candidate.Candidate
	pairs       []*pair
	txns        map[[12]byte]*pair
	selected    *pair
	confirmed   bool // controlling: peer acknowledged the nomination

	state         agentState
	checkStart    time.Time
	nextCheck     time.Time
	lastRecv      time.Time
	nextKeepalive time.Time

	ch *channel

	events    []Event
	transmits []Transmit
	stats     Stats
}

// New creates an idle engine.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:  cfg,
		txns: make(map[[12]byte]*pair),
	}
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// CreateOffer generates the local description as the offering, controlling
// side.
func (e *Engine) CreateOffer() (string, error) {
	if e.local != nil {
		return "", fmt.Errorf("%w: local description already set", ErrNegotiation)
	}
	d := newDescription(uuid.NewString(), setupActPass)
	e.local = &d
	e.controlling = true
	return d.String(), nil
}

// AcceptOffer applies a remote offer and returns the local answer.
func (e *Engine) AcceptOffer(raw string) (string, error) {
	if e.local != nil || e.remote != nil {
		return "", fmt.Errorf("%w: offer after negotiation started", ErrNegotiation)
	}
	offer, err := ParseDescription(raw)
	if err != nil {
		return "", err
	}
	if offer.Setup != setupActPass {
		return "", fmt.Errorf("%w: offer must be %s, got %s", ErrBadDescription, setupActPass, offer.Setup)
	}

	answer := newDescription(offer.SessionID, setupActive)
	e.local = &answer
	e.remote = &offer
	e.controlling = false
	e.startChecking()
	return answer.String(), nil
}

// AcceptAnswer applies the remote answer to a previously created offer.
func (e *Engine) AcceptAnswer(raw string) error {
	if e.local == nil || !e.controlling || e.remote != nil {
		return fmt.Errorf("%w: answer without a pending offer", ErrNegotiation)
	}
	answer, err := ParseDescription(raw)
	if err != nil {
		return err
	}
	if answer.Setup != setupActive {
		return fmt.Errorf("%w: answer must be %s, got %s", ErrBadDescription, setupActive, answer.Setup)
	}
	if answer.SessionID != e.local.SessionID {
		return fmt.Errorf("%w: answer for session %s, offered %s", ErrBadDescription, answer.SessionID, e.local.SessionID)
	}
	e.remote = &answer
	e.startChecking()
	return nil
}

// Negotiated reports whether both descriptions are set.
func (e *Engine) Negotiated() bool {
	return e.local != nil && e.remote != nil
}

// Controlling reports whether this side nominates the pair and opens the channel.
func (e *Engine) Controlling() bool {
	return e.controlling
}

func (e *Engine) startChecking() {
	if e.state == stateNew {
		e.state = stateChecking
		e.nextCheck = e.now
	}
}

// ---------------------------------------------------------------------------
// Candidates
// ---------------------------------------------------------------------------

// AddLocalCandidate registers a local candidate. Only host candidates take part
// in checks; reflexive ones are advertised but share their base socket.
func (e *Engine) AddLocalCandidate(c candidate.Candidate) error {
	if e.state >= stateConnected {
		return ErrCandidatesFrozen
	}
	if err := c.Validate(); err != nil {
		return err
	}
	for _, have := range e.localCands {
		if have.Key() == c.Key() {
			return nil
		}
	}
	e.localCands = append(e.localCands, c)
	if c.Kind == candidate.Host {
		for _, r := range e.remoteCands {
			e.addPair(c, r)
		}
	}
	return nil
}

// AddRemoteCandidate registers a remote candidate. The remote description must
// already be applied.
func (e *Engine) AddRemoteCandidate(c candidate.Candidate) error {
	if e.remote == nil {
		return fmt.Errorf("%w: remote candidate before remote description", ErrNegotiation)
	}
	if e.state >= stateConnected {
		return ErrCandidatesFrozen
	}
	if err := c.Validate(); err != nil {
		return err
	}
	e.addRemote(c)
	return nil
}

func (e *Engine) addRemote(c candidate.Candidate) {
	for _, have := range e.remoteCands {
		if have.AddrPort() == c.AddrPort() && have.Protocol == c.Protocol {
			return
		}
	}
	e.remoteCands = append(e.remoteCands, c)
	for _, l := range e.localCands {
		if l.Kind == candidate.Host {
			e.addPair(l, c)
		}
	}
}

// LocalCandidates returns a copy of the registered local candidates.
func (e *Engine) LocalCandidates() []candidate.Candidate {
	return append([]candidate.Candidate(nil), e.localCands...)
}

// RemoteCandidates returns a copy of the known remote candidates, including
// peer-reflexive ones.
func (e *Engine) RemoteCandidates() []candidate.Candidate {
	return append([]candidate.Candidate(nil), e.remoteCands...)
}

// SelectedPair returns the local and remote address of the selected pair.
func (e *Engine) SelectedPair() (local, remote netip.AddrPort, ok bool) {
	if e.selected == nil {
		return netip.AddrPort{}, netip.AddrPort{}, false
	}
	return e.selected.local.AddrPort(), e.selected.remote.AddrPort(), true
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

// ---------------------------------------------------------------------------
// Poll / feed
// ---------------------------------------------------------------------------

// PollOutput returns the next required action. Events come first, then
// datagrams; a timeout is only returned when nothing else is pending.
func (e *Engine) PollOutput() Output {
	if len(e.events) > 0 {
		ev := e.events[0]
		e.events = e.events[1:]
		return Output{Kind: OutputEvent, Event: ev}
	}

	if len(e.transmits) == 0 {
		e.flush()
	}
	if len(e.transmits) > 0 {
		tx := e.transmits[0]
		e.transmits = e.transmits[1:]
		return Output{Kind: OutputTransmit, Transmit: tx}
	}

	return Output{Kind: OutputTimeout, Deadline: e.nextDeadline()}
}

// HandleInput feeds one timestamped input. A rejected input returns an error
// wrapping ErrRejected; the engine keeps running.
func (e *Engine) HandleInput(in Input) error {
	if t := in.at(); t.After(e.now) {
		e.now = t
	}

	var err error
	if r, ok := in.(Receive); ok {
		err = e.handleReceive(r)
		if err != nil {
			e.stats.Rejected++
		}
	}

	e.handleTimers()
	return err
}

// Close stops the engine without notifying the peer. Pending output is dropped.
func (e *Engine) Close() {
	e.state = stateClosed
	e.events = nil
	e.transmits = nil
}

func (e *Engine) handleReceive(in Receive) error {
	if e.state >= stateDisconnected {
		return reject("engine is no longer running")
	}
	switch {
	case isSTUN(in.Contents):
		return e.handleSTUN(in)
	case isFrame(in.Contents):
		return e.handleFrame(in)
	default:
		return reject("unrecognised datagram of %d bytes from %s", len(in.Contents), in.Source)
	}
}

func (e *Engine) handleTimers() {
	switch e.state {
	case stateChecking:
		if e.checkStart.IsZero() {
			e.checkStart = e.now
		}
		if !e.now.Before(e.checkStart.Add(e.cfg.ConnectTimeout)) {
			e.disconnect("connectivity checks timed out")
			return
		}
		if !e.now.Before(e.nextCheck) {
			e.runChecks()
			e.nextCheck = e.now.Add(e.cfg.CheckInterval)
		}

	case stateConnected:
		if !e.now.Before(e.lastRecv.Add(e.cfg.IdleTimeout)) {
			e.disconnect("no traffic from peer within idle timeout")
			return
		}
		if !e.now.Before(e.nextKeepalive) {
			e.keepalive()
			e.nextKeepalive = e.now.Add(e.cfg.KeepaliveInterval)
		}
		if e.ch != nil {
			e.ch.onTimer(e)
		}
	}
}

func (e *Engine) nextDeadline() time.Time {
	idle := e.now.Add(time.Hour)

	switch e.state {
	case stateChecking:
		if e.checkStart.IsZero() {
			return e.now
		}
		deadline := e.checkStart.Add(e.cfg.ConnectTimeout)
		if len(e.pairs) > 0 && e.nextCheck.Before(deadline) {
			deadline = e.nextCheck
		}
		return deadline

	case stateConnected:
		deadline := e.lastRecv.Add(e.cfg.IdleTimeout)
		if e.nextKeepalive.Before(deadline) {
			deadline = e.nextKeepalive
		}
		if e.ch != nil {
			if d, ok := e.ch.deadline(e); ok && d.Before(deadline) {
				deadline = d
			}
		}
		return deadline

	default:
		return idle
	}
}

func (e *Engine) connect(p *pair) {
	e.selected = p
	e.state = stateConnected
	e.lastRecv = e.now
	e.nextKeepalive = e.now.Add(e.cfg.KeepaliveInterval)
	e.emit(Event{Kind: EventConnected})

	if e.controlling {
		e.ch = newChannel(0, true)
		e.ch.sendOpen(e)
	}
}

func (e *Engine) disconnect(reason string) {
	e.state = stateDisconnected
	e.transmits = nil
	e.emit(Event{Kind: EventDisconnected, Reason: reason})
}

func (e *Engine) emit(ev Event) {
	e.events = append(e.events, ev)
}

func (e *Engine) send(p *pair, contents []byte) {
	e.transmits = append(e.transmits, Transmit{
		Protocol:    p.local.Protocol,
		Source:      p.local.AddrPort(),
		Destination: p.remote.AddrPort(),
		Contents:    contents,
	})
}
