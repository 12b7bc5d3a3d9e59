package engine

import (
	"net/netip"
	"time"

	"github.com/pion/stun/v3"

	"github.com/1ureka/p2pperf/internal/candidate"
	"github.com/1ureka/p2pperf/internal/protocol"
)

// attrUseCandidate is the ICE USE-CANDIDATE attribute (RFC 8445 §16.1).
const attrUseCandidate stun.AttrType = 0x0025

// bindingIndication is the keepalive message type; pion/stun only predefines
// requests and responses.
var bindingIndication = stun.NewType(stun.MethodBinding, stun.ClassIndication)

type useCandidate struct{}

func (useCandidate) AddTo(m *stun.Message) error {
	m.Add(attrUseCandidate, nil)
	return nil
}

type pairState int

const (
	pairWaiting pairState = iota
	pairInProgress
	pairSucceeded
)

type pair struct {
	local  candidate.Candidate
	remote candidate.Candidate
	state  pairState
	sentAt time.Time // last request, zero if never sent
}

func isSTUN(b []byte) bool  { return stun.IsMessage(b) }
func isFrame(b []byte) bool { return protocol.IsFrame(b) }

func (e *Engine) addPair(local, remote candidate.Candidate) *pair {
	if local.Protocol != remote.Protocol || local.Address.Is4() != remote.Address.Is4() {
		return nil
	}
	for _, p := range e.pairs {
		if p.local.Key() == local.Key() && p.remote.AddrPort() == remote.AddrPort() {
			return p
		}
	}
	p := &pair{local: local, remote: remote}
	e.pairs = append(e.pairs, p)
	return p
}

func (e *Engine) findPair(local netip.AddrPort, remote netip.AddrPort, proto candidate.Protocol) *pair {
	for _, p := range e.pairs {
		if p.local.Protocol == proto && p.local.AddrPort() == local && p.remote.AddrPort() == remote {
			return p
		}
	}
	return nil
}

// localFor resolves the local host candidate a datagram arrived on. Sockets
// bound to a wildcard address report that address, so fall back to the port.
func (e *Engine) localFor(dst netip.AddrPort, proto candidate.Protocol) (candidate.Candidate, bool) {
	for _, c := range e.localCands {
		if c.Kind == candidate.Host && c.Protocol == proto && c.AddrPort() == dst {
			return c, true
		}
	}
	if dst.Addr().IsUnspecified() {
		for _, c := range e.localCands {
			if c.Kind == candidate.Host && c.Protocol == proto && c.Port == dst.Port() {
				return c, true
			}
		}
	}
	return candidate.Candidate{}, false
}

func (e *Engine) remoteFor(src netip.AddrPort, proto candidate.Protocol) (candidate.Candidate, bool) {
	for _, c := range e.remoteCands {
		if c.Protocol == proto && c.AddrPort() == src {
			return c, true
		}
	}
	return candidate.Candidate{}, false
}

// runChecks sends a request on every pair that was never tried or whose last
// request is older than the retransmission interval.
func (e *Engine) runChecks() {
	for _, p := range e.pairs {
		if p.state == pairSucceeded {
			continue
		}
		if p.sentAt.IsZero() || !e.now.Before(p.sentAt.Add(e.cfg.CheckRetransmit)) {
			e.sendCheck(p, false)
		}
	}
}

func (e *Engine) sendCheck(p *pair, nominate bool) {
	setters := []stun.Setter{
		stun.TransactionID,
		stun.BindingRequest,
		stun.NewUsername(e.remote.Ufrag + ":" + e.local.Ufrag),
	}
	if nominate {
		setters = append(setters, useCandidate{})
	}
	setters = append(setters, stun.NewShortTermIntegrity(e.remote.Pwd), stun.Fingerprint)

	msg, err := stun.Build(setters...)
	if err != nil {
		return
	}

	e.txns[msg.TransactionID] = p
	p.sentAt = e.now
	if p.state == pairWaiting {
		p.state = pairInProgress
	}
	e.stats.ChecksSent++
	e.send(p, msg.Raw)
}

func (e *Engine) keepalive() {
	if e.controlling && !e.confirmed {
		// Repeat the nomination until the peer shows it selected the pair.
		e.sendCheck(e.selected, true)
		return
	}
	msg, err := stun.Build(stun.TransactionID, bindingIndication, stun.Fingerprint)
	if err != nil {
		return
	}
	e.send(e.selected, msg.Raw)
}

func (e *Engine) handleSTUN(in Receive) error {
	if e.remote == nil {
		return reject("STUN from %s before negotiation", in.Source)
	}

	msg := &stun.Message{Raw: append([]byte(nil), in.Contents...)}
	if err := msg.Decode(); err != nil {
		return reject("undecodable STUN from %s: %v", in.Source, err)
	}
	if err := stun.Fingerprint.Check(msg); err != nil {
		return reject("bad STUN fingerprint from %s: %v", in.Source, err)
	}

	switch msg.Type {
	case stun.BindingRequest:
		return e.handleRequest(in, msg)
	case stun.BindingSuccess:
		return e.handleResponse(in, msg)
	case bindingIndication:
		if _, ok := e.remoteFor(in.Source, in.Protocol); !ok {
			return reject("keepalive from unknown %s", in.Source)
		}
		e.touch()
		return nil
	default:
		return reject("unexpected STUN %s from %s", msg.Type, in.Source)
	}
}

func (e *Engine) handleRequest(in Receive, msg *stun.Message) error {
	var user stun.Username
	if err := user.GetFrom(msg); err != nil {
		return reject("binding request without USERNAME from %s", in.Source)
	}
	if want := e.local.Ufrag + ":" + e.remote.Ufrag; user.String() != want {
		return reject("binding request for %q from %s", user.String(), in.Source)
	}
	if err := stun.NewShortTermIntegrity(e.local.Pwd).Check(msg); err != nil {
		return reject("binding request integrity from %s: %v", in.Source, err)
	}

	local, ok := e.localFor(in.Destination, in.Protocol)
	if !ok {
		return reject("no local candidate for %s/%s", in.Destination, in.Protocol)
	}

	remote, known := e.remoteFor(in.Source, in.Protocol)
	if !known && e.state == stateChecking {
		remote = candidate.New(in.Source, in.Protocol, candidate.PeerReflexive)
		e.addRemote(remote)
		known = true
	}

	res, err := stun.Build(msg, stun.BindingSuccess,
		&stun.XORMappedAddress{IP: in.Source.Addr().AsSlice(), Port: int(in.Source.Port())},
		stun.NewShortTermIntegrity(e.local.Pwd),
		stun.Fingerprint,
	)
	if err != nil {
		return reject("failed to build binding response: %v", err)
	}
	// Answer from the exact socket the request arrived on.
	e.transmits = append(e.transmits, Transmit{
		Protocol:    in.Protocol,
		Source:      in.Destination,
		Destination: in.Source,
		Contents:    res.Raw,
	})

	if !known {
		return nil
	}
	e.touch()

	p := e.findPair(local.AddrPort(), remote.AddrPort(), in.Protocol)
	if p == nil {
		return nil
	}
	if e.state == stateChecking && p.state == pairWaiting {
		// Triggered check: answer the peer's request with our own right away.
		e.nextCheck = e.now
	}
	if !e.controlling && e.state == stateChecking && msg.Contains(attrUseCandidate) {
		e.connect(p)
	}
	return nil
}

func (e *Engine) handleResponse(in Receive, msg *stun.Message) error {
	p, ok := e.txns[msg.TransactionID]
	if !ok {
		return reject("binding response for unknown transaction from %s", in.Source)
	}
	if err := stun.NewShortTermIntegrity(e.remote.Pwd).Check(msg); err != nil {
		return reject("binding response integrity from %s: %v", in.Source, err)
	}
	delete(e.txns, msg.TransactionID)

	p.state = pairSucceeded
	e.touch()

	switch {
	case e.controlling && e.state == stateChecking:
		e.connect(p)
		e.sendCheck(p, true)
	case e.controlling && p == e.selected:
		// Only nominating requests are sent once connected.
		e.confirmed = true
	}
	return nil
}

func (e *Engine) touch() {
	if e.state == stateConnected {
		e.lastRecv = e.now
	}
}
