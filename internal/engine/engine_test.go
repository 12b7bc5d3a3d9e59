package engine

import (
	"bytes"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pperf/internal/candidate"
	"github.com/1ureka/p2pperf/internal/protocol"
)

// ---------------------------------------------------------------------------
// Simulated wire
// ---------------------------------------------------------------------------

type delivery struct {
	to *Engine
	rx Receive
}

// wire connects two engines through an in-memory network driven by a fake
// clock. drop decides, per datagram number, whether the datagram is lost.
type wire struct {
	t      *testing.T
	now    time.Time
	a, b   *Engine
	drop   func(n int) bool
	sent   int
	events map[*Engine][]Event
}

func newWire(t *testing.T, a, b *Engine) *wire {
	return &wire{
		t:      t,
		now:    time.Unix(1_700_000_000, 0),
		a:      a,
		b:      b,
		drop:   func(int) bool { return false },
		events: make(map[*Engine][]Event),
	}
}

func (w *wire) peer(e *Engine) *Engine {
	if e == w.a {
		return w.b
	}
	return w.a
}

// step drains both engines, delivers what they sent and advances the clock
// to the earliest deadline when nothing was in flight.
func (w *wire) step() {
	var queue []delivery
	deadline := w.now.Add(time.Hour)

	for _, e := range []*Engine{w.a, w.b} {
		for {
			out := e.PollOutput()
			if out.Kind == OutputTimeout {
				if out.Deadline.Before(deadline) {
					deadline = out.Deadline
				}
				break
			}
			if out.Kind == OutputEvent {
				w.events[e] = append(w.events[e], out.Event)
				continue
			}
			w.sent++
			if w.drop(w.sent) {
				continue
			}
			tx := out.Transmit
			queue = append(queue, delivery{to: w.peer(e), rx: Receive{
				At:          w.now,
				Protocol:    tx.Protocol,
				Source:      tx.Source,
				Destination: tx.Destination,
				Contents:    tx.Contents,
			}})
		}
	}

	if len(queue) > 0 {
		w.now = w.now.Add(time.Millisecond)
		for _, d := range queue {
			d.rx.At = w.now
			_ = d.to.HandleInput(d.rx)
		}
		return
	}

	if deadline.After(w.now) {
		w.now = deadline
	}
	_ = w.a.HandleInput(Timeout{At: w.now})
	_ = w.b.HandleInput(Timeout{At: w.now})
}

func (w *wire) runUntil(cond func() bool) {
	w.t.Helper()
	for i := 0; i < 200000; i++ {
		if cond() {
			return
		}
		w.step()
	}
	w.t.Fatalf("condition not reached; events a=%v b=%v", kinds(w.events[w.a]), kinds(w.events[w.b]))
}

func (w *wire) has(e *Engine, kind EventKind) bool {
	for _, ev := range w.events[e] {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func kinds(evs []Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		if ev.Kind != EventChannelData {
			out = append(out, ev.Kind.String())
		}
	}
	return out
}

var (
	addrA = netip.MustParseAddrPort("10.0.0.1:1000")
	addrB = netip.MustParseAddrPort("10.0.0.2:2000")
)

// negotiatedPair returns an offerer (a, controlling) and answerer (b) that
// know each other's host candidate.
func negotiatedPair(t *testing.T, cfg Config) (*Engine, *Engine) {
	t.Helper()
	a, b := New(cfg), New(cfg)

	offer, err := a.CreateOffer()
	require.NoError(t, err)
	answer, err := b.AcceptOffer(offer)
	require.NoError(t, err)
	require.NoError(t, a.AcceptAnswer(answer))

	require.NoError(t, a.AddLocalCandidate(candidate.New(addrA, candidate.UDP, candidate.Host)))
	require.NoError(t, b.AddLocalCandidate(candidate.New(addrB, candidate.UDP, candidate.Host)))
	require.NoError(t, a.AddRemoteCandidate(candidate.New(addrB, candidate.UDP, candidate.Host)))
	require.NoError(t, b.AddRemoteCandidate(candidate.New(addrA, candidate.UDP, candidate.Host)))
	return a, b
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestDescriptionRoundTrip(t *testing.T) {
	d := newDescription("7d444840-9dc0-11d1-b245-5ffdce74fad2", setupActPass)
	parsed, err := ParseDescription(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestParseDescriptionRejects(t *testing.T) {
	valid := newDescription("7d444840-9dc0-11d1-b245-5ffdce74fad2", setupActive)

	testCases := map[string]string{
		"empty":       "",
		"no version":  "a=ice-ufrag:x\r\na=ice-pwd:y\r\n",
		"bad session": "v=p2pperf/1\r\na=session:nope\r\na=ice-ufrag:x\r\na=ice-pwd:y\r\na=setup:active\r\n",
		"no pwd":      "v=p2pperf/1\r\na=session:" + valid.SessionID + "\r\na=ice-ufrag:x\r\na=setup:active\r\n",
		"bad setup":   "v=p2pperf/1\r\na=session:" + valid.SessionID + "\r\na=ice-ufrag:x\r\na=ice-pwd:y\r\na=setup:passive\r\n",
	}
	for name, raw := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDescription(raw)
			assert.ErrorIs(t, err, ErrBadDescription)
		})
	}
}

func TestNegotiationOrder(t *testing.T) {
	a := New(DefaultConfig())
	assert.ErrorIs(t, a.AcceptAnswer("whatever"), ErrNegotiation)

	offer, err := a.CreateOffer()
	require.NoError(t, err)
	_, err = a.CreateOffer()
	assert.ErrorIs(t, err, ErrNegotiation)
	_, err = a.AcceptOffer(offer)
	assert.ErrorIs(t, err, ErrNegotiation)

	// An answer for another session is refused.
	other := New(DefaultConfig())
	otherOffer, err := other.CreateOffer()
	require.NoError(t, err)
	answer, err := New(DefaultConfig()).AcceptOffer(otherOffer)
	require.NoError(t, err)
	assert.ErrorIs(t, a.AcceptAnswer(answer), ErrBadDescription)

	// An offer is not a valid answer.
	assert.ErrorIs(t, a.AcceptAnswer(otherOffer), ErrBadDescription)
	assert.False(t, a.Negotiated())
}

func TestRemoteCandidateNeedsRemoteDescription(t *testing.T) {
	a := New(DefaultConfig())
	_, err := a.CreateOffer()
	require.NoError(t, err)
	err = a.AddRemoteCandidate(candidate.New(addrB, candidate.UDP, candidate.Host))
	assert.ErrorIs(t, err, ErrNegotiation)
}

func TestConnectOpenTransferClose(t *testing.T) {
	a, b := negotiatedPair(t, DefaultConfig())
	w := newWire(t, a, b)

	w.runUntil(func() bool { return w.has(a, EventChannelOpen) && w.has(b, EventChannelOpen) })

	assert.Equal(t, []string{"connected", "channel-open"}, kinds(w.events[a]))
	assert.Equal(t, []string{"connected", "channel-open"}, kinds(w.events[b]))
	assert.True(t, a.Controlling())
	assert.False(t, b.Controlling())

	local, remote, ok := a.SelectedPair()
	require.True(t, ok)
	assert.Equal(t, addrA, local)
	assert.Equal(t, addrB, remote)

	const messages = 200
	for i := 0; i < messages; i++ {
		require.NoError(t, a.Write(0, []byte(fmt.Sprintf("message-%03d", i))))
	}
	require.NoError(t, a.CloseChannel(0))
	require.NoError(t, a.CloseChannel(0), "close is idempotent")
	assert.ErrorIs(t, a.Write(0, []byte("late")), ErrChannelClosed)

	w.runUntil(func() bool { return w.has(a, EventChannelClosed) && w.has(b, EventChannelClosed) })

	var got [][]byte
	for _, ev := range w.events[b] {
		if ev.Kind == EventChannelData {
			got = append(got, ev.Data)
		}
	}
	require.Len(t, got, messages)
	for i, data := range got {
		assert.True(t, bytes.Equal([]byte(fmt.Sprintf("message-%03d", i)), data), "message %d out of order", i)
	}
	assert.Zero(t, a.Buffered(0))
}

func TestLossyWireStillDeliversInOrder(t *testing.T) {
	a, b := negotiatedPair(t, DefaultConfig())
	w := newWire(t, a, b)
	w.drop = func(n int) bool { return n%5 == 0 }

	w.runUntil(func() bool { return w.has(a, EventChannelOpen) && w.has(b, EventChannelOpen) })

	const messages = 300
	for i := 0; i < messages; i++ {
		require.NoError(t, a.Write(0, []byte{byte(i), byte(i >> 8)}))
	}
	require.NoError(t, a.CloseChannel(0))

	w.runUntil(func() bool { return w.has(a, EventChannelClosed) && w.has(b, EventChannelClosed) })

	i := 0
	for _, ev := range w.events[b] {
		if ev.Kind != EventChannelData {
			continue
		}
		require.Equal(t, []byte{byte(i), byte(i >> 8)}, ev.Data)
		i++
	}
	assert.Equal(t, messages, i)
	assert.Positive(t, a.Stats().Retransmits)
	assert.False(t, w.has(a, EventDisconnected))
}

func TestMalformedDatagramIsRejected(t *testing.T) {
	a, b := negotiatedPair(t, DefaultConfig())
	w := newWire(t, a, b)
	w.runUntil(func() bool { return w.has(b, EventChannelOpen) })

	testCases := [][]byte{
		{0xde, 0xad},
		make([]byte, 64),
		protocol.Encode(&protocol.Packet{Type: protocol.TypeData, Channel: 9, Seq: 1}),
	}
	for _, data := range testCases {
		err := b.HandleInput(Receive{
			At: w.now, Protocol: candidate.UDP, Source: addrA, Destination: addrB, Contents: data,
		})
		assert.ErrorIs(t, err, ErrRejected)
	}

	// Traffic from a stranger is rejected even when well formed.
	err := b.HandleInput(Receive{
		At:          w.now,
		Protocol:    candidate.UDP,
		Source:      netip.MustParseAddrPort("192.0.2.66:6666"),
		Destination: addrB,
		Contents:    protocol.Encode(&protocol.Packet{Type: protocol.TypeAck, Channel: 0, Seq: 1}),
	})
	assert.ErrorIs(t, err, ErrRejected)
	assert.GreaterOrEqual(t, b.Stats().Rejected, 4)

	// The session keeps working.
	require.NoError(t, a.Write(0, []byte("still alive")))
	w.runUntil(func() bool { return w.has(b, EventChannelData) })
}

func TestConnectTimeoutDisconnects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	a, b := negotiatedPair(t, cfg)
	w := newWire(t, a, b)
	w.drop = func(int) bool { return true }

	w.runUntil(func() bool { return w.has(a, EventDisconnected) && w.has(b, EventDisconnected) })
	assert.False(t, w.has(a, EventConnected))

	// A disconnected engine rejects further input.
	err := a.HandleInput(Receive{At: w.now, Protocol: candidate.UDP, Source: addrB, Destination: addrA, Contents: []byte{1}})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestIdleTimeoutAfterConnect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 3 * time.Second
	a, b := negotiatedPair(t, cfg)
	w := newWire(t, a, b)

	w.runUntil(func() bool { return w.has(a, EventChannelOpen) && w.has(b, EventChannelOpen) })

	// Keepalives hold the session up while the wire works.
	start := w.now
	w.runUntil(func() bool { return w.now.Sub(start) > 2*cfg.IdleTimeout })
	assert.False(t, w.has(a, EventDisconnected))

	w.drop = func(int) bool { return true }
	w.runUntil(func() bool { return w.has(a, EventDisconnected) && w.has(b, EventDisconnected) })
}

func TestKeepaliveIsBindingIndication(t *testing.T) {
	a, b := negotiatedPair(t, DefaultConfig())
	w := newWire(t, a, b)
	w.runUntil(func() bool { return w.has(a, EventChannelOpen) && w.has(b, EventChannelOpen) })
	w.runUntil(func() bool { return a.confirmed })

	for out := a.PollOutput(); out.Kind != OutputTimeout; out = a.PollOutput() {
		// Drop whatever is still queued.
	}

	require.NoError(t, a.HandleInput(Timeout{At: a.nextKeepalive}))
	out := a.PollOutput()
	require.Equal(t, OutputTransmit, out.Kind)

	msg := &stun.Message{Raw: out.Transmit.Contents}
	require.NoError(t, msg.Decode())
	assert.Equal(t, bindingIndication, msg.Type)

	// The peer takes it as a sign of life.
	at := b.now.Add(time.Millisecond)
	require.NoError(t, b.HandleInput(Receive{
		At:          at,
		Protocol:    out.Transmit.Protocol,
		Source:      out.Transmit.Source,
		Destination: out.Transmit.Destination,
		Contents:    out.Transmit.Contents,
	}))
	assert.Equal(t, at, b.lastRecv)
}

func TestWriteBeforeOpen(t *testing.T) {
	a, _ := negotiatedPair(t, DefaultConfig())
	assert.ErrorIs(t, a.Write(0, []byte("x")), ErrChannelNotOpen)
	assert.ErrorIs(t, a.CloseChannel(0), ErrChannelNotOpen)
}

func TestCandidatesFrozenAfterConnect(t *testing.T) {
	a, b := negotiatedPair(t, DefaultConfig())
	w := newWire(t, a, b)
	w.runUntil(func() bool { return w.has(a, EventConnected) })

	err := a.AddRemoteCandidate(candidate.New(netip.MustParseAddrPort("10.0.0.3:3000"), candidate.UDP, candidate.Host))
	assert.ErrorIs(t, err, ErrCandidatesFrozen)
}

func TestPeerReflexiveLearning(t *testing.T) {
	// b never learns a's candidate through signaling; it must learn it from
	// a's connectivity check.
	a, b := New(DefaultConfig()), New(DefaultConfig())
	offer, err := a.CreateOffer()
	require.NoError(t, err)
	answer, err := b.AcceptOffer(offer)
	require.NoError(t, err)
	require.NoError(t, a.AcceptAnswer(answer))
	require.NoError(t, a.AddLocalCandidate(candidate.New(addrA, candidate.UDP, candidate.Host)))
	require.NoError(t, b.AddLocalCandidate(candidate.New(addrB, candidate.UDP, candidate.Host)))
	require.NoError(t, a.AddRemoteCandidate(candidate.New(addrB, candidate.UDP, candidate.Host)))

	w := newWire(t, a, b)
	w.runUntil(func() bool { return w.has(b, EventChannelOpen) })

	remotes := b.RemoteCandidates()
	require.Len(t, remotes, 1)
	assert.Equal(t, candidate.PeerReflexive, remotes[0].Kind)
	assert.Equal(t, addrA, remotes[0].AddrPort())
}

func TestReassemblerOrdersAndDeduplicates(t *testing.T) {
	r := NewReassembler()
	pkt := func(seq uint32) *protocol.Packet {
		return &protocol.Packet{Type: protocol.TypeData, Seq: seq}
	}
	seqs := func(ps []*protocol.Packet) []uint32 {
		var out []uint32
		for _, p := range ps {
			out = append(out, p.Seq)
		}
		return out
	}

	assert.Nil(t, r.Feed(pkt(3)))
	assert.Nil(t, r.Feed(pkt(3)))
	assert.Nil(t, r.Feed(pkt(2)))
	assert.Equal(t, 2, r.Pending())
	assert.Equal(t, []uint32{1, 2, 3}, seqs(r.Feed(pkt(1))))
	assert.Nil(t, r.Feed(pkt(2)))
	assert.Equal(t, uint32(3), r.Delivered())
	assert.Equal(t, []uint32{4}, seqs(r.Feed(pkt(4))))
	assert.Zero(t, r.Pending())
}
