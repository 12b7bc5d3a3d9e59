package engine

import (
	"time"

	"github.com/1ureka/p2pperf/internal/protocol"
)

type outgoing struct {
	pkt    *protocol.Packet
	sentAt time.Time
}

// channel is the single reliable, ordered message stream running over the
// selected pair. Sent frames stay in flight until covered by a cumulative
// ACK; received frames pass through a Reassembler.
type channel struct {
	id     uint16
	opener bool
	open   bool

	openSentAt time.Time

	seq      SeqGen
	queue    []*protocol.Packet // waiting for window space
	inflight []*outgoing        // ascending, contiguous seq range
	acked    uint32
	closeSeq uint32 // seq of our CLOSE frame, 0 until CloseChannel

	reasm      *Reassembler
	ackAt      time.Time // zero when no ACK is owed
	unacked    int
	peerClosed bool

	closedEmitted bool
}

func newChannel(id uint16, opener bool) *channel {
	return &channel{
		id:     id,
		opener: opener,
		reasm:  NewReassembler(),
	}
}

func (c *channel) sendOpen(e *Engine) {
	c.openSentAt = e.now
	e.send(e.selected, protocol.Encode(&protocol.Packet{Type: protocol.TypeOpen, Channel: c.id}))
}

func (c *channel) markOpen(e *Engine) {
	if c.open {
		return
	}
	c.open = true
	e.emit(Event{Kind: EventChannelOpen, ChannelID: c.id})
}

func (c *channel) markClosed(e *Engine) {
	if c.closedEmitted {
		return
	}
	c.closedEmitted = true
	e.emit(Event{Kind: EventChannelClosed, ChannelID: c.id})
}

// onTimer retransmits the OPEN and every frame whose RTO expired.
func (c *channel) onTimer(e *Engine) {
	if c.opener && !c.open && !e.now.Before(c.openSentAt.Add(e.cfg.RTO)) {
		c.sendOpen(e)
	}
	for _, o := range c.inflight {
		if !e.now.Before(o.sentAt.Add(e.cfg.RTO)) {
			o.sentAt = e.now
			e.stats.Retransmits++
			e.send(e.selected, protocol.Encode(o.pkt))
		}
	}
}

func (c *channel) deadline(e *Engine) (time.Time, bool) {
	var d time.Time
	earlier := func(t time.Time) {
		if d.IsZero() || t.Before(d) {
			d = t
		}
	}

	if c.opener && !c.open {
		earlier(c.openSentAt.Add(e.cfg.RTO))
	}
	for _, o := range c.inflight {
		earlier(o.sentAt.Add(e.cfg.RTO))
	}
	if !c.ackAt.IsZero() {
		earlier(c.ackAt)
	}
	return d, !d.IsZero()
}

// flush moves queued frames into flight while the window allows and sends a
// due ACK.
func (c *channel) flush(e *Engine) {
	if c.open {
		for len(c.queue) > 0 && len(c.inflight) < e.cfg.Window {
			pkt := c.queue[0]
			c.queue = c.queue[1:]
			c.inflight = append(c.inflight, &outgoing{pkt: pkt, sentAt: e.now})
			e.send(e.selected, protocol.Encode(pkt))
		}
	}

	if !c.ackAt.IsZero() && !e.now.Before(c.ackAt) {
		c.ackAt = time.Time{}
		c.unacked = 0
		e.send(e.selected, protocol.Encode(&protocol.Packet{
			Type:    protocol.TypeAck,
			Channel: c.id,
			Seq:     c.reasm.Delivered(),
		}))
	}
}

// receive handles a sequenced frame from the peer.
func (c *channel) receive(e *Engine, pkt *protocol.Packet) {
	for _, d := range c.reasm.Feed(pkt) {
		switch d.Type {
		case protocol.TypeData:
			e.emit(Event{Kind: EventChannelData, ChannelID: c.id, Data: d.Payload})
		case protocol.TypeClose:
			c.peerClosed = true
			c.markClosed(e)
		}
	}

	// Duplicates are acknowledged too, so a lost ACK cannot stall the peer.
	c.unacked++
	switch {
	case c.peerClosed || c.unacked >= e.cfg.AckEvery || c.reasm.Pending() > 0:
		c.ackAt = e.now
	case c.ackAt.IsZero():
		c.ackAt = e.now.Add(e.cfg.AckDelay)
	}
}

// ack applies a cumulative acknowledgement.
func (c *channel) ack(e *Engine, seq uint32) {
	if seq <= c.acked {
		return
	}
	n := 0
	for n < len(c.inflight) && c.inflight[n].pkt.Seq <= seq {
		n++
	}
	c.inflight = c.inflight[n:]
	c.acked = seq

	if c.closeSeq != 0 && c.acked >= c.closeSeq {
		c.markClosed(e)
	}
}

func (c *channel) enqueue(pkt *protocol.Packet) {
	pkt.Seq = c.seq.Next()
	c.queue = append(c.queue, pkt)
}

// ---------------------------------------------------------------------------
// Engine-level channel API
// ---------------------------------------------------------------------------

func (e *Engine) channelFor(id uint16) (*channel, error) {
	if e.state != stateConnected || e.ch == nil || e.ch.id != id || !e.ch.open {
		return nil, ErrChannelNotOpen
	}
	if e.ch.closeSeq != 0 || e.ch.closedEmitted {
		return nil, ErrChannelClosed
	}
	return e.ch, nil
}

// Write queues one message on the channel. It never blocks; the message is
// transmitted by subsequent PollOutput calls as the window allows.
func (e *Engine) Write(id uint16, data []byte) error {
	ch, err := e.channelFor(id)
	if err != nil {
		return err
	}
	ch.enqueue(&protocol.Packet{
		Type:    protocol.TypeData,
		Channel: id,
		Payload: append([]byte(nil), data...),
	})
	return nil
}

// CloseChannel queues a CLOSE after every message already written.
// EventChannelClosed follows once the peer acknowledged it.
func (e *Engine) CloseChannel(id uint16) error {
	if e.ch != nil && e.ch.id == id && e.ch.closeSeq != 0 {
		return nil
	}
	ch, err := e.channelFor(id)
	if err != nil {
		return err
	}
	ch.enqueue(&protocol.Packet{Type: protocol.TypeClose, Channel: id})
	ch.closeSeq = ch.seq.Last()
	return nil
}

// Buffered returns the number of channel frames not yet acknowledged.
func (e *Engine) Buffered(id uint16) int {
	if e.ch == nil || e.ch.id != id {
		return 0
	}
	return len(e.ch.queue) + len(e.ch.inflight)
}

func (e *Engine) flush() {
	if e.state == stateConnected && e.ch != nil {
		e.ch.flush(e)
	}
}

func (e *Engine) handleFrame(in Receive) error {
	pkt, err := protocol.Decode(in.Contents)
	if err != nil {
		return reject("%v", err)
	}

	if e.state == stateChecking && !e.controlling && pkt.Type == protocol.TypeOpen {
		// The nominating request was lost but the controlling side already
		// uses this pair.
		local, ok := e.localFor(in.Destination, in.Protocol)
		if !ok {
			return reject("OPEN on unknown local address %s", in.Destination)
		}
		p := e.findPair(local.AddrPort(), in.Source, in.Protocol)
		if p == nil {
			return reject("OPEN from unknown peer %s", in.Source)
		}
		e.connect(p)
	}

	if e.state != stateConnected {
		return reject("channel frame from %s before connectivity", in.Source)
	}
	if _, ok := e.remoteFor(in.Source, in.Protocol); !ok {
		return reject("channel frame from unknown %s", in.Source)
	}
	e.touch()
	e.confirmed = true

	switch pkt.Type {
	case protocol.TypeOpen:
		if e.controlling {
			return reject("OPEN sent to the controlling side")
		}
		if e.ch == nil {
			e.ch = newChannel(pkt.Channel, false)
		} else if e.ch.id != pkt.Channel {
			return reject("OPEN for channel %d, already using %d", pkt.Channel, e.ch.id)
		}
		e.send(e.selected, protocol.Encode(&protocol.Packet{Type: protocol.TypeOpenAck, Channel: pkt.Channel}))
		e.ch.markOpen(e)

	case protocol.TypeOpenAck:
		if !e.controlling || e.ch == nil || e.ch.id != pkt.Channel {
			return reject("unexpected OPEN-ACK for channel %d", pkt.Channel)
		}
		e.ch.markOpen(e)

	case protocol.TypeData, protocol.TypeClose:
		if e.ch == nil || e.ch.id != pkt.Channel {
			return reject("frame for unknown channel %d", pkt.Channel)
		}
		// Data implies the peer saw our OPEN even if its OPEN-ACK was lost.
		e.ch.markOpen(e)
		e.ch.receive(e, pkt)

	case protocol.TypeAck:
		if e.ch == nil || e.ch.id != pkt.Channel {
			return reject("ACK for unknown channel %d", pkt.Channel)
		}
		e.ch.ack(e, pkt.Seq)
	}
	return nil
}
