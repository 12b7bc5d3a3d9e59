package engine

import (
	"container/heap"

	"github.com/1ureka/p2pperf/internal/protocol"
)

// Reassembler reorders out-of-order frames within a single channel stream.
// It is owned by the engine and needs no locking.
type Reassembler struct {
	expectedSeq uint32
	buffer      packetHeap
	buffered    map[uint32]struct{}
}

// NewReassembler creates a reassembler expecting sequence numbers starting at 1.
func NewReassembler() *Reassembler {
	return &Reassembler{expectedSeq: 1, buffered: make(map[uint32]struct{})}
}

// Feed processes an incoming frame and returns all frames that can now be
// delivered in sequence order. Returns nil if no frames are ready.
// Duplicates, whether already delivered or already buffered, are dropped.
func (r *Reassembler) Feed(pkt *protocol.Packet) []*protocol.Packet {
	if pkt.Seq < r.expectedSeq {
		return nil
	}

	if pkt.Seq > r.expectedSeq {
		// Future frame: buffer it once.
		if _, dup := r.buffered[pkt.Seq]; !dup {
			r.buffered[pkt.Seq] = struct{}{}
			heap.Push(&r.buffer, pkt)
		}
		return nil
	}

	// pkt.Seq == r.expectedSeq: deliver it and drain any consecutive buffered frames.
	result := []*protocol.Packet{pkt}
	r.expectedSeq++

	for r.buffer.Len() > 0 && r.buffer[0].Seq <= r.expectedSeq {
		next := heap.Pop(&r.buffer).(*protocol.Packet)
		delete(r.buffered, next.Seq)
		if next.Seq == r.expectedSeq {
			result = append(result, next)
			r.expectedSeq++
		}
	}

	return result
}

// Delivered returns the highest sequence number delivered in order so far.
func (r *Reassembler) Delivered() uint32 {
	return r.expectedSeq - 1
}

// Pending returns the number of buffered out-of-order frames.
func (r *Reassembler) Pending() int {
	return r.buffer.Len()
}

// ---------------------------------------------------------------------------
// packetHeap implements a min-heap sorted by Seq.
// ---------------------------------------------------------------------------

type packetHeap []*protocol.Packet

func (h packetHeap) Len() int            { return len(h) }
func (h packetHeap) Less(i, j int) bool  { return h[i].Seq < h[j].Seq }
func (h packetHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x interface{}) { *h = append(*h, x.(*protocol.Packet)) }

func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}
