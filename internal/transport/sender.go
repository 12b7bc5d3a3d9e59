package transport

import (
	"context"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pperf/internal/util"
)

const (
	highWaterMark  = 1024 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 256 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64          // outgoing message channel capacity
)

// sender is a goroutine-based message writer that serializes all writes to a
// single DataChannel, adding open-gate and backpressure control.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
	fail        func(error)
	queued      atomic.Int64 // enqueued, not yet handed to the DataChannel
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled or a send
// fails, in which case fail is called once.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}, fail func(error)) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		fail:        fail,
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case msg := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			err := dc.Send(msg)
			s.queued.Add(-1)
			if err != nil {
				util.Stats.AddSendError()
				util.LogError("failed to send %d-byte message: %v", len(msg), err)
				s.fail(err)
				return
			}

			util.Stats.AddSent(len(msg))
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a message. It blocks while the inbox is full and reports
// false when ctx is cancelled first.
func (s *sender) send(ctx context.Context, msg []byte) bool {
	s.queued.Add(1)
	select {
	case s.inbox <- msg:
		return true
	case <-ctx.Done():
		s.queued.Add(-1)
		return false
	}
}
