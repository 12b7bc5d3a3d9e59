// Package transport is the managed WebRTC variant: a pion PeerConnection and
// one DataChannel, exposed as an ordered byte stream.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pperf/internal/util"
)

const flushPoll = 10 * time.Millisecond

// ErrPeerFailed is returned by Read and Write once ICE gave up on the peer.
var ErrPeerFailed = errors.New("peer connection failed")

// Transport wraps a single PeerConnection + DataChannel pair, providing a
// high-level API for signaling exchange and an io.ReadWriter over the
// channel. Every Write becomes one DataChannel message; inbound messages are
// concatenated in order.
//
// Its lifecycle is governed by the DataChannel state, the PeerConnection
// failing, and the context passed at construction time.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	inR *io.PipeReader
	inW *io.PipeWriter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
	err     error
}

// New creates a Transport backed by a new PeerConnection and a
// pre-negotiated DataChannel. Signaling is driven by Offer or Answerer; data
// flows through Read and Write once Ready is closed.
func New(ctx context.Context, stunServers []string) (*Transport, error) {
	pc, err := newPeerConnection(stunServers)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)
	inR, inW := io.Pipe()

	t := &Transport{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		inR:        inR,
		inW:        inW,
		ctx:        tCtx,
		cancel:     tCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		util.LogDebug("DataChannel open")
		openOnce.Do(func() { close(t.openSignal) })
	})

	// DC close → end of stream.
	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		t.stop(nil)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		if _, err := t.inW.Write(msg.Data); err != nil {
			util.LogDebug("dropping %d-byte message after close", len(msg.Data))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed {
			t.stop(ErrPeerFailed)
		}
	})

	t.sender = newSender(tCtx, dc, t.openSignal, t.stop)

	return t, nil
}

// stop ends the stream. A nil err reads as a clean end of stream.
func (t *Transport) stop(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()

	if err != nil {
		t.inW.CloseWithError(err)
	} else {
		t.inW.Close()
	}
	t.cancel()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open and
// the Transport is ready to send and receive.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the Transport is shut down
// (DataChannel closed, peer failed or parent context cancelled).
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Err returns why the transport stopped, nil for a clean close.
func (t *Transport) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	t.stop(nil)
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Write enqueues p as one DataChannel message. p is copied.
func (t *Transport) Write(p []byte) (int, error) {
	msg := append([]byte(nil), p...)
	if !t.sender.send(t.ctx, msg) {
		if err := t.Err(); err != nil {
			return 0, err
		}
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

// Read reads inbound channel bytes in arrival order. It returns io.EOF after
// the DataChannel closed.
func (t *Transport) Read(p []byte) (int, error) {
	return t.inR.Read(p)
}

// Flush blocks until every queued message left the DataChannel buffer.
func (t *Transport) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPoll)
	defer ticker.Stop()
	for t.sender.queued.Load() > 0 || t.dc.BufferedAmount() > 0 {
		select {
		case <-ticker.C:
		case <-t.ctx.Done():
			return t.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
