package transport

import (
	"context"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pperf/internal/candidate"
	"github.com/1ureka/p2pperf/internal/signaling"
	"github.com/1ureka/p2pperf/internal/throughput"
)

// directChannel hands every signaling message straight to a Handler.
type directChannel struct{ h signaling.Handler }

func (c directChannel) SubmitOffer(ctx context.Context, desc string) (string, error) {
	return c.h.HandleOffer(ctx, desc)
}

func (c directChannel) PublishCandidates(ctx context.Context, cands []candidate.Candidate) ([]candidate.Candidate, error) {
	return c.h.HandleCandidates(ctx, cands)
}

func (directChannel) Close() error { return nil }

// mutedChannel delivers the offer but never the candidates, so no pair can
// ever connect.
type mutedChannel struct{ directChannel }

func (mutedChannel) PublishCandidates(context.Context, []candidate.Candidate) ([]candidate.Candidate, error) {
	return nil, nil
}

// brokenSignal is an incremental channel that already failed.
type brokenSignal struct{ ch chan []candidate.Candidate }

func (b brokenSignal) Incoming() <-chan []candidate.Candidate { return b.ch }
func (brokenSignal) Err() error {
	return fmt.Errorf("%w: peer: gone", signaling.ErrSignaling)
}

const sampleSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 0.0.0.0\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host generation 0\r\n" +
	"a=candidate:2 1 udp 1694498815 198.51.100.7 6000 typ srflx raddr 192.0.2.1 rport 5000\r\n" +
	"a=candidate:3 1 udp 16777215 203.0.113.9 7000 typ relay raddr 0.0.0.0 rport 0\r\n" +
	"a=candidate:4 1 udp 2130706431 4f1a.local 5001 typ host\r\n" +
	"a=end-of-candidates\r\n"

func TestCandidatesFromSDP(t *testing.T) {
	cands, err := candidatesFromSDP(sampleSDP)
	require.NoError(t, err)

	want := []candidate.Candidate{
		candidate.New(netip.MustParseAddrPort("192.0.2.1:5000"), candidate.UDP, candidate.Host),
		candidate.New(netip.MustParseAddrPort("198.51.100.7:6000"), candidate.UDP, candidate.ServerReflexive),
	}
	assert.Equal(t, want, cands)

	_, err = candidatesFromSDP("not sdp")
	assert.Error(t, err)
}

func TestToICEKeepsCandidateLine(t *testing.T) {
	c := candidate.New(netip.MustParseAddrPort("192.0.2.1:5000"), candidate.UDP, candidate.Host)
	init := toICE(c)
	require.NotNil(t, init.SDPMLineIndex)

	back, err := candidate.Parse(init.Candidate)
	require.NoError(t, err)
	assert.Equal(t, c, back)
}

func TestAnswererQueuesEarlyCandidates(t *testing.T) {
	tr, err := New(context.Background(), nil)
	require.NoError(t, err)
	defer tr.Close()

	a := NewAnswerer(tr)
	early := candidate.New(netip.MustParseAddrPort("192.0.2.1:5000"), candidate.UDP, candidate.Host)

	locals, err := a.HandleCandidates(context.Background(), []candidate.Candidate{early})
	require.NoError(t, err)
	assert.Empty(t, locals)
	assert.Equal(t, 1, a.pending.Len())
}

func TestLoopbackStream(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	offerer, err := New(ctx, nil)
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := New(ctx, nil)
	require.NoError(t, err)
	defer answerer.Close()

	a := NewAnswerer(answerer)
	require.NoError(t, Offer(ctx, offerer, directChannel{a}, nil))
	require.NoError(t, a.Wait(ctx))

	cfg := throughput.SenderConfig{Bandwidth: 8 * 1024 * 100, PayloadSize: 1024, Duration: 200 * time.Millisecond}
	sent := make(chan throughput.Report, 1)
	go func() {
		rep, err := throughput.SendStream(ctx, offerer, cfg)
		assert.NoError(t, err)
		assert.NoError(t, offerer.Flush(ctx))
		sent <- rep
	}()

	got, err := throughput.ReceiveStream(answerer, 1, throughput.NewMeter(0))
	require.NoError(t, err)
	assert.Equal(t, throughput.ReportFinal, got.Kind)

	rep := <-sent
	assert.Equal(t, rep.Messages, got.Messages)
	assert.Equal(t, rep.Bytes, got.Bytes)
}

func TestOfferFailsWhenSignalingIsLost(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real sockets")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	offerer, err := New(ctx, nil)
	require.NoError(t, err)
	defer offerer.Close()
	answerer, err := New(ctx, nil)
	require.NoError(t, err)
	defer answerer.Close()

	lost := brokenSignal{ch: make(chan []candidate.Candidate)}
	close(lost.ch)

	err = Offer(ctx, offerer, mutedChannel{directChannel{NewAnswerer(answerer)}}, lost)
	require.ErrorIs(t, err, signaling.ErrSignaling)
	assert.Contains(t, err.Error(), "gone")
	assert.NoError(t, ctx.Err())
}
