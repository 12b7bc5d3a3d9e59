package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pperf/internal/candidate"
	"github.com/1ureka/p2pperf/internal/config"
	"github.com/1ureka/p2pperf/internal/engine"
	"github.com/1ureka/p2pperf/internal/session"
	"github.com/1ureka/p2pperf/internal/signaling"
	"github.com/1ureka/p2pperf/internal/throughput"
	"github.com/1ureka/p2pperf/internal/transport"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want session.Category
	}{
		{"config", fmt.Errorf("x: %w", config.ErrInvalid), session.CategoryConfig},
		{"rate", throughput.ErrInvalidRate, session.CategoryConfig},
		{"signaling", fmt.Errorf("post: %w", signaling.ErrSignaling), session.CategorySignaling},
		{"bad answer", engine.ErrBadDescription, session.CategorySignaling},
		{"peer failed", transport.ErrPeerFailed, session.CategoryDisconnect},
		{"already classified", session.NewError(session.CategoryProtocol, fmt.Errorf("x")), session.CategoryProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, session.CategoryOf(classify(tt.err)))
		})
	}

	assert.NoError(t, classify(nil))
	assert.NoError(t, classify(context.Canceled))
	assert.Zero(t, session.CategoryOf(classify(fmt.Errorf("plain"))))
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Bandwidth = 0

	err := Run(context.Background(), cfg)
	assert.Equal(t, session.CategoryConfig, session.CategoryOf(err))
}

func TestOversizePayloadFailsBeforeAnySocket(t *testing.T) {
	for _, transport := range []config.Transport{config.TransportUDP, config.TransportTCP} {
		t.Run(string(transport), func(t *testing.T) {
			cfg := testConfig(t, config.RoleAnswer)
			cfg.Transport = transport
			cfg.PayloadSize = 70000

			err := Run(context.Background(), cfg)
			require.Equal(t, session.CategoryConfig, session.CategoryOf(err))
			assert.ErrorIs(t, err, config.ErrInvalid)

			// Nothing was bound on the signaling address.
			ln, lerr := net.Listen("tcp", cfg.SignalAddr)
			require.NoError(t, lerr)
			ln.Close()
		})
	}
}

// refusingPeer answers the offer, then fails every candidate batch.
type refusingPeer struct {
	eng *engine.Engine
}

func (p *refusingPeer) HandleOffer(_ context.Context, desc string) (string, error) {
	return p.eng.AcceptOffer(desc)
}

func (p *refusingPeer) HandleCandidates(context.Context, []candidate.Candidate) ([]candidate.Candidate, error) {
	return nil, errors.New("peer refuses candidates")
}

func TestWSFailureDuringSetupIsSignalingFailure(t *testing.T) {
	for _, transport := range []config.Transport{config.TransportTCP, config.TransportUDP} {
		t.Run(string(transport), func(t *testing.T) {
			cfg := testConfig(t, config.RoleOffer)
			cfg.Transport = transport
			cfg.Signal = config.SignalWS

			srv := signaling.NewServer(&refusingPeer{eng: engine.New(engine.DefaultConfig())})
			_, err := srv.Start(cfg.SignalAddr)
			require.NoError(t, err)
			defer srv.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			send, err := throughput.NewSender(senderConfig(cfg))
			require.NoError(t, err)

			start := time.Now()
			err = runManual(ctx, cfg, send)
			require.Equal(t, session.CategorySignaling, session.CategoryOf(err), "err=%v", err)
			assert.Contains(t, err.Error(), "peer refuses candidates")
			assert.NoError(t, ctx.Err(), "returned only after %v", time.Since(start))
		})
	}
}

func TestOfferWithoutServerIsSignalingFailure(t *testing.T) {
	cfg := testConfig(t, config.RoleOffer)
	cfg.PeerURL = "127.0.0.1:1"

	err := RunManual(context.Background(), cfg)
	assert.Equal(t, session.CategorySignaling, session.CategoryOf(err))
}

func TestManualLoopback(t *testing.T) {
	for _, tc := range []struct {
		transport config.Transport
		signal    config.Signal
	}{
		{config.TransportUDP, config.SignalHTTP},
		{config.TransportUDP, config.SignalWS},
		{config.TransportTCP, config.SignalHTTP},
	} {
		t.Run(fmt.Sprintf("%s/%s", tc.transport, tc.signal), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			answerCfg := testConfig(t, config.RoleAnswer)
			answerCfg.Transport, answerCfg.Signal = tc.transport, tc.signal
			answerCfg.Mode = config.ModeRecv
			offerCfg := answerCfg
			offerCfg.Role = config.RoleOffer
			offerCfg.Mode = config.ModeSend
			offerCfg.PeerURL = answerCfg.SignalAddr

			recv := throughput.NewReceiver(0)
			answered := make(chan error, 1)
			go func() { answered <- runManual(ctx, answerCfg, recv) }()
			waitListening(t, answerCfg.SignalAddr)

			send, err := throughput.NewSender(senderConfig(offerCfg))
			require.NoError(t, err)
			require.NoError(t, runManual(ctx, offerCfg, send))
			require.NoError(t, <-answered)

			rep, ok := recv.Result()
			require.True(t, ok)
			assert.Equal(t, throughput.ReportFinal, rep.Kind)
			sentBytes, sentMsgs := send.Progress()
			assert.Equal(t, sentBytes, rep.Bytes)
			assert.Equal(t, sentMsgs, rep.Messages)
			assert.EqualValues(t, 20, sentMsgs)
		})
	}
}

// testConfig returns a loopback-only configuration with a free signaling port.
func testConfig(t *testing.T, role config.Role) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Role = role
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.SignalAddr = freeAddr(t)
	cfg.PeerURL = cfg.SignalAddr
	cfg.STUNServers = nil
	cfg.Bandwidth = 8 * 1024 * 100 // one 1 KiB payload every 10ms
	cfg.PayloadSize = 1024
	cfg.Duration = 200 * time.Millisecond
	return cfg
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func waitListening(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)
}
