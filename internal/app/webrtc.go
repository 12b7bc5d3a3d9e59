package app

import (
	"context"
	"time"

	"github.com/1ureka/p2pperf/internal/config"
	"github.com/1ureka/p2pperf/internal/session"
	"github.com/1ureka/p2pperf/internal/signaling"
	"github.com/1ureka/p2pperf/internal/throughput"
	"github.com/1ureka/p2pperf/internal/transport"
	"github.com/1ureka/p2pperf/internal/util"
)

// peerCloseWait bounds how long a finished sender waits for the receiver to
// close the DataChannel.
const peerCloseWait = 5 * time.Second

// RunWebRTC runs the test over a pion PeerConnection and DataChannel,
// exchanging descriptions and candidates over the same signaling channels as
// the manual variant.
func RunWebRTC(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return session.NewError(session.CategoryConfig, err)
	}
	if cfg.Mode == config.ModeSend {
		if _, err := throughput.Interval(cfg.Bandwidth, cfg.PayloadSize); err != nil {
			return classify(err)
		}
	}

	tr, err := transport.New(ctx, cfg.STUNServers)
	if err != nil {
		return err
	}
	defer tr.Close()

	if err := establish(ctx, cfg, tr); err != nil {
		return classify(err)
	}
	util.LogSuccess("DataChannel open")
	stopStats := util.StartStatsReporter(ctx, statsPeriod)
	defer stopStats()

	if cfg.Mode == config.ModeRecv {
		rep, err := throughput.ReceiveStream(tr, 0, throughput.NewMeter(cfg.ReportEvery))
		logReport(rep)
		return classify(err)
	}

	rep, err := throughput.SendStream(ctx, tr, senderConfig(cfg))
	if err == nil {
		err = tr.Flush(ctx)
	}
	if err != nil {
		logReport(rep)
		return classify(err)
	}
	util.LogSuccess("sent %d payloads (%s) plus the end-of-test marker",
		rep.Messages, util.FormatBytes(float64(rep.Bytes)))

	select {
	case <-tr.Done():
	case <-time.After(peerCloseWait):
	case <-ctx.Done():
	}
	return nil
}

// establish runs signaling for the configured role and returns once the
// DataChannel is open.
func establish(ctx context.Context, cfg config.Config, tr *transport.Transport) error {
	if cfg.Role == config.RoleOffer {
		ch, inc, err := dialSignaling(ctx, cfg)
		if err != nil {
			return err
		}
		defer ch.Close()
		return transport.Offer(ctx, tr, ch, inc)
	}

	a := transport.NewAnswerer(tr)
	srv := signaling.NewServer(a)
	addr, err := srv.Start(cfg.SignalAddr)
	if err != nil {
		return err
	}
	defer srv.Close()
	util.LogInfo("signaling server listening on http://%s (offer side: --peer %s)", addr, addr)

	return a.Wait(ctx)
}

func logReport(rep throughput.Report) {
	switch rep.Kind {
	case throughput.ReportFinal:
		util.LogSuccess("%s", rep)
	default:
		util.LogWarning("%s", rep)
	}
}
