package app

import (
	"context"

	"github.com/1ureka/p2pperf/internal/config"
	"github.com/1ureka/p2pperf/internal/quicperf"
	"github.com/1ureka/p2pperf/internal/session"
	"github.com/1ureka/p2pperf/internal/util"
)

// RunQUIC runs the test over a direct QUIC connection. There is no signaling:
// the answer side listens on cfg.ListenAddr and measures, the offer side
// dials cfg.PeerURL and sends.
func RunQUIC(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return session.NewError(session.CategoryConfig, err)
	}
	qcfg := quicperf.Config{
		Sender:      senderConfig(cfg),
		ReportEvery: cfg.ReportEvery,
	}
	stopStats := util.StartStatsReporter(ctx, statsPeriod)
	defer stopStats()

	if cfg.Role == config.RoleAnswer {
		if cfg.Mode != config.ModeRecv {
			util.LogWarning("the QUIC listener always receives; ignoring mode %q", cfg.Mode)
		}
		srv, err := quicperf.Listen(cfg.ListenAddr, qcfg)
		if err != nil {
			return err
		}
		defer srv.Close()
		return classify(srv.Serve(ctx))
	}

	if cfg.Mode != config.ModeSend {
		util.LogWarning("the QUIC dialer always sends; ignoring mode %q", cfg.Mode)
	}
	_, err := quicperf.Dial(ctx, cfg.PeerURL, qcfg)
	return classify(err)
}
