// Package app contains the top-level orchestration of every variant: it turns
// a validated Config into signaling, data path and throughput roles, runs
// them, and maps failures onto session error categories.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/1ureka/p2pperf/internal/config"
	"github.com/1ureka/p2pperf/internal/engine"
	"github.com/1ureka/p2pperf/internal/session"
	"github.com/1ureka/p2pperf/internal/signaling"
	"github.com/1ureka/p2pperf/internal/throughput"
	"github.com/1ureka/p2pperf/internal/transport"
	"github.com/1ureka/p2pperf/internal/util"
)

// statsPeriod is how often the socket counters are logged.
const statsPeriod = 5 * time.Second

// Run dispatches on cfg.Variant.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return session.NewError(session.CategoryConfig, err)
	}
	switch cfg.Variant {
	case config.VariantWebRTC:
		return RunWebRTC(ctx, cfg)
	case config.VariantQUIC:
		return RunQUIC(ctx, cfg)
	default:
		return RunManual(ctx, cfg)
	}
}

func senderConfig(cfg config.Config) throughput.SenderConfig {
	return throughput.SenderConfig{
		Bandwidth:   cfg.Bandwidth,
		PayloadSize: cfg.PayloadSize,
		Duration:    cfg.Duration,
	}
}

// newApplication returns the throughput role selected by cfg.Mode.
func newApplication(cfg config.Config) (session.Application, error) {
	if cfg.Mode == config.ModeRecv {
		return throughput.NewReceiver(cfg.ReportEvery), nil
	}
	return throughput.NewSender(senderConfig(cfg))
}

// dialSignaling opens the offering side of the configured signaling channel.
// Incremental channels are also returned as such; batched ones return nil.
func dialSignaling(ctx context.Context, cfg config.Config) (signaling.Channel, signaling.Incremental, error) {
	if cfg.Signal == config.SignalWS {
		c, err := signaling.DialWS(ctx, cfg.PeerURL)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	}
	return signaling.NewHTTPClient(cfg.PeerURL), nil, nil
}

// classify wraps err into the session category it belongs to. Errors that
// already carry a category are returned unchanged, and a cancelled context is
// a clean stop.
func classify(err error) error {
	if err == nil || session.CategoryOf(err) != 0 {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, config.ErrInvalid), errors.Is(err, throughput.ErrInvalidRate):
		return session.NewError(session.CategoryConfig, err)
	case errors.Is(err, signaling.ErrSignaling),
		errors.Is(err, engine.ErrBadDescription),
		errors.Is(err, engine.ErrNegotiation):
		return session.NewError(session.CategorySignaling, err)
	case errors.Is(err, transport.ErrPeerFailed), errors.Is(err, session.ErrDisconnected):
		return session.NewError(session.CategoryDisconnect, err)
	}
	return err
}

// logLastKnown reports the counters of an application that did not reach its
// own final report.
func logLastKnown(app session.Application) {
	switch a := app.(type) {
	case *throughput.Receiver:
		if _, ok := a.Result(); ok {
			return
		}
		b, m := a.Progress()
		util.LogWarning("stopped before the end of the test: received %s in %d messages",
			util.FormatBytes(float64(b)), m)
	case *throughput.Sender:
		if a.Done() && a.Err() == nil {
			return
		}
		b, m := a.Progress()
		util.LogWarning("stopped before the end of the test: sent %s in %d messages",
			util.FormatBytes(float64(b)), m)
	}
}
