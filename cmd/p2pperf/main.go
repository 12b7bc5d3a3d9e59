// p2pperf: CLI entry point.
//
// This tool measures direct peer-to-peer throughput. Two processes exchange a
// session description and candidate lists over HTTP or WebSocket signaling,
// establish a path through NAT, and one of them sends a paced synthetic load
// that the other measures.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (--variant, --role, --mode, --peer, …) and an optional YAML file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/1ureka/p2pperf/internal/app"
	"github.com/1ureka/p2pperf/internal/config"
	"github.com/1ureka/p2pperf/internal/session"
	"github.com/1ureka/p2pperf/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, interactive, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(2)
	}

	pterm.Info.Println(fmt.Sprintf("p2pperf — v%s", version))
	pterm.Println()

	if interactive {
		cfg = runInteractive(cfg)
	}

	if err := app.Run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(exitCode(err))
	}
	util.LogInfo("session closed")
}

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

// parseFlags builds the configuration: defaults, then the YAML file named by
// --config, then every flag set explicitly. interactive is set when no
// variant was chosen anywhere.
func parseFlags(args []string) (cfg config.Config, interactive bool, err error) {
	fs := pflag.NewFlagSet("p2pperf", pflag.ContinueOnError)

	def := config.Default()
	configPath := fs.String("config", "", "YAML configuration file")
	variant := fs.String("variant", "", "manual, webrtc or quic (prompts when empty)")
	role := fs.String("role", string(def.Role), "offer or answer")
	mode := fs.String("mode", string(def.Mode), "send or recv")
	transport := fs.String("transport", string(def.Transport), "data socket of the manual variant: udp or tcp")
	signalFlag := fs.String("signal", string(def.Signal), "signaling channel: http or ws")
	bandwidth := fs.String("bandwidth", "8M", "target rate in bits per second (k, M and G suffixes)")
	duration := fs.Duration("duration", def.Duration, "sender test duration")
	payload := fs.Int("payload", def.PayloadSize, "payload size in bytes")
	reportEvery := fs.Int("report-every", def.ReportEvery, "receiver interval report period, in messages (0 disables)")
	listen := fs.String("listen", def.ListenAddr, "data socket bind address")
	signalAddr := fs.String("signal-addr", def.SignalAddr, "answer side: signaling server bind address")
	peer := fs.String("peer", "", "offer side: signaling URL (or QUIC address)")
	stun := fs.StringSlice("stun", def.STUNServers, "STUN servers (host:port)")
	debug := fs.Bool("debug", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return cfg, false, err
	}
	if fs.NArg() > 0 {
		return cfg, false, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if *debug {
		util.EnableDebug()
	}

	cfg = def
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, false, err
		}
	}

	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("variant", func() { cfg.Variant = config.Variant(*variant) })
	set("role", func() { cfg.Role = config.Role(*role) })
	set("mode", func() { cfg.Mode = config.Mode(*mode) })
	set("transport", func() { cfg.Transport = config.Transport(*transport) })
	set("signal", func() { cfg.Signal = config.Signal(*signalFlag) })
	set("duration", func() { cfg.Duration = *duration })
	set("payload", func() { cfg.PayloadSize = *payload })
	set("report-every", func() { cfg.ReportEvery = *reportEvery })
	set("listen", func() { cfg.ListenAddr = *listen })
	set("signal-addr", func() { cfg.SignalAddr = *signalAddr })
	set("peer", func() { cfg.PeerURL = *peer })
	set("stun", func() { cfg.STUNServers = *stun })
	if fs.Changed("bandwidth") {
		if cfg.Bandwidth, err = parseRate(*bandwidth); err != nil {
			return cfg, false, err
		}
	}

	interactive = !fs.Changed("variant") && *configPath == ""
	return cfg, interactive, nil
}

// parseRate reads a bit rate such as "8M" or "1500000".
func parseRate(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	mult := 1.0
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'k', 'K':
			mult, s = 1e3, s[:n-1]
		case 'm', 'M':
			mult, s = 1e6, s[:n-1]
		case 'g', 'G':
			mult, s = 1e9, s[:n-1]
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: bad bandwidth %q", config.ErrInvalid, raw)
	}
	return v * mult, nil
}

// exitCode maps a session failure category to the process exit status.
func exitCode(err error) int {
	if c := session.CategoryOf(err); c != 0 {
		return 10 + int(c)
	}
	return 1
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// runInteractive asks for the variant, role and peer when no flags chose
// them.
func runInteractive(cfg config.Config) config.Config {
	variant, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"manual — poll-driven session engine",
			"webrtc — pion PeerConnection + DataChannel",
			"quic   — direct QUIC stream",
		}).
		WithDefaultText("Select the variant").
		Show()
	cfg.Variant = config.Variant(strings.TrimSpace(strings.SplitN(variant, "—", 2)[0]))
	pterm.Println()

	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"offer  — dial the peer and send", "answer — wait for the peer and receive"}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	if strings.HasPrefix(role, "offer") {
		cfg.Role, cfg.Mode = config.RoleOffer, config.ModeSend
		cfg.PeerURL = askText("Peer address (e.g. http://203.0.113.7:8080)", cfg.PeerURL)
		cfg.Bandwidth = askRate(cfg.Bandwidth)
		cfg.Duration = askDuration(cfg.Duration)
	} else {
		cfg.Role, cfg.Mode = config.RoleAnswer, config.ModeRecv
	}
	return cfg
}

// askText prompts until a value is entered; an empty answer takes def when
// there is one.
func askText(prompt, def string) string {
	if def != "" {
		prompt = fmt.Sprintf("%s [%s]", prompt, def)
	}
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		pterm.Println()

		if v := strings.TrimSpace(raw); v != "" {
			return v
		}
		if def != "" {
			return def
		}
		util.LogWarning("a value is required")
	}
}

func askRate(def float64) float64 {
	for {
		raw := askText("Target rate in bit/s (e.g. 8M)", strconv.FormatFloat(def, 'f', -1, 64))
		if v, err := parseRate(raw); err == nil {
			return v
		}
		util.LogWarning("invalid rate: use a positive number with an optional k, M or G suffix")
	}
}

func askDuration(def time.Duration) time.Duration {
	for {
		raw := askText("Test duration (e.g. 5s)", def.String())
		if v, err := time.ParseDuration(raw); err == nil && v > 0 {
			return v
		}
		util.LogWarning("invalid duration")
	}
}
