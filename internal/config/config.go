// Package config holds the run configuration shared by every variant.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/p2pperf/internal/protocol"
	"github.com/1ureka/p2pperf/internal/throughput"
)

// dataChannelMessage is pion's default SCTP max-message-size.
const dataChannelMessage = 65536

// Variant selects the connection technique under test.
type Variant string

const (
	VariantManual Variant = "manual" // poll-driven session engine
	VariantWebRTC Variant = "webrtc" // managed PeerConnection + DataChannel
	VariantQUIC   Variant = "quic"   // direct QUIC stream
)

// Role is the signaling role. The offer side is also the ICE-controlling side.
type Role string

const (
	RoleOffer  Role = "offer"
	RoleAnswer Role = "answer"
)

// Mode decides which end of the throughput test this process plays.
type Mode string

const (
	ModeSend Mode = "send"
	ModeRecv Mode = "recv"
)

// Transport is the data-path socket type of the manual variant.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
)

// Signal selects how signaling payloads are exchanged.
type Signal string

const (
	SignalHTTP Signal = "http" // batched request/response
	SignalWS   Signal = "ws"   // incremental over a WebSocket
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config stores every parameter gathered from flags, prompts or a YAML file.
type Config struct {
	Variant   Variant   `yaml:"variant"`
	Role      Role      `yaml:"role"`
	Mode      Mode      `yaml:"mode"`
	Transport Transport `yaml:"transport"`
	Signal    Signal    `yaml:"signal"`

	Bandwidth   float64       `yaml:"bandwidth"`    // target rate in bits per second
	Duration    time.Duration `yaml:"duration"`     // sender test budget
	PayloadSize int           `yaml:"payload_size"` // bytes per message
	ReportEvery int           `yaml:"report_every"` // receiver partial report period, in messages

	ListenAddr  string   `yaml:"listen"`      // data socket bind address (manual, quic)
	SignalAddr  string   `yaml:"signal_addr"` // answer side: signaling server bind address
	PeerURL     string   `yaml:"peer"`        // offer side: signaling URL, or QUIC address
	STUNServers []string `yaml:"stun"`
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		Variant:     VariantManual,
		Role:        RoleOffer,
		Mode:        ModeSend,
		Transport:   TransportUDP,
		Signal:      SignalHTTP,
		Bandwidth:   8 * 1000 * 1000,
		Duration:    5 * time.Second,
		PayloadSize: 1024,
		ReportEvery: 100,
		ListenAddr:  "0.0.0.0:0",
		SignalAddr:  "127.0.0.1:8080",
		STUNServers: []string{"stun.l.google.com:19302"},
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that would fail mid-test. It must pass
// before any session loop starts.
func (c Config) Validate() error {
	switch c.Variant {
	case VariantManual, VariantWebRTC, VariantQUIC:
	default:
		return fmt.Errorf("%w: unknown variant %q", ErrInvalid, c.Variant)
	}
	switch c.Role {
	case RoleOffer, RoleAnswer:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalid, c.Role)
	}
	switch c.Mode {
	case ModeSend, ModeRecv:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, c.Mode)
	}
	switch c.Transport {
	case TransportUDP, TransportTCP:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}
	switch c.Signal {
	case SignalHTTP, SignalWS:
	default:
		return fmt.Errorf("%w: unknown signal channel %q", ErrInvalid, c.Signal)
	}

	if c.Bandwidth <= 0 {
		return fmt.Errorf("%w: bandwidth must be positive, got %v", ErrInvalid, c.Bandwidth)
	}
	if c.PayloadSize <= 0 {
		return fmt.Errorf("%w: payload size must be positive, got %d", ErrInvalid, c.PayloadSize)
	}
	if limit := c.MaxPayload(); c.PayloadSize > limit {
		return fmt.Errorf("%w: payload size %d exceeds %d for %s", ErrInvalid, c.PayloadSize, limit, c.carrier())
	}
	if c.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %s", ErrInvalid, c.Duration)
	}
	if c.ReportEvery < 0 {
		return fmt.Errorf("%w: report period must not be negative", ErrInvalid)
	}
	if c.Role == RoleOffer && c.PeerURL == "" {
		return fmt.Errorf("%w: offer side needs a peer address", ErrInvalid)
	}
	return nil
}

// MaxPayload returns the largest payload one message of the configured
// variant can carry.
func (c Config) MaxPayload() int {
	switch c.Variant {
	case VariantWebRTC:
		return dataChannelMessage - throughput.FrameHeader
	case VariantQUIC:
		return throughput.MaxFrameSize
	}
	if c.Transport == TransportTCP {
		return protocol.MaxTCPFrame - protocol.HeaderSize
	}
	return protocol.MaxUDPFrame - protocol.HeaderSize
}

func (c Config) carrier() string {
	if c.Variant == VariantManual {
		return string(c.Variant) + "/" + string(c.Transport)
	}
	return string(c.Variant)
}
