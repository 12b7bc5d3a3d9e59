package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Default()
	cfg.PeerURL = "http://127.0.0.1:8080"
	return cfg
}

func TestDefaultIsValidWithPeer(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero bandwidth", func(c *Config) { c.Bandwidth = 0 }},
		{"negative bandwidth", func(c *Config) { c.Bandwidth = -1 }},
		{"zero payload", func(c *Config) { c.PayloadSize = 0 }},
		{"payload over a UDP datagram", func(c *Config) { c.PayloadSize = 70000 }},
		{"payload over a TCP frame", func(c *Config) {
			c.Transport = TransportTCP
			c.PayloadSize = 0xFFFF
		}},
		{"payload over a DataChannel message", func(c *Config) {
			c.Variant = VariantWebRTC
			c.PayloadSize = 65536
		}},
		{"zero duration", func(c *Config) { c.Duration = 0 }},
		{"unknown mode", func(c *Config) { c.Mode = "both" }},
		{"unknown role", func(c *Config) { c.Role = "" }},
		{"unknown transport", func(c *Config) { c.Transport = "sctp" }},
		{"unknown signal", func(c *Config) { c.Signal = "carrier-pigeon" }},
		{"unknown variant", func(c *Config) { c.Variant = "libp2p" }},
		{"offer without peer", func(c *Config) { c.PeerURL = "" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestMaxPayloadPerCarrier(t *testing.T) {
	testCases := []struct {
		variant   Variant
		transport Transport
		want      int
	}{
		{VariantManual, TransportUDP, 65500},
		{VariantManual, TransportTCP, 65528},
		{VariantWebRTC, TransportUDP, 65532},
		{VariantQUIC, TransportUDP, 1 << 20},
	}

	for _, tc := range testCases {
		t.Run(string(tc.variant)+"/"+string(tc.transport), func(t *testing.T) {
			cfg := validConfig()
			cfg.Variant = tc.variant
			cfg.Transport = tc.transport
			assert.Equal(t, tc.want, cfg.MaxPayload())

			cfg.PayloadSize = tc.want
			assert.NoError(t, cfg.Validate())
			cfg.PayloadSize++
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestAnswerSideNeedsNoPeer(t *testing.T) {
	cfg := Default()
	cfg.Role = RoleAnswer
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2pperf.yaml")
	content := []byte("mode: recv\nbandwidth: 16000000\nduration: 2s\npeer: http://10.0.0.2:8080\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeRecv, cfg.Mode)
	assert.Equal(t, float64(16000000), cfg.Bandwidth)
	assert.Equal(t, 2*time.Second, cfg.Duration)
	assert.Equal(t, 1024, cfg.PayloadSize)
	assert.Equal(t, "http://10.0.0.2:8080", cfg.PeerURL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
