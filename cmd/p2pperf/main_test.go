package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pperf/internal/config"
	"github.com/1ureka/p2pperf/internal/session"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"8M", 8e6},
		{"1500000", 1.5e6},
		{"250k", 250e3},
		{"1.5G", 1.5e9},
	}
	for _, tt := range tests {
		got, err := parseRate(tt.in)
		require.NoError(t, err, tt.in)
		assert.InDelta(t, tt.want, got, 1e-6, tt.in)
	}

	for _, bad := range []string{"", "M", "-1", "fast"} {
		_, err := parseRate(bad)
		assert.ErrorIs(t, err, config.ErrInvalid, bad)
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2pperf.yaml")
	require.NoError(t, os.WriteFile(path, []byte("variant: webrtc\nmode: recv\nduration: 2s\n"), 0o600))

	cfg, interactive, err := parseFlags([]string{"--config", path, "--mode", "send", "--bandwidth", "16M"})
	require.NoError(t, err)
	assert.False(t, interactive)
	assert.Equal(t, config.VariantWebRTC, cfg.Variant)
	assert.Equal(t, config.ModeSend, cfg.Mode)
	assert.Equal(t, 2*time.Second, cfg.Duration)
	assert.Equal(t, 16e6, cfg.Bandwidth)
}

func TestNoVariantIsInteractive(t *testing.T) {
	_, interactive, err := parseFlags(nil)
	require.NoError(t, err)
	assert.True(t, interactive)

	_, interactive, err = parseFlags([]string{"--variant", "quic", "--peer", "127.0.0.1:4433"})
	require.NoError(t, err)
	assert.False(t, interactive)
}

func TestRejectsPositionalArguments(t *testing.T) {
	_, _, err := parseFlags([]string{"extra"})
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 1, exitCode(fmt.Errorf("plain")))
	assert.Equal(t, 10+int(session.CategoryDisconnect), exitCode(session.NewError(session.CategoryDisconnect, fmt.Errorf("x"))))
}
