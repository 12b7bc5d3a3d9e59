package transport

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pperf/internal/util"
)

// dataChannelLabel names the single pre-negotiated channel carrying the load.
const dataChannelLabel = "p2pperf"

// newPeerConnection creates a PeerConnection using stunServers for reflexive
// candidates. pion's own logs are routed onto the process logger.
func newPeerConnection(stunServers []string) (*webrtc.PeerConnection, error) {
	var se webrtc.SettingEngine
	se.LoggerFactory = util.PionLoggerFactory{}
	// Both ends on one host pair over loopback.
	se.SetIncludeLoopbackCandidate(true)

	urls := make([]string, 0, len(stunServers))
	for _, s := range stunServers {
		if !strings.HasPrefix(s, "stun:") {
			s = "stun:" + s
		}
		urls = append(urls, s)
	}
	config := webrtc.Configuration{}
	if len(urls) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated, ordered DataChannel on pc. Both
// sides create it with ID 0, so neither waits for OnDataChannel. Ordered
// delivery keeps the length-prefixed stream framing intact.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
