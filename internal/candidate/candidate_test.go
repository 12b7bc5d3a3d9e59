package candidate

import (
	"context"
	"encoding/json"
	"net"
	"net/netip"
	"testing"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustCandidate(t *testing.T, ap string, proto Protocol, kind Kind) Candidate {
	t.Helper()
	return New(netip.MustParseAddrPort(ap), proto, kind)
}

func TestStringParseRoundTrip(t *testing.T) {
	testCases := []Candidate{
		mustCandidate(t, "192.0.2.10:5000", UDP, Host),
		mustCandidate(t, "203.0.113.7:61000", UDP, ServerReflexive),
		mustCandidate(t, "198.51.100.3:443", TCP, Host),
		mustCandidate(t, "[2001:db8::1]:9000", UDP, PeerReflexive),
	}

	for _, c := range testCases {
		t.Run(c.String(), func(t *testing.T) {
			parsed, err := Parse(c.String())
			require.NoError(t, err)
			assert.Equal(t, c, parsed)
		})
	}
}

func TestParseForeignLine(t *testing.T) {
	// A line as produced by a browser, with extension tokens.
	line := "candidate:842163049 1 UDP 1677729535 203.0.113.7 61000 typ srflx raddr 0.0.0.0 rport 0 generation 0"
	c, err := Parse(line)
	require.NoError(t, err)
	assert.Equal(t, mustCandidate(t, "203.0.113.7:61000", UDP, ServerReflexive), c)
}

func TestParseRejectsMalformed(t *testing.T) {
	testCases := []string{
		"",
		"candidate:1 1 udp 1 not-an-ip 5000 typ host",
		"candidate:1 1 udp 1 192.0.2.1 99999 typ host",
		"candidate:1 1 sctp 1 192.0.2.1 5000 typ host",
		"candidate:1 1 udp 1 192.0.2.1 5000 typ relay",
		"candidate:1 1 udp 1 192.0.2.1 5000 kind host",
	}

	for _, line := range testCases {
		_, err := Parse(line)
		assert.ErrorIs(t, err, ErrMalformed, line)
	}
}

func TestListJSONRoundTripIsSameSet(t *testing.T) {
	in := List{Candidates: []Candidate{
		mustCandidate(t, "192.0.2.10:5000", UDP, Host),
		mustCandidate(t, "203.0.113.7:61000", UDP, ServerReflexive),
		mustCandidate(t, "198.51.100.3:443", TCP, Host),
	}}

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"candidates":[`)
	assert.Contains(t, string(raw), `"address":"192.0.2.10"`)

	var out List
	require.NoError(t, json.Unmarshal(raw, &out))

	// Order must not matter.
	reversed := []Candidate{out.Candidates[2], out.Candidates[0], out.Candidates[1]}
	assert.True(t, SameSet(in.Candidates, reversed))
}

func TestSameSet(t *testing.T) {
	a := mustCandidate(t, "192.0.2.10:5000", UDP, Host)
	b := mustCandidate(t, "192.0.2.10:5001", UDP, Host)

	assert.True(t, SameSet(nil, nil))
	assert.True(t, SameSet([]Candidate{a, b}, []Candidate{b, a}))
	assert.False(t, SameSet([]Candidate{a}, []Candidate{a, b}))
	assert.False(t, SameSet([]Candidate{a, b}, []Candidate{a}))
}

func TestPriorityOrdersKinds(t *testing.T) {
	host := mustCandidate(t, "192.0.2.10:5000", UDP, Host)
	prflx := mustCandidate(t, "192.0.2.10:5000", UDP, PeerReflexive)
	srflx := mustCandidate(t, "192.0.2.10:5000", UDP, ServerReflexive)

	assert.Greater(t, host.Priority(), prflx.Priority())
	assert.Greater(t, prflx.Priority(), srflx.Priority())
	assert.EqualValues(t, 2130706431, host.Priority())
}

func TestHostCandidatesSpecificAddress(t *testing.T) {
	cands, err := HostCandidates(netip.MustParseAddrPort("127.0.0.1:4000"), UDP)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, Host, cands[0].Kind)
	assert.Equal(t, "127.0.0.1:4000", cands[0].AddrPort().String())
}

// startSTUNServer answers binding requests with the observed source address.
func startSTUNServer(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			udp := from.(*net.UDPAddr)
			res, err := stun.Build(req, stun.BindingSuccess,
				&stun.XORMappedAddress{IP: udp.IP, Port: udp.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			conn.WriteTo(res.Raw, from)
		}
	}()

	return conn.LocalAddr().String()
}

func TestGatherWithSTUN(t *testing.T) {
	server := startSTUNServer(t)

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	mapped, err := QueryReflexive(context.Background(), conn, server)
	require.NoError(t, err)
	assert.Equal(t, conn.LocalAddr().String(), mapped.String())

	// The mapped address equals the host address here, so no extra srflx
	// candidate is added.
	cands, err := Gather(context.Background(), conn, []string{server})
	require.NoError(t, err)
	assert.Len(t, cands, 1)
}
