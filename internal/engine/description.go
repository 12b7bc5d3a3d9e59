package engine

import (
	"bufio"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const descriptionVersion = "p2pperf/1"

// Setup values carried in a description. The offer is always actpass; the
// answer picks active, which makes the offerer the controlling agent.
const (
	setupActPass = "actpass"
	setupActive  = "active"
)

// ErrBadDescription is returned for unparsable or inconsistent descriptions.
var ErrBadDescription = errors.New("bad session description")

// Description holds the negotiated parameters of one side. On the wire it is
// an opaque block of "key:value" lines.
type Description struct {
	SessionID string
	Ufrag     string
	Pwd       string
	Setup     string
}

func newDescription(sessionID, setup string) Description {
	return Description{
		SessionID: sessionID,
		Ufrag:     randomToken(8),
		Pwd:       randomToken(24),
		Setup:     setup,
	}
}

// String encodes the description for the signaling channel.
func (d Description) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "v=%s\r\n", descriptionVersion)
	fmt.Fprintf(&b, "a=session:%s\r\n", d.SessionID)
	fmt.Fprintf(&b, "a=ice-ufrag:%s\r\n", d.Ufrag)
	fmt.Fprintf(&b, "a=ice-pwd:%s\r\n", d.Pwd)
	fmt.Fprintf(&b, "a=setup:%s\r\n", d.Setup)
	return b.String()
}

// ParseDescription decodes a description produced by String.
func ParseDescription(raw string) (Description, error) {
	var d Description
	sawVersion := false

	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "v="+descriptionVersion:
			sawVersion = true
		case strings.HasPrefix(line, "a=session:"):
			d.SessionID = strings.TrimPrefix(line, "a=session:")
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			d.Ufrag = strings.TrimPrefix(line, "a=ice-ufrag:")
		case strings.HasPrefix(line, "a=ice-pwd:"):
			d.Pwd = strings.TrimPrefix(line, "a=ice-pwd:")
		case strings.HasPrefix(line, "a=setup:"):
			d.Setup = strings.TrimPrefix(line, "a=setup:")
		}
	}

	if !sawVersion {
		return d, fmt.Errorf("%w: missing or unsupported version line", ErrBadDescription)
	}
	if _, err := uuid.Parse(d.SessionID); err != nil {
		return d, fmt.Errorf("%w: session id: %v", ErrBadDescription, err)
	}
	if d.Ufrag == "" || d.Pwd == "" {
		return d, fmt.Errorf("%w: missing ICE credentials", ErrBadDescription)
	}
	if d.Setup != setupActPass && d.Setup != setupActive {
		return d, fmt.Errorf("%w: unknown setup %q", ErrBadDescription, d.Setup)
	}
	return d, nil
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789+/"

// randomToken returns an ICE-char string of length n.
func randomToken(n int) string {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	for i := range raw {
		raw[i] = tokenAlphabet[int(raw[i])%len(tokenAlphabet)]
	}
	return string(raw)
}
