// Package signaling carries session descriptions and candidate lists between
// peers over an out-of-band channel, before any data path exists.
//
// Two flavours are provided. The HTTP flavour is batched: one request per
// exchange, on exactly two routes. The WebSocket flavour is incremental: the
// description is exchanged once, and candidate batches trickle in both
// directions for as long as the connection stays up.
//
// Every failure on the signaling path is fatal to the session attempt and is
// reported wrapping ErrSignaling. Nothing is retried.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/1ureka/p2pperf/internal/candidate"
)

// Routes served by Server.
const (
	RouteDescription = "/description"
	RouteCandidates  = "/candidates"
	RouteWS          = "/ws"
)

// ErrSignaling wraps every transport error or malformed payload.
var ErrSignaling = errors.New("signaling failed")

func failed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSignaling, fmt.Sprintf(format, args...))
}

// Channel is the offering side of the signaling path.
type Channel interface {
	// SubmitOffer sends the local description and blocks until the remote
	// description comes back.
	SubmitOffer(ctx context.Context, desc string) (string, error)

	// PublishCandidates sends local candidates. A batched channel returns the
	// remote candidates in the reply; an incremental one returns nil and
	// delivers them later through its Incoming channel.
	PublishCandidates(ctx context.Context, cands []candidate.Candidate) ([]candidate.Candidate, error)

	Close() error
}

// Handler is the answering side, called by Server for each inbound message.
type Handler interface {
	HandleOffer(ctx context.Context, desc string) (string, error)
	HandleCandidates(ctx context.Context, cands []candidate.Candidate) ([]candidate.Candidate, error)
}

// Incremental is implemented by channels that keep delivering remote
// candidates after PublishCandidates returned. Incoming is closed when the
// channel stops, and Err then tells why.
type Incremental interface {
	Incoming() <-chan []candidate.Candidate
	Err() error
}

// Lost returns the error to report once inc stopped delivering candidates.
func Lost(inc Incremental) error {
	if err := inc.Err(); err != nil {
		return err
	}
	return failed("channel closed")
}
