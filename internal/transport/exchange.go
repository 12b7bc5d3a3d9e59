package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pperf/internal/candidate"
	"github.com/1ureka/p2pperf/internal/signaling"
	"github.com/1ureka/p2pperf/internal/util"
)

// Offer runs the offering side over ch: the local description goes out, the
// answer comes back, then the gathered candidates are published. Batched
// channels return the remote candidates in the reply; an incremental inc
// delivers them later and is drained until the transport shuts down. Losing
// inc before the DataChannel opened fails the transport. Offer returns once
// the DataChannel is open.
func Offer(ctx context.Context, t *Transport, ch signaling.Channel, inc signaling.Incremental) error {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	locals, err := t.gather(ctx, offer)
	if err != nil {
		return err
	}

	answer, err := ch.SubmitOffer(ctx, offer.SDP)
	if err != nil {
		return err
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return fmt.Errorf("%w: bad answer: %v", signaling.ErrSignaling, err)
	}

	remotes, err := ch.PublishCandidates(ctx, locals)
	if err != nil {
		return err
	}
	t.addRemote(remotes)

	if inc != nil {
		go func() {
			for {
				select {
				case batch, ok := <-inc.Incoming():
					if !ok {
						select {
						case <-t.Ready():
						default:
							t.stop(signaling.Lost(inc))
						}
						return
					}
					t.addRemote(batch)
				case <-t.Done():
					return
				}
			}
		}()
	}

	return t.waitReady(ctx)
}

// Answerer is the signaling.Handler of the answering side. Candidates that
// arrive before the offer wait in a Pending queue and are applied in arrival
// order once the remote description is set.
type Answerer struct {
	t       *Transport
	pending *signaling.Pending

	mu        sync.Mutex
	remoteSet bool
	locals    []candidate.Candidate
}

// NewAnswerer binds a handler to t.
func NewAnswerer(t *Transport) *Answerer {
	return &Answerer{t: t, pending: signaling.NewPending()}
}

// HandleOffer applies the offer, gathers local candidates and returns the
// answer.
func (a *Answerer) HandleOffer(ctx context.Context, desc string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.remoteSet {
		return "", fmt.Errorf("%w: offer already applied", signaling.ErrSignaling)
	}
	if err := a.t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc}); err != nil {
		return "", fmt.Errorf("%w: bad offer: %v", signaling.ErrSignaling, err)
	}
	answer, err := a.t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	locals, err := a.t.gather(ctx, answer)
	if err != nil {
		return "", err
	}

	a.remoteSet = true
	a.locals = locals
	a.t.addRemote(a.pending.Flush())
	return answer.SDP, nil
}

// HandleCandidates applies (or queues) the remote batch and returns the local
// candidates gathered so far.
func (a *Answerer) HandleCandidates(_ context.Context, cands []candidate.Candidate) ([]candidate.Candidate, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.remoteSet {
		n := a.pending.Push(cands...)
		util.LogDebug("queued %d remote candidates until the offer arrives", n)
		return nil, nil
	}
	a.t.addRemote(cands)
	return append([]candidate.Candidate(nil), a.locals...), nil
}

// Wait blocks until the DataChannel is open.
func (a *Answerer) Wait(ctx context.Context) error {
	return a.t.waitReady(ctx)
}

// gather applies desc as the local description, waits for ICE gathering to
// finish and returns the candidates it produced.
func (t *Transport) gather(ctx context.Context, desc webrtc.SessionDescription) ([]candidate.Candidate, error) {
	complete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-complete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	local := t.pc.LocalDescription()
	if local == nil {
		return nil, fmt.Errorf("no local description after gathering")
	}
	cands, err := candidatesFromSDP(local.SDP)
	if err != nil {
		return nil, err
	}
	util.LogDebug("gathered %d local candidates", len(cands))
	return cands, nil
}

func (t *Transport) addRemote(cands []candidate.Candidate) {
	for _, c := range cands {
		if err := t.pc.AddICECandidate(toICE(c)); err != nil {
			util.LogWarning("failed to add remote candidate %s: %v", c, err)
			continue
		}
		util.LogDebug("added remote candidate %s", c)
	}
}

func (t *Transport) waitReady(ctx context.Context) error {
	select {
	case <-t.Ready():
		return nil
	case <-t.Done():
		if err := t.Err(); err != nil {
			return err
		}
		return ErrPeerFailed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// candidatesFromSDP extracts the candidate attributes of every media section.
// Relay and mDNS candidates have no Candidate form and are skipped.
func candidatesFromSDP(raw string) ([]candidate.Candidate, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("failed to parse local description: %w", err)
	}

	var out []candidate.Candidate
	for _, md := range sd.MediaDescriptions {
		for _, attr := range md.Attributes {
			if attr.Key != sdp.AttrKeyCandidate {
				continue
			}
			c, err := candidate.Parse(attr.Value)
			if err != nil {
				util.LogDebug("skipping local candidate %q: %v", attr.Value, err)
				continue
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func toICE(c candidate.Candidate) webrtc.ICECandidateInit {
	var index uint16
	return webrtc.ICECandidateInit{Candidate: c.String(), SDPMLineIndex: &index}
}
