package throughput

import (
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/p2pperf/internal/util"
)

// Counter accumulates one stream. Start is the arrival of the first data byte.
type Counter struct {
	Start    time.Time
	Bytes    int64
	Messages int64
}

// Add counts one message of n bytes received at now.
func (c *Counter) Add(now time.Time, n int) {
	if c.Start.IsZero() {
		c.Start = now
	}
	c.Bytes += int64(n)
	c.Messages++
}

// Elapsed returns the time since the first data byte.
func (c Counter) Elapsed(now time.Time) time.Duration {
	if c.Start.IsZero() {
		return 0
	}
	return now.Sub(c.Start)
}

// Mbps returns the average throughput since the first data byte.
func (c Counter) Mbps(now time.Time) float64 {
	return Mbps(c.Bytes, c.Elapsed(now))
}

func (c Counter) report(kind ReportKind, now time.Time) Report {
	return Report{
		Kind:     kind,
		Bytes:    c.Bytes,
		Messages: c.Messages,
		Elapsed:  c.Elapsed(now),
		Mbps:     c.Mbps(now),
	}
}

// ReportKind tells why a report was produced.
type ReportKind int

const (
	ReportInterval ReportKind = iota // every N messages
	ReportFinal                      // end-of-test marker received
	ReportPartial                    // stream ended without the marker
)

// Report is a throughput measurement.
type Report struct {
	Kind     ReportKind
	Bytes    int64 // total so far
	Messages int64
	Elapsed  time.Duration // window the rate was measured over
	Mbps     float64
}

func (r Report) String() string {
	switch r.Kind {
	case ReportFinal:
		return fmt.Sprintf("FINAL: received %d bytes over %v. throughput = %.2f Mbps", r.Bytes, r.Elapsed, r.Mbps)
	case ReportPartial:
		return fmt.Sprintf("PARTIAL: received %d bytes over %v before the stream ended. throughput = %.2f Mbps", r.Bytes, r.Elapsed, r.Mbps)
	default:
		return fmt.Sprintf("received %s (%d messages), last window %v. throughput = %.2f Mbps",
			util.FormatBytes(float64(r.Bytes)), r.Messages, r.Elapsed, r.Mbps)
	}
}

// tally is a Counter plus the bookkeeping for interval reports.
type tally struct {
	Counter
	reportEvery int
	lastAt      time.Time
	lastBytes   int64
	lastSeen    time.Time
}

// consume accounts one payload. ok is set when a report is due; a final
// report means the sentinel arrived and the tally is finished.
func (t *tally) consume(now time.Time, p []byte) (rep Report, ok bool) {
	t.lastSeen = now
	if len(p) == 0 {
		return Report{}, false
	}
	if IsSentinel(p) {
		return t.report(ReportFinal, now), true
	}

	t.Add(now, len(p))
	if t.lastAt.IsZero() {
		t.lastAt = t.Start
	}
	if t.reportEvery <= 0 || t.Messages%int64(t.reportEvery) != 0 {
		return Report{}, false
	}

	window := now.Sub(t.lastAt)
	rep = Report{
		Kind:     ReportInterval,
		Bytes:    t.Bytes,
		Messages: t.Messages,
		Elapsed:  window,
		Mbps:     Mbps(t.Bytes-t.lastBytes, window),
	}
	t.lastAt, t.lastBytes = now, t.Bytes
	return rep, true
}

// ---------------------------------------------------------------------------
// Meter
// ---------------------------------------------------------------------------

// Meter keeps one tally per peer for a receiver serving several peers at
// once. Entries are created on the first payload and removed when the peer
// sends the sentinel, ends its stream, or expires. It is safe for concurrent
// use.
type Meter struct {
	mu          sync.Mutex
	reportEvery int
	peers       map[uint32]*tally
}

// NewMeter creates a meter emitting interval reports every reportEvery
// messages (0 disables them).
func NewMeter(reportEvery int) *Meter {
	return &Meter{reportEvery: reportEvery, peers: make(map[uint32]*tally)}
}

// Consume accounts one payload from peer.
func (m *Meter) Consume(peer uint32, now time.Time, p []byte) (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.peers[peer]
	if !ok {
		t = &tally{reportEvery: m.reportEvery}
		m.peers[peer] = t
	}
	rep, due := t.consume(now, p)
	if due && rep.Kind == ReportFinal {
		delete(m.peers, peer)
	}
	return rep, due
}

// End closes the tally of a peer whose stream ended without a sentinel.
func (m *Meter) End(peer uint32, now time.Time) (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.peers[peer]
	if !ok {
		return Report{}, false
	}
	delete(m.peers, peer)
	return t.report(ReportPartial, now), true
}

// Expire removes every peer silent for longer than idle and returns their
// partial reports.
func (m *Meter) Expire(now time.Time, idle time.Duration) map[uint32]Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[uint32]Report)
	for peer, t := range m.peers {
		if now.Sub(t.lastSeen) > idle {
			out[peer] = t.report(ReportPartial, now)
			delete(m.peers, peer)
		}
	}
	return out
}

// Len returns the number of tracked peers.
func (m *Meter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}
