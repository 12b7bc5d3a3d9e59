package signaling

import (
	"sync"

	"github.com/1ureka/p2pperf/internal/candidate"
)

// Pending hands remote candidates from the signaling goroutine (the single
// producer) to the session driver (the single consumer). Candidates that
// arrive before the driver can use them wait here; each distinct candidate is
// handed out exactly once, in arrival order.
type Pending struct {
	mu    sync.Mutex
	queue []candidate.Candidate
	seen  map[candidate.Key]struct{}

	notify chan struct{} // one slot; coalesces wake-ups
}

// NewPending creates an empty queue.
func NewPending() *Pending {
	return &Pending{
		seen:   make(map[candidate.Key]struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Push appends the candidates not seen before and wakes the consumer. It
// returns how many were queued.
func (p *Pending) Push(cands ...candidate.Candidate) int {
	p.mu.Lock()
	added := 0
	for _, c := range cands {
		if _, dup := p.seen[c.Key()]; dup {
			continue
		}
		p.seen[c.Key()] = struct{}{}
		p.queue = append(p.queue, c)
		added++
	}
	p.mu.Unlock()

	if added > 0 {
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
	return added
}

// Notify is readable whenever a Push queued something since the last receive.
func (p *Pending) Notify() <-chan struct{} {
	return p.notify
}

// Flush returns the queued candidates and empties the queue. A second call
// returns nothing until more candidates are pushed.
func (p *Pending) Flush() []candidate.Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.queue
	p.queue = nil
	return out
}

// Len returns the number of queued candidates.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
