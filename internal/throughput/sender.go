package throughput

import (
	"time"

	"github.com/1ureka/p2pperf/internal/engine"
	"github.com/1ureka/p2pperf/internal/session"
	"github.com/1ureka/p2pperf/internal/util"
)

// SenderConfig describes the load.
type SenderConfig struct {
	Bandwidth   float64 // bits per second
	PayloadSize int     // bytes
	Duration    time.Duration
}

// schedule is the tick plan shared by Sender and SendStream: payload k is due
// at start + k*interval for every k*interval < duration.
type schedule struct {
	interval time.Duration
	duration time.Duration
	start    time.Time
	k        int64
}

func newSchedule(cfg SenderConfig) (schedule, error) {
	interval, err := Interval(cfg.Bandwidth, cfg.PayloadSize)
	if err != nil {
		return schedule{}, err
	}
	if cfg.Duration <= 0 {
		return schedule{}, ErrInvalidRate
	}
	return schedule{interval: interval, duration: cfg.Duration}, nil
}

// due reports whether payload k is due at now.
func (s *schedule) due(now time.Time) bool {
	at := time.Duration(s.k) * s.interval
	return at < s.duration && !s.start.Add(at).After(now)
}

// over reports whether the duration has elapsed at now.
func (s *schedule) over(now time.Time) bool {
	return !now.Before(s.start.Add(s.duration))
}

// next returns when something is due next.
func (s *schedule) next() time.Time {
	at := time.Duration(s.k) * s.interval
	if at >= s.duration {
		return s.start.Add(s.duration)
	}
	return s.start.Add(at)
}

// Sender is the session.Application emitting the load once the channel opens:
// one data payload per tick, late ticks caught up, then exactly one sentinel
// and the channel close.
type Sender struct {
	sched    schedule
	data     []byte
	sentinel []byte

	bytes    int64
	messages int64

	open     bool
	finished bool // sentinel written
	done     bool
	err      error
}

// NewSender validates cfg and returns an idle sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	sched, err := newSchedule(cfg)
	if err != nil {
		return nil, err
	}
	return &Sender{
		sched:    sched,
		data:     NewPayload(cfg.PayloadSize, MarkerData),
		sentinel: NewPayload(cfg.PayloadSize, MarkerSentinel),
	}, nil
}

// Start begins the schedule at now. HandleEvent calls it on channel open.
func (s *Sender) Start(now time.Time) {
	s.open = true
	s.sched.start = now
	util.LogInfo("sending %d-byte payloads every %v for %v", len(s.data), s.sched.interval, s.sched.duration)
}

func (s *Sender) HandleEvent(ev engine.Event, _ session.ChannelWriter) {
	switch ev.Kind {
	case engine.EventChannelOpen:
		s.Start(time.Now())
	case engine.EventChannelClosed:
		s.done = true
		util.LogSuccess("sent %d payloads (%s) plus the end-of-test marker",
			s.messages, util.FormatBytes(float64(s.bytes)))
	case engine.EventDisconnected:
		s.done = true
		util.LogWarning("disconnected after %d payloads (%s)", s.messages, util.FormatBytes(float64(s.bytes)))
	}
}

func (s *Sender) NextDeadline() (time.Time, bool) {
	if !s.open || s.finished || s.done {
		return time.Time{}, false
	}
	return s.sched.next(), true
}

func (s *Sender) HandleDeadline(now time.Time, w session.ChannelWriter) {
	if !s.open || s.finished || s.done {
		return
	}

	for s.sched.due(now) {
		if err := w.Write(s.data); err != nil {
			s.abort(err)
			return
		}
		s.sched.k++
		s.bytes += int64(len(s.data))
		s.messages++
	}
	if !s.sched.over(now) {
		return
	}

	if err := w.Write(s.sentinel); err != nil {
		s.abort(err)
		return
	}
	s.finished = true
	if err := w.Close(); err != nil {
		s.abort(err)
	}
}

func (s *Sender) abort(err error) {
	util.LogError("send failed after %d payloads: %v", s.messages, err)
	s.err = err
	s.done = true
}

// Done reports that the channel closed (or the sender gave up).
func (s *Sender) Done() bool { return s.done }

// Err returns the write error that stopped the sender, if any.
func (s *Sender) Err() error { return s.err }

// Progress implements session.Progress.
func (s *Sender) Progress() (int64, int64) { return s.bytes, s.messages }
