package throughput

import (
	"time"

	"github.com/1ureka/p2pperf/internal/engine"
	"github.com/1ureka/p2pperf/internal/session"
	"github.com/1ureka/p2pperf/internal/util"
)

// Receiver is the session.Application measuring the load. It finishes on the
// sentinel; when the channel closes or the peer disconnects first it still
// reports what it got.
type Receiver struct {
	tally  tally
	result *Report
	done   bool

	// OnReport, when set, receives every report in addition to the log.
	OnReport func(Report)
}

// NewReceiver creates a receiver reporting every reportEvery messages.
func NewReceiver(reportEvery int) *Receiver {
	return &Receiver{tally: tally{reportEvery: reportEvery}}
}

// Consume accounts one payload received at now.
func (r *Receiver) Consume(now time.Time, p []byte) {
	if r.result != nil {
		return
	}
	rep, ok := r.tally.consume(now, p)
	if !ok {
		return
	}
	if rep.Kind == ReportFinal {
		r.result = &rep
	}
	r.emit(rep)
}

func (r *Receiver) HandleEvent(ev engine.Event, _ session.ChannelWriter) {
	switch ev.Kind {
	case engine.EventChannelData:
		r.Consume(time.Now(), ev.Data)
	case engine.EventChannelClosed, engine.EventDisconnected:
		r.finish(time.Now())
	}
}

// finish reports a partial result unless the sentinel already arrived.
func (r *Receiver) finish(now time.Time) {
	r.done = true
	if r.result != nil {
		return
	}
	rep := r.tally.report(ReportPartial, now)
	r.result = &rep
	r.emit(rep)
}

func (r *Receiver) emit(rep Report) {
	switch rep.Kind {
	case ReportFinal:
		util.LogSuccess("%s", rep)
	case ReportPartial:
		util.LogWarning("%s", rep)
	default:
		util.LogInfo("%s", rep)
	}
	if r.OnReport != nil {
		r.OnReport(rep)
	}
}

func (r *Receiver) NextDeadline() (time.Time, bool)                 { return time.Time{}, false }
func (r *Receiver) HandleDeadline(time.Time, session.ChannelWriter) {}

// Done is set once the channel closed or the session disconnected.
func (r *Receiver) Done() bool { return r.done }

// Result returns the final or partial report, if there is one yet.
func (r *Receiver) Result() (Report, bool) {
	if r.result == nil {
		return Report{}, false
	}
	return *r.result, true
}

// Progress implements session.Progress.
func (r *Receiver) Progress() (int64, int64) { return r.tally.Bytes, r.tally.Messages }
