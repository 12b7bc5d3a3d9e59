package session

import (
	"time"

	"github.com/1ureka/p2pperf/internal/engine"
)

// Application is overlaid on the driver loop. All methods run on the loop's
// goroutine, so implementations need no locking.
type Application interface {
	// HandleEvent is called for every engine event after the driver updated
	// its own state.
	HandleEvent(ev engine.Event, w ChannelWriter)

	// NextDeadline returns when HandleDeadline wants to run next.
	NextDeadline() (time.Time, bool)

	HandleDeadline(now time.Time, w ChannelWriter)

	// Done reports that the application finished. The driver lingers briefly
	// to let the engine flush, then closes the session.
	Done() bool
}

// Progress is optionally implemented by an Application to report its
// counters when the session fails.
type Progress interface {
	Progress() (bytes, messages int64)
}

// ChannelWriter writes to the channel opened by the engine.
type ChannelWriter interface {
	// Write queues one message. It fails with ErrChannelNotOpen outside
	// StateChannelOpen.
	Write(data []byte) error

	// Close queues the end of the channel after every written message.
	Close() error

	// Buffered returns the number of messages not yet acknowledged.
	Buffered() int
}

type channelWriter struct {
	d *Driver
}

func (w channelWriter) Write(data []byte) error {
	if w.d.State() != StateChannelOpen {
		return ErrChannelNotOpen
	}
	return w.d.eng.Write(w.d.channel, data)
}

func (w channelWriter) Close() error {
	if w.d.State() != StateChannelOpen {
		return ErrChannelNotOpen
	}
	return w.d.eng.CloseChannel(w.d.channel)
}

func (w channelWriter) Buffered() int {
	return w.d.eng.Buffered(w.d.channel)
}
