package session

import (
	"errors"
	"fmt"

	"github.com/1ureka/p2pperf/internal/engine"
)

// Category classifies why a session attempt ended badly.
type Category int

const (
	CategorySignaling  Category = iota + 1 // out-of-band channel failed
	CategoryTransient                      // single datagram I/O error
	CategoryProtocol                       // engine rejected an input
	CategoryDisconnect                     // engine lost connectivity
	CategoryConfig                         // invalid parameters
)

func (c Category) String() string {
	switch c {
	case CategorySignaling:
		return "signaling failure"
	case CategoryTransient:
		return "transient datagram failure"
	case CategoryProtocol:
		return "protocol rejection"
	case CategoryDisconnect:
		return "disconnect"
	case CategoryConfig:
		return "configuration error"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

var (
	// ErrChannelNotOpen is returned by ChannelWriter outside StateChannelOpen.
	// It is the engine's error, so both layers report the same value.
	ErrChannelNotOpen = engine.ErrChannelNotOpen

	// ErrDisconnected is wrapped by the error Run returns on disconnect.
	ErrDisconnected = errors.New("session disconnected")

	// ErrNotIdle is returned when a description is created or accepted twice.
	ErrNotIdle = errors.New("session already negotiating")
)

// Error is a fatal session outcome with the last known counters.
type Error struct {
	Category Category
	Err      error
	Bytes    int64
	Messages int64
}

// NewError wraps err in the given category.
func NewError(c Category, err error) *Error {
	return &Error{Category: c, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v (bytes=%d, messages=%d)", e.Category, e.Err, e.Bytes, e.Messages)
}

func (e *Error) Unwrap() error { return e.Err }

// CategoryOf returns the category of err, or 0 when err is not an *Error.
func CategoryOf(err error) Category {
	var se *Error
	if errors.As(err, &se) {
		return se.Category
	}
	return 0
}
