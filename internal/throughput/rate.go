// Package throughput generates a synthetic load at a target rate and measures
// what arrives. The first byte of every payload is a marker: MarkerData for
// load, MarkerSentinel for the single end-of-test payload. The sentinel is a
// full-size payload filled with MarkerSentinel; receivers only look at the
// first byte.
package throughput

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Payload markers.
const (
	MarkerData     byte = 0
	MarkerSentinel byte = 1
)

// ErrInvalidRate is returned when no tick interval can be derived from the
// bandwidth and payload size.
var ErrInvalidRate = errors.New("invalid rate")

// Interval returns the time between two payloads of payloadSize bytes that
// yields bandwidth bits per second.
func Interval(bandwidth float64, payloadSize int) (time.Duration, error) {
	if payloadSize <= 0 {
		return 0, fmt.Errorf("%w: payload size %d", ErrInvalidRate, payloadSize)
	}
	if bandwidth <= 0 || math.IsNaN(bandwidth) || math.IsInf(bandwidth, 0) {
		return 0, fmt.Errorf("%w: bandwidth %v bit/s", ErrInvalidRate, bandwidth)
	}

	d := time.Duration(float64(payloadSize) * 8 * float64(time.Second) / bandwidth)
	if d <= 0 {
		return 0, fmt.Errorf("%w: %v bit/s with %d-byte payloads is below timer resolution", ErrInvalidRate, bandwidth, payloadSize)
	}
	return d, nil
}

// Ticks returns how many payloads a sender emits over duration, that is the
// number of k >= 0 with k*interval < duration.
func Ticks(duration, interval time.Duration) int64 {
	if duration <= 0 || interval <= 0 {
		return 0
	}
	return int64((duration + interval - 1) / interval)
}

// NewPayload returns size bytes filled with marker.
func NewPayload(size int, marker byte) []byte {
	p := make([]byte, size)
	if marker != 0 {
		for i := range p {
			p[i] = marker
		}
	}
	return p
}

// IsSentinel reports whether p ends the test.
func IsSentinel(p []byte) bool {
	return len(p) > 0 && p[0] == MarkerSentinel
}

// Mbps converts a byte count over a duration into mebibits per second.
func Mbps(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) * 8 / (1024 * 1024) / elapsed.Seconds()
}
