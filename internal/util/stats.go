package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide datagram/byte counter for the data path.
var Stats = &stats{}

type stats struct {
	DatagramsSent atomic.Int64 // datagrams written to any owned socket
	DatagramsRecv atomic.Int64 // datagrams read from any owned socket
	BytesSent     atomic.Int64 // cumulative bytes written to sockets
	BytesRecv     atomic.Int64 // cumulative bytes read from sockets
	SendErrors    atomic.Int64 // transient write failures (logged, not fatal)
}

func (s *stats) AddSent(n int) { s.DatagramsSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.DatagramsRecv.Add(1); s.BytesRecv.Add(int64(n)) }
func (s *stats) AddSendError() { s.SendErrors.Add(1) }

// Reset zeroes every counter. Tests use it to get a clean slate.
func (s *stats) Reset() {
	s.DatagramsSent.Store(0)
	s.DatagramsRecv.Store(0)
	s.BytesSent.Store(0)
	s.BytesRecv.Store(0)
	s.SendErrors.Store(0)
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs socket statistics
// every period. It stops when ctx is cancelled or stop is called; stop waits
// for the goroutine to exit.
func StartStatsReporter(ctx context.Context, period time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		secs := period.Seconds()
		var prevSent, prevRecv, prevErrs int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				errs := Stats.SendErrors.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				errC := errs - prevErrs

				if inS > 10 || outS > 10 || errC > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, errC))
				}

				prevSent = sent
				prevRecv = recv
				prevErrs = errs

			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, errC int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Send errors: %d",
		FormatBytes(inS),
		FormatBytes(outS),
		errC,
	)
}
