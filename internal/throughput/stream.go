package throughput

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/1ureka/p2pperf/internal/util"
)

// Stream framing limits.
const (
	FrameHeader  = 4
	MaxFrameSize = 1 << 20
)

const readBufferSize = 16 * 1024

// ErrFrameTooLarge is returned for a length prefix beyond MaxFrameSize.
var ErrFrameTooLarge = errors.New("stream frame too large")

// WriteFrame writes p with a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, p []byte) error {
	if len(p) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(p))
	}
	buf := make([]byte, FrameHeader+len(p))
	binary.BigEndian.PutUint32(buf, uint32(len(p)))
	copy(buf[FrameHeader:], p)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame into buf, growing it as needed.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var hdr [FrameHeader]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if cap(buf) < int(n) {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// SendStream drives the same schedule as Sender over a reliable byte stream
// and writes the sentinel at the end. It returns what was sent.
func SendStream(ctx context.Context, w io.Writer, cfg SenderConfig) (Report, error) {
	sched, err := newSchedule(cfg)
	if err != nil {
		return Report{}, err
	}
	data := NewPayload(cfg.PayloadSize, MarkerData)
	sentinel := NewPayload(cfg.PayloadSize, MarkerSentinel)

	sched.start = time.Now()
	var sent Counter
	util.LogInfo("sending %d-byte payloads every %v for %v", cfg.PayloadSize, sched.interval, sched.duration)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return sent.report(ReportPartial, time.Now()), ctx.Err()
		case now := <-timer.C:
			for sched.due(now) {
				if err := WriteFrame(w, data); err != nil {
					return sent.report(ReportPartial, now), err
				}
				sched.k++
				sent.Add(now, len(data))
			}
			if sched.over(now) {
				if err := WriteFrame(w, sentinel); err != nil {
					return sent.report(ReportPartial, now), err
				}
				return sent.report(ReportFinal, now), nil
			}
			timer.Reset(time.Until(sched.next()))
		}
	}
}

// ReceiveStream reads frames from r until the sentinel or the end of the
// stream, accounting them to peer in meter. Interval reports are logged.
func ReceiveStream(r io.Reader, peer uint32, meter *Meter) (Report, error) {
	br := bufio.NewReaderSize(r, readBufferSize)
	var buf []byte
	for {
		p, err := ReadFrame(br, buf)
		if err != nil {
			rep, _ := meter.End(peer, time.Now())
			rep.Kind = ReportPartial
			if errors.Is(err, io.EOF) {
				return rep, nil
			}
			return rep, err
		}
		buf = p

		rep, ok := meter.Consume(peer, time.Now(), p)
		if !ok {
			continue
		}
		if rep.Kind == ReportFinal {
			return rep, nil
		}
		util.LogInfo("peer %08x: %s", peer, rep)
	}
}
