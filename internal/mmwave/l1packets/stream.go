package l1packets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
	"github.com/banshee-data/mmwave.tracker/internal/monitoring"
	"github.com/banshee-data/mmwave.tracker/internal/timeutil"
)

var streamLog = monitoring.Component("l1packets")

// StreamReader extracts packets from a byte stream (serial data port, UDP
// payload stream, PCAP payloads) by syncing on the magic word. Garbage
// between packets is skipped; a packet that fails to decode is logged and
// the reader resyncs on the next magic word.
type StreamReader struct {
	r        *bufio.Reader
	clock    timeutil.Clock
	stamp    func() time.Time
	interval time.Duration

	skipped uint64
	frames  uint64
	errors  uint64
}

// NewStreamReader wraps r. Frames are stamped with the clock's time at the
// moment the packet is complete; interval is copied into each frame.
func NewStreamReader(r io.Reader, clock timeutil.Clock, interval time.Duration) *StreamReader {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &StreamReader{
		r:        bufio.NewReaderSize(r, MaxPacketSize),
		clock:    clock,
		interval: interval,
	}
	s.stamp = clock.Now
	return s
}

// Next returns the next decodable frame. It returns io.EOF when the
// underlying reader is exhausted. Cancellation is checked between packets;
// closing the underlying port is what unblocks a pending read.
func (s *StreamReader) Next(ctx context.Context) (*l2frames.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pkt, err := s.readPacket()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		frame, err := DecodePacket(pkt, s.stamp())
		if err != nil {
			s.errors++
			streamLog("dropping undecodable packet (%d so far): %v", s.errors, err)
			continue
		}
		frame.Interval = s.interval
		s.frames++
		return frame, nil
	}
}

// Stats returns the number of frames decoded, garbage bytes skipped while
// syncing and packets dropped as undecodable.
func (s *StreamReader) Stats() (frames, skipped, dropped uint64) {
	return s.frames, s.skipped, s.errors
}

// readPacket syncs on the magic word and returns one whole packet.
func (s *StreamReader) readPacket() ([]byte, error) {
	for {
		if err := s.sync(); err != nil {
			return nil, err
		}
		head := make([]byte, HeaderSize)
		copy(head, MagicWord[:])
		if _, err := io.ReadFull(s.r, head[len(MagicWord):]); err != nil {
			return nil, err
		}
		h, err := ParseHeader(head)
		if err != nil {
			// Implausible length: resync after this magic word.
			s.errors++
			streamLog("bad header: %v", err)
			continue
		}
		pkt := make([]byte, h.TotalPacketLen)
		copy(pkt, head)
		if _, err := io.ReadFull(s.r, pkt[HeaderSize:]); err != nil {
			return nil, fmt.Errorf("frame %d body: %w", h.FrameNumber, err)
		}
		return pkt, nil
	}
}

// sync consumes bytes until the magic word has just been read.
func (s *StreamReader) sync() error {
	matched := 0
	for matched < len(MagicWord) {
		c, err := s.r.ReadByte()
		if err != nil {
			return err
		}
		switch {
		case c == MagicWord[matched]:
			matched++
		case c == MagicWord[0]:
			s.skipped += uint64(matched)
			matched = 1
		default:
			s.skipped += uint64(matched) + 1
			matched = 0
		}
	}
	return nil
}
