package l1packets

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
)

var (
	// ErrNoMagic is returned when a buffer does not contain the frame magic word.
	ErrNoMagic = errors.New("mmwave: magic word not found")
	// ErrTruncated is returned when a packet is shorter than its header declares.
	ErrTruncated = errors.New("mmwave: truncated packet")
)

// MagicWord starts every output packet (0x0102, 0x0304, 0x0506, 0x0708 as
// little-endian uint16s).
var MagicWord = [8]byte{0x02, 0x01, 0x04, 0x03, 0x06, 0x05, 0x08, 0x07}

const (
	// HeaderSize is the SDK 3.x frame header length including the magic word.
	HeaderSize    = 40
	tlvHeaderSize = 8

	// MaxPacketSize bounds the declared packet length so a corrupted header
	// cannot make the reader allocate arbitrarily.
	MaxPacketSize = 64 * 1024

	pointSize    = 16 // x, y, z, velocity float32
	sideInfoSize = 4  // snr, noise int16 in 0.1 dB
)

// TLV types emitted by the out-of-box demo.
const (
	TLVDetectedPoints uint32 = 1
	TLVRangeProfile   uint32 = 2
	TLVNoiseProfile   uint32 = 3
	TLVStats          uint32 = 6
	TLVSideInfo       uint32 = 7
)

// Header is the fixed frame header that follows the magic word.
type Header struct {
	Version        uint32
	TotalPacketLen uint32
	Platform       uint32
	FrameNumber    uint32
	TimeCPUCycles  uint32
	NumDetectedObj uint32
	NumTLVs        uint32
	SubFrameNumber uint32
}

// ParseHeader decodes the header at the start of b, which must begin with
// the magic word.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrTruncated, HeaderSize, len(b))
	}
	if !bytes.Equal(b[:len(MagicWord)], MagicWord[:]) {
		return Header{}, ErrNoMagic
	}
	le := binary.LittleEndian
	h := Header{
		Version:        le.Uint32(b[8:]),
		TotalPacketLen: le.Uint32(b[12:]),
		Platform:       le.Uint32(b[16:]),
		FrameNumber:    le.Uint32(b[20:]),
		TimeCPUCycles:  le.Uint32(b[24:]),
		NumDetectedObj: le.Uint32(b[28:]),
		NumTLVs:        le.Uint32(b[32:]),
		SubFrameNumber: le.Uint32(b[36:]),
	}
	if h.TotalPacketLen < HeaderSize || h.TotalPacketLen > MaxPacketSize {
		return h, fmt.Errorf("%w: implausible packet length %d", ErrTruncated, h.TotalPacketLen)
	}
	return h, nil
}

// FindMagic returns the offset of the first magic word in b, or ErrNoMagic.
func FindMagic(b []byte) (int, error) {
	i := bytes.Index(b, MagicWord[:])
	if i < 0 {
		return -1, ErrNoMagic
	}
	return i, nil
}

// DecodePacket decodes one complete packet into a frame stamped with ts.
// The frame's Declared count comes from the header, so a points TLV that
// disagrees with it surfaces later as l2frames.ErrMalformedFrame rather than
// here. Unknown TLV types are skipped.
func DecodePacket(pkt []byte, ts time.Time) (*l2frames.Frame, error) {
	h, err := ParseHeader(pkt)
	if err != nil {
		return nil, err
	}
	if len(pkt) < int(h.TotalPacketLen) {
		return nil, fmt.Errorf("%w: frame %d declares %d bytes, have %d",
			ErrTruncated, h.FrameNumber, h.TotalPacketLen, len(pkt))
	}

	frame := &l2frames.Frame{
		Seq:       uint64(h.FrameNumber),
		Timestamp: ts,
		Declared:  int(h.NumDetectedObj),
	}

	le := binary.LittleEndian
	body := pkt[HeaderSize:h.TotalPacketLen]
	var side []byte
	for i := uint32(0); i < h.NumTLVs; i++ {
		if len(body) < tlvHeaderSize {
			return nil, fmt.Errorf("%w: frame %d TLV %d header", ErrTruncated, h.FrameNumber, i)
		}
		typ := le.Uint32(body)
		n := le.Uint32(body[4:])
		body = body[tlvHeaderSize:]
		if uint32(len(body)) < n {
			return nil, fmt.Errorf("%w: frame %d TLV %d type %d needs %d bytes, have %d",
				ErrTruncated, h.FrameNumber, i, typ, n, len(body))
		}
		payload := body[:n]
		body = body[n:]

		switch typ {
		case TLVDetectedPoints:
			frame.Detections = decodePoints(payload)
		case TLVSideInfo:
			side = payload
		}
	}

	// Side info is per point and in the same order; a short table leaves the
	// remaining intensities at zero.
	for i := range frame.Detections {
		if (i+1)*sideInfoSize > len(side) {
			break
		}
		snr := int16(le.Uint16(side[i*sideInfoSize:]))
		frame.Detections[i].Intensity = float64(snr) * 0.1
	}
	return frame, nil
}

func decodePoints(b []byte) []l2frames.Detection {
	le := binary.LittleEndian
	n := len(b) / pointSize
	dets := make([]l2frames.Detection, n)
	for i := range dets {
		p := b[i*pointSize:]
		dets[i] = l2frames.Detection{
			Position: l2frames.Vec3{
				X: float64(math.Float32frombits(le.Uint32(p[0:]))),
				Y: float64(math.Float32frombits(le.Uint32(p[4:]))),
				Z: float64(math.Float32frombits(le.Uint32(p[8:]))),
			},
			Doppler: float64(math.Float32frombits(le.Uint32(p[12:]))),
		}
	}
	return dets
}

// EncodePacket builds an SDK 3.x packet for frame with a points TLV and a
// side-info TLV carrying each detection's intensity as SNR. It is the inverse
// of DecodePacket up to float32 precision and is used by the sensor simulator
// and capture fixtures.
func EncodePacket(frame *l2frames.Frame) []byte {
	le := binary.LittleEndian
	n := len(frame.Detections)

	points := make([]byte, n*pointSize)
	side := make([]byte, n*sideInfoSize)
	for i, d := range frame.Detections {
		p := points[i*pointSize:]
		le.PutUint32(p[0:], math.Float32bits(float32(d.Position.X)))
		le.PutUint32(p[4:], math.Float32bits(float32(d.Position.Y)))
		le.PutUint32(p[8:], math.Float32bits(float32(d.Position.Z)))
		le.PutUint32(p[12:], math.Float32bits(float32(d.Doppler)))
		le.PutUint16(side[i*sideInfoSize:], uint16(int16(math.Round(d.Intensity*10))))
	}

	total := HeaderSize + 2*tlvHeaderSize + len(points) + len(side)
	buf := make([]byte, 0, total)
	buf = append(buf, MagicWord[:]...)
	buf = le.AppendUint32(buf, 0x03050004) // SDK 3.5.0.4
	buf = le.AppendUint32(buf, uint32(total))
	buf = le.AppendUint32(buf, 0xA1642) // xWR1642
	buf = le.AppendUint32(buf, uint32(frame.Seq))
	buf = le.AppendUint32(buf, 0)
	declared := n
	if frame.Declared != l2frames.UnknownCount {
		declared = frame.Declared
	}
	buf = le.AppendUint32(buf, uint32(declared))
	buf = le.AppendUint32(buf, 2)
	buf = le.AppendUint32(buf, 0)

	buf = le.AppendUint32(buf, TLVDetectedPoints)
	buf = le.AppendUint32(buf, uint32(len(points)))
	buf = append(buf, points...)
	buf = le.AppendUint32(buf, TLVSideInfo)
	buf = le.AppendUint32(buf, uint32(len(side)))
	buf = append(buf, side...)
	return buf
}
