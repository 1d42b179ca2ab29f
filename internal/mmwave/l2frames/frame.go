package l2frames

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedFrame is returned (wrapped) when a frame fails validation.
// The pipeline treats such a frame as empty rather than aborting.
var ErrMalformedFrame = errors.New("malformed frame")

// UnknownCount is the Declared value used when the source did not announce a
// point count.
const UnknownCount = -1

// Frame holds one decoded point cloud. Live decoders and the replay reader
// produce the same shape so the core cannot tell them apart.
type Frame struct {
	Seq        uint64        // Sensor frame number, monotonically increasing
	Timestamp  time.Time     // Capture (or arrival) time
	Interval   time.Duration // Nominal inter-frame interval; zero means use the pipeline default
	Declared   int           // Point count announced by the decoder, or UnknownCount
	Detections []Detection
}

// Validate checks the frame for a declared/actual count mismatch and for
// non-finite detections. The returned error wraps ErrMalformedFrame.
func (f *Frame) Validate() error {
	if f.Declared != UnknownCount && f.Declared != len(f.Detections) {
		return fmt.Errorf("%w: seq %d declared %d detections, got %d",
			ErrMalformedFrame, f.Seq, f.Declared, len(f.Detections))
	}
	for i, d := range f.Detections {
		if !d.IsFinite() {
			return fmt.Errorf("%w: seq %d detection %d has non-finite values %+v",
				ErrMalformedFrame, f.Seq, i, d)
		}
	}
	return nil
}

// Len returns the number of detections in the frame.
func (f *Frame) Len() int { return len(f.Detections) }
