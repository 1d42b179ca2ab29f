package l1packets

import (
	"math"
	"time"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testFrame returns a frame with n detections spread along x.
func testFrame(seq uint64, n int) *l2frames.Frame {
	dets := make([]l2frames.Detection, n)
	for i := range dets {
		dets[i] = l2frames.Detection{
			Position:  l2frames.Vec3{X: 0.1 * float64(i), Y: 1.5, Z: -0.25},
			Doppler:   -0.5 + 0.1*float64(i),
			Intensity: 12.3 + float64(i),
		}
	}
	return &l2frames.Frame{Seq: seq, Declared: n, Detections: dets}
}

func f32(v float64) float64 { return float64(float32(v)) }

func roundTenth(v float64) float64 { return math.Round(v*10) / 10 }
