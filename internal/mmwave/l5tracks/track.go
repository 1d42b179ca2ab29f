package l5tracks

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
)

// TrackStatus represents the lifecycle state of a track.
type TrackStatus uint8

const (
	TrackTentative TrackStatus = iota // New track, needs confirmation
	TrackConfirmed                    // Seen in enough consecutive frames
	TrackCoasting                     // Confirmed but currently unmatched
	TrackDead                         // Terminal; removed in the same frame
)

var trackStatusNames = [...]string{
	TrackTentative: "tentative",
	TrackConfirmed: "confirmed",
	TrackCoasting:  "coasting",
	TrackDead:      "dead",
}

func (s TrackStatus) String() string {
	if int(s) < len(trackStatusNames) {
		return trackStatusNames[s]
	}
	return fmt.Sprintf("TrackStatus(%d)", uint8(s))
}

// MarshalText encodes the status by name.
func (s TrackStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *TrackStatus) UnmarshalText(b []byte) error {
	for i, name := range trackStatusNames {
		if name == string(b) {
			*s = TrackStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown track status %q", b)
}

// Published reports whether tracks in this state appear in a TrackSet.
func (s TrackStatus) Published() bool {
	return s == TrackConfirmed || s == TrackCoasting
}

// MotionStatus says whether a tracked person is walking or standing still.
// It is derived from the doppler content of matched clusters and never
// drives lifecycle transitions.
type MotionStatus uint8

const (
	MotionStatic MotionStatus = iota
	MotionDynamic
)

var motionStatusNames = [...]string{
	MotionStatic:  "static",
	MotionDynamic: "dynamic",
}

func (s MotionStatus) String() string {
	if int(s) < len(motionStatusNames) {
		return motionStatusNames[s]
	}
	return fmt.Sprintf("MotionStatus(%d)", uint8(s))
}

// MarshalText encodes the motion status by name.
func (s MotionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a motion status name.
func (s *MotionStatus) UnmarshalText(b []byte) error {
	for i, name := range motionStatusNames {
		if name == string(b) {
			*s = MotionStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown motion status %q", b)
}

// TrackState is one tracked person. It is owned by a TrackManager and only
// changes inside TrackManager.Step; everything else reads it through getters.
type TrackState struct {
	id     uint64
	status TrackStatus
	motion MotionStatus
	kf     *KalmanFilter

	age    int // frames since birth
	hits   int // consecutive matched frames
	misses int // consecutive unmatched frames

	firstSeen time.Time
	lastSeen  time.Time

	lastClusterSize   int
	lastDynamicPoints int
	lastDoppler       float64
}

func (t *TrackState) ID() uint64                      { return t.id }
func (t *TrackState) Status() TrackStatus             { return t.status }
func (t *TrackState) Motion() MotionStatus            { return t.motion }
func (t *TrackState) Position() l2frames.Vec3         { return t.kf.Position() }
func (t *TrackState) Velocity() l2frames.Vec3         { return t.kf.Velocity() }
func (t *TrackState) Age() int                        { return t.age }
func (t *TrackState) Hits() int                       { return t.hits }
func (t *TrackState) Misses() int                     { return t.misses }
func (t *TrackState) FirstSeen() time.Time            { return t.firstSeen }
func (t *TrackState) LastSeen() time.Time             { return t.lastSeen }
func (t *TrackState) LastClusterSize() int            { return t.lastClusterSize }
func (t *TrackState) LastDynamicPoints() int          { return t.lastDynamicPoints }
func (t *TrackState) LastDoppler() float64            { return t.lastDoppler }
func (t *TrackState) Covariance() *mat.Dense          { return t.kf.Covariance() }
func (t *TrackState) PositionVariance() l2frames.Vec3 { return t.kf.PositionVariance() }

// Speed returns the magnitude of the velocity estimate.
func (t *TrackState) Speed() float64 { return t.kf.Velocity().Norm() }

// RadialSpeed returns the velocity component along the line of sight from
// origin, matching the sign convention of detection doppler (positive away).
func (t *TrackState) RadialSpeed(origin l2frames.Vec3) float64 {
	los := t.kf.Position().Sub(origin)
	r := los.Norm()
	if r == 0 {
		return 0
	}
	return t.kf.Velocity().Dot(los) / r
}

func (t *TrackState) clone() *TrackState {
	c := *t
	c.kf = t.kf.Clone()
	return &c
}

func (t *TrackState) String() string {
	p := t.Position()
	return fmt.Sprintf("track %d %s %s age=%d hits=%d misses=%d pos=(%.2f,%.2f,%.2f)",
		t.id, t.status, t.motion, t.age, t.hits, t.misses, p.X, p.Y, p.Z)
}
