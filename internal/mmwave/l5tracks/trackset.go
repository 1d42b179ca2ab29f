package l5tracks

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
)

// PublishedTrack is the consumer-facing view of a Confirmed or Coasting
// track.
type PublishedTrack struct {
	ID       uint64        `json:"id"`
	Position l2frames.Vec3 `json:"position"`
	Velocity l2frames.Vec3 `json:"velocity"`
	Status   TrackStatus   `json:"status"`
	Motion   MotionStatus  `json:"motion"`
	Age      int           `json:"age"`
}

// TrackSet is the immutable output of one frame. The zero value is an empty
// set.
type TrackSet struct {
	seq       uint64
	timestamp time.Time
	tracks    map[uint64]PublishedTrack
}

// NewTrackSet builds a TrackSet from published tracks. Later duplicates of
// an id replace earlier ones.
func NewTrackSet(seq uint64, ts time.Time, tracks []PublishedTrack) TrackSet {
	m := make(map[uint64]PublishedTrack, len(tracks))
	for _, t := range tracks {
		m[t.ID] = t
	}
	return TrackSet{seq: seq, timestamp: ts, tracks: m}
}

func (s TrackSet) Seq() uint64          { return s.seq }
func (s TrackSet) Timestamp() time.Time { return s.timestamp }
func (s TrackSet) Len() int             { return len(s.tracks) }

// Get returns the published track with the given id.
func (s TrackSet) Get(id uint64) (PublishedTrack, bool) {
	t, ok := s.tracks[id]
	return t, ok
}

// IDs returns the track ids in ascending order.
func (s TrackSet) IDs() []uint64 {
	return slices.Sorted(maps.Keys(s.tracks))
}

// Tracks returns a copy of the published tracks ordered by id.
func (s TrackSet) Tracks() []PublishedTrack {
	out := make([]PublishedTrack, 0, len(s.tracks))
	for _, id := range s.IDs() {
		out = append(out, s.tracks[id])
	}
	return out
}

// Count returns the number of tracks with the given status.
func (s TrackSet) Count(status TrackStatus) int {
	n := 0
	for _, t := range s.tracks {
		if t.Status == status {
			n++
		}
	}
	return n
}

type trackSetJSON struct {
	Seq       uint64           `json:"seq"`
	Timestamp time.Time        `json:"timestamp"`
	Tracks    []PublishedTrack `json:"tracks"`
}

// MarshalJSON encodes the set with tracks ordered by id.
func (s TrackSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(trackSetJSON{Seq: s.seq, Timestamp: s.timestamp, Tracks: s.Tracks()})
}

// UnmarshalJSON decodes the MarshalJSON form.
func (s *TrackSet) UnmarshalJSON(b []byte) error {
	var v trackSetJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*s = NewTrackSet(v.Seq, v.Timestamp, v.Tracks)
	return nil
}
