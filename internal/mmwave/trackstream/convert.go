package trackstream

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l5tracks"
)

// ToStruct encodes a snapshot. Track ids and the sequence number travel as
// protobuf numbers and are exact up to 2^53; the timestamp is RFC 3339 text
// so it keeps nanosecond precision.
func ToStruct(set l5tracks.TrackSet) (*structpb.Struct, error) {
	tracks := make([]any, 0, set.Len())
	for _, t := range set.Tracks() {
		tracks = append(tracks, map[string]any{
			"id":       t.ID,
			"status":   t.Status.String(),
			"motion":   t.Motion.String(),
			"age":      t.Age,
			"position": vecMap(t.Position),
			"velocity": vecMap(t.Velocity),
		})
	}
	return structpb.NewStruct(map[string]any{
		"seq":       set.Seq(),
		"timestamp": set.Timestamp().Format(time.RFC3339Nano),
		"tracks":    tracks,
	})
}

// FromStruct decodes a ToStruct message.
func FromStruct(m *structpb.Struct) (l5tracks.TrackSet, error) {
	f := m.GetFields()
	ts, err := time.Parse(time.RFC3339Nano, f["timestamp"].GetStringValue())
	if err != nil {
		return l5tracks.TrackSet{}, fmt.Errorf("decode timestamp: %w", err)
	}

	values := f["tracks"].GetListValue().GetValues()
	tracks := make([]l5tracks.PublishedTrack, 0, len(values))
	for _, v := range values {
		tf := v.GetStructValue().GetFields()
		var status l5tracks.TrackStatus
		if err := status.UnmarshalText([]byte(tf["status"].GetStringValue())); err != nil {
			return l5tracks.TrackSet{}, err
		}
		var motion l5tracks.MotionStatus
		if err := motion.UnmarshalText([]byte(tf["motion"].GetStringValue())); err != nil {
			return l5tracks.TrackSet{}, err
		}
		tracks = append(tracks, l5tracks.PublishedTrack{
			ID:       uint64(tf["id"].GetNumberValue()),
			Position: vecFrom(tf["position"]),
			Velocity: vecFrom(tf["velocity"]),
			Status:   status,
			Motion:   motion,
			Age:      int(tf["age"].GetNumberValue()),
		})
	}
	return l5tracks.NewTrackSet(uint64(f["seq"].GetNumberValue()), ts, tracks), nil
}

func vecMap(v l2frames.Vec3) map[string]any {
	return map[string]any{"x": v.X, "y": v.Y, "z": v.Z}
}

func vecFrom(v *structpb.Value) l2frames.Vec3 {
	f := v.GetStructValue().GetFields()
	return l2frames.Vec3{
		X: f["x"].GetNumberValue(),
		Y: f["y"].GetNumberValue(),
		Z: f["z"].GetNumberValue(),
	}
}
