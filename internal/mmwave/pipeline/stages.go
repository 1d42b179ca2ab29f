package pipeline

import (
	"context"
	"reflect"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l5tracks"
)

// FrameSource yields decoded frames in arrival order. Next blocks until a
// frame is available and returns io.EOF once the source is exhausted.
// Live decoders and the replay reader both implement it.
type FrameSource interface {
	Next(ctx context.Context) (*l2frames.Frame, error)
}

// FrameRecorder receives every frame the scheduler processes, before
// normalisation (e.g. replay.Recorder).
type FrameRecorder interface {
	RecordFrame(frame *l2frames.Frame) error
}

// TrackSink receives each published snapshot together with the lifecycle
// events that produced it. It is an adapter, not a domain layer, so
// implementations live outside the layer packages (e.g. storage/sqlite).
type TrackSink interface {
	PersistTracks(set l5tracks.TrackSet, res l5tracks.StepResult) error
}

// isNilInterface checks if an interface value is nil or contains a nil pointer.
// This handles the Go interface nil pitfall where interface{} != nil but the underlying value is nil.
func isNilInterface(i any) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}
