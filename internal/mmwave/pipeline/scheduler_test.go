package pipeline

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mmwave.tracker/internal/config"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l4perception"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l5tracks"
	"github.com/banshee-data/mmwave.tracker/internal/timeutil"
)

const frameInterval = 100 * time.Millisecond

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// personAt returns a ring of n detections of radius 5 cm around c.
func personAt(c l2frames.Vec3, n int) []l2frames.Detection {
	dets := make([]l2frames.Detection, n)
	for i := range dets {
		a := 2 * math.Pi * float64(i) / float64(n)
		dets[i] = l2frames.Detection{
			Position:  l2frames.Vec3{X: c.X + 0.05*math.Cos(a), Y: c.Y + 0.05*math.Sin(a), Z: c.Z},
			Intensity: 10,
		}
	}
	return dets
}

func frameAt(seq uint64, dets []l2frames.Detection) *l2frames.Frame {
	return &l2frames.Frame{
		Seq:        seq,
		Timestamp:  epoch.Add(time.Duration(seq) * frameInterval),
		Declared:   len(dets),
		Detections: dets,
	}
}

func testTuning() *config.TuningConfig {
	cfg := config.EmptyTuningConfig()
	cfg.MaxCoastFrames = new(int)
	*cfg.MaxCoastFrames = 2
	return cfg
}

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	tuning := testTuning()
	engine, err := l4perception.NewClusterEngine(l4perception.ClusterParamsFromTuning(tuning))
	require.NoError(t, err)
	manager, err := l5tracks.NewTrackManager(l5tracks.TrackerConfigFromTuning(tuning))
	require.NoError(t, err)
	cfg := Config{FrameInterval: frameInterval, MaxPredictDt: 5 * frameInterval}
	s, err := NewScheduler(cfg, engine, manager, opts...)
	require.NoError(t, err)
	return s
}

type sliceSource struct {
	frames []*l2frames.Frame
	err    error
}

func (s *sliceSource) Next(ctx context.Context) (*l2frames.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.frames) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

type sinkFunc func(l5tracks.TrackSet, l5tracks.StepResult) error

func (f sinkFunc) PersistTracks(set l5tracks.TrackSet, res l5tracks.StepResult) error {
	return f(set, res)
}

type recorderFunc func(*l2frames.Frame) error

func (f recorderFunc) RecordFrame(frame *l2frames.Frame) error { return f(frame) }

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewSchedulerRejectsBadConfig(t *testing.T) {
	t.Parallel()

	engine, err := l4perception.NewClusterEngine(l4perception.DefaultClusterParams())
	require.NoError(t, err)
	manager, err := l5tracks.NewTrackManager(l5tracks.DefaultTrackerConfig())
	require.NoError(t, err)

	_, err = NewScheduler(Config{}, engine, manager)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewScheduler(Config{FrameInterval: frameInterval, MaxPredictDt: -1}, engine, manager)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewScheduler(Config{FrameInterval: frameInterval, FramesBatch: -1}, engine, manager)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewScheduler(Config{FrameInterval: frameInterval}, nil, manager)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewScheduler(Config{FrameInterval: frameInterval}, engine, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewFromTuningPropagatesLayerErrors(t *testing.T) {
	t.Parallel()

	bad := config.EmptyTuningConfig()
	bad.ClusterMinPoints = new(int)
	_, err := NewFromTuning(bad)
	assert.ErrorIs(t, err, l4perception.ErrInvalidParams)

	s, err := NewFromTuning(nil)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, s.Config().FrameInterval)
	require.NotNil(t, s.Config().Pose)
}

func TestConfigFromTuningMountPose(t *testing.T) {
	t.Parallel()

	cfg := ConfigFromTuning(config.EmptyTuningConfig())
	got := cfg.Pose.Apply(l2frames.Vec3{X: 0, Y: 2, Z: 0})
	assert.InDelta(t, 1.0, got.Z, 1e-12, "detections are lifted by the sensor height")
	assert.Equal(t, 2.5, cfg.Bounds.MaxZ)
}

// ---------------------------------------------------------------------------
// ProcessFrame
// ---------------------------------------------------------------------------

func TestProcessFrameConfirmsStationaryPerson(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	assert.Equal(t, 0, s.Latest().Len(), "nothing published before the first frame")

	var set l5tracks.TrackSet
	for seq := uint64(1); seq <= 3; seq++ {
		var err error
		set, err = s.ProcessFrame(frameAt(seq, personAt(l2frames.Vec3{X: 0.5, Y: 2, Z: 1}, 10)))
		require.NoError(t, err)
		if seq < 3 {
			assert.Equal(t, 0, set.Len(), "tentative tracks are not published (frame %d)", seq)
		}
	}

	require.Equal(t, 1, set.Len())
	tr := set.Tracks()[0]
	assert.Equal(t, l5tracks.TrackConfirmed, tr.Status)
	assert.InDelta(t, 0.5, tr.Position.X, 1e-6)
	assert.InDelta(t, 2.0, tr.Position.Y, 1e-6)
	assert.Less(t, tr.Velocity.Norm(), 1e-6)

	assert.Equal(t, uint64(3), s.Latest().Seq())
	assert.Equal(t, set.IDs(), s.Latest().IDs())
	assert.Equal(t, uint64(3), s.Stats().Processed)
}

func TestProcessFrameMalformedCoasts(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	for seq := uint64(1); seq <= 3; seq++ {
		_, err := s.ProcessFrame(frameAt(seq, personAt(l2frames.Vec3{Y: 2, Z: 1}, 10)))
		require.NoError(t, err)
	}

	bad := frameAt(4, personAt(l2frames.Vec3{Y: 2, Z: 1}, 10))
	bad.Declared = 42
	set, err := s.ProcessFrame(bad)
	require.ErrorIs(t, err, l2frames.ErrMalformedFrame)

	require.Equal(t, 1, set.Len(), "malformed frame is processed as empty, not skipped")
	assert.Equal(t, l5tracks.TrackCoasting, set.Tracks()[0].Status)
	assert.Equal(t, uint64(4), s.Latest().Seq())

	nan := frameAt(5, personAt(l2frames.Vec3{Y: 2, Z: 1}, 10))
	nan.Detections[3].Position.X = math.NaN()
	_, err = s.ProcessFrame(nan)
	require.ErrorIs(t, err, l2frames.ErrMalformedFrame)

	assert.Equal(t, uint64(2), s.Stats().Malformed)
	assert.Equal(t, uint64(5), s.Stats().Processed)
}

func TestProcessFrameNil(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	_, err := s.ProcessFrame(nil)
	assert.ErrorIs(t, err, l2frames.ErrMalformedFrame)
	assert.Zero(t, s.Stats().Processed)
}

func TestProcessFrameSceneBounds(t *testing.T) {
	t.Parallel()

	tuning := testTuning()
	engine, err := l4perception.NewClusterEngine(l4perception.ClusterParamsFromTuning(tuning))
	require.NoError(t, err)
	manager, err := l5tracks.NewTrackManager(l5tracks.TrackerConfigFromTuning(tuning))
	require.NoError(t, err)
	pose := l2frames.MountPose(1, 0)
	s, err := NewScheduler(Config{
		Pose:          &pose,
		Bounds:        l2frames.SceneBounds{MaxZ: 2.5},
		FrameInterval: frameInterval,
		MaxPredictDt:  time.Second,
	}, engine, manager)
	require.NoError(t, err)

	// Sensor-frame z = 2 lifts to 3 m, above the ceiling.
	for seq := uint64(1); seq <= 3; seq++ {
		_, err := s.ProcessFrame(frameAt(seq, personAt(l2frames.Vec3{Y: 2, Z: 2}, 10)))
		require.NoError(t, err)
	}
	assert.Zero(t, manager.Len())

	// Sensor-frame z = 0 lifts to 1 m, inside the scene.
	for seq := uint64(4); seq <= 6; seq++ {
		_, err := s.ProcessFrame(frameAt(seq, personAt(l2frames.Vec3{Y: 2, Z: 0}, 10)))
		require.NoError(t, err)
	}
	require.Equal(t, 1, s.Latest().Len())
	assert.InDelta(t, 1.0, s.Latest().Tracks()[0].Position.Z, 1e-6)
}

// ---------------------------------------------------------------------------
// dt from sequence gaps
// ---------------------------------------------------------------------------

func TestFrameDt(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	tests := []struct {
		name     string
		seq      uint64
		interval time.Duration
		want     time.Duration
	}{
		{"first frame", 10, 0, frameInterval},
		{"consecutive", 11, 0, frameInterval},
		{"gap of two", 14, 0, 3 * frameInterval},
		{"clamped", 40, 0, 5 * frameInterval},
		{"repeat", 40, 0, frameInterval},
		{"backwards", 2, 0, frameInterval},
		{"frame interval wins", 3, 50 * time.Millisecond, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		got := s.frameDt(&l2frames.Frame{Seq: tt.seq, Interval: tt.interval})
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestSequenceGapPredictsFurther(t *testing.T) {
	t.Parallel()

	walk := func(gapAt uint64) l2frames.Vec3 {
		s := newTestScheduler(t)
		seq := uint64(0)
		y := 1.0
		for i := 0; i < 6; i++ {
			seq++
			if seq == gapAt {
				seq++ // one lost frame, the person kept walking
				y += 0.05
			}
			y += 0.05
			_, err := s.ProcessFrame(frameAt(seq, personAt(l2frames.Vec3{Y: y, Z: 1}, 10)))
			require.NoError(t, err)
		}
		require.Equal(t, 1, s.Latest().Len())
		return s.Latest().Tracks()[0].Velocity
	}

	withGap := walk(5)
	assert.InDelta(t, 0.5, withGap.Y, 0.15, "a lost frame must not read as a speed-up")
}

// ---------------------------------------------------------------------------
// Overruns and sinks
// ---------------------------------------------------------------------------

func TestOverrunCountedNotFailed(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(epoch)
	slow := sinkFunc(func(l5tracks.TrackSet, l5tracks.StepResult) error {
		clock.Advance(150 * time.Millisecond)
		return nil
	})
	s := newTestScheduler(t, WithClock(clock), WithTrackSink(slow))

	_, err := s.ProcessFrame(frameAt(1, nil))
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Overruns)
	assert.Equal(t, 150*time.Millisecond, st.LastLatency)

	fast := newTestScheduler(t, WithClock(timeutil.NewMockClock(epoch)))
	_, err = fast.ProcessFrame(frameAt(1, nil))
	require.NoError(t, err)
	assert.Zero(t, fast.Stats().Overruns)
}

func TestSinksAndRecorders(t *testing.T) {
	t.Parallel()

	var recorded []uint64
	var born []uint64
	rec := recorderFunc(func(f *l2frames.Frame) error {
		recorded = append(recorded, f.Seq)
		return errors.New("disk full")
	})
	sink := sinkFunc(func(_ l5tracks.TrackSet, res l5tracks.StepResult) error {
		born = append(born, res.Born...)
		return nil
	})
	var nilSink *nilTrackSink
	s := newTestScheduler(t, WithRecorder(rec), WithTrackSink(sink), WithTrackSink(nilSink))

	bad := frameAt(2, personAt(l2frames.Vec3{Y: 2, Z: 1}, 10))
	bad.Declared = 1

	_, err := s.ProcessFrame(frameAt(1, personAt(l2frames.Vec3{Y: 2, Z: 1}, 10)))
	require.NoError(t, err, "recorder errors are logged, not returned")
	_, err = s.ProcessFrame(bad)
	require.Error(t, err)

	assert.Equal(t, []uint64{1, 2}, recorded, "malformed frames are recorded as received")
	assert.Equal(t, []uint64{1}, born)
}

type nilTrackSink struct{}

func (*nilTrackSink) PersistTracks(l5tracks.TrackSet, l5tracks.StepResult) error { return nil }

// ---------------------------------------------------------------------------
// Subscribers
// ---------------------------------------------------------------------------

func TestSubscribeReceivesSnapshots(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	id, ch := s.Subscribe()
	_, err := s.ProcessFrame(frameAt(1, nil))
	require.NoError(t, err)

	select {
	case set := <-ch:
		assert.Equal(t, uint64(1), set.Seq())
	default:
		t.Fatal("expected a snapshot")
	}

	s.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open, "channel closed on unsubscribe")
	s.Unsubscribe(id)
}

func TestSlowSubscriberKeepsNewest(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, WithSubscriberBuffer(1))

	_, ch := s.Subscribe()
	for seq := uint64(1); seq <= 5; seq++ {
		_, err := s.ProcessFrame(frameAt(seq, nil))
		require.NoError(t, err)
	}

	set := <-ch
	assert.Equal(t, uint64(5), set.Seq())
}

// ---------------------------------------------------------------------------
// Submit / Run / Feed / Replay
// ---------------------------------------------------------------------------

func TestSubmitDropsSupersededFrames(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	s.Submit(frameAt(1, nil))
	s.Submit(frameAt(2, nil))
	s.Submit(frameAt(3, nil))
	s.Submit(nil)
	assert.Equal(t, uint64(2), s.Stats().Dropped)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Stats().Processed == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(3), s.Latest().Seq(), "only the newest frame is processed")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.Equal(t, uint64(1), s.Stats().Processed)
}

func TestFlushProcessesPendingFrame(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	assert.False(t, s.Flush())

	s.Submit(frameAt(4, nil))
	assert.True(t, s.Flush())
	assert.Equal(t, uint64(4), s.Latest().Seq())
	assert.Equal(t, uint64(1), s.Stats().Processed)
	assert.False(t, s.Flush(), "the slot is empty after a flush")
}

func TestRunStopsWhenCancelledBeforeStart(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Submit(frameAt(1, nil))
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.Zero(t, s.Stats().Processed)
}

func TestFeedAndRun(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	frames := make([]*l2frames.Frame, 20)
	for i := range frames {
		frames[i] = frameAt(uint64(i+1), personAt(l2frames.Vec3{Y: 2, Z: 1}, 10))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Run(ctx)
	}()

	require.NoError(t, s.Feed(ctx, &sliceSource{frames: frames}))
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Processed+st.Dropped == 20
	}, time.Second, time.Millisecond, "every frame is processed or dropped")
	assert.Equal(t, uint64(20), s.Latest().Seq(), "the newest frame is never dropped")

	cancel()
	wg.Wait()
}

func TestFeedSourceError(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	boom := errors.New("port closed")
	err := s.Feed(context.Background(), &sliceSource{err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestReplayProcessesEveryFrame(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	var seen []uint64
	id, ch := s.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for set := range ch {
			seen = append(seen, set.Seq())
		}
	}()

	frames := []*l2frames.Frame{frameAt(1, nil), frameAt(2, nil), frameAt(3, nil)}
	bad := frameAt(4, nil)
	bad.Declared = 3
	frames = append(frames, bad, frameAt(5, nil))

	require.NoError(t, s.Replay(context.Background(), &sliceSource{frames: frames}))
	st := s.Stats()
	assert.Equal(t, uint64(5), st.Processed)
	assert.Zero(t, st.Dropped)
	assert.Equal(t, uint64(1), st.Malformed)

	s.Unsubscribe(id)
	<-done
	assert.Equal(t, uint64(5), seen[len(seen)-1])
}

func TestReplayHonoursCancel(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Replay(ctx, &sliceSource{frames: []*l2frames.Frame{frameAt(1, nil)}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.Stats().Processed)
}

func TestResetClearsTracks(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	for seq := uint64(1); seq <= 3; seq++ {
		_, err := s.ProcessFrame(frameAt(seq, personAt(l2frames.Vec3{Y: 2, Z: 1}, 10)))
		require.NoError(t, err)
	}
	require.Equal(t, 1, s.Latest().Len())

	s.Reset()
	assert.Zero(t, s.Latest().Len())
	assert.Zero(t, s.Manager().Len())
}

// ---------------------------------------------------------------------------
// Frame batching
// ---------------------------------------------------------------------------

func TestFramesBatchDensifiesSparseClouds(t *testing.T) {
	t.Parallel()

	// One person whose 8 detections arrive half per frame; each half is
	// below the cluster minimum on its own.
	ring := personAt(l2frames.Vec3{Y: 2, Z: 1}, 8)
	halves := [][]l2frames.Detection{ring[:4], ring[4:]}

	run := func(t *testing.T, batch int) *Scheduler {
		tuning := testTuning()
		tuning.FramesBatch = &batch
		s, err := NewFromTuning(tuning)
		require.NoError(t, err)
		require.Equal(t, batch, s.Config().FramesBatch)
		for seq := uint64(1); seq <= 4; seq++ {
			_, err := s.ProcessFrame(frameAt(seq, halves[(seq-1)%2]))
			require.NoError(t, err)
		}
		return s
	}

	t.Run("single frame", func(t *testing.T) {
		s := run(t, 1)
		assert.Zero(t, s.Manager().Len())
		assert.Zero(t, s.Latest().Len())
	})

	t.Run("two frame window", func(t *testing.T) {
		s := run(t, 2)
		require.Equal(t, 1, s.Manager().Len())
		assert.Equal(t, 1, s.Latest().Count(l5tracks.TrackConfirmed))

		// Reset empties the window along with the tracks.
		s.Reset()
		_, err := s.ProcessFrame(frameAt(1, halves[0]))
		require.NoError(t, err)
		assert.Zero(t, s.Manager().Len())
	})
}
