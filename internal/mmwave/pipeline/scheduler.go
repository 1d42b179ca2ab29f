package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/mmwave.tracker/internal/config"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l4perception"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l5tracks"
	"github.com/banshee-data/mmwave.tracker/internal/timeutil"
)

// ErrInvalidConfig is returned (wrapped) by NewScheduler for unusable settings.
var ErrInvalidConfig = errors.New("invalid pipeline config")

// defaultSubscriberBuffer is the channel depth handed to each subscriber.
const defaultSubscriberBuffer = 4

// Config holds the scheduler's frame-level settings. The clustering and
// tracking parameters live on the engine and manager passed to NewScheduler.
type Config struct {
	// Pose maps sensor coordinates into the room frame. Nil means identity.
	Pose *l2frames.Pose

	// Bounds drops detections outside the monitored volume before clustering.
	Bounds l2frames.SceneBounds

	// FrameInterval is the nominal sensor cadence, used when a frame does not
	// carry its own interval. It is both the dt unit and the overrun budget.
	FrameInterval time.Duration

	// MaxPredictDt caps the dt handed to the filter after a sequence gap.
	MaxPredictDt time.Duration

	// FramesBatch is how many recent frames' scene detections are clustered
	// together, densifying sparse clouds. Zero and one cluster each frame
	// on its own.
	FramesBatch int
}

// ConfigFromTuning builds a scheduler config from the tuning file. The pose is
// the sensor mount (height above floor, downward tilt).
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	if cfg == nil {
		cfg = config.EmptyTuningConfig()
	}
	pose := l2frames.MountPose(cfg.GetSensorHeight(), cfg.GetSensorTiltDeg())
	return Config{
		Pose:          &pose,
		Bounds:        l2frames.SceneBounds{MaxZ: cfg.GetSceneMaxZ(), MinY: cfg.GetSceneMinY()},
		FrameInterval: cfg.GetFrameInterval(),
		MaxPredictDt:  cfg.GetMaxPredictDt(),
		FramesBatch:   cfg.GetFramesBatch(),
	}
}

// Validate checks that the cadence settings are usable.
func (c Config) Validate() error {
	if c.FrameInterval <= 0 {
		return fmt.Errorf("%w: frame interval must be positive, got %s", ErrInvalidConfig, c.FrameInterval)
	}
	if c.MaxPredictDt < 0 {
		return fmt.Errorf("%w: max predict dt must be non-negative, got %s", ErrInvalidConfig, c.MaxPredictDt)
	}
	if c.FramesBatch < 0 {
		return fmt.Errorf("%w: frames batch must be non-negative, got %d", ErrInvalidConfig, c.FramesBatch)
	}
	return nil
}

// Stats is a point-in-time copy of the scheduler counters.
type Stats struct {
	Processed   uint64        `json:"processed"`
	Dropped     uint64        `json:"dropped"`
	Malformed   uint64        `json:"malformed"`
	Overruns    uint64        `json:"overruns"`
	LastLatency time.Duration `json:"last_latency_ns"`
}

// Option configures optional scheduler collaborators.
type Option func(*Scheduler)

// WithClock replaces the wall clock used for latency measurement.
func WithClock(c timeutil.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithTrackSink adds a sink that receives every published snapshot.
func WithTrackSink(sink TrackSink) Option {
	return func(s *Scheduler) {
		if !isNilInterface(sink) {
			s.trackSinks = append(s.trackSinks, sink)
		}
	}
}

// WithRecorder adds a recorder that receives every processed raw frame.
func WithRecorder(rec FrameRecorder) Option {
	return func(s *Scheduler) {
		if !isNilInterface(rec) {
			s.recorders = append(s.recorders, rec)
		}
	}
}

// WithSubscriberBuffer sets the channel depth for new subscribers.
func WithSubscriberBuffer(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.subBuffer = n
		}
	}
}

// Scheduler drives one frame at a time through normalise → cluster → step →
// publish. The TrackManager is only mutated inside ProcessFrame, which is
// serialised by procMu; consumers read immutable TrackSet snapshots.
type Scheduler struct {
	cfg     Config
	engine  *l4perception.ClusterEngine
	manager *l5tracks.TrackManager
	clock   timeutil.Clock

	trackSinks []TrackSink
	recorders  []FrameRecorder

	procMu   sync.Mutex
	lastSeq  uint64
	haveLast bool
	window   [][]l2frames.Detection // scene detections of the last FramesBatch frames

	// Single-slot handoff between Submit and Run.
	pendingMu sync.Mutex
	pending   *l2frames.Frame
	wake      chan struct{}

	latest atomic.Pointer[l5tracks.TrackSet]

	subMu     sync.Mutex
	subs      map[int]chan l5tracks.TrackSet
	nextSub   int
	subBuffer int

	processed   atomic.Uint64
	dropped     atomic.Uint64
	malformed   atomic.Uint64
	overruns    atomic.Uint64
	lastLatency atomic.Int64
}

// NewScheduler validates cfg and wires the layers together. Configuration
// errors are the only fatal errors in the pipeline.
func NewScheduler(cfg Config, engine *l4perception.ClusterEngine, manager *l5tracks.TrackManager, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: nil cluster engine", ErrInvalidConfig)
	}
	if manager == nil {
		return nil, fmt.Errorf("%w: nil track manager", ErrInvalidConfig)
	}

	s := &Scheduler{
		cfg:       cfg,
		engine:    engine,
		manager:   manager,
		clock:     timeutil.RealClock{},
		wake:      make(chan struct{}, 1),
		subs:      make(map[int]chan l5tracks.TrackSet),
		subBuffer: defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}

	empty := l5tracks.NewTrackSet(0, time.Time{}, nil)
	s.latest.Store(&empty)
	return s, nil
}

// NewFromTuning builds the engine, manager and scheduler from one tuning file.
func NewFromTuning(cfg *config.TuningConfig, opts ...Option) (*Scheduler, error) {
	engine, err := l4perception.NewClusterEngine(l4perception.ClusterParamsFromTuning(cfg))
	if err != nil {
		return nil, err
	}
	manager, err := l5tracks.NewTrackManager(l5tracks.TrackerConfigFromTuning(cfg))
	if err != nil {
		return nil, err
	}
	return NewScheduler(ConfigFromTuning(cfg), engine, manager, opts...)
}

// Manager returns the track manager driven by the scheduler.
func (s *Scheduler) Manager() *l5tracks.TrackManager { return s.manager }

// Config returns the scheduler configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// ProcessFrame runs one frame through the pipeline and publishes the
// resulting snapshot. A malformed frame is processed as an empty frame (so
// tracks coast) and the validation error is returned alongside the snapshot.
func (s *Scheduler) ProcessFrame(frame *l2frames.Frame) (l5tracks.TrackSet, error) {
	if frame == nil {
		return s.Latest(), fmt.Errorf("%w: nil frame", l2frames.ErrMalformedFrame)
	}

	s.procMu.Lock()
	defer s.procMu.Unlock()

	start := s.clock.Now()

	dets := frame.Detections
	frameErr := frame.Validate()
	if frameErr != nil {
		s.malformed.Add(1)
		opsf("[Frame] seq %d treated as empty: %v", frame.Seq, frameErr)
		dets = nil
	}

	for _, rec := range s.recorders {
		if err := rec.RecordFrame(frame); err != nil {
			opsf("[Recorder] Failed to record frame %d: %v", frame.Seq, err)
		}
	}

	dt := s.frameDt(frame)

	normalized := l2frames.Normalize(dets, s.cfg.Pose, s.cfg.Bounds)
	batched := s.batch(normalized)
	clusters := l4perception.Collect(s.engine.Clusters(batched))
	res := s.manager.Step(clusters, dt, frame.Timestamp)
	set := s.manager.Snapshot(frame.Seq, frame.Timestamp)

	s.publish(set)

	for _, sink := range s.trackSinks {
		if err := sink.PersistTracks(set, res); err != nil {
			opsf("[Sink] Failed to persist frame %d: %v", frame.Seq, err)
		}
	}

	latency := s.clock.Since(start)
	s.lastLatency.Store(int64(latency))
	s.processed.Add(1)

	if budget := s.interval(frame); latency > budget {
		n := s.overruns.Add(1)
		diagf("[Overrun] seq %d took %s (budget %s, %d overruns)", frame.Seq, latency, budget, n)
	}

	tracef("[Frame] seq %d: %d detections, %d in scene, %d batched, %d clusters, %d matched, %d born, %d removed, %d published (dt=%s, %s)",
		frame.Seq, len(dets), len(normalized), len(batched), len(clusters), len(res.Association.Matches),
		len(res.Born), len(res.Removed), set.Len(), dt, latency)

	return set, frameErr
}

// batch appends a frame's scene detections to the sliding window and returns
// the window's detections, oldest frame first. Caller holds procMu.
func (s *Scheduler) batch(dets []l2frames.Detection) []l2frames.Detection {
	if s.cfg.FramesBatch <= 1 {
		return dets
	}
	s.window = append(s.window, dets)
	if over := len(s.window) - s.cfg.FramesBatch; over > 0 {
		s.window = slices.Delete(s.window, 0, over)
	}
	return slices.Concat(s.window...)
}

// interval returns the frame's own cadence when it carries one.
func (s *Scheduler) interval(frame *l2frames.Frame) time.Duration {
	if frame.Interval > 0 {
		return frame.Interval
	}
	return s.cfg.FrameInterval
}

// frameDt converts the sequence gap since the previous processed frame into
// a prediction step. Non-increasing sequence numbers (sensor restart, replay
// loop) count as a gap of one. Caller holds procMu.
func (s *Scheduler) frameDt(frame *l2frames.Frame) time.Duration {
	interval := s.interval(frame)
	gap := uint64(1)
	if s.haveLast {
		switch {
		case frame.Seq > s.lastSeq:
			gap = frame.Seq - s.lastSeq
		default:
			diagf("[Frame] seq %d does not follow %d, assuming one interval", frame.Seq, s.lastSeq)
		}
	}
	s.lastSeq = frame.Seq
	s.haveLast = true

	dt := time.Duration(gap) * interval
	if gap > 1 {
		diagf("[Frame] seq gap of %d before %d", gap-1, frame.Seq)
	}
	if s.cfg.MaxPredictDt > 0 && dt > s.cfg.MaxPredictDt {
		dt = s.cfg.MaxPredictDt
	}
	return dt
}

// publish stores the snapshot and fans it out. A subscriber whose buffer is
// full loses its oldest snapshot rather than stalling the frame loop.
func (s *Scheduler) publish(set l5tracks.TrackSet) {
	s.latest.Store(&set)

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- set:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- set:
		default:
			diagf("[Publish] subscriber %d still full, snapshot %d skipped", id, set.Seq())
		}
	}
}

// Latest returns the most recently published snapshot.
func (s *Scheduler) Latest() l5tracks.TrackSet {
	return *s.latest.Load()
}

// Subscribe registers a consumer of published snapshots. The channel is
// closed by Unsubscribe.
func (s *Scheduler) Subscribe() (int, <-chan l5tracks.TrackSet) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	ch := make(chan l5tracks.TrackSet, s.subBuffer)
	s.subs[s.nextSub] = ch
	return s.nextSub, ch
}

// Unsubscribe removes a consumer and closes its channel. Unknown ids are
// ignored.
func (s *Scheduler) Unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// Submit hands a frame to Run. Any frame still waiting in the slot is
// superseded and counted as dropped.
func (s *Scheduler) Submit(frame *l2frames.Frame) {
	if frame == nil {
		return
	}
	s.pendingMu.Lock()
	if s.pending != nil {
		n := s.dropped.Add(1)
		diagf("[Submit] dropped stale frame %d for %d (%d dropped)", s.pending.Seq, frame.Seq, n)
	}
	s.pending = frame
	s.pendingMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) takePending() *l2frames.Frame {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	f := s.pending
	s.pending = nil
	return f
}

// Flush processes the frame still waiting in the submit slot, if any, and
// reports whether there was one. Call it after Run returns to finish a
// source that ended on its own.
func (s *Scheduler) Flush() bool {
	frame := s.takePending()
	if frame == nil {
		return false
	}
	_, _ = s.ProcessFrame(frame)
	return true
}

// Run processes submitted frames until ctx is cancelled. Cancellation is only
// observed between frames. Per-frame errors are logged, never returned.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame := s.takePending()
		if frame == nil {
			continue
		}
		_, _ = s.ProcessFrame(frame)
	}
}

// Feed pulls frames from src and submits them, so that source I/O overlaps
// with Run's processing. It returns nil when src is exhausted.
func (s *Scheduler) Feed(ctx context.Context, src FrameSource) error {
	for {
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}
		s.Submit(frame)
	}
}

// Replay processes every frame from src in order without dropping, for
// offline runs. Malformed frames are logged and processed as empty.
func (s *Scheduler) Replay(ctx context.Context, src FrameSource) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			diagf("[Replay] finished after %d frames", s.processed.Load())
			return nil
		}
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		_, _ = s.ProcessFrame(frame)
	}
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Processed:   s.processed.Load(),
		Dropped:     s.dropped.Load(),
		Malformed:   s.malformed.Load(),
		Overruns:    s.overruns.Load(),
		LastLatency: time.Duration(s.lastLatency.Load()),
	}
}

// ReportStats logs the counters every period until ctx is cancelled, with
// the deltas since the previous report.
func (s *Scheduler) ReportStats(ctx context.Context, period time.Duration) {
	if period <= 0 {
		return
	}
	ticker := s.clock.NewTicker(period)
	defer ticker.Stop()

	var prev Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		cur := s.Stats()
		set := s.Latest()
		opsf("[Stats] processed=%d (+%d) dropped=%d (+%d) malformed=%d overruns=%d latency=%v tracks=%d",
			cur.Processed, cur.Processed-prev.Processed,
			cur.Dropped, cur.Dropped-prev.Dropped,
			cur.Malformed, cur.Overruns, cur.LastLatency, set.Len())
		prev = cur
	}
}

// Reset clears all tracks and sequence state. Track ids keep increasing.
func (s *Scheduler) Reset() {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	s.manager.Reset()
	s.haveLast = false
	s.window = nil
	empty := l5tracks.NewTrackSet(0, time.Time{}, nil)
	s.latest.Store(&empty)
}
