package l5tracks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l4perception"
)

const frameDt = 100 * time.Millisecond

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() TrackerConfig {
	cfg := DefaultTrackerConfig()
	cfg.HitsToConfirm = 3
	cfg.MaxCoastFrames = 2
	return cfg
}

func newTestManager(t *testing.T, mutate func(*TrackerConfig)) *TrackManager {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewTrackManager(cfg)
	require.NoError(t, err)
	return m
}

func clusterAt(x, y, z float64) l4perception.Cluster {
	p := l2frames.Vec3{X: x, Y: y, Z: z}
	return l4perception.Cluster{Centroid: p, PointsCount: 10, Min: p, Max: p}
}

// stepFrames runs frames 1..n through m, each with the clusters produced by
// frame(i), and returns the published set after every frame.
func stepFrames(m *TrackManager, n int, frame func(i int) []l4perception.Cluster) []TrackSet {
	out := make([]TrackSet, 0, n)
	for i := 1; i <= n; i++ {
		ts := epoch.Add(time.Duration(i) * frameDt)
		m.Step(frame(i), frameDt, ts)
		out = append(out, m.Snapshot(uint64(i), ts))
	}
	return out
}

func trackAt(id uint64, pos, vel l2frames.Vec3) *TrackState {
	kf := NewKalmanFilter(pos, KalmanParams{
		ProcessNoisePos:   0.1,
		ProcessNoiseVel:   0.5,
		MeasurementNoise:  0.01,
		MaxCovarianceDiag: 100,
	}, 0.1, 1)
	kf.x.SetVec(3, vel.X)
	kf.x.SetVec(4, vel.Y)
	kf.x.SetVec(5, vel.Z)
	return &TrackState{id: id, status: TrackConfirmed, kf: kf}
}
