package l5tracks

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l4perception"
)

// StepResult summarises the lifecycle events of one Step.
type StepResult struct {
	Born        []uint64 // new Tentative (or immediately Confirmed) tracks
	Confirmed   []uint64 // tracks that became Confirmed this frame, including Coasting → Confirmed
	Removed     []uint64 // tracks that died and were removed
	Association Association
}

// TrackManager owns the live track set. Step is the only mutator.
type TrackManager struct {
	cfg        TrackerConfig
	kfParams   KalmanParams
	associator *Associator

	tracks map[uint64]*TrackState
	nextID uint64

	mu sync.RWMutex
}

// NewTrackManager validates cfg and returns an empty manager. An unset
// association measurement noise inherits the filter's.
func NewTrackManager(cfg TrackerConfig) (*TrackManager, error) {
	if cfg.Association.MeasurementNoise == 0 {
		cfg.Association.MeasurementNoise = cfg.MeasurementNoise
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	assoc, err := NewAssociator(cfg.Association)
	if err != nil {
		return nil, err
	}
	return &TrackManager{
		cfg: cfg,
		kfParams: KalmanParams{
			ProcessNoisePos:   cfg.ProcessNoisePos,
			ProcessNoiseVel:   cfg.ProcessNoiseVel,
			MeasurementNoise:  cfg.MeasurementNoise,
			MaxCovarianceDiag: cfg.MaxCovarianceDiag,
		},
		associator: assoc,
		tracks:     make(map[uint64]*TrackState),
		nextID:     1,
	}, nil
}

// Config returns the manager configuration.
func (m *TrackManager) Config() TrackerConfig { return m.cfg }

// Reset removes every track. Ids keep increasing so none is reused.
func (m *TrackManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracks = make(map[uint64]*TrackState)
}

// Len returns the number of live tracks (all states).
func (m *TrackManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tracks)
}

// Live returns copies of the live tracks ordered by id.
func (m *TrackManager) Live() []*TrackState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TrackState, 0, len(m.tracks))
	for _, t := range m.sortedLocked() {
		out = append(out, t.clone())
	}
	return out
}

func (m *TrackManager) sortedLocked() []*TrackState {
	return slices.SortedFunc(maps.Values(m.tracks), func(a, b *TrackState) int {
		return cmp.Compare(a.id, b.id)
	})
}

// Step advances every track by dt, associates the frame's clusters, and
// applies the lifecycle transitions:
//
//	unmatched cluster            → new Tentative track (Hits=1, Age=0)
//	Tentative hit                → Confirmed once Hits reaches HitsToConfirm
//	Tentative miss               → Dead
//	Confirmed/Coasting hit       → Confirmed, Misses reset
//	Confirmed/Coasting miss      → Coasting, or Dead once Misses > MaxCoastFrames
//
// Dead tracks are removed before births, so freed slots count against
// MaxTracks in the same frame.
func (m *TrackManager) Step(clusters []l4perception.Cluster, dt time.Duration, ts time.Time) StepResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dt < 0 {
		dt = 0
	}
	if dt > m.cfg.MaxPredictDt {
		dt = m.cfg.MaxPredictDt
	}

	live := m.sortedLocked()
	for _, t := range live {
		t.kf.Predict(dt.Seconds())
		t.age++
	}

	var res StepResult
	res.Association = m.associator.Associate(clusters, live)

	unmatchedClusters := slices.Clone(res.Association.UnmatchedClusters)
	unmatchedTracks := slices.Clone(res.Association.UnmatchedTracks)

	for _, match := range res.Association.Matches {
		t := m.tracks[match.TrackID]
		c := clusters[match.ClusterIndex]
		if err := t.kf.Update(c.Centroid); err != nil {
			// The filter could not absorb the measurement: treat the pair
			// as unmatched on both sides.
			unmatchedTracks = append(unmatchedTracks, t.id)
			unmatchedClusters = append(unmatchedClusters, match.ClusterIndex)
			continue
		}
		t.hits++
		t.misses = 0
		t.lastSeen = ts
		t.lastClusterSize = c.PointsCount
		t.lastDynamicPoints = c.DynamicPoints
		t.lastDoppler = c.MeanDoppler
		m.updateMotion(t, c.DynamicPoints)

		switch t.status {
		case TrackTentative:
			if t.hits >= m.cfg.HitsToConfirm {
				t.status = TrackConfirmed
				res.Confirmed = append(res.Confirmed, t.id)
			}
		case TrackCoasting:
			t.status = TrackConfirmed
			res.Confirmed = append(res.Confirmed, t.id)
		}
	}

	for _, id := range unmatchedTracks {
		t := m.tracks[id]
		t.hits = 0
		t.misses++
		t.lastDynamicPoints = 0
		m.updateMotion(t, 0)
		switch t.status {
		case TrackTentative:
			t.status = TrackDead
		case TrackConfirmed, TrackCoasting:
			if t.misses > m.cfg.MaxCoastFrames {
				t.status = TrackDead
			} else {
				t.status = TrackCoasting
			}
		}
	}

	for _, t := range live {
		if t.status == TrackDead {
			delete(m.tracks, t.id)
			res.Removed = append(res.Removed, t.id)
		}
	}
	slices.Sort(res.Removed)

	slices.Sort(unmatchedClusters)
	for _, ci := range unmatchedClusters {
		if len(m.tracks) >= m.cfg.MaxTracks {
			break
		}
		t := m.birth(clusters[ci], ts)
		res.Born = append(res.Born, t.id)
		if t.status == TrackConfirmed {
			res.Confirmed = append(res.Confirmed, t.id)
		}
	}
	slices.Sort(res.Confirmed)
	return res
}

// birth creates a track from an unmatched cluster. The birth observation
// counts as the first hit.
func (m *TrackManager) birth(c l4perception.Cluster, ts time.Time) *TrackState {
	t := &TrackState{
		id:                m.nextID,
		status:            TrackTentative,
		kf:                NewKalmanFilter(c.Centroid, m.kfParams, m.cfg.InitialPosVariance, m.cfg.InitialVelVariance),
		hits:              1,
		firstSeen:         ts,
		lastSeen:          ts,
		lastClusterSize:   c.PointsCount,
		lastDynamicPoints: c.DynamicPoints,
		lastDoppler:       c.MeanDoppler,
	}
	if c.DynamicPoints > m.cfg.DynamicPointsThreshold {
		t.motion = MotionDynamic
	}
	m.nextID++
	if t.hits >= m.cfg.HitsToConfirm {
		t.status = TrackConfirmed
	}
	m.tracks[t.id] = t
	return t
}

// updateMotion applies the motion rule after a track's filter step: enough
// dynamic points mark it moving; a moving track that gets too few stops once
// its speed estimate falls below MotionStopSpeed.
func (m *TrackManager) updateMotion(t *TrackState, dynamicPoints int) {
	switch {
	case dynamicPoints > m.cfg.DynamicPointsThreshold:
		t.motion = MotionDynamic
	case t.motion == MotionDynamic && t.Speed() < m.cfg.MotionStopSpeed:
		t.motion = MotionStatic
	}
}

// Snapshot publishes the Confirmed and Coasting tracks as an immutable set.
func (m *TrackManager) Snapshot(seq uint64, ts time.Time) TrackSet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tracks := make([]PublishedTrack, 0, len(m.tracks))
	for _, t := range m.tracks {
		if !t.status.Published() {
			continue
		}
		tracks = append(tracks, PublishedTrack{
			ID:       t.id,
			Position: t.kf.Position(),
			Velocity: t.kf.Velocity(),
			Status:   t.status,
			Motion:   t.motion,
			Age:      t.age,
		})
	}
	return NewTrackSet(seq, ts, tracks)
}
