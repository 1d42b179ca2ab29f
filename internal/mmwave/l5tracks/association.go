package l5tracks

import (
	"cmp"
	"slices"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l4perception"
)

// tieBreakScale sizes the rank bias that makes the Hungarian solver prefer
// lower track ids, then lower cluster indices, among equal-cost solutions.
const tieBreakScale = 1e-9

// Match pairs a track with a cluster of the current frame.
type Match struct {
	TrackID      uint64
	ClusterIndex int
	Cost         float64
}

// Association is the one-to-one, possibly partial, matching of one frame.
// Matches and UnmatchedTracks are ordered by track id; UnmatchedClusters is
// ascending.
type Association struct {
	Matches           []Match
	UnmatchedClusters []int
	UnmatchedTracks   []uint64
}

// Associator matches clusters to predicted tracks.
type Associator struct {
	cfg AssociatorConfig
}

// NewAssociator validates cfg and returns an Associator.
func NewAssociator(cfg AssociatorConfig) (*Associator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Associator{cfg: cfg}, nil
}

// Config returns the associator configuration.
func (a *Associator) Config() AssociatorConfig { return a.cfg }

// Cost returns the association cost of cluster c for track t and whether
// the pair passes the gate. Tracks must already be predicted to the frame.
func (a *Associator) Cost(t *TrackState, c l4perception.Cluster) (float64, bool) {
	pred := t.Position()
	d := c.Centroid.Sub(pred)
	d2 := d.Dot(d)
	if d2 > a.cfg.GatingDistance*a.cfg.GatingDistance {
		return 0, false
	}

	cost := d2
	if a.cfg.Metric == MetricMahalanobis {
		m2, err := t.kf.MahalanobisSquared(c.Centroid, a.cfg.MeasurementNoise)
		if err != nil {
			return 0, false
		}
		cost = m2
	}

	if a.cfg.DopplerWeight > 0 {
		dv := t.RadialSpeed(a.cfg.SensorOrigin) - c.MeanDoppler
		cost += a.cfg.DopplerWeight * dv * dv
	}
	return cost, true
}

// Associate computes a minimum-cost one-to-one matching between tracks and
// clusters. Tracks are considered in ascending id order; gated pairs are
// forbidden. Any combination of empty inputs is valid.
func (a *Associator) Associate(clusters []l4perception.Cluster, tracks []*TrackState) Association {
	ordered := slices.Clone(tracks)
	slices.SortFunc(ordered, func(x, y *TrackState) int { return cmp.Compare(x.id, y.id) })

	nt, nc := len(ordered), len(clusters)
	cost := make([][]float64, nt)
	for i, t := range ordered {
		cost[i] = make([]float64, nc)
		for j, c := range clusters {
			if v, ok := a.Cost(t, c); ok {
				cost[i][j] = v
			} else {
				cost[i][j] = forbiddenCost
			}
		}
	}

	var assign []int
	if a.cfg.Method == MethodGreedy {
		assign = greedyAssign(cost, nc)
	} else {
		assign = HungarianAssign(withTieBreak(cost, nc))
	}

	var out Association
	clusterUsed := make([]bool, nc)
	for i, t := range ordered {
		j := -1
		if i < len(assign) {
			j = assign[i]
		}
		if j < 0 {
			out.UnmatchedTracks = append(out.UnmatchedTracks, t.id)
			continue
		}
		clusterUsed[j] = true
		out.Matches = append(out.Matches, Match{TrackID: t.id, ClusterIndex: j, Cost: cost[i][j]})
	}
	for j, used := range clusterUsed {
		if !used {
			out.UnmatchedClusters = append(out.UnmatchedClusters, j)
		}
	}
	return out
}

// withTieBreak returns a copy of cost with a tiny rank bias added to every
// permitted cell. Row i (track rank) and column j (cluster index) enter as
// i + j·(n-i), which makes lower tracks win contested clusters and pairs
// lower tracks with lower clusters when totals are otherwise equal.
func withTieBreak(cost [][]float64, nc int) [][]float64 {
	n := len(cost)
	out := make([][]float64, n)
	for i := range cost {
		out[i] = make([]float64, nc)
		for j := range cost[i] {
			if cost[i][j] >= forbiddenCost {
				out[i][j] = forbiddenCost
				continue
			}
			rank := float64(i) + float64(j)*float64(n-i)
			out[i][j] = cost[i][j] + tieBreakScale*rank*(1+cost[i][j])
		}
	}
	return out
}

// greedyAssign picks permitted pairs by ascending cost, breaking ties by
// row then column.
func greedyAssign(cost [][]float64, nc int) []int {
	type pair struct {
		row, col int
		cost     float64
	}
	var pairs []pair
	for i := range cost {
		for j := 0; j < nc; j++ {
			if cost[i][j] < forbiddenCost {
				pairs = append(pairs, pair{i, j, cost[i][j]})
			}
		}
	}
	slices.SortFunc(pairs, func(a, b pair) int {
		return cmp.Or(cmp.Compare(a.cost, b.cost), cmp.Compare(a.row, b.row), cmp.Compare(a.col, b.col))
	})

	assign := make([]int, len(cost))
	for i := range assign {
		assign[i] = -1
	}
	colUsed := make([]bool, nc)
	for _, p := range pairs {
		if assign[p.row] >= 0 || colUsed[p.col] {
			continue
		}
		assign[p.row] = p.col
		colUsed[p.col] = true
	}
	return assign
}
