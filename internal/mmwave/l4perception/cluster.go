package l4perception

import (
	"cmp"
	"iter"
	"math"
	"slices"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
)

// Cluster is a group of detections from a single frame: a candidate person.
// IDs are 1-based and only meaningful within the frame that produced them.
type Cluster struct {
	ID            int
	Centroid      l2frames.Vec3
	MeanDoppler   float64
	MeanIntensity float64
	PointsCount   int
	DynamicPoints int           // Members whose |doppler| exceeds the dynamic threshold
	Min, Max      l2frames.Vec3 // Axis-aligned bounding extent
}

// Extent returns the bounding box size along each axis.
func (c Cluster) Extent() l2frames.Vec3 { return c.Max.Sub(c.Min) }

// ClusterEngine groups detections into clusters. It holds only validated
// parameters and is safe for concurrent use.
type ClusterEngine struct {
	params ClusterParams
	eps2   float64
}

// NewClusterEngine validates params and returns an engine.
func NewClusterEngine(params ClusterParams) (*ClusterEngine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &ClusterEngine{params: params, eps2: params.Eps * params.Eps}, nil
}

// Params returns the engine configuration.
func (e *ClusterEngine) Params() ClusterParams { return e.params }

// Clusters returns the frame's clusters as a lazy sequence. Grouping runs when
// iteration starts; the sequence is finite and can be ranged over once, a
// second range yields nothing. The detection slice is captured at call time.
//
// Two detections are neighbours when their weighted distance is within Eps;
// a cluster is a connected component of the neighbour graph with at least
// MinPts members. Membership is therefore independent of input order, and so
// are the emitted clusters: members are sorted before metrics are computed,
// and clusters are emitted by centroid X, then Y, then Z, with the remaining
// metrics breaking ties. Clusters equal on every metric are interchangeable.
func (e *ClusterEngine) Clusters(dets []l2frames.Detection) iter.Seq[Cluster] {
	dets = slices.Clone(dets)
	consumed := false
	return func(yield func(Cluster) bool) {
		if consumed {
			return
		}
		consumed = true
		for _, c := range e.group(dets) {
			if !yield(c) {
				return
			}
		}
	}
}

// Collect drains a cluster sequence into a slice.
func Collect(seq iter.Seq[Cluster]) []Cluster {
	return slices.Collect(seq)
}

// distance2 is the squared clustering distance between a and b.
func (e *ClusterEngine) distance2(a, b l2frames.Detection) float64 {
	p := e.params
	w := 1.0
	if p.RangeWeight > 0 {
		w = math.Max(minRangeWeight, 1-p.RangeWeight*(a.Position.Y+b.Position.Y)/2)
	}
	d := a.Position.Sub(b.Position)
	dv := a.Doppler - b.Doppler
	return w*(d.X*d.X+d.Y*d.Y+p.ZWeight*d.Z*d.Z) + p.DopplerWeight*dv*dv
}

func (e *ClusterEngine) group(all []l2frames.Detection) []Cluster {
	// Non-finite detections cannot be placed on the grid; they are noise.
	dets := make([]l2frames.Detection, 0, len(all))
	for _, d := range all {
		if d.IsFinite() {
			dets = append(dets, d)
		}
	}
	if len(dets) < e.params.MinPts {
		return nil
	}

	si := newSpatialIndex(e.params.cellSize())
	si.build(dets)

	uf := newUnionFind(len(dets))
	for i, d := range dets {
		si.candidates(d.Position, func(j int) {
			if j > i && e.distance2(d, dets[j]) <= e.eps2 {
				uf.union(i, j)
			}
		})
	}

	components := make(map[int][]l2frames.Detection)
	for i, d := range dets {
		root := uf.find(i)
		components[root] = append(components[root], d)
	}

	clusters := make([]Cluster, 0, len(components))
	for _, members := range components {
		if len(members) < e.params.MinPts {
			continue // noise
		}
		clusters = append(clusters, computeClusterMetrics(members, e.params.DynamicDoppler))
	}

	slices.SortFunc(clusters, compareClusters)
	for i := range clusters {
		clusters[i].ID = i + 1
	}
	return clusters
}

func compareClusters(a, b Cluster) int {
	return cmp.Or(
		cmp.Compare(a.Centroid.X, b.Centroid.X),
		cmp.Compare(a.Centroid.Y, b.Centroid.Y),
		cmp.Compare(a.Centroid.Z, b.Centroid.Z),
		cmp.Compare(a.PointsCount, b.PointsCount),
		cmp.Compare(a.MeanDoppler, b.MeanDoppler),
		cmp.Compare(a.MeanIntensity, b.MeanIntensity),
		cmp.Compare(a.DynamicPoints, b.DynamicPoints),
		compareVec3(a.Min, b.Min),
		compareVec3(a.Max, b.Max),
	)
}

func compareVec3(a, b l2frames.Vec3) int {
	return cmp.Or(cmp.Compare(a.X, b.X), cmp.Compare(a.Y, b.Y), cmp.Compare(a.Z, b.Z))
}

func compareDetections(a, b l2frames.Detection) int {
	return cmp.Or(
		cmp.Compare(a.Position.X, b.Position.X),
		cmp.Compare(a.Position.Y, b.Position.Y),
		cmp.Compare(a.Position.Z, b.Position.Z),
		cmp.Compare(a.Doppler, b.Doppler),
		cmp.Compare(a.Intensity, b.Intensity),
	)
}

// computeClusterMetrics computes metrics for a cluster of detections. Members
// are sorted first so floating-point sums do not depend on input order.
func computeClusterMetrics(members []l2frames.Detection, dynamicDoppler float64) Cluster {
	slices.SortFunc(members, compareDetections)

	n := float64(len(members))
	minP, maxP := members[0].Position, members[0].Position
	var sum l2frames.Vec3
	var sumDoppler, sumIntensity float64
	dynamic := 0

	for _, d := range members {
		p := d.Position
		sum = sum.Add(p)
		sumDoppler += d.Doppler
		sumIntensity += d.Intensity
		if math.Abs(d.Doppler) > dynamicDoppler {
			dynamic++
		}

		minP.X, maxP.X = math.Min(minP.X, p.X), math.Max(maxP.X, p.X)
		minP.Y, maxP.Y = math.Min(minP.Y, p.Y), math.Max(maxP.Y, p.Y)
		minP.Z, maxP.Z = math.Min(minP.Z, p.Z), math.Max(maxP.Z, p.Z)
	}

	return Cluster{
		Centroid:      sum.Scale(1 / n),
		MeanDoppler:   sumDoppler / n,
		MeanIntensity: sumIntensity / n,
		PointsCount:   len(members),
		DynamicPoints: dynamic,
		Min:           minP,
		Max:           maxP,
	}
}

// unionFind is a disjoint-set forest with path halving and union by size.
type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	for uf.parent[i] != i {
		uf.parent[i] = uf.parent[uf.parent[i]]
		i = uf.parent[i]
	}
	return i
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.size[ra] < uf.size[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	uf.size[ra] += uf.size[rb]
}
