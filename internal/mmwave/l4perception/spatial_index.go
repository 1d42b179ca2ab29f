package l4perception

import (
	"math"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
)

var sqrtMinRangeWeight = math.Sqrt(minRangeWeight)

// spatialIndex provides neighbour candidate lookup using a regular XY grid.
type spatialIndex struct {
	cellSize float64
	grid     map[int64][]int // Cell ID → detection indices
}

func newSpatialIndex(cellSize float64) *spatialIndex {
	return &spatialIndex{cellSize: cellSize}
}

// build populates the index. Only X and Y select the cell.
func (si *spatialIndex) build(dets []l2frames.Detection) {
	si.grid = make(map[int64][]int, len(dets)/estimatedPointsPerCell+1)
	for i, d := range dets {
		cx, cy := si.cellCoords(d.Position.X, d.Position.Y)
		id := cellID(cx, cy)
		si.grid[id] = append(si.grid[id], i)
	}
}

func (si *spatialIndex) cellCoords(x, y float64) (int64, int64) {
	return int64(math.Floor(x / si.cellSize)), int64(math.Floor(y / si.cellSize))
}

// candidates calls fn for every detection index in the 3x3 block of cells
// around p. Callers apply the exact distance test.
func (si *spatialIndex) candidates(p l2frames.Vec3, fn func(j int)) {
	cx, cy := si.cellCoords(p.X, p.Y)
	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			for _, j := range si.grid[cellID(cx+dx, cy+dy)] {
				fn(j)
			}
		}
	}
}

// cellID computes a unique cell identifier using Szudzik's pairing function.
// Signed cell coordinates are first zigzag-mapped onto the naturals.
func cellID(cx, cy int64) int64 {
	a, b := zigzag(cx), zigzag(cy)
	if a >= b {
		return a*a + a + b
	}
	return a + b*b
}

func zigzag(v int64) int64 {
	if v >= 0 {
		return 2 * v
	}
	return -2*v - 1
}
