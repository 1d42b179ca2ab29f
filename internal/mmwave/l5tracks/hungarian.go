package l5tracks

import "math"

// forbiddenCost stands in for infinity in the cost matrix. Entries at or
// above it are never returned as assignments.
const forbiddenCost = 1e18

// HungarianAssign solves the rectangular assignment problem for an n×m cost
// matrix with the Kuhn–Munkres algorithm (Jonker-Volgenant variant with
// potentials) in O(max(n,m)³). It returns assignments[i] = column index
// assigned to row i, or -1 if unassigned. Costs ≥ forbiddenCost are treated
// as forbidden.
//
// The matrix is padded to square with a penalty cost, so the solver first
// maximises the number of permitted pairs and then minimises their total.
func HungarianAssign(cost [][]float64) []int {
	n := len(cost)
	if n == 0 {
		return nil
	}
	m := len(cost[0])
	result := make([]int, n)
	for i := range result {
		result[i] = -1
	}
	if m == 0 {
		return result
	}

	dim := max(n, m)

	// Forbidden and padding cells get a penalty larger than the spread of any
	// complete assignment over permitted cells, but small enough that float64
	// still resolves differences between permitted costs.
	var spread float64
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			if cost[i][j] < forbiddenCost {
				spread = max(spread, math.Abs(cost[i][j]))
			}
		}
	}
	penalty := (spread + 1) * float64(2*dim+1)

	c := make([][]float64, dim)
	for i := 0; i < dim; i++ {
		c[i] = make([]float64, dim)
		for j := 0; j < dim; j++ {
			if i < n && j < m && cost[i][j] < forbiddenCost {
				c[i][j] = cost[i][j]
			} else {
				c[i][j] = penalty
			}
		}
	}

	// 1-indexed internally; column 0 is virtual.
	const inf = math.MaxFloat64 / 2

	u := make([]float64, dim+1) // Row potentials
	v := make([]float64, dim+1) // Column potentials
	p := make([]int, dim+1)     // p[j] = row assigned to column j
	way := make([]int, dim+1)   // way[j] = previous column in augmenting path
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0
		for j := 1; j <= dim; j++ {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1

			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			if j1 < 0 {
				break
			}

			for j := 0; j <= dim; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}

			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		// Augment along the path.
		for j0 != 0 {
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	for j := 1; j <= dim; j++ {
		row, col := p[j]-1, j-1
		if row < 0 || row >= n || col >= m {
			continue
		}
		if cost[row][col] < forbiddenCost {
			result[row] = col
		}
	}
	return result
}
