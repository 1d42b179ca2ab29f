package l5tracks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHungarianAssign_Empty(t *testing.T) {
	t.Parallel()
	assert.Nil(t, HungarianAssign(nil))
	assert.Equal(t, []int{-1, -1}, HungarianAssign([][]float64{{}, {}}))
}

func TestHungarianAssign_SquareOptimal(t *testing.T) {
	t.Parallel()

	// Optimal: row0→col0 (1), row1→col1 (4), row2→col2 (5) = 10
	cost := [][]float64{
		{1, 2, 3},
		{4, 4, 6},
		{9, 8, 5},
	}
	got := HungarianAssign(cost)
	require.Len(t, got, 3)

	total := 0.0
	for i, j := range got {
		require.GreaterOrEqual(t, j, 0, "row %d unassigned", i)
		total += cost[i][j]
	}
	assert.Equal(t, 10.0, total)
}

func TestHungarianAssign_BeatsGreedy(t *testing.T) {
	t.Parallel()

	// Greedy takes (0,0)=1 and is then forced into (1,1)=10; optimal is 2+2.
	cost := [][]float64{
		{1, 2},
		{2, 10},
	}
	assert.Equal(t, []int{1, 0}, HungarianAssign(cost))
}

func TestHungarianAssign_Forbidden(t *testing.T) {
	t.Parallel()

	cost := [][]float64{
		{1, 2},
		{forbiddenCost, forbiddenCost},
	}
	got := HungarianAssign(cost)
	require.Len(t, got, 2)
	assert.GreaterOrEqual(t, got[0], 0)
	assert.Equal(t, -1, got[1])
}

// Forbidden entries must not steal a permitted pair from another row.
func TestHungarianAssign_MaximisesPermittedPairs(t *testing.T) {
	t.Parallel()

	cost := [][]float64{
		{1, 1.5},
		{forbiddenCost, 3},
	}
	assert.Equal(t, []int{0, 1}, HungarianAssign(cost))
}

func TestHungarianAssign_Rectangular(t *testing.T) {
	t.Parallel()

	t.Run("more rows than columns", func(t *testing.T) {
		got := HungarianAssign([][]float64{
			{1, 10},
			{10, 1},
			{5, 5},
		})
		assert.Equal(t, []int{0, 1, -1}, got)
	})

	t.Run("more columns than rows", func(t *testing.T) {
		got := HungarianAssign([][]float64{
			{7, 3, 9},
		})
		assert.Equal(t, []int{1}, got)
	})
}
