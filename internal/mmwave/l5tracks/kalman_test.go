package l5tracks

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
)

func testKalmanParams() KalmanParams {
	return KalmanParams{ProcessNoisePos: 0.1, ProcessNoiseVel: 0.5, MeasurementNoise: 0.01, MaxCovarianceDiag: 100}
}

func assertSymmetricPSD(t *testing.T, p *mat.Dense) {
	t.Helper()
	r, c := p.Dims()
	require.Equal(t, stateDim, r)
	require.Equal(t, stateDim, c)

	sym := mat.NewSymDense(stateDim, nil)
	for i := 0; i < stateDim; i++ {
		for j := 0; j < stateDim; j++ {
			assert.InDelta(t, p.At(i, j), p.At(j, i), 1e-12, "P[%d][%d] not symmetric", i, j)
			if j >= i {
				sym.SetSym(i, j, p.At(i, j))
			}
		}
	}
	var eig mat.EigenSym
	require.True(t, eig.Factorize(sym, false))
	for _, v := range eig.Values(nil) {
		assert.GreaterOrEqual(t, v, -1e-9)
	}
}

func TestKalmanPredictStationary(t *testing.T) {
	t.Parallel()

	kf := NewKalmanFilter(l2frames.Vec3{X: 1, Y: 2, Z: 1}, testKalmanParams(), 0.1, 1)
	kf.Predict(0.1)

	assert.Equal(t, l2frames.Vec3{X: 1, Y: 2, Z: 1}, kf.Position())
	assert.Equal(t, l2frames.Vec3{}, kf.Velocity())
	// 0.1 + dt²·1 + qPos·dt
	assert.InDelta(t, 0.1+0.01+0.01, kf.PositionVariance().X, 1e-12)
}

func TestKalmanPredictMovesWithVelocity(t *testing.T) {
	t.Parallel()

	tr := trackAt(1, l2frames.Vec3{X: 0, Y: 2, Z: 1}, l2frames.Vec3{X: 1, Y: -0.5})
	tr.kf.Predict(0.5)

	got := tr.Position()
	assert.InDelta(t, 0.5, got.X, 1e-12)
	assert.InDelta(t, 1.75, got.Y, 1e-12)
	assert.InDelta(t, 1.0, got.Z, 1e-12)
}

func TestKalmanNegativeDtIsZero(t *testing.T) {
	t.Parallel()

	tr := trackAt(1, l2frames.Vec3{Y: 2}, l2frames.Vec3{X: 1})
	before := tr.PositionVariance()
	tr.kf.Predict(-1)
	assert.Equal(t, l2frames.Vec3{Y: 2}, tr.Position())
	assert.Equal(t, before, tr.PositionVariance())
}

func TestKalmanCoastingCovarianceGrowsAndIsCapped(t *testing.T) {
	t.Parallel()

	params := testKalmanParams()
	params.MaxCovarianceDiag = 2
	kf := NewKalmanFilter(l2frames.Vec3{Y: 2}, params, 0.1, 1)

	prev := kf.PositionVariance().X
	for i := 0; i < 200; i++ {
		kf.Predict(0.1)
		cur := kf.PositionVariance().X
		require.GreaterOrEqual(t, cur, prev, "step %d", i)
		require.LessOrEqual(t, cur, params.MaxCovarianceDiag)
		prev = cur
	}
	assert.Equal(t, params.MaxCovarianceDiag, prev)
	assertSymmetricPSD(t, kf.Covariance())
}

func TestKalmanUpdateTightensCovariance(t *testing.T) {
	t.Parallel()

	kf := NewKalmanFilter(l2frames.Vec3{Y: 2}, testKalmanParams(), 0.1, 1)
	kf.Predict(0.1)
	before := kf.PositionVariance()

	require.NoError(t, kf.Update(l2frames.Vec3{X: 0.05, Y: 2, Z: 0}))
	after := kf.PositionVariance()

	assert.Less(t, after.X, before.X)
	assert.Less(t, after.Y, before.Y)
	assert.Less(t, after.Z, before.Z)
	assert.Greater(t, kf.Position().X, 0.0)
	assert.Less(t, kf.Position().X, 0.05)
	assertSymmetricPSD(t, kf.Covariance())
}

func TestKalmanConvergesToConstantVelocity(t *testing.T) {
	t.Parallel()

	kf := NewKalmanFilter(l2frames.Vec3{Y: 2}, testKalmanParams(), 0.1, 1)
	const dt, vx = 0.1, 0.5
	for i := 1; i <= 40; i++ {
		kf.Predict(dt)
		require.NoError(t, kf.Update(l2frames.Vec3{X: vx * dt * float64(i), Y: 2}))
	}
	assert.InDelta(t, vx, kf.Velocity().X, 0.05)
	assert.InDelta(t, 0, kf.Velocity().Y, 1e-9)
	assert.InDelta(t, vx*dt*40, kf.Position().X, 0.05)
	assertSymmetricPSD(t, kf.Covariance())
}

func TestKalmanDeterministic(t *testing.T) {
	t.Parallel()

	run := func() *KalmanFilter {
		kf := NewKalmanFilter(l2frames.Vec3{X: 1, Y: 1}, testKalmanParams(), 0.1, 1)
		for i := 0; i < 10; i++ {
			kf.Predict(0.1)
			_ = kf.Update(l2frames.Vec3{X: 1 + 0.01*float64(i), Y: 1, Z: 0.02})
		}
		return kf
	}
	a, b := run(), run()
	assert.Equal(t, a.Position(), b.Position())
	assert.Equal(t, a.Velocity(), b.Velocity())
	assert.True(t, mat.Equal(a.Covariance(), b.Covariance()))
}

func TestKalmanSingularInnovation(t *testing.T) {
	t.Parallel()

	params := testKalmanParams()
	params.MeasurementNoise = 0
	kf := NewKalmanFilter(l2frames.Vec3{Y: 2}, params, 0, 0)

	err := kf.Update(l2frames.Vec3{X: 1, Y: 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSingularCovariance))
	assert.Equal(t, l2frames.Vec3{Y: 2}, kf.Position(), "state must be unchanged")

	_, err = kf.MahalanobisSquared(l2frames.Vec3{X: 1, Y: 2}, 0)
	assert.ErrorIs(t, err, ErrSingularCovariance)
}

func TestKalmanMahalanobis(t *testing.T) {
	t.Parallel()

	kf := NewKalmanFilter(l2frames.Vec3{Y: 2}, testKalmanParams(), 0.1, 1)
	d2, err := kf.MahalanobisSquared(l2frames.Vec3{X: 1, Y: 2}, 0.01)
	require.NoError(t, err)
	assert.InDelta(t, 1/0.11, d2, 1e-9)
}

func TestKalmanClone(t *testing.T) {
	t.Parallel()

	kf := NewKalmanFilter(l2frames.Vec3{Y: 2}, testKalmanParams(), 0.1, 1)
	c := kf.Clone()
	kf.Predict(1)
	require.NoError(t, kf.Update(l2frames.Vec3{X: 3, Y: 2}))

	assert.Equal(t, l2frames.Vec3{Y: 2}, c.Position())
	assert.InDelta(t, 0.1, c.PositionVariance().X, 1e-12)
}
