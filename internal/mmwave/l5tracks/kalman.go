package l5tracks

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
)

// ErrSingularCovariance is returned when the innovation covariance cannot be
// inverted; the filter state is left unchanged.
var ErrSingularCovariance = errors.New("singular innovation covariance")

const (
	stateDim = 6 // [x y z vx vy vz]
	measDim  = 3 // [x y z]

	// minDeterminant is the smallest innovation covariance determinant
	// accepted for inversion.
	minDeterminant = 1e-12
)

// KalmanParams are the noise settings shared by every track's filter.
type KalmanParams struct {
	ProcessNoisePos   float64
	ProcessNoiseVel   float64
	MeasurementNoise  float64
	MaxCovarianceDiag float64
}

// KalmanFilter is a linear constant-velocity filter in three dimensions.
// State is [x y z vx vy vz]; measurements are positions. It is deterministic
// for fixed parameters and inputs.
type KalmanFilter struct {
	params KalmanParams
	x      *mat.VecDense // state
	p      *mat.Dense    // covariance, 6x6
}

// NewKalmanFilter starts a filter at pos with zero velocity and a diagonal
// covariance.
func NewKalmanFilter(pos l2frames.Vec3, params KalmanParams, posVar, velVar float64) *KalmanFilter {
	x := mat.NewVecDense(stateDim, []float64{pos.X, pos.Y, pos.Z, 0, 0, 0})
	p := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < 3; i++ {
		p.Set(i, i, posVar)
		p.Set(i+3, i+3, velVar)
	}
	return &KalmanFilter{params: params, x: x, p: p}
}

// Clone returns an independent copy of the filter.
func (kf *KalmanFilter) Clone() *KalmanFilter {
	return &KalmanFilter{
		params: kf.params,
		x:      mat.VecDenseCopyOf(kf.x),
		p:      mat.DenseCopyOf(kf.p),
	}
}

// Position returns the estimated position.
func (kf *KalmanFilter) Position() l2frames.Vec3 {
	return l2frames.Vec3{X: kf.x.AtVec(0), Y: kf.x.AtVec(1), Z: kf.x.AtVec(2)}
}

// Velocity returns the estimated velocity.
func (kf *KalmanFilter) Velocity() l2frames.Vec3 {
	return l2frames.Vec3{X: kf.x.AtVec(3), Y: kf.x.AtVec(4), Z: kf.x.AtVec(5)}
}

// Covariance returns a copy of the 6x6 state covariance.
func (kf *KalmanFilter) Covariance() *mat.Dense {
	return mat.DenseCopyOf(kf.p)
}

// PositionVariance returns the diagonal of the position block of P.
func (kf *KalmanFilter) PositionVariance() l2frames.Vec3 {
	return l2frames.Vec3{X: kf.p.At(0, 0), Y: kf.p.At(1, 1), Z: kf.p.At(2, 2)}
}

// transition returns F for a step of dt seconds.
func transition(dt float64) *mat.Dense {
	f := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		f.Set(i, i, 1)
	}
	for i := 0; i < 3; i++ {
		f.Set(i, i+3, dt)
	}
	return f
}

// observation returns H, which extracts position from the state.
func observation() *mat.Dense {
	h := mat.NewDense(measDim, stateDim, nil)
	for i := 0; i < measDim; i++ {
		h.Set(i, i, 1)
	}
	return h
}

// Predict propagates the state dt seconds forward: x = F x and
// P = F P Fᵀ + Q, with Q = diag(qPos·dt ×3, qVel·dt ×3). Negative dt is
// treated as zero.
func (kf *KalmanFilter) Predict(dt float64) {
	if dt < 0 {
		dt = 0
	}
	f := transition(dt)

	var x mat.VecDense
	x.MulVec(f, kf.x)
	kf.x = &x

	var fp, fpft mat.Dense
	fp.Mul(f, kf.p)
	fpft.Mul(&fp, f.T())
	for i := 0; i < 3; i++ {
		fpft.Set(i, i, fpft.At(i, i)+kf.params.ProcessNoisePos*dt)
		fpft.Set(i+3, i+3, fpft.At(i+3, i+3)+kf.params.ProcessNoiseVel*dt)
	}
	kf.p = &fpft
	kf.capCovariance()
}

// capCovariance bounds each diagonal element at MaxCovarianceDiag by scaling
// the matching row and column, which keeps P positive semi-definite.
func (kf *KalmanFilter) capCovariance() {
	limit := kf.params.MaxCovarianceDiag
	if limit <= 0 {
		return
	}
	for i := 0; i < stateDim; i++ {
		d := kf.p.At(i, i)
		if d <= limit {
			continue
		}
		s := math.Sqrt(limit / d)
		for j := 0; j < stateDim; j++ {
			kf.p.Set(i, j, kf.p.At(i, j)*s)
			kf.p.Set(j, i, kf.p.At(j, i)*s)
		}
		kf.p.Set(i, i, limit)
	}
}

// innovation returns S = H P Hᵀ + R and its inverse.
func (kf *KalmanFilter) innovation(r float64) (s, sInv *mat.Dense, err error) {
	s = mat.DenseCopyOf(kf.p.Slice(0, measDim, 0, measDim))
	for i := 0; i < measDim; i++ {
		s.Set(i, i, s.At(i, i)+r)
	}
	if det := mat.Det(s); !(math.Abs(det) > minDeterminant) {
		return nil, nil, ErrSingularCovariance
	}
	sInv = mat.NewDense(measDim, measDim, nil)
	if err := sInv.Inverse(s); err != nil {
		return nil, nil, ErrSingularCovariance
	}
	return s, sInv, nil
}

// MahalanobisSquared returns the squared Mahalanobis distance from the
// predicted position to z under innovation covariance S = H P Hᵀ + rI.
func (kf *KalmanFilter) MahalanobisSquared(z l2frames.Vec3, r float64) (float64, error) {
	_, sInv, err := kf.innovation(r)
	if err != nil {
		return 0, err
	}
	y := kf.residual(z)
	return mat.Inner(y, sInv, y), nil
}

func (kf *KalmanFilter) residual(z l2frames.Vec3) *mat.VecDense {
	pos := kf.Position()
	return mat.NewVecDense(measDim, []float64{z.X - pos.X, z.Y - pos.Y, z.Z - pos.Z})
}

// Update corrects the state with a position measurement. The covariance uses
// the Joseph form, P = (I-KH) P (I-KH)ᵀ + K R Kᵀ, and is symmetrised
// afterwards. If S is singular the filter is left unchanged.
func (kf *KalmanFilter) Update(z l2frames.Vec3) error {
	r := kf.params.MeasurementNoise
	_, sInv, err := kf.innovation(r)
	if err != nil {
		return err
	}
	h := observation()

	// K = P Hᵀ S⁻¹
	var pht, k mat.Dense
	pht.Mul(kf.p, h.T())
	k.Mul(&pht, sInv)

	// x = x + K y
	var ky mat.VecDense
	ky.MulVec(&k, kf.residual(z))
	kf.x.AddVec(kf.x, &ky)

	// I - K H
	var kh mat.Dense
	kh.Mul(&k, h)
	ikh := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		ikh.Set(i, i, 1)
	}
	ikh.Sub(ikh, &kh)

	var a, joseph, krk mat.Dense
	a.Mul(ikh, kf.p)
	joseph.Mul(&a, ikh.T())
	krk.Mul(&k, k.T())
	krk.Scale(r, &krk)
	joseph.Add(&joseph, &krk)

	// Symmetrise against rounding drift.
	var sym mat.Dense
	sym.Add(&joseph, joseph.T())
	sym.Scale(0.5, &sym)
	kf.p = &sym
	return nil
}
