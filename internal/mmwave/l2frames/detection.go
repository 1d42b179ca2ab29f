package l2frames

import "math"

// Vec3 is a position or velocity in metres (or m/s), sensor or world frame
// depending on context.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Scale returns v * k.
func (v Vec3) Scale(k float64) Vec3 { return Vec3{v.X * k, v.Y * k, v.Z * k} }

// Dot returns the scalar product of v and o.
func (v Vec3) Dot(o Vec3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// IsFinite reports whether every component is neither NaN nor ±Inf.
func (v Vec3) IsFinite() bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Detection is one radar return. It is a value type: decoders produce it and
// nothing downstream mutates it.
type Detection struct {
	Position  Vec3    // Cartesian position (metres)
	Doppler   float64 // Radial velocity (m/s), positive moving away
	Intensity float64 // SNR in dB or raw peak value, decoder dependent
}

// IsFinite reports whether all numeric fields of the detection are finite.
func (d Detection) IsFinite() bool {
	return d.Position.IsFinite() && isFinite(d.Doppler) && isFinite(d.Intensity)
}

// Range returns the distance from the sensor origin.
func (d Detection) Range() float64 { return d.Position.Norm() }

// FromSpherical builds a Detection from range, azimuth and elevation in
// degrees. Azimuth is measured from +Y (boresight) towards +X; elevation
// from the XY plane towards +Z.
func FromSpherical(rangeM, azimuthDeg, elevationDeg, doppler, intensity float64) Detection {
	x, y, z := SphericalToCartesian(rangeM, azimuthDeg, elevationDeg)
	return Detection{
		Position:  Vec3{X: x, Y: y, Z: z},
		Doppler:   doppler,
		Intensity: intensity,
	}
}

// SphericalToCartesian converts spherical coordinates (distance, azimuth,
// elevation in degrees) to Cartesian (x, y, z).
func SphericalToCartesian(distance, azimuthDeg, elevationDeg float64) (x, y, z float64) {
	azimuthRad := azimuthDeg * math.Pi / 180.0
	elevationRad := elevationDeg * math.Pi / 180.0

	cosElevation := math.Cos(elevationRad)
	x = distance * cosElevation * math.Sin(azimuthRad)
	y = distance * cosElevation * math.Cos(azimuthRad)
	z = distance * math.Sin(elevationRad)
	return
}
