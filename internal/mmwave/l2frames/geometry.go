package l2frames

import "math"

// IdentityTransform4x4 is a 4x4 identity matrix for pose transforms.
// T is row-major: [m00,m01,m02,m03, m10,m11,m12,m13, m20,m21,m22,m23, m30,m31,m32,m33]
var IdentityTransform4x4 = [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}

// Pose is the sensor → room transform.
type Pose struct {
	T [16]float64
}

// IdentityPose leaves detections in the sensor frame.
func IdentityPose() Pose { return Pose{T: IdentityTransform4x4} }

// MountPose returns the pose of a sensor mounted heightM above the floor and
// pitched by tiltDeg about its X axis: rotate first, then lift along Z.
func MountPose(heightM, tiltDeg float64) Pose {
	rad := tiltDeg * math.Pi / 180.0
	c, s := math.Cos(rad), math.Sin(rad)
	return Pose{T: [16]float64{
		1, 0, 0, 0,
		0, c, -s, 0,
		0, s, c, heightM,
		0, 0, 0, 1,
	}}
}

// ApplyPose applies a 4x4 row-major transform T to point (x,y,z).
func ApplyPose(x, y, z float64, T [16]float64) (wx, wy, wz float64) {
	wx = T[0]*x + T[1]*y + T[2]*z + T[3]
	wy = T[4]*x + T[5]*y + T[6]*z + T[7]
	wz = T[8]*x + T[9]*y + T[10]*z + T[11]
	return
}

// Apply transforms a position from sensor to room coordinates.
func (p Pose) Apply(v Vec3) Vec3 {
	x, y, z := ApplyPose(v.X, v.Y, v.Z, p.T)
	return Vec3{X: x, Y: y, Z: z}
}

// SceneBounds restricts detections to the monitored volume. A detection is
// kept when 0 < z ≤ MaxZ and y > MinY. A zero MaxZ disables the filter.
type SceneBounds struct {
	MaxZ float64
	MinY float64
}

// Contains reports whether v lies inside the scene.
func (b SceneBounds) Contains(v Vec3) bool {
	if b.MaxZ <= 0 {
		return true
	}
	return v.Z > 0 && v.Z <= b.MaxZ && v.Y > b.MinY
}

// Normalize transforms detections into room coordinates and drops those
// outside the scene. The input slice is not modified; the doppler value stays
// radial and is carried through unchanged.
//
// If pose is nil, an identity transform is used (sensor frame = room frame).
func Normalize(dets []Detection, pose *Pose, bounds SceneBounds) []Detection {
	if len(dets) == 0 {
		return nil
	}

	T := IdentityTransform4x4
	if pose != nil {
		T = pose.T
	}

	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		x, y, z := ApplyPose(d.Position.X, d.Position.Y, d.Position.Z, T)
		d.Position = Vec3{X: x, Y: y, Z: z}
		if !bounds.Contains(d.Position) {
			continue
		}
		out = append(out, d)
	}
	return out
}
