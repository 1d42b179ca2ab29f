// Package l2frames owns Layer 2 (Frames) of the mmWave data model.
//
// Responsibilities: the per-frame point cloud handed to the tracking core,
// detection geometry (polar ↔ Cartesian), sensor pose normalisation, and
// frame-level validation.
// Key types: Vec3, Detection, Frame, Pose, SceneBounds.
//
// Dependency rule: L2 may depend on L1, but never on L4+.
package l2frames
