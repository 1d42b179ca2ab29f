// Package l5tracks owns Layer 5 (Tracks) of the mmWave data model.
//
// Responsibilities: multi-person tracking via Kalman filtering,
// Hungarian or greedy assignment, track lifecycle (birth, confirmation,
// coasting, death), and the immutable published track set.
// Key types: TrackManager, TrackState, Associator, KalmanFilter, TrackSet.
//
// Dependency rule: L5 may depend on L1-L4.
// No SQL/database code is allowed in this package.
package l5tracks
