// Package l4perception owns Layer 4 (Perception) of the mmWave data model.
//
// Responsibilities: density-based grouping of a frame's detections into
// person-sized clusters, and the per-cluster summary metrics used by
// association.
// Key types: ClusterParams, ClusterEngine, Cluster.
//
// Dependency rule: L4 may depend on L1-L2, but never on L5+.
// No SQL/database code is allowed in this package.
package l4perception
