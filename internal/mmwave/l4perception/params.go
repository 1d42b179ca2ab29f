package l4perception

import (
	"errors"
	"fmt"

	"github.com/banshee-data/mmwave.tracker/internal/config"
)

// ErrInvalidParams is returned (wrapped) by ClusterParams.Validate.
var ErrInvalidParams = errors.New("invalid cluster params")

// Constants for clustering configuration
const (
	// DefaultClusterEps is the default neighbourhood radius in metres.
	DefaultClusterEps = 0.3
	// DefaultClusterMinPts is the default minimum group size for a person.
	DefaultClusterMinPts = 8
	// DefaultZWeight down-weights height differences; a standing person is
	// taller than wide.
	DefaultZWeight = 0.4
	// DefaultRangeWeight shrinks distances for far detections, whose
	// angular spread grows with range.
	DefaultRangeWeight = 0.03

	// minRangeWeight bounds the range shrink factor from below so the
	// metric stays a metric at long range and the grid search stays finite.
	minRangeWeight = 0.1

	// estimatedPointsPerCell is used for initial spatial index capacity estimation
	estimatedPointsPerCell = 4
)

// ClusterParams contains parameters for the clustering algorithm.
type ClusterParams struct {
	Eps           float64 // Neighbourhood radius in metres
	MinPts        int     // Minimum detections to form a cluster
	ZWeight       float64 // Weight of dz² relative to dx², dy²
	DopplerWeight float64 // Weight of (Δdoppler)², in m²/(m/s)²
	RangeWeight   float64 // Per-metre shrink of the spatial term, by mean Y

	// DynamicDoppler is the |doppler| (m/s) above which a member counts
	// towards Cluster.DynamicPoints.
	DynamicDoppler float64
}

// DefaultClusterParams returns production-default clustering parameters.
func DefaultClusterParams() ClusterParams {
	return ClusterParams{
		Eps:         DefaultClusterEps,
		MinPts:      DefaultClusterMinPts,
		ZWeight:     DefaultZWeight,
		RangeWeight: DefaultRangeWeight,
	}
}

// ClusterParamsFromTuning derives clustering params from a TuningConfig.
func ClusterParamsFromTuning(cfg *config.TuningConfig) ClusterParams {
	if cfg == nil {
		return DefaultClusterParams()
	}
	return ClusterParams{
		Eps:           cfg.GetClusterEps(),
		MinPts:        cfg.GetClusterMinPoints(),
		ZWeight:       cfg.GetClusterZWeight(),
		DopplerWeight: cfg.GetClusterDopplerWeight(),
		RangeWeight:   cfg.GetClusterRangeWeight(),

		DynamicDoppler: cfg.GetDynamicDopplerThreshold(),
	}
}

// Validate rejects parameters the engine cannot run with.
func (p ClusterParams) Validate() error {
	switch {
	case !(p.Eps > 0):
		return fmt.Errorf("%w: eps must be positive, got %v", ErrInvalidParams, p.Eps)
	case p.MinPts < 1:
		return fmt.Errorf("%w: min points must be at least 1, got %d", ErrInvalidParams, p.MinPts)
	case p.ZWeight < 0, p.DopplerWeight < 0, p.RangeWeight < 0:
		return fmt.Errorf("%w: weights must be non-negative (z=%v doppler=%v range=%v)",
			ErrInvalidParams, p.ZWeight, p.DopplerWeight, p.RangeWeight)
	case p.DynamicDoppler < 0:
		return fmt.Errorf("%w: dynamic doppler threshold must be non-negative, got %v", ErrInvalidParams, p.DynamicDoppler)
	}
	return nil
}

// cellSize returns the grid cell edge for which a 3x3 search around a
// detection is guaranteed to contain all of its neighbours. The spatial term
// is scaled by at least minRangeWeight, so |dx| and |dy| of any neighbour are
// bounded by Eps/sqrt(minRangeWeight).
func (p ClusterParams) cellSize() float64 {
	if p.RangeWeight == 0 {
		return p.Eps
	}
	return p.Eps / sqrtMinRangeWeight
}
