package l5tracks

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/mmwave.tracker/internal/config"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
)

// ErrInvalidConfig is returned (wrapped) when tracker or associator
// configuration cannot be used.
var ErrInvalidConfig = errors.New("invalid tracker config")

// AssociationMetric selects the track-to-cluster cost.
type AssociationMetric string

// AssociationMethod selects the assignment solver.
type AssociationMethod string

const (
	MetricEuclidean   AssociationMetric = config.MetricEuclidean
	MetricMahalanobis AssociationMetric = config.MetricMahalanobis

	MethodHungarian AssociationMethod = config.MethodHungarian
	MethodGreedy    AssociationMethod = config.MethodGreedy
)

// AssociatorConfig holds configuration for cluster-to-track association.
type AssociatorConfig struct {
	GatingDistance   float64           // Max Euclidean predicted-position → centroid distance (metres)
	DopplerWeight    float64           // Weight of the squared radial-speed disagreement
	MeasurementNoise float64           // Measurement noise (σ²) used in the innovation covariance
	Metric           AssociationMetric // euclidean or mahalanobis
	Method           AssociationMethod // hungarian or greedy
	SensorOrigin     l2frames.Vec3     // Sensor position in room coordinates, for radial speed
}

// Validate checks the associator configuration.
func (c AssociatorConfig) Validate() error {
	if !(c.GatingDistance > 0) {
		return fmt.Errorf("%w: gating distance must be positive, got %v", ErrInvalidConfig, c.GatingDistance)
	}
	if c.DopplerWeight < 0 {
		return fmt.Errorf("%w: doppler weight must be non-negative, got %v", ErrInvalidConfig, c.DopplerWeight)
	}
	if !(c.MeasurementNoise > 0) {
		return fmt.Errorf("%w: measurement noise must be positive, got %v", ErrInvalidConfig, c.MeasurementNoise)
	}
	switch c.Metric {
	case MetricEuclidean, MetricMahalanobis:
	default:
		return fmt.Errorf("%w: unknown association metric %q", ErrInvalidConfig, c.Metric)
	}
	switch c.Method {
	case MethodHungarian, MethodGreedy:
	default:
		return fmt.Errorf("%w: unknown association method %q", ErrInvalidConfig, c.Method)
	}
	return nil
}

// TrackerConfig holds configuration parameters for the track manager.
type TrackerConfig struct {
	HitsToConfirm  int // Consecutive hits needed for confirmation (birth counts as the first)
	MaxCoastFrames int // Consecutive misses a confirmed track survives
	MaxTracks      int // Maximum number of concurrent live tracks

	DynamicPointsThreshold int     // Dynamic cluster points above which a track is moving
	MotionStopSpeed        float64 // Speed (m/s) below which a moving track without dynamic points stops

	ProcessNoisePos    float64 // Process noise for position (σ² per second)
	ProcessNoiseVel    float64 // Process noise for velocity (σ² per second)
	MeasurementNoise   float64 // Measurement noise (σ²)
	InitialPosVariance float64 // Position variance of a newborn track
	InitialVelVariance float64 // Velocity variance of a newborn track
	MaxCovarianceDiag  float64 // Maximum covariance diagonal element

	MaxPredictDt time.Duration // Maximum dt per predict step

	Association AssociatorConfig
}

// DefaultTrackerConfig returns the built-in tracker defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfigFromTuning(config.EmptyTuningConfig())
}

// TrackerConfigFromTuning builds a TrackerConfig from a loaded TuningConfig.
func TrackerConfigFromTuning(cfg *config.TuningConfig) TrackerConfig {
	if cfg == nil {
		cfg = config.EmptyTuningConfig()
	}
	return TrackerConfig{
		HitsToConfirm:          cfg.GetHitsToConfirm(),
		MaxCoastFrames:         cfg.GetMaxCoastFrames(),
		MaxTracks:              cfg.GetMaxTracks(),
		DynamicPointsThreshold: cfg.GetDynamicPointsThreshold(),
		MotionStopSpeed:        cfg.GetMotionStopSpeed(),
		ProcessNoisePos:        cfg.GetProcessNoisePos(),
		ProcessNoiseVel:        cfg.GetProcessNoiseVel(),
		MeasurementNoise:       cfg.GetMeasurementNoise(),
		InitialPosVariance:     cfg.GetInitialPosVariance(),
		InitialVelVariance:     cfg.GetInitialVelVariance(),
		MaxCovarianceDiag:      cfg.GetMaxCovarianceDiag(),
		MaxPredictDt:           cfg.GetMaxPredictDt(),
		Association: AssociatorConfig{
			GatingDistance:   cfg.GetGatingDistance(),
			DopplerWeight:    cfg.GetDopplerConsistencyWeight(),
			MeasurementNoise: cfg.GetMeasurementNoise(),
			Metric:           AssociationMetric(cfg.GetAssociationMetric()),
			Method:           AssociationMethod(cfg.GetAssociationMethod()),
			SensorOrigin:     l2frames.Vec3{Z: cfg.GetSensorHeight()},
		},
	}
}

// Validate checks the tracker configuration, including the nested
// associator configuration.
func (c TrackerConfig) Validate() error {
	if c.HitsToConfirm < 1 {
		return fmt.Errorf("%w: hits to confirm must be at least 1, got %d", ErrInvalidConfig, c.HitsToConfirm)
	}
	if c.MaxCoastFrames < 0 {
		return fmt.Errorf("%w: max coast frames must be non-negative, got %d", ErrInvalidConfig, c.MaxCoastFrames)
	}
	if c.MaxTracks < 1 {
		return fmt.Errorf("%w: max tracks must be at least 1, got %d", ErrInvalidConfig, c.MaxTracks)
	}
	if c.DynamicPointsThreshold < 0 {
		return fmt.Errorf("%w: dynamic points threshold must be non-negative, got %d", ErrInvalidConfig, c.DynamicPointsThreshold)
	}
	if c.MotionStopSpeed < 0 {
		return fmt.Errorf("%w: motion stop speed must be non-negative, got %v", ErrInvalidConfig, c.MotionStopSpeed)
	}
	for name, v := range map[string]float64{
		"process noise pos":    c.ProcessNoisePos,
		"process noise vel":    c.ProcessNoiseVel,
		"measurement noise":    c.MeasurementNoise,
		"initial pos variance": c.InitialPosVariance,
		"initial vel variance": c.InitialVelVariance,
		"max covariance diag":  c.MaxCovarianceDiag,
	} {
		if !(v > 0) {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidConfig, name, v)
		}
	}
	if c.MaxPredictDt <= 0 {
		return fmt.Errorf("%w: max predict dt must be positive, got %s", ErrInvalidConfig, c.MaxPredictDt)
	}
	return c.Association.Validate()
}
