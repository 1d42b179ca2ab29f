package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// Association metrics and solvers understood by the tracker.
const (
	MetricEuclidean   = "euclidean"
	MetricMahalanobis = "mahalanobis"

	MethodHungarian = "hungarian"
	MethodGreedy    = "greedy"
)

// TuningConfig represents the root configuration for tracking parameters.
// Every field is optional: the Get* accessors fall back to built-in defaults
// so partial files are safe. Values are read once when the pipeline is
// constructed; changing them requires building a new pipeline.
type TuningConfig struct {
	// Clustering params
	ClusterEps           *float64 `json:"cluster_eps,omitempty"`
	ClusterMinPoints     *int     `json:"cluster_min_points,omitempty"`
	ClusterZWeight       *float64 `json:"cluster_z_weight,omitempty"`
	ClusterDopplerWeight *float64 `json:"cluster_doppler_weight,omitempty"`
	ClusterRangeWeight   *float64 `json:"cluster_range_weight,omitempty"`
	FramesBatch          *int     `json:"frames_batch,omitempty"` // frames merged before clustering

	// Association params
	GatingDistance           *float64 `json:"gating_distance,omitempty"`
	DopplerConsistencyWeight *float64 `json:"doppler_consistency_weight,omitempty"`
	AssociationMetric        *string  `json:"association_metric,omitempty"`
	AssociationMethod        *string  `json:"association_method,omitempty"`

	// Kalman params
	ProcessNoisePos    *float64 `json:"process_noise_pos,omitempty"`
	ProcessNoiseVel    *float64 `json:"process_noise_vel,omitempty"`
	MeasurementNoise   *float64 `json:"measurement_noise,omitempty"`
	InitialPosVariance *float64 `json:"initial_pos_variance,omitempty"`
	InitialVelVariance *float64 `json:"initial_vel_variance,omitempty"`
	MaxCovarianceDiag  *float64 `json:"max_covariance_diag,omitempty"`

	// Lifecycle params
	HitsToConfirm  *int `json:"hits_to_confirm,omitempty"`
	MaxCoastFrames *int `json:"max_coast_frames,omitempty"`
	MaxTracks      *int `json:"max_tracks,omitempty"`

	// Motion status
	DynamicDopplerThreshold *float64 `json:"dynamic_doppler_threshold,omitempty"`
	DynamicPointsThreshold  *int     `json:"dynamic_points_threshold,omitempty"`
	MotionStopSpeed         *float64 `json:"motion_stop_speed,omitempty"`

	// Frame cadence
	FrameInterval *string `json:"frame_interval,omitempty"` // duration string like "100ms"
	MaxPredictDt  *string `json:"max_predict_dt,omitempty"` // duration string like "500ms"

	// Sensor geometry and scene constraints
	SensorHeight  *float64 `json:"sensor_height,omitempty"`
	SensorTiltDeg *float64 `json:"sensor_tilt_deg,omitempty"`
	SceneMaxZ     *float64 `json:"scene_max_z,omitempty"`
	SceneMinY     *float64 `json:"scene_min_y,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,          // from internal/config/
		"../../../" + DefaultConfigPath,       // from internal/mmwave/l5tracks/
		"../../../../" + DefaultConfigPath,    // from internal/mmwave/storage/sqlite/
		"../../../../../" + DefaultConfigPath, // even deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid. Only fields that
// are set are checked; defaults are always valid.
func (c *TuningConfig) Validate() error {
	if c.ClusterEps != nil && *c.ClusterEps <= 0 {
		return fmt.Errorf("cluster_eps must be positive, got %f", *c.ClusterEps)
	}
	if c.ClusterMinPoints != nil && *c.ClusterMinPoints < 1 {
		return fmt.Errorf("cluster_min_points must be at least 1, got %d", *c.ClusterMinPoints)
	}
	for name, v := range map[string]*float64{
		"cluster_z_weight":           c.ClusterZWeight,
		"cluster_doppler_weight":     c.ClusterDopplerWeight,
		"cluster_range_weight":       c.ClusterRangeWeight,
		"doppler_consistency_weight": c.DopplerConsistencyWeight,
		"dynamic_doppler_threshold":  c.DynamicDopplerThreshold,
		"motion_stop_speed":          c.MotionStopSpeed,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}
	if c.FramesBatch != nil && *c.FramesBatch < 1 {
		return fmt.Errorf("frames_batch must be at least 1, got %d", *c.FramesBatch)
	}
	if c.DynamicPointsThreshold != nil && *c.DynamicPointsThreshold < 0 {
		return fmt.Errorf("dynamic_points_threshold must be non-negative, got %d", *c.DynamicPointsThreshold)
	}
	if c.GatingDistance != nil && *c.GatingDistance <= 0 {
		return fmt.Errorf("gating_distance must be positive, got %f", *c.GatingDistance)
	}
	if c.AssociationMetric != nil {
		switch *c.AssociationMetric {
		case MetricEuclidean, MetricMahalanobis:
		default:
			return fmt.Errorf("association_metric must be %q or %q, got %q", MetricEuclidean, MetricMahalanobis, *c.AssociationMetric)
		}
	}
	if c.AssociationMethod != nil {
		switch *c.AssociationMethod {
		case MethodHungarian, MethodGreedy:
		default:
			return fmt.Errorf("association_method must be %q or %q, got %q", MethodHungarian, MethodGreedy, *c.AssociationMethod)
		}
	}
	for name, v := range map[string]*float64{
		"process_noise_pos":    c.ProcessNoisePos,
		"process_noise_vel":    c.ProcessNoiseVel,
		"measurement_noise":    c.MeasurementNoise,
		"initial_pos_variance": c.InitialPosVariance,
		"initial_vel_variance": c.InitialVelVariance,
		"max_covariance_diag":  c.MaxCovarianceDiag,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}
	if c.HitsToConfirm != nil && *c.HitsToConfirm < 1 {
		return fmt.Errorf("hits_to_confirm must be at least 1, got %d", *c.HitsToConfirm)
	}
	if c.MaxCoastFrames != nil && *c.MaxCoastFrames < 0 {
		return fmt.Errorf("max_coast_frames must be non-negative, got %d", *c.MaxCoastFrames)
	}
	if c.MaxTracks != nil && *c.MaxTracks < 1 {
		return fmt.Errorf("max_tracks must be at least 1, got %d", *c.MaxTracks)
	}
	for name, v := range map[string]*string{
		"frame_interval": c.FrameInterval,
		"max_predict_dt": c.MaxPredictDt,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.SceneMaxZ != nil && *c.SceneMaxZ <= 0 {
		return fmt.Errorf("scene_max_z must be positive, got %f", *c.SceneMaxZ)
	}
	return nil
}

// GetClusterEps returns the cluster_eps value or the default.
func (c *TuningConfig) GetClusterEps() float64 {
	if c.ClusterEps == nil {
		return 0.3
	}
	return *c.ClusterEps
}

// GetClusterMinPoints returns the cluster_min_points value or the default.
func (c *TuningConfig) GetClusterMinPoints() int {
	if c.ClusterMinPoints == nil {
		return 8
	}
	return *c.ClusterMinPoints
}

// GetClusterZWeight returns the cluster_z_weight value or the default.
func (c *TuningConfig) GetClusterZWeight() float64 {
	if c.ClusterZWeight == nil {
		return 0.4
	}
	return *c.ClusterZWeight
}

// GetClusterDopplerWeight returns the cluster_doppler_weight value or the default.
func (c *TuningConfig) GetClusterDopplerWeight() float64 {
	if c.ClusterDopplerWeight == nil {
		return 0
	}
	return *c.ClusterDopplerWeight
}

// GetClusterRangeWeight returns the cluster_range_weight value or the default.
func (c *TuningConfig) GetClusterRangeWeight() float64 {
	if c.ClusterRangeWeight == nil {
		return 0.03
	}
	return *c.ClusterRangeWeight
}

// GetFramesBatch returns the frames_batch value or the default. One keeps
// every frame's detections to itself.
func (c *TuningConfig) GetFramesBatch() int {
	if c.FramesBatch == nil {
		return 1
	}
	return *c.FramesBatch
}

// GetGatingDistance returns the gating_distance value (metres) or the default.
func (c *TuningConfig) GetGatingDistance() float64 {
	if c.GatingDistance == nil {
		return 1.0
	}
	return *c.GatingDistance
}

// GetDopplerConsistencyWeight returns the doppler_consistency_weight value or the default.
func (c *TuningConfig) GetDopplerConsistencyWeight() float64 {
	if c.DopplerConsistencyWeight == nil {
		return 0
	}
	return *c.DopplerConsistencyWeight
}

// GetAssociationMetric returns the association_metric value or the default.
func (c *TuningConfig) GetAssociationMetric() string {
	if c.AssociationMetric == nil || *c.AssociationMetric == "" {
		return MetricMahalanobis
	}
	return *c.AssociationMetric
}

// GetAssociationMethod returns the association_method value or the default.
func (c *TuningConfig) GetAssociationMethod() string {
	if c.AssociationMethod == nil || *c.AssociationMethod == "" {
		return MethodHungarian
	}
	return *c.AssociationMethod
}

// GetProcessNoisePos returns the process_noise_pos value or the default.
func (c *TuningConfig) GetProcessNoisePos() float64 {
	if c.ProcessNoisePos == nil {
		return 0.1
	}
	return *c.ProcessNoisePos
}

// GetProcessNoiseVel returns the process_noise_vel value or the default.
func (c *TuningConfig) GetProcessNoiseVel() float64 {
	if c.ProcessNoiseVel == nil {
		return 0.5
	}
	return *c.ProcessNoiseVel
}

// GetMeasurementNoise returns the measurement_noise value or the default.
func (c *TuningConfig) GetMeasurementNoise() float64 {
	if c.MeasurementNoise == nil {
		return 0.01
	}
	return *c.MeasurementNoise
}

// GetInitialPosVariance returns the initial_pos_variance value or the default.
func (c *TuningConfig) GetInitialPosVariance() float64 {
	if c.InitialPosVariance == nil {
		return 0.1
	}
	return *c.InitialPosVariance
}

// GetInitialVelVariance returns the initial_vel_variance value or the default.
func (c *TuningConfig) GetInitialVelVariance() float64 {
	if c.InitialVelVariance == nil {
		return 1.0
	}
	return *c.InitialVelVariance
}

// GetMaxCovarianceDiag returns the max_covariance_diag value or the default.
func (c *TuningConfig) GetMaxCovarianceDiag() float64 {
	if c.MaxCovarianceDiag == nil {
		return 100.0
	}
	return *c.MaxCovarianceDiag
}

// GetHitsToConfirm returns the hits_to_confirm value or the default.
func (c *TuningConfig) GetHitsToConfirm() int {
	if c.HitsToConfirm == nil {
		return 3
	}
	return *c.HitsToConfirm
}

// GetMaxCoastFrames returns the max_coast_frames value or the default.
func (c *TuningConfig) GetMaxCoastFrames() int {
	if c.MaxCoastFrames == nil {
		return 10
	}
	return *c.MaxCoastFrames
}

// GetMaxTracks returns the max_tracks value or the default.
func (c *TuningConfig) GetMaxTracks() int {
	if c.MaxTracks == nil {
		return 8
	}
	return *c.MaxTracks
}

// GetDynamicDopplerThreshold returns the dynamic_doppler_threshold value
// (m/s) or the default. Detections with a larger |doppler| are dynamic.
func (c *TuningConfig) GetDynamicDopplerThreshold() float64 {
	if c.DynamicDopplerThreshold == nil {
		return 0
	}
	return *c.DynamicDopplerThreshold
}

// GetDynamicPointsThreshold returns the dynamic_points_threshold value or the
// default. A cluster with more dynamic points than this marks its track moving.
func (c *TuningConfig) GetDynamicPointsThreshold() int {
	if c.DynamicPointsThreshold == nil {
		return 3
	}
	return *c.DynamicPointsThreshold
}

// GetMotionStopSpeed returns the motion_stop_speed value (m/s) or the default.
func (c *TuningConfig) GetMotionStopSpeed() float64 {
	if c.MotionStopSpeed == nil {
		return 0.04
	}
	return *c.MotionStopSpeed
}

// GetFrameInterval parses and returns the FrameInterval as a time.Duration.
func (c *TuningConfig) GetFrameInterval() time.Duration {
	if c.FrameInterval == nil || *c.FrameInterval == "" {
		return 100 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.FrameInterval)
	if err != nil {
		return 100 * time.Millisecond // default on parse error
	}
	return d
}

// GetMaxPredictDt parses and returns the MaxPredictDt as a time.Duration.
func (c *TuningConfig) GetMaxPredictDt() time.Duration {
	if c.MaxPredictDt == nil || *c.MaxPredictDt == "" {
		return 500 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.MaxPredictDt)
	if err != nil {
		return 500 * time.Millisecond // default on parse error
	}
	return d
}

// GetSensorHeight returns the sensor_height value (metres) or the default.
func (c *TuningConfig) GetSensorHeight() float64 {
	if c.SensorHeight == nil {
		return 1.0
	}
	return *c.SensorHeight
}

// GetSensorTiltDeg returns the sensor_tilt_deg value or the default.
func (c *TuningConfig) GetSensorTiltDeg() float64 {
	if c.SensorTiltDeg == nil {
		return 0
	}
	return *c.SensorTiltDeg
}

// GetSceneMaxZ returns the scene_max_z value (metres) or the default.
func (c *TuningConfig) GetSceneMaxZ() float64 {
	if c.SceneMaxZ == nil {
		return 2.5
	}
	return *c.SceneMaxZ
}

// GetSceneMinY returns the scene_min_y value (metres) or the default.
func (c *TuningConfig) GetSceneMinY() float64 {
	if c.SceneMinY == nil {
		return 0
	}
	return *c.SceneMinY
}
