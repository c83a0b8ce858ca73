package bundle

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"go.viam.com/bundle/rimage/transform"
)

// Chi-squared 95% quantiles for 2 and 3 degrees of freedom.
const (
	chi2Mono2DOF   = 5.991
	chi2Stereo3DOF = 7.815
)

// Config tunes an Adjuster. Start from NewDefaultConfig; zero values are not sensible defaults.
type Config struct {
	Camera transform.PinholeCameraIntrinsics `json:"camera" yaml:"camera"`
	// BF is the stereo baseline times fx. Zero disables stereo edges.
	BF float64 `json:"bf" yaml:"bf"`

	FullIterations   int `json:"full_iterations" yaml:"full_iterations"`
	LocalIterations  int `json:"local_iterations" yaml:"local_iterations"`
	RefineIterations int `json:"refine_iterations" yaml:"refine_iterations"`

	HuberDeltaMono      float64 `json:"huber_delta_mono" yaml:"huber_delta_mono"`
	HuberDeltaStereo    float64 `json:"huber_delta_stereo" yaml:"huber_delta_stereo"`
	Chi2ThresholdMono   float64 `json:"chi2_threshold_mono" yaml:"chi2_threshold_mono"`
	Chi2ThresholdStereo float64 `json:"chi2_threshold_stereo" yaml:"chi2_threshold_stereo"`

	// MinEdges is the admission rule: graphs with fewer edges are not optimized.
	MinEdges int `json:"min_edges" yaml:"min_edges"`

	// LenientDecoding skips malformed rows with a warning instead of failing the call.
	LenientDecoding bool `json:"lenient_decoding" yaml:"lenient_decoding"`
	// ValidateFinite rejects NaN and Inf in inputs and results with ErrDegenerateState.
	ValidateFinite bool `json:"validate_finite" yaml:"validate_finite"`
	// FilterOutliers restricts the outlier report to edges over threshold or behind the camera.
	FilterOutliers bool `json:"filter_outliers" yaml:"filter_outliers"`
	// UseFixedObservations lets observations from fixed keyframes constrain local adjustment.
	UseFixedObservations bool `json:"use_fixed_observations" yaml:"use_fixed_observations"`
	// WriteBackMapPoints writes refined map points into the caller's table after full adjustment.
	WriteBackMapPoints bool `json:"write_back_map_points" yaml:"write_back_map_points"`
}

// NewDefaultConfig returns the configuration used by the wire level entry points.
func NewDefaultConfig() *Config {
	return &Config{
		Camera:              *transform.NewKITTIIntrinsics(),
		FullIterations:      10,
		LocalIterations:     5,
		RefineIterations:    10,
		HuberDeltaMono:      math.Sqrt(chi2Mono2DOF),
		HuberDeltaStereo:    math.Sqrt(chi2Stereo3DOF),
		Chi2ThresholdMono:   chi2Mono2DOF,
		Chi2ThresholdStereo: chi2Stereo3DOF,
		MinEdges:            3,
		ValidateFinite:      true,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if err := cfg.Camera.CheckValid(); err != nil {
		return utils.NewConfigValidationError(path+".camera", err)
	}
	if cfg.BF < 0 {
		return utils.NewConfigValidationError(path, errors.New("bf cannot be negative"))
	}
	for name, n := range map[string]int{
		"full_iterations":   cfg.FullIterations,
		"local_iterations":  cfg.LocalIterations,
		"refine_iterations": cfg.RefineIterations,
	} {
		if n < 0 {
			return utils.NewConfigValidationError(path, errors.Errorf("%s cannot be negative", name))
		}
	}
	if cfg.HuberDeltaMono <= 0 || cfg.HuberDeltaStereo <= 0 {
		return utils.NewConfigValidationError(path, errors.New("huber deltas must be positive"))
	}
	if cfg.Chi2ThresholdMono <= 0 || cfg.Chi2ThresholdStereo <= 0 {
		return utils.NewConfigValidationError(path, errors.New("chi2 thresholds must be positive"))
	}
	if cfg.MinEdges < 1 {
		return utils.NewConfigValidationFieldRequiredError(path, "min_edges")
	}
	return nil
}

// ReadConfig reads a JSON or YAML config on top of the defaults. The format is picked by file
// extension; anything other than .yaml or .yml is parsed as JSON.
func ReadConfig(path string) (*Config, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}
	cfg := NewDefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error parsing config file %q", path)
	}
	if err := cfg.Validate("config"); err != nil {
		return nil, err
	}
	return cfg, nil
}
