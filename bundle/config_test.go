package bundle

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"go.viam.com/bundle/rimage/transform"
)

func TestDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	test.That(t, cfg.Validate("bundle"), test.ShouldBeNil)
	test.That(t, cfg.Camera, test.ShouldResemble, *transform.NewKITTIIntrinsics())
	test.That(t, cfg.FullIterations, test.ShouldEqual, 10)
	test.That(t, cfg.LocalIterations, test.ShouldEqual, 5)
	test.That(t, cfg.RefineIterations, test.ShouldEqual, 10)
	test.That(t, cfg.HuberDeltaMono, test.ShouldAlmostEqual, math.Sqrt(5.991))
	test.That(t, cfg.HuberDeltaStereo, test.ShouldAlmostEqual, math.Sqrt(7.815))
	test.That(t, cfg.Chi2ThresholdMono, test.ShouldEqual, 5.991)
	test.That(t, cfg.Chi2ThresholdStereo, test.ShouldEqual, 7.815)
	test.That(t, cfg.MinEdges, test.ShouldEqual, 3)
	test.That(t, cfg.ValidateFinite, test.ShouldBeTrue)
	test.That(t, cfg.LenientDecoding, test.ShouldBeFalse)
	test.That(t, cfg.FilterOutliers, test.ShouldBeFalse)
	test.That(t, cfg.WriteBackMapPoints, test.ShouldBeFalse)
}

func TestConfigValidate(t *testing.T) {
	for name, edit := range map[string]func(*Config){
		"camera":     func(cfg *Config) { cfg.Camera.Fx = 0 },
		"bf":         func(cfg *Config) { cfg.BF = -1 },
		"iterations": func(cfg *Config) { cfg.LocalIterations = -1 },
		"huber":      func(cfg *Config) { cfg.HuberDeltaStereo = 0 },
		"chi2":       func(cfg *Config) { cfg.Chi2ThresholdMono = -5 },
		"min_edges":  func(cfg *Config) { cfg.MinEdges = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			edit(cfg)
			err := cfg.Validate("bundle")
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, "bundle")
		})
	}

	cfg := NewDefaultConfig()
	cfg.Camera.Fy = -1
	test.That(t, cfg.Validate("bundle").Error(), test.ShouldContainSubstring, "Fy")
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "config.json")
	err := os.WriteFile(jsonPath, []byte(`{"bf": 386.1448, "filter_outliers": true, "camera": {"width_px": 640, "height_px": 480, "fx": 500, "fy": 500, "ppx": 320, "ppy": 240}}`), 0o600)
	test.That(t, err, test.ShouldBeNil)
	cfg, err := ReadConfig(jsonPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.BF, test.ShouldEqual, 386.1448)
	test.That(t, cfg.FilterOutliers, test.ShouldBeTrue)
	test.That(t, cfg.Camera.Fx, test.ShouldEqual, 500.)
	// unset fields keep their defaults
	test.That(t, cfg.FullIterations, test.ShouldEqual, 10)
	test.That(t, cfg.ValidateFinite, test.ShouldBeTrue)

	yamlPath := filepath.Join(dir, "config.yaml")
	err = os.WriteFile(yamlPath, []byte("full_iterations: 20\nvalidate_finite: false\nlenient_decoding: true\n"), 0o600)
	test.That(t, err, test.ShouldBeNil)
	cfg, err = ReadConfig(yamlPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.FullIterations, test.ShouldEqual, 20)
	test.That(t, cfg.ValidateFinite, test.ShouldBeFalse)
	test.That(t, cfg.LenientDecoding, test.ShouldBeTrue)
	test.That(t, cfg.Camera.Fx, test.ShouldEqual, 718.856)

	badPath := filepath.Join(dir, "bad.yml")
	test.That(t, os.WriteFile(badPath, []byte("min_edges: 0\n"), 0o600), test.ShouldBeNil)
	_, err = ReadConfig(badPath)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, os.WriteFile(jsonPath, []byte("{"), 0o600), test.ShouldBeNil)
	_, err = ReadConfig(jsonPath)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = ReadConfig(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}
