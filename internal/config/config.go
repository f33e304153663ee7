// Package config loads the service configuration from YAML, applies CLI
// overrides, and hot-reloads the per-camera defaults when the file
// changes.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/mgrandau/telescope-mcp/internal/coords"
	"github.com/mgrandau/telescope-mcp/internal/motor"
)

// CameraDefaults are the fallback exposure/gain for one camera.
type CameraDefaults struct {
	ExposureUs int `yaml:"exposure_us"`
	Gain       int `yaml:"gain"`
}

// CameraSection configures one camera key.
type CameraSection struct {
	CameraID int            `yaml:"camera_id"`
	Name     string         `yaml:"name"`
	Defaults CameraDefaults `yaml:"defaults"`
}

// Config is the full service configuration.
type Config struct {
	Listen         string                   `yaml:"listen"`
	DataDir        string                   `yaml:"data_dir"`
	LogFile        string                   `yaml:"log_file"`
	Debug          bool                     `yaml:"debug"`
	SDKLibraryPath string                   `yaml:"sdk_library_path"`
	UseTwinDrivers bool                     `yaml:"use_twin_drivers"`
	SensorPort     string                   `yaml:"sensor_port"`
	Observer       coords.Observer          `yaml:"observer"`
	Cameras        map[string]CameraSection `yaml:"cameras"`
	Motor          motor.Config             `yaml:"motor"`
}

// Default returns the configuration the service runs with when no file is
// given: a finder and a main camera on the twin drivers.
func Default() Config {
	cfg := Config{
		Listen:         ":8080",
		DataDir:        "data",
		UseTwinDrivers: true,
		Cameras: map[string]CameraSection{
			"finder": {CameraID: 0, Name: "finder",
				Defaults: CameraDefaults{ExposureUs: 10_000_000, Gain: 80}},
			"main": {CameraID: 1, Name: "main",
				Defaults: CameraDefaults{ExposureUs: 300_000, Gain: 80}},
		},
	}
	cfg.Check()
	return cfg
}

// Load reads and checks a YAML config file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Check()
	return cfg, nil
}

// Check fills in defaults for anything missing or out of range.
func (c *Config) Check() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Cameras == nil {
		c.Cameras = Default().Cameras
	}
	for key, cam := range c.Cameras {
		if cam.Name == "" {
			cam.Name = key
		}
		if cam.Defaults.ExposureUs < 1 {
			cam.Defaults.ExposureUs = 100_000
		}
		if cam.Defaults.Gain < 0 {
			cam.Defaults.Gain = 0
		}
		c.Cameras[key] = cam
	}
	if c.Motor.AltitudeMinSteps == 0 && c.Motor.AltitudeMaxSteps == 0 {
		c.Motor.AltitudeMinSteps = int(-60 * motorAltStepsPerDegree)
		c.Motor.AltitudeMaxSteps = int(3 * motorAltStepsPerDegree)
	}
	if c.Motor.AzimuthMinSteps == 0 && c.Motor.AzimuthMaxSteps == 0 {
		c.Motor.AzimuthMaxSteps = int(190 * motorAzStepsPerDegree)
	}
	if c.Motor.AltitudeStepsPerDegree == 0 {
		c.Motor.AltitudeStepsPerDegree = motorAltStepsPerDegree
	}
	if c.Motor.AzimuthStepsPerDegree == 0 {
		c.Motor.AzimuthStepsPerDegree = motorAzStepsPerDegree
	}
}

// The mount's gearing constants; shared with the motor twin.
var (
	motorAltStepsPerDegree = 140000.0 / 90.0
	motorAzStepsPerDegree  = 110000.0 / 135.0
)

// Flags registers the CLI surface on a flag set.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to YAML config file")
	fs.String("listen", "", "listen address")
	fs.String("data-dir", "", "session archive root directory")
	fs.String("log-file", "", "rotated log file path (stderr when empty)")
	fs.Bool("debug", false, "development logging")
	fs.String("sdk-library-path", "", "camera SDK library path")
	fs.Int("finder-exposure-us", 0, "finder camera default exposure")
	fs.Int("finder-gain", -1, "finder camera default gain")
	fs.Int("main-exposure-us", 0, "main camera default exposure")
	fs.Int("main-gain", -1, "main camera default gain")
	fs.Float64("latitude", 0, "observer latitude (degrees)")
	fs.Float64("longitude", 0, "observer longitude (degrees)")
	fs.Float64("elevation", 0, "observer elevation (meters)")
}

// Apply overrides the config with every flag the user set.
func Apply(c *Config, fs *pflag.FlagSet) {
	override := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	override("listen", func() { c.Listen, _ = fs.GetString("listen") })
	override("data-dir", func() { c.DataDir, _ = fs.GetString("data-dir") })
	override("log-file", func() { c.LogFile, _ = fs.GetString("log-file") })
	override("debug", func() { c.Debug, _ = fs.GetBool("debug") })
	override("sdk-library-path", func() { c.SDKLibraryPath, _ = fs.GetString("sdk-library-path") })
	override("latitude", func() { c.Observer.LatitudeDeg, _ = fs.GetFloat64("latitude") })
	override("longitude", func() { c.Observer.LongitudeDeg, _ = fs.GetFloat64("longitude") })
	override("elevation", func() { c.Observer.ElevationM, _ = fs.GetFloat64("elevation") })

	cameraOverride := func(key, expFlag, gainFlag string) {
		cam, ok := c.Cameras[key]
		if !ok {
			return
		}
		override(expFlag, func() { cam.Defaults.ExposureUs, _ = fs.GetInt(expFlag) })
		override(gainFlag, func() { cam.Defaults.Gain, _ = fs.GetInt(gainFlag) })
		c.Cameras[key] = cam
	}
	cameraOverride("finder", "finder-exposure-us", "finder-gain")
	cameraOverride("main", "main-exposure-us", "main-gain")
	c.Check()
}
