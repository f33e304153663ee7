package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHasBothCameras(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Contains(t, cfg.Cameras, "finder")
	assert.Contains(t, cfg.Cameras, "main")
	assert.Equal(t, 10_000_000, cfg.Cameras["finder"].Defaults.ExposureUs)
	assert.Equal(t, 300_000, cfg.Cameras["main"].Defaults.ExposureUs)
	assert.NotZero(t, cfg.Motor.AltitudeStepsPerDegree)
	assert.Negative(t, cfg.Motor.AltitudeMinSteps)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telescoped.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
data_dir: /var/lib/telescope
cameras:
  finder:
    camera_id: 0
    defaults:
      exposure_us: 250000
      gain: 120
  main:
    camera_id: 1
    defaults:
      exposure_us: 500000
      gain: 90
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "/var/lib/telescope", cfg.DataDir)
	assert.Equal(t, 250_000, cfg.Cameras["finder"].Defaults.ExposureUs)
	assert.Equal(t, 120, cfg.Cameras["finder"].Defaults.Gain)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyFlagOverrides(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	require.NoError(t, fs.Parse([]string{
		"--listen=:7070",
		"--finder-exposure-us=123456",
		"--main-gain=333",
		"--latitude=51.5",
	}))

	cfg := Default()
	Apply(&cfg, fs)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, 123_456, cfg.Cameras["finder"].Defaults.ExposureUs)
	assert.Equal(t, 333, cfg.Cameras["main"].Defaults.Gain)
	assert.InDelta(t, 51.5, cfg.Observer.LatitudeDeg, 1e-9)
	// Unset flags leave config values alone.
	assert.Equal(t, 300_000, cfg.Cameras["main"].Defaults.ExposureUs)
}
