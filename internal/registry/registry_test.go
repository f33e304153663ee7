package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgrandau/telescope-mcp/internal/camera"
	"github.com/mgrandau/telescope-mcp/internal/device"
	"github.com/mgrandau/telescope-mcp/internal/device/twincam"
)

func twinFactory(cfg camera.Config) device.CameraDriver {
	return twincam.New(twincam.Spec{CameraID: cfg.CameraID, Name: cfg.Name, Width: 32, Height: 24})
}

func TestInitConnectsCameras(t *testing.T) {
	reg := Init(map[string]camera.Config{
		"finder": {CameraID: 0, Name: "finder", DefaultGain: 80, DefaultExposureUs: 10_000},
		"main":   {CameraID: 1, Name: "main", DefaultGain: 80, DefaultExposureUs: 20_000},
	}, twinFactory, nil, nil, nil)
	t.Cleanup(reg.Shutdown)

	assert.Equal(t, []string{"finder", "main"}, reg.Keys())
	cam, err := reg.Camera("finder")
	require.NoError(t, err)
	assert.True(t, cam.IsConnected())
}

func TestUnknownCameraKey(t *testing.T) {
	reg := Init(nil, twinFactory, nil, nil, nil)
	_, err := reg.Camera("bogus")
	assert.ErrorIs(t, err, device.ErrNotFound)
}

func TestShutdownDisconnectsEverything(t *testing.T) {
	reg := Init(map[string]camera.Config{
		"finder": {CameraID: 0, DefaultGain: 80, DefaultExposureUs: 10_000},
	}, twinFactory, nil, nil, nil)

	cam, err := reg.Camera("finder")
	require.NoError(t, err)
	require.True(t, cam.IsConnected())

	reg.Shutdown()
	assert.False(t, cam.IsConnected())
	// Idempotent.
	reg.Shutdown()
}
