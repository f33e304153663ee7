package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgrandau/telescope-mcp/internal/camera"
	"github.com/mgrandau/telescope-mcp/internal/device"
	"github.com/mgrandau/telescope-mcp/internal/device/twincam"
	"github.com/mgrandau/telescope-mcp/internal/device/twinmotor"
	"github.com/mgrandau/telescope-mcp/internal/device/twinsensor"
	"github.com/mgrandau/telescope-mcp/internal/motor"
	"github.com/mgrandau/telescope-mcp/internal/registry"
	"github.com/mgrandau/telescope-mcp/internal/sensor"
	"github.com/mgrandau/telescope-mcp/internal/session"
)

func newToolset(t *testing.T) *Toolset {
	t.Helper()
	configs := map[string]camera.Config{
		"finder": {CameraID: 0, Name: "finder", DefaultGain: 80, DefaultExposureUs: 10_000},
		"main":   {CameraID: 1, Name: "main", DefaultGain: 80, DefaultExposureUs: 20_000},
	}
	factory := func(cfg camera.Config) device.CameraDriver {
		return twincam.New(twincam.Spec{CameraID: cfg.CameraID, Name: cfg.Name, Width: 32, Height: 24})
	}
	motorController := motor.New(motor.Config{
		AltitudeMinSteps: -1000, AltitudeMaxSteps: 1000,
		AzimuthMinSteps: 0, AzimuthMaxSteps: 2000,
		AltitudeStepsPerDegree: 100, AzimuthStepsPerDegree: 100,
	}, twinmotor.New(twinmotor.Config{
		AltitudeMinSteps: -1000, AltitudeMaxSteps: 1000,
		AzimuthMinSteps: 0, AzimuthMaxSteps: 2000,
	}), nil)
	require.NoError(t, motorController.Connect())

	sensorWrapper := sensor.New(twinsensor.New(twinsensor.Config{
		Script: []twinsensor.Sample{{AltitudeDeg: 45, AzimuthDeg: 90}},
	}), nil)
	require.NoError(t, sensorWrapper.Connect())

	reg := registry.Init(configs, factory, motorController, sensorWrapper, nil)
	t.Cleanup(reg.Shutdown)

	sessions := session.NewManager(t.TempDir(), nil)
	controller := camera.NewController(reg.Camera, nil)
	return New(reg, controller, sessions, nil)
}

func TestUnknownToolPayload(t *testing.T) {
	ts := newToolset(t)
	result := ts.Dispatch(context.Background(), "warp_drive", nil)
	assert.Equal(t, "unknown_tool", result["error"])
	assert.Contains(t, result["message"], "warp_drive")
}

func TestDescriptorsCoverHandlers(t *testing.T) {
	ts := newToolset(t)
	names := make(map[string]bool)
	for _, desc := range ts.Descriptors() {
		assert.NotEmpty(t, desc.Description)
		assert.NotNil(t, desc.InputSchema)
		names[desc.Name] = true
	}
	for _, required := range []string{
		"list_cameras", "get_camera_info", "capture_frame", "set_camera_control",
		"get_camera_control", "sync_capture", "move_motor", "stop_motor",
		"home_motors", "read_sensor", "calibrate_sensor", "start_session", "end_session",
	} {
		assert.True(t, names[required], "missing tool %s", required)
	}
}

func TestListCamerasTool(t *testing.T) {
	ts := newToolset(t)
	result := ts.Dispatch(context.Background(), "list_cameras", nil)
	require.NotContains(t, result, "error")
	assert.EqualValues(t, 2, result["count"])
}

func TestCaptureFrameTool(t *testing.T) {
	ts := newToolset(t)
	result := ts.Dispatch(context.Background(), "capture_frame", map[string]any{
		"camera":      "finder",
		"exposure_us": float64(50_000),
	})
	require.NotContains(t, result, "error")
	assert.NotEmpty(t, result["image_base64"])
	assert.EqualValues(t, 50_000, result["exposure_us"])
	assert.Equal(t, false, result["has_overlay"])
}

func TestCaptureFrameUnknownCameraErrorKind(t *testing.T) {
	ts := newToolset(t)
	result := ts.Dispatch(context.Background(), "capture_frame", map[string]any{"camera": "bogus"})
	assert.Equal(t, "not_found", result["error"])
}

func TestMoveMotorToolValidation(t *testing.T) {
	ts := newToolset(t)

	result := ts.Dispatch(context.Background(), "move_motor", map[string]any{
		"axis": "altitude", "steps": float64(500),
	})
	require.NotContains(t, result, "error")

	result = ts.Dispatch(context.Background(), "move_motor", map[string]any{
		"axis": "altitude", "steps": float64(5000),
	})
	assert.Equal(t, "range_error", result["error"])

	result = ts.Dispatch(context.Background(), "move_motor", map[string]any{
		"axis": "sideways", "steps": float64(10),
	})
	assert.Equal(t, "range_error", result["error"])
}

func TestStopMotorToolStopsAllWithoutAxis(t *testing.T) {
	ts := newToolset(t)
	result := ts.Dispatch(context.Background(), "stop_motor", map[string]any{})
	require.NotContains(t, result, "error")
	assert.Equal(t, "all", result["stopped"])
}

func TestReadSensorTool(t *testing.T) {
	ts := newToolset(t)
	result := ts.Dispatch(context.Background(), "read_sensor", map[string]any{"samples": float64(1)})
	require.NotContains(t, result, "error")
	reading, ok := result["reading"].(device.SensorReading)
	require.True(t, ok)
	assert.InDelta(t, 45, reading.AltitudeDeg, 1e-6)
}

func TestCalibrateSensorToolValidation(t *testing.T) {
	ts := newToolset(t)
	result := ts.Dispatch(context.Background(), "calibrate_sensor", map[string]any{
		"true_altitude": float64(95), "true_azimuth": float64(10),
	})
	assert.Equal(t, "range_error", result["error"])
}

func TestSessionTools(t *testing.T) {
	ts := newToolset(t)

	result := ts.Dispatch(context.Background(), "start_session", map[string]any{
		"session_type": "observation", "target": "M42",
	})
	require.NotContains(t, result, "error")
	sessionID, _ := result["session_id"].(string)
	assert.Contains(t, sessionID, "observation_m42_")

	result = ts.Dispatch(context.Background(), "end_session", nil)
	require.NotContains(t, result, "error")
	assert.NotEmpty(t, result["archive_path"])

	result = ts.Dispatch(context.Background(), "start_session", map[string]any{"session_type": "nap"})
	assert.Equal(t, "range_error", result["error"])
}

func TestSyncCaptureTool(t *testing.T) {
	ts := newToolset(t)
	result := ts.Dispatch(context.Background(), "sync_capture", map[string]any{
		"primary":               "finder",
		"secondary":             "main",
		"primary_exposure_us":   float64(50_000),
		"secondary_exposure_us": float64(10_000),
	})
	require.NotContains(t, result, "error")
	errUs := result["timing_error_us"].(float64)
	errMs := result["timing_error_ms"].(float64)
	assert.InDelta(t, errUs/1000, errMs, 1e-9)
}
