package twincam

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgrandau/telescope-mcp/internal/device"
)

func openTwin(t *testing.T, spec Spec) *Instance {
	t.Helper()
	inst, err := New(spec).Open(spec.CameraID)
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close() })
	return inst.(*Instance)
}

func TestOpenSemantics(t *testing.T) {
	driver := New(Spec{CameraID: 3})
	_, err := driver.Open(4)
	assert.ErrorIs(t, err, device.ErrNotFound)

	inst, err := driver.Open(3)
	require.NoError(t, err)
	_, err = driver.Open(3)
	assert.ErrorIs(t, err, device.ErrAlreadyConnected)

	// Close releases the slot for a fresh open.
	require.NoError(t, inst.Close())
	inst, err = driver.Open(3)
	require.NoError(t, err)
	inst.Close()
}

func TestCaptureReturnsJPEG(t *testing.T) {
	inst := openTwin(t, Spec{CameraID: 0, Width: 64, Height: 48})
	img, err := inst.Capture(10_000)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(img), 2)
	assert.Equal(t, []byte{0xff, 0xd8}, img[:2])
}

func TestVideoFramesAreDeterministicPerSequence(t *testing.T) {
	inst := openTwin(t, Spec{CameraID: 0, Width: 16, Height: 8})
	require.NoError(t, inst.SetROI(16, 8, 1, device.RAW16))
	require.NoError(t, inst.StartVideoCapture())

	first := make([]byte, 16*8*2)
	second := make([]byte, 16*8*2)
	require.NoError(t, inst.CaptureVideoFrame(first, time.Second))
	require.NoError(t, inst.CaptureVideoFrame(second, time.Second))
	assert.False(t, bytes.Equal(first, second), "successive frames should differ")

	// The same sequence index on a fresh instance reproduces the bytes.
	fresh := openTwin(t, Spec{CameraID: 0, Width: 16, Height: 8})
	require.NoError(t, fresh.SetROI(16, 8, 1, device.RAW16))
	require.NoError(t, fresh.StartVideoCapture())
	again := make([]byte, 16*8*2)
	require.NoError(t, fresh.CaptureVideoFrame(again, time.Second))
	assert.Equal(t, first, again)
}

func TestVideoCaptureRequiresStart(t *testing.T) {
	inst := openTwin(t, Spec{CameraID: 0, Width: 16, Height: 8})
	buf := make([]byte, 16*8*2)
	assert.ErrorIs(t, inst.CaptureVideoFrame(buf, time.Second), device.ErrDriver)
}

func TestFailureInjection(t *testing.T) {
	inst := openTwin(t, Spec{CameraID: 0, Width: 16, Height: 8})
	inst.FailNextCaptures(2, nil)

	_, err := inst.Capture(1000)
	assert.ErrorIs(t, err, device.ErrDriver)
	_, err = inst.Capture(1000)
	assert.ErrorIs(t, err, device.ErrDriver)
	_, err = inst.Capture(1000)
	assert.NoError(t, err)
}

func TestControlTable(t *testing.T) {
	inst := openTwin(t, Spec{CameraID: 0})

	controls, err := inst.Controls()
	require.NoError(t, err)
	assert.Contains(t, controls, "Gain")
	assert.Contains(t, controls, "Exposure")
	assert.Contains(t, controls, "BandWidth")

	require.NoError(t, inst.SetControl("Gain", 120))
	value, auto, err := inst.Control("Gain")
	require.NoError(t, err)
	assert.Equal(t, 120, value)
	assert.False(t, auto)

	assert.ErrorIs(t, inst.SetControl("Gain", 9999), device.ErrRange)
	assert.ErrorIs(t, inst.SetControl("Gamma", 1), device.ErrNotFound)
	assert.ErrorIs(t, inst.SetControl("Temperature", 0), device.ErrDriver)
}

func TestOperationsFailAfterClose(t *testing.T) {
	driver := New(Spec{CameraID: 0})
	inst, err := driver.Open(0)
	require.NoError(t, err)
	require.NoError(t, inst.Close())
	require.NoError(t, inst.Close()) // idempotent

	_, err = inst.Capture(1000)
	assert.ErrorIs(t, err, device.ErrNotConnected)
	_, err = inst.Properties()
	assert.ErrorIs(t, err, device.ErrNotConnected)
}
