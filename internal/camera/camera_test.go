package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgrandau/telescope-mcp/internal/device"
)

// fakeClock advances only when asked, and records sleeps.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	mono  time.Duration
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Monotonic() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mono += time.Millisecond
	return c.mono
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slept = append(c.slept, d)
}

// stubInstance is a scriptable camera instance.
type stubInstance struct {
	mu       sync.Mutex
	controls map[string]int
	setCalls []string
	image    []byte
	failNext int
	failWith error
	closed   bool
}

func newStubInstance() *stubInstance {
	return &stubInstance{
		controls: map[string]int{"Gain": 0, "Exposure": 0},
		image:    []byte{0xff, 0xd8, 0x01, 0x02, 0xff, 0xd9},
	}
}

func (s *stubInstance) Properties() (device.CameraProperties, error) {
	return device.CameraProperties{CameraID: 0, Name: "Stub", MaxWidth: 64, MaxHeight: 48}, nil
}

func (s *stubInstance) Controls() (map[string]device.ControlCaps, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]device.ControlCaps, len(s.controls))
	for name, value := range s.controls {
		out[name] = device.ControlCaps{Min: 0, Max: 1 << 30, Current: value}
	}
	return out, nil
}

func (s *stubInstance) SetControl(name string, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls[name] = value
	s.setCalls = append(s.setCalls, fmt.Sprintf("%s=%d", name, value))
	return nil
}

func (s *stubInstance) Control(name string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controls[name], false, nil
}

func (s *stubInstance) Capture(exposureUs int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return nil, s.failWith
	}
	return s.image, nil
}

func (s *stubInstance) StartVideoCapture() error                      { return nil }
func (s *stubInstance) StopVideoCapture() error                       { return nil }
func (s *stubInstance) CaptureVideoFrame([]byte, time.Duration) error { return nil }
func (s *stubInstance) SetROI(int, int, int, device.ImageType) error  { return nil }
func (s *stubInstance) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// stubDriver opens fresh stub instances and can fail the open itself.
type stubDriver struct {
	mu        sync.Mutex
	instances []*stubInstance
	openErr   error
	nextFail  int // pre-arm failNext on the next opened instance
	failWith  error
}

func (d *stubDriver) Discover() ([]device.Description, error) { return nil, nil }

func (d *stubDriver) Open(id int) (device.CameraInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	inst := newStubInstance()
	inst.failNext = d.nextFail
	inst.failWith = d.failWith
	d.nextFail = 0
	d.instances = append(d.instances, inst)
	return inst, nil
}

func (d *stubDriver) Close() error { return nil }

type acceptRecovery struct{ calls int }

func (r *acceptRecovery) AttemptRecovery(int) bool { r.calls++; return true }

func newTestCamera(t *testing.T, driver *stubDriver, opts ...Option) *Camera {
	t.Helper()
	cfg := Config{CameraID: 0, Name: "stub", DefaultGain: 80, DefaultExposureUs: 10_000}
	opts = append([]Option{WithClock(newFakeClock())}, opts...)
	return New(cfg, driver, opts...)
}

func TestConnectAppliesDefaultsAndPopulatesInfo(t *testing.T) {
	driver := &stubDriver{}
	cam := newTestCamera(t, driver)

	info, err := cam.Connect()
	require.NoError(t, err)
	assert.Equal(t, "stub", info.Name)
	assert.Equal(t, 64, info.MaxWidth)
	assert.True(t, cam.IsConnected())

	inst := driver.instances[0]
	assert.Contains(t, inst.setCalls, "Gain=80")
	assert.Contains(t, inst.setCalls, "Exposure=10000")
}

func TestConnectTwiceFails(t *testing.T) {
	cam := newTestCamera(t, &stubDriver{})
	_, err := cam.Connect()
	require.NoError(t, err)
	_, err = cam.Connect()
	assert.ErrorIs(t, err, device.ErrAlreadyConnected)
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	driver := &stubDriver{openErr: fmt.Errorf("usb: %w", device.ErrDriver)}
	cam := newTestCamera(t, driver)
	_, err := cam.Connect()
	require.Error(t, err)
	assert.False(t, cam.IsConnected())
	assert.Nil(t, cam.Info())
}

func TestDisconnectIdempotent(t *testing.T) {
	cam := newTestCamera(t, &stubDriver{})
	_, err := cam.Connect()
	require.NoError(t, err)
	cam.Disconnect()
	cam.Disconnect()
	assert.False(t, cam.IsConnected())
}

func TestCaptureWithoutOverlayReturnsDriverBytes(t *testing.T) {
	driver := &stubDriver{}
	cam := newTestCamera(t, driver)
	_, err := cam.Connect()
	require.NoError(t, err)

	result, err := cam.Capture(&CaptureOptions{ApplyOverlay: false, Format: FormatJPEG})
	require.NoError(t, err)
	assert.False(t, result.HasOverlay)
	assert.Equal(t, driver.instances[0].image, result.Image)
}

func TestCaptureAppliesOverlayWhenEnabled(t *testing.T) {
	driver := &stubDriver{}
	rendered := []byte{0xff, 0xd8, 0xaa}
	renderer := renderFunc(func(result CaptureResult, cfg OverlayConfig) (CaptureResult, error) {
		result.Image = rendered
		return result, nil
	})
	cam := newTestCamera(t, driver, WithRenderer(renderer))
	_, err := cam.Connect()
	require.NoError(t, err)
	cam.SetOverlay(&OverlayConfig{Enabled: true, Type: OverlayCrosshair})

	result, err := cam.Capture(nil)
	require.NoError(t, err)
	assert.True(t, result.HasOverlay)
	assert.Equal(t, "crosshair", result.Metadata["overlay_type"])
	assert.Equal(t, rendered, result.Image)
}

func TestCaptureDisabledOverlayStaysPlain(t *testing.T) {
	cam := newTestCamera(t, &stubDriver{})
	_, err := cam.Connect()
	require.NoError(t, err)
	cam.SetOverlay(&OverlayConfig{Enabled: false, Type: OverlayGrid})

	result, err := cam.Capture(nil)
	require.NoError(t, err)
	assert.False(t, result.HasOverlay)
	assert.NotContains(t, result.Metadata, "overlay_type")
}

type renderFunc func(CaptureResult, OverlayConfig) (CaptureResult, error)

func (f renderFunc) Render(result CaptureResult, cfg OverlayConfig) (CaptureResult, error) {
	return f(result, cfg)
}

func TestCaptureAppliesSettingsOnlyOnChange(t *testing.T) {
	driver := &stubDriver{}
	cam := newTestCamera(t, driver)
	_, err := cam.Connect()
	require.NoError(t, err)
	inst := driver.instances[0]
	applied := len(inst.setCalls)

	// Same as the connect defaults: no driver writes.
	_, err = cam.Capture(nil)
	require.NoError(t, err)
	assert.Len(t, inst.setCalls, applied)

	exposure := 25_000
	_, err = cam.Capture(&CaptureOptions{ExposureUs: &exposure, Format: FormatJPEG})
	require.NoError(t, err)
	assert.Contains(t, inst.setCalls, "Exposure=25000")
}

func TestRecoverySuccessAnnotatesResult(t *testing.T) {
	driver := &stubDriver{}
	recovery := &acceptRecovery{}
	cam := newTestCamera(t, driver, WithRecovery(recovery))
	_, err := cam.Connect()
	require.NoError(t, err)

	driver.instances[0].failNext = 1
	driver.instances[0].failWith = fmt.Errorf("usb gone: %w", device.ErrDriver)

	result, err := cam.Capture(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, recovery.calls)
	assert.Equal(t, true, result.Metadata["recovered"])
	assert.Equal(t, "driver_error", result.Metadata["recovered_from_error"])
	assert.Len(t, driver.instances, 2)
}

func TestRecoveryDeclinedRaisesDisconnected(t *testing.T) {
	driver := &stubDriver{}
	var seen error
	cam := newTestCamera(t, driver, WithHooks(Hooks{OnError: func(err error) { seen = err }}))
	_, err := cam.Connect()
	require.NoError(t, err)

	original := fmt.Errorf("usb gone: %w", device.ErrDriver)
	driver.instances[0].failNext = 1
	driver.instances[0].failWith = original

	_, err = cam.Capture(nil)
	assert.ErrorIs(t, err, device.ErrDisconnected)
	assert.ErrorIs(t, err, device.ErrDriver) // original chained
	assert.False(t, cam.IsConnected())
	assert.Equal(t, original, seen)
}

func TestRecoveryReconnectFailureRaisesDisconnected(t *testing.T) {
	driver := &stubDriver{}
	cam := newTestCamera(t, driver, WithRecovery(&acceptRecovery{}))
	_, err := cam.Connect()
	require.NoError(t, err)

	driver.instances[0].failNext = 1
	driver.instances[0].failWith = errors.New("usb gone")
	driver.mu.Lock()
	driver.openErr = fmt.Errorf("still gone: %w", device.ErrDriver)
	driver.mu.Unlock()

	_, err = cam.Capture(nil)
	assert.ErrorIs(t, err, device.ErrDisconnected)
	assert.False(t, cam.IsConnected())
}

func TestSetControlRejectedWhenDisconnected(t *testing.T) {
	cam := newTestCamera(t, &stubDriver{})
	err := cam.SetControl("Gain", 10)
	assert.ErrorIs(t, err, device.ErrNotConnected)
	_, err = cam.Control("Gain")
	assert.ErrorIs(t, err, device.ErrNotConnected)
}

func TestStreamSequencesAndStops(t *testing.T) {
	driver := &stubDriver{}
	cam := newTestCamera(t, driver)
	_, err := cam.Connect()
	require.NoError(t, err)

	var frames []StreamFrame
	err = cam.Stream(context.Background(), nil, 30, func(frame StreamFrame) bool {
		frames = append(frames, frame)
		if len(frames) == 5 {
			cam.StopStream()
		}
		return true
	})
	require.NoError(t, err)
	require.Len(t, frames, 5)
	for i, frame := range frames {
		assert.Equal(t, uint64(i), frame.Sequence)
		if i > 0 {
			assert.False(t, frame.Timestamp.Before(frames[i-1].Timestamp))
		}
	}
	assert.False(t, cam.IsStreaming())
	// Stopping again is safe.
	cam.StopStream()
}

func TestStreamRejectsSecondStream(t *testing.T) {
	cam := newTestCamera(t, &stubDriver{})
	_, err := cam.Connect()
	require.NoError(t, err)
	require.True(t, cam.BeginStreaming())
	defer cam.EndStreaming()

	err = cam.Stream(context.Background(), nil, 10, func(StreamFrame) bool { return false })
	assert.Error(t, err)
}

func TestCaptureRawNeverAppliesOverlay(t *testing.T) {
	cam := newTestCamera(t, &stubDriver{})
	_, err := cam.Connect()
	require.NoError(t, err)
	cam.SetOverlay(&OverlayConfig{Enabled: true, Type: OverlayGrid})

	result, err := cam.CaptureRaw(nil, nil)
	require.NoError(t, err)
	assert.False(t, result.HasOverlay)
}
