package sensor

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgrandau/telescope-mcp/internal/device"
	"github.com/mgrandau/telescope-mcp/internal/device/twinsensor"
)

func connectScripted(t *testing.T, samples ...twinsensor.Sample) *Sensor {
	t.Helper()
	s := New(twinsensor.New(twinsensor.Config{Script: samples}), nil)
	require.NoError(t, s.Connect())
	t.Cleanup(s.Disconnect)
	return s
}

func TestConnectTwiceFails(t *testing.T) {
	s := connectScripted(t, twinsensor.Sample{AltitudeDeg: 45})
	assert.ErrorIs(t, s.Connect(), device.ErrAlreadyConnected)
}

func TestDisconnectIdempotent(t *testing.T) {
	s := connectScripted(t, twinsensor.Sample{AltitudeDeg: 45})
	s.Disconnect()
	s.Disconnect()
	assert.False(t, s.IsConnected())
}

func TestReadSingleSample(t *testing.T) {
	s := connectScripted(t, twinsensor.Sample{
		AltitudeDeg: 42, AzimuthDeg: 123, TemperatureC: 18, HumidityPct: 55,
	})
	reading, err := s.Read(1)
	require.NoError(t, err)
	assert.InDelta(t, 42, reading.AltitudeDeg, 1e-9)
	assert.InDelta(t, 123, reading.AzimuthDeg, 1e-6)
	assert.InDelta(t, 18, reading.TemperatureC, 1e-9)
	assert.NotEmpty(t, reading.RawValues)
}

func TestReadAveragesLinearFields(t *testing.T) {
	s := connectScripted(t,
		twinsensor.Sample{AltitudeDeg: 40, AzimuthDeg: 100, TemperatureC: 10, HumidityPct: 40},
		twinsensor.Sample{AltitudeDeg: 50, AzimuthDeg: 110, TemperatureC: 20, HumidityPct: 60},
	)
	reading, err := s.Read(2)
	require.NoError(t, err)
	assert.InDelta(t, 45, reading.AltitudeDeg, 1e-6)
	assert.InDelta(t, 105, reading.AzimuthDeg, 1e-6)
	assert.InDelta(t, 15, reading.TemperatureC, 1e-6)
	assert.InDelta(t, 50, reading.HumidityPct, 1e-6)
}

func TestAzimuthCircularMeanAcrossWraparound(t *testing.T) {
	s := connectScripted(t,
		twinsensor.Sample{AltitudeDeg: 45, AzimuthDeg: 350},
		twinsensor.Sample{AltitudeDeg: 45, AzimuthDeg: 10},
	)
	reading, err := s.Read(2)
	require.NoError(t, err)
	inShortArc := (reading.AzimuthDeg > 355 && reading.AzimuthDeg < 360) ||
		(reading.AzimuthDeg >= 0 && reading.AzimuthDeg < 5)
	assert.True(t, inShortArc, "averaged azimuth %.2f not inside the short arc", reading.AzimuthDeg)
}

func TestReadValidation(t *testing.T) {
	s := connectScripted(t, twinsensor.Sample{AltitudeDeg: 45})
	_, err := s.Read(0)
	assert.ErrorIs(t, err, device.ErrRange)
	_, err = s.ReadFor(0)
	assert.ErrorIs(t, err, device.ErrRange)
}

func TestReadWhenDisconnected(t *testing.T) {
	s := New(twinsensor.New(twinsensor.Config{}), nil)
	_, err := s.Read(1)
	assert.ErrorIs(t, err, device.ErrNotConnected)
	_, err = s.ReadFor(100)
	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.ErrorIs(t, s.Calibrate(45, 180), device.ErrNotConnected)
}

func TestReadForConvertsDurationToSamples(t *testing.T) {
	// 10 Hz: 500 ms rounds to 5 samples; average of the cycled script.
	s := connectScripted(t,
		twinsensor.Sample{AltitudeDeg: 40, AzimuthDeg: 100},
		twinsensor.Sample{AltitudeDeg: 50, AzimuthDeg: 100},
	)
	require.InDelta(t, 10, s.SampleRate(), 1e-9)
	reading, err := s.ReadFor(500)
	require.NoError(t, err)
	// 5 samples cycling 40,50,40,50,40 = 44.
	assert.InDelta(t, 44, reading.AltitudeDeg, 1e-6)
}

func TestSampleRateFallsBackToStatusBanner(t *testing.T) {
	driver := twinsensor.New(twinsensor.Config{
		SampleRateHz:    25,
		RateUnavailable: true,
		Script:          []twinsensor.Sample{{AltitudeDeg: 45}},
	})
	s := New(driver, nil)
	require.NoError(t, s.Connect())
	defer s.Disconnect()
	assert.InDelta(t, 25, s.SampleRate(), 1e-9)
}

func TestCalibrateValidatesRanges(t *testing.T) {
	s := connectScripted(t, twinsensor.Sample{AltitudeDeg: 45, AzimuthDeg: 100})
	assert.ErrorIs(t, s.Calibrate(-1, 100), device.ErrRange)
	assert.ErrorIs(t, s.Calibrate(91, 100), device.ErrRange)
	assert.ErrorIs(t, s.Calibrate(45, 360), device.ErrRange)
	assert.NoError(t, s.Calibrate(45, 359.9))
}

func TestCalibrationOffsetsAreAdditiveAndResettable(t *testing.T) {
	s := connectScripted(t, twinsensor.Sample{AltitudeDeg: 40, AzimuthDeg: 100})
	require.NoError(t, s.Calibrate(45, 110))

	reading, err := s.Read(1)
	require.NoError(t, err)
	assert.InDelta(t, 45, reading.AltitudeDeg, 1e-6)
	assert.InDelta(t, 110, reading.AzimuthDeg, 1e-6)

	require.NoError(t, s.Reset())
	reading, err = s.Read(1)
	require.NoError(t, err)
	assert.InDelta(t, 40, reading.AltitudeDeg, 1e-6)
	assert.InDelta(t, 100, reading.AzimuthDeg, 1e-6)
}

func TestStatusMergesDriverFailure(t *testing.T) {
	s := New(&failingStatusDriver{}, nil)
	require.NoError(t, s.Connect())
	defer s.Disconnect()

	status := s.Status()
	assert.Equal(t, true, status["connected"])
	assert.Contains(t, status, "status_error")
}

func TestAveragedTimestampIsLastSamples(t *testing.T) {
	s := connectScripted(t,
		twinsensor.Sample{AltitudeDeg: 40},
		twinsensor.Sample{AltitudeDeg: 50},
	)
	before := time.Now().UTC()
	reading, err := s.Read(3)
	require.NoError(t, err)
	assert.False(t, reading.Timestamp.Before(before))
}

// failingStatusDriver reports a status error while otherwise behaving.
type failingStatusDriver struct {
	inst *failingStatusInstance
}

func (d *failingStatusDriver) Discover() ([]device.Description, error) { return nil, nil }

func (d *failingStatusDriver) Open(id int) (device.SensorInstance, error) {
	if d.inst != nil {
		return nil, fmt.Errorf("sensor already open: %w", device.ErrAlreadyConnected)
	}
	d.inst = &failingStatusInstance{}
	return d.inst, nil
}

func (d *failingStatusDriver) Close() error { return nil }

type failingStatusInstance struct{}

func (i *failingStatusInstance) Info() (device.SensorInfo, error) {
	return device.SensorInfo{Name: "flaky"}, nil
}

func (i *failingStatusInstance) Status() (device.SensorStatus, error) {
	return device.SensorStatus{}, errors.New("status register unreadable")
}

func (i *failingStatusInstance) Read() (device.SensorReading, error) {
	return device.SensorReading{Timestamp: time.Now().UTC()}, nil
}

func (i *failingStatusInstance) SampleRate() (float64, error)           { return 10, nil }
func (i *failingStatusInstance) Calibrate(float64, float64) error       { return nil }
func (i *failingStatusInstance) CalibrateMagnetometer() (string, error) { return "", nil }
func (i *failingStatusInstance) Reset() error                           { return nil }
func (i *failingStatusInstance) Close() error                           { return nil }
