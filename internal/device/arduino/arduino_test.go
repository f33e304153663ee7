package arduino

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newParserInstance() *Instance {
	return &Instance{
		port:     "test",
		tiltM:    1,
		altScale: 1,
		azScale:  1,
	}
}

func TestParseFullFormat(t *testing.T) {
	inst := newParserInstance()
	ok := inst.parseLine("0.50\t0.00\t0.87\t30.0\t0.0\t40.0\t22.5\t55.0\r\n")
	require.True(t, ok)

	assert.InDelta(t, 0.50, inst.accel.X, 1e-9)
	assert.InDelta(t, 0.00, inst.accel.Y, 1e-9)
	assert.InDelta(t, 0.87, inst.accel.Z, 1e-9)
	assert.InDelta(t, 30.0, inst.mag.X, 1e-9)
	assert.InDelta(t, 22.5, inst.temp, 1e-9)
	assert.InDelta(t, 55.0, inst.humidity, 1e-9)
	assert.False(t, inst.lastUpdate.IsZero())
}

func TestParseLegacyFormatSwapsAxes(t *testing.T) {
	inst := newParserInstance()
	// Legacy order: aX aZ aY mX mZ mY.
	ok := inst.parseLine("0.1\t0.9\t0.2\t10\t20\t30")
	require.True(t, ok)

	assert.InDelta(t, 0.1, inst.accel.X, 1e-9)
	assert.InDelta(t, 0.2, inst.accel.Y, 1e-9)
	assert.InDelta(t, 0.9, inst.accel.Z, 1e-9)
	assert.InDelta(t, 10.0, inst.mag.X, 1e-9)
	assert.InDelta(t, 30.0, inst.mag.Y, 1e-9)
	assert.InDelta(t, 20.0, inst.mag.Z, 1e-9)
}

func TestParseSkipsCommandResponses(t *testing.T) {
	inst := newParserInstance()
	for _, line := range []string{
		"INFO: booting",
		"OK: CALIBRATE complete",
		"ERROR: bad command",
		"CMD: STATUS",
		"=== IMU Status ===",
		"--- end ---",
		"",
	} {
		assert.False(t, inst.parseLine(line), "line %q should not parse as data", line)
	}
	assert.Nil(t, inst.accel)
	// Non-data lines are retained for STATUS banner parsing.
	assert.NotEmpty(t, inst.infoLines)
}

func TestParseRejectsMalformedLines(t *testing.T) {
	inst := newParserInstance()
	assert.False(t, inst.parseLine("1\t2\t3"))              // wrong field count
	assert.False(t, inst.parseLine("a\tb\tc\td\te\tf"))     // not numeric
	assert.False(t, inst.parseLine("1 2 3 4 5 6 7 8"))      // not tab separated
	assert.Nil(t, inst.accel)
}

func TestAltitudeFromTilt(t *testing.T) {
	inst := newParserInstance()
	require.True(t, inst.parseLine("0.50\t0.00\t0.87\t30.0\t0.0\t40.0\t22.5\t55.0"))

	alt := inst.altitudeLocked()
	// atan(0.5/0.87) is roughly 30 degrees.
	assert.Greater(t, alt, 25.0)
	assert.Less(t, alt, 35.0)
}

func TestAltitudeZeroWhenFlat(t *testing.T) {
	inst := newParserInstance()
	require.True(t, inst.parseLine("0.5\t0.0\t0.0\t30.0\t0.0\t40.0\t22.5\t55.0"))
	assert.Zero(t, inst.altitudeLocked())
}

func TestAzimuthFromMagnetometer(t *testing.T) {
	inst := newParserInstance()
	require.True(t, inst.parseLine("0.0\t0.0\t1.0\t30.0\t0.0\t40.0\t22.5\t55.0"))
	// mY=0, mX>0: magnetic north.
	assert.InDelta(t, 0.0, inst.azimuthLocked(), 1e-9)

	require.True(t, inst.parseLine("0.0\t0.0\t1.0\t0.0\t30.0\t40.0\t22.5\t55.0"))
	// mY>0, mX=0: east.
	assert.InDelta(t, 90.0, inst.azimuthLocked(), 1e-9)
}

func TestAzimuthNormalizedToFullCircle(t *testing.T) {
	inst := newParserInstance()
	require.True(t, inst.parseLine("0.0\t0.0\t1.0\t0.0\t-30.0\t40.0\t22.5\t55.0"))
	// mY<0, mX=0: west.
	assert.InDelta(t, 270.0, inst.azimuthLocked(), 1e-9)
}

func TestCalibrateComputesAdditiveOffsets(t *testing.T) {
	inst := newParserInstance()
	require.True(t, inst.parseLine("0.50\t0.00\t0.87\t30.0\t0.0\t40.0\t22.5\t55.0"))

	before := inst.altitudeLocked()
	require.NoError(t, inst.Calibrate(45, 120))
	assert.InDelta(t, 45.0, inst.altitudeLocked(), 1e-9)
	assert.InDelta(t, 120.0, inst.azimuthLocked(), 1e-9)
	assert.NotEqual(t, before, inst.altitudeLocked())
}

func TestCalibrateValidatesInput(t *testing.T) {
	inst := newParserInstance()
	assert.Error(t, inst.Calibrate(-1, 100))
	assert.Error(t, inst.Calibrate(91, 100))
	assert.Error(t, inst.Calibrate(45, 360))
}

func TestTiltCalibrationAppliesLinearCorrection(t *testing.T) {
	inst := newParserInstance()
	require.True(t, inst.parseLine("0.50\t0.00\t0.87\t30.0\t0.0\t40.0\t22.5\t55.0"))

	raw := inst.altitudeLocked()
	inst.SetTiltCalibration(1.1, 2.0)
	assert.InDelta(t, 1.1*raw+2.0, inst.altitudeLocked(), 1e-9)
}

func TestSampleRateNeedsEnoughSamples(t *testing.T) {
	inst := newParserInstance()
	require.True(t, inst.parseLine("0\t0\t1\t1\t0\t0\t20\t50"))
	_, err := inst.SampleRate()
	assert.Error(t, err)
}
