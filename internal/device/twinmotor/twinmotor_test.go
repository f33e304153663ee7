package twinmotor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgrandau/telescope-mcp/internal/device"
)

func openTwin(t *testing.T, cfg Config) device.MotorInstance {
	t.Helper()
	inst, err := New(cfg).Open(0)
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close() })
	return inst
}

func TestMoveRejectsOutOfRangeTarget(t *testing.T) {
	inst := openTwin(t, Config{AltitudeMinSteps: -93333, AltitudeMaxSteps: 4667})

	err := inst.Move(device.Altitude, 10_000, 100)
	assert.ErrorIs(t, err, device.ErrRange)

	status, err := inst.Status(device.Altitude)
	require.NoError(t, err)
	assert.Equal(t, 0, status.PositionSteps)
	assert.False(t, status.Moving)
}

func TestMoveRejectsBadSpeed(t *testing.T) {
	inst := openTwin(t, Config{})
	assert.ErrorIs(t, inst.Move(device.Altitude, 100, 0), device.ErrRange)
	assert.ErrorIs(t, inst.Move(device.Altitude, 100, 101), device.ErrRange)
}

func TestMoveCompletesInstantlyWithoutTiming(t *testing.T) {
	inst := openTwin(t, Config{})
	require.NoError(t, inst.Move(device.Altitude, 1000, 100))
	status, err := inst.Status(device.Altitude)
	require.NoError(t, err)
	assert.Equal(t, 1000, status.PositionSteps)
}

func TestStopPreemptsMoveLeavingPositionUnchanged(t *testing.T) {
	inst := openTwin(t, Config{SimulateTiming: true})

	done := make(chan error, 1)
	go func() {
		// A long slew: thousands of steps at low speed takes many seconds.
		done <- inst.Move(device.Altitude, -50_000, 1)
	}()

	// Wait until the move is actually in flight before stopping it.
	require.Eventually(t, func() bool {
		status, err := inst.Status(device.Altitude)
		return err == nil && status.Moving
	}, time.Second, time.Millisecond)

	require.NoError(t, inst.Stop(device.Altitude))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("move did not return promptly after stop")
	}

	status, err := inst.Status(device.Altitude)
	require.NoError(t, err)
	assert.Equal(t, 0, status.PositionSteps)
	assert.False(t, status.Moving)
	assert.Equal(t, 0, status.Speed)
	assert.Nil(t, status.TargetSteps)
}

func TestMoveUntilStallClampsAtLimit(t *testing.T) {
	inst := openTwin(t, Config{AltitudeMinSteps: -1000, AltitudeMaxSteps: 450})

	final, err := inst.MoveUntilStall(device.Altitude, 1, 50, 100)
	require.NoError(t, err)
	assert.Equal(t, 450, final)

	status, err := inst.Status(device.Altitude)
	require.NoError(t, err)
	assert.True(t, status.Stalled)
	assert.Equal(t, device.LimitMax, status.AtLimit)

	final, err = inst.MoveUntilStall(device.Altitude, -1, 50, 100)
	require.NoError(t, err)
	assert.Equal(t, -1000, final)
}

func TestMoveUntilStallRejectsZeroDirection(t *testing.T) {
	inst := openTwin(t, Config{})
	_, err := inst.MoveUntilStall(device.Altitude, 0, 20, 100)
	assert.ErrorIs(t, err, device.ErrRange)
}

func TestZeroPositionClearsStall(t *testing.T) {
	inst := openTwin(t, Config{AltitudeMinSteps: -200, AltitudeMaxSteps: 200})
	_, err := inst.MoveUntilStall(device.Altitude, 1, 50, 100)
	require.NoError(t, err)

	require.NoError(t, inst.ZeroPosition(device.Altitude))
	status, err := inst.Status(device.Altitude)
	require.NoError(t, err)
	assert.Equal(t, 0, status.PositionSteps)
	assert.False(t, status.Stalled)
}

func TestSetPositionValidatesLimits(t *testing.T) {
	inst := openTwin(t, Config{AzimuthMinSteps: 0, AzimuthMaxSteps: 100})
	assert.ErrorIs(t, inst.SetPosition(device.Azimuth, 101), device.ErrRange)
	require.NoError(t, inst.SetPosition(device.Azimuth, 100))
	status, err := inst.Status(device.Azimuth)
	require.NoError(t, err)
	assert.Equal(t, device.LimitMax, status.AtLimit)
}

func TestHomeAllReturnsBothAxesHome(t *testing.T) {
	inst := openTwin(t, Config{
		AltitudeMinSteps: -1000, AltitudeMaxSteps: 1000,
		AzimuthMinSteps: 0, AzimuthMaxSteps: 2000,
		AltitudeHomeSteps: 100, AzimuthHomeSteps: 200,
	})
	require.NoError(t, inst.SetPosition(device.Altitude, -500))
	require.NoError(t, inst.SetPosition(device.Azimuth, 1500))

	require.NoError(t, inst.HomeAll())

	alt, err := inst.Status(device.Altitude)
	require.NoError(t, err)
	az, err := inst.Status(device.Azimuth)
	require.NoError(t, err)
	assert.Equal(t, 100, alt.PositionSteps)
	assert.Equal(t, 200, az.PositionSteps)
}

func TestOpenTwiceFails(t *testing.T) {
	driver := New(Config{})
	inst, err := driver.Open(0)
	require.NoError(t, err)
	defer inst.Close()
	_, err = driver.Open(0)
	assert.ErrorIs(t, err, device.ErrAlreadyConnected)
}

func TestStopIsIdempotent(t *testing.T) {
	inst := openTwin(t, Config{})
	require.NoError(t, inst.Stop(device.Altitude))
	require.NoError(t, inst.Stop(device.Altitude))
	require.NoError(t, inst.StopAll())
	require.NoError(t, inst.StopAll())
}
