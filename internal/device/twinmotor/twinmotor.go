// Package twinmotor simulates the two-axis stepper controller. Motion
// timing follows the trapezoidal velocity profile of the real driver board;
// a stop signal preempts a blocking move without moving the simulated
// position.
package twinmotor

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mgrandau/telescope-mcp/internal/device"
)

// Hardware constants of the mount this twin mirrors. Position 0 on the
// altitude axis is the zenith; negative steps point toward the horizon.
var (
	AltitudeStepsPerDegree = 140000.0 / 90.0
	AzimuthStepsPerDegree  = 110000.0 / 135.0
)

// Config for the twin. Zero values take the mount defaults.
type Config struct {
	AltitudeMinSteps int
	AltitudeMaxSteps int
	AzimuthMinSteps  int
	AzimuthMaxSteps  int

	AltitudeHomeSteps int
	AzimuthHomeSteps  int

	// Slew speed in microsteps/second at speed=100, and seconds to ramp to
	// full velocity.
	AltitudeSlewSpeed float64
	AltitudeAccelTime float64
	AzimuthSlewSpeed  float64
	AzimuthAccelTime  float64

	// SimulateTiming makes moves take realistic wall time. Off, moves
	// complete immediately (the mode tests use).
	SimulateTiming bool
}

// DefaultConfig matches the burned-in stepper settings of the real mount.
func DefaultConfig() Config {
	return Config{
		AltitudeMinSteps:  int(-60 * AltitudeStepsPerDegree),
		AltitudeMaxSteps:  int(3 * AltitudeStepsPerDegree),
		AzimuthMinSteps:   0,
		AzimuthMaxSteps:   int(190 * AzimuthStepsPerDegree),
		AltitudeSlewSpeed: 1200.0,
		AltitudeAccelTime: 0.2,
		AzimuthSlewSpeed:  1100.0,
		AzimuthAccelTime:  0.1,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.AltitudeMinSteps == 0 && c.AltitudeMaxSteps == 0 {
		c.AltitudeMinSteps, c.AltitudeMaxSteps = d.AltitudeMinSteps, d.AltitudeMaxSteps
	}
	if c.AzimuthMinSteps == 0 && c.AzimuthMaxSteps == 0 {
		c.AzimuthMinSteps, c.AzimuthMaxSteps = d.AzimuthMinSteps, d.AzimuthMaxSteps
	}
	if c.AltitudeSlewSpeed == 0 {
		c.AltitudeSlewSpeed = d.AltitudeSlewSpeed
	}
	if c.AltitudeAccelTime == 0 {
		c.AltitudeAccelTime = d.AltitudeAccelTime
	}
	if c.AzimuthSlewSpeed == 0 {
		c.AzimuthSlewSpeed = d.AzimuthSlewSpeed
	}
	if c.AzimuthAccelTime == 0 {
		c.AzimuthAccelTime = d.AzimuthAccelTime
	}
}

// Driver opens at most one twin controller.
type Driver struct {
	mu       sync.Mutex
	config   Config
	instance *Instance
}

func New(config Config) *Driver {
	config.normalize()
	return &Driver{config: config}
}

func (d *Driver) Discover() ([]device.Description, error) {
	return []device.Description{{
		ID:          0,
		Type:        "motor",
		Name:        "Twin Mount Controller",
		Description: "digital twin two-axis stepper controller",
	}}, nil
}

func (d *Driver) Open(id int) (device.MotorInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id != 0 {
		return nil, fmt.Errorf("motor controller %d: %w", id, device.ErrNotFound)
	}
	if d.instance != nil {
		return nil, fmt.Errorf("motor controller already open: %w", device.ErrAlreadyConnected)
	}
	inst := &Instance{driver: d, config: d.config}
	d.instance = inst
	return inst, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	inst := d.instance
	d.mu.Unlock()
	if inst != nil {
		return inst.Close()
	}
	return nil
}

type axisState struct {
	position int
	moving   bool
	speed    int
	target   *int
	stalled  bool
	stop     chan struct{} // non-nil while a move is in flight
}

// Instance is one opened twin controller.
type Instance struct {
	driver *Driver
	config Config

	mu     sync.Mutex
	closed bool
	alt    axisState
	az     axisState
}

func (i *Instance) axis(a device.Axis) *axisState {
	if a == device.Azimuth {
		return &i.az
	}
	return &i.alt
}

func (i *Instance) limits(a device.Axis) (int, int) {
	if a == device.Azimuth {
		return i.config.AzimuthMinSteps, i.config.AzimuthMaxSteps
	}
	return i.config.AltitudeMinSteps, i.config.AltitudeMaxSteps
}

func (i *Instance) home(a device.Axis) int {
	if a == device.Azimuth {
		return i.config.AzimuthHomeSteps
	}
	return i.config.AltitudeHomeSteps
}

func (i *Instance) Info() (device.MotorInfo, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.MotorInfo{}, device.ErrNotConnected
	}
	return device.MotorInfo{Name: "Twin Mount Controller", Axes: 2}, nil
}

// moveTime computes the trapezoidal (or triangular, for short moves) slew
// duration for a distance in steps.
func (i *Instance) moveTime(a device.Axis, steps, speed int) time.Duration {
	maxSpeed, accel := i.config.AltitudeSlewSpeed, i.config.AltitudeAccelTime
	if a == device.Azimuth {
		maxSpeed, accel = i.config.AzimuthSlewSpeed, i.config.AzimuthAccelTime
	}
	d := math.Abs(float64(steps))
	if d == 0 {
		return 0
	}
	v := maxSpeed * float64(speed) / 100.0
	accelDist := v * accel / 2.0
	var seconds float64
	if d < 2*accelDist {
		seconds = 2 * math.Sqrt(d/v)
	} else {
		seconds = 2*accel + (d-2*accelDist)/v
	}
	return time.Duration(seconds * float64(time.Second))
}

func (i *Instance) Move(axis device.Axis, targetSteps, speed int) error {
	if speed < 1 || speed > 100 {
		return fmt.Errorf("speed %d outside [1,100]: %w", speed, device.ErrRange)
	}
	min, max := i.limits(axis)
	if targetSteps < min || targetSteps > max {
		return fmt.Errorf("%s target %d outside [%d,%d]: %w",
			axis, targetSteps, min, max, device.ErrRange)
	}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return device.ErrNotConnected
	}
	st := i.axis(axis)
	if st.moving {
		i.mu.Unlock()
		return fmt.Errorf("%s axis busy: %w", axis, device.ErrDriver)
	}
	delta := targetSteps - st.position
	target := targetSteps
	st.moving = true
	st.speed = speed
	st.target = &target
	stop := make(chan struct{})
	st.stop = stop
	duration := i.moveTime(axis, delta, speed)
	simulate := i.config.SimulateTiming
	i.mu.Unlock()

	// The wait happens outside the lock so Stop can always preempt.
	completed := true
	if simulate && duration > 0 {
		timer := time.NewTimer(duration)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			completed = false
		}
	} else {
		select {
		case <-stop:
			completed = false
		default:
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if st.stop != stop {
		// Stop already cleared the motion state; position stays put.
		return nil
	}
	if completed {
		st.position = targetSteps
	}
	st.moving = false
	st.speed = 0
	st.target = nil
	st.stop = nil
	return nil
}

func (i *Instance) MoveRelative(axis device.Axis, deltaSteps, speed int) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return device.ErrNotConnected
	}
	target := i.axis(axis).position + deltaSteps
	i.mu.Unlock()
	return i.Move(axis, target, speed)
}

func (i *Instance) MoveUntilStall(axis device.Axis, direction, speed, stepSize int) (int, error) {
	if direction == 0 {
		return 0, fmt.Errorf("direction must be non-zero: %w", device.ErrRange)
	}
	if speed == 0 {
		speed = 20
	}
	if stepSize == 0 {
		stepSize = 100
	}
	sign := 1
	if direction < 0 {
		sign = -1
	}
	min, max := i.limits(axis)
	for {
		i.mu.Lock()
		if i.closed {
			i.mu.Unlock()
			return 0, device.ErrNotConnected
		}
		st := i.axis(axis)
		pos := st.position
		next := pos + sign*stepSize
		if next < min || next > max {
			// The real board detects this as a stall (missed steps against
			// the end stop); the twin clamps at the soft limit.
			if sign > 0 {
				st.position = max
			} else {
				st.position = min
			}
			st.stalled = true
			clamped := st.position
			i.mu.Unlock()
			return clamped, nil
		}
		i.mu.Unlock()
		if err := i.Move(axis, next, speed); err != nil {
			return pos, err
		}
		i.mu.Lock()
		moved := i.axis(axis).position
		i.mu.Unlock()
		if moved == pos {
			// A stop preempted the step; report where we are, no stall.
			return moved, nil
		}
	}
}

func (i *Instance) stopAxis(st *axisState) {
	ch := st.stop
	st.stop = nil
	st.moving = false
	st.speed = 0
	st.target = nil
	if ch != nil {
		close(ch)
	}
}

func (i *Instance) Stop(axis device.Axis) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.ErrNotConnected
	}
	i.stopAxis(i.axis(axis))
	return nil
}

func (i *Instance) StopAll() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.ErrNotConnected
	}
	i.stopAxis(&i.alt)
	i.stopAxis(&i.az)
	return nil
}

func (i *Instance) Status(axis device.Axis) (device.MotorStatus, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.MotorStatus{}, device.ErrNotConnected
	}
	st := i.axis(axis)
	var target *int
	if st.target != nil {
		t := *st.target
		target = &t
	}
	return device.MotorStatus{
		Axis:          axis,
		Motor:         axis.String(),
		Moving:        st.moving,
		PositionSteps: st.position,
		Speed:         st.speed,
		TargetSteps:   target,
		Stalled:       st.stalled,
		AtLimit:       i.atLimitLocked(axis),
	}, nil
}

func (i *Instance) atLimitLocked(axis device.Axis) device.Limit {
	min, max := i.limits(axis)
	switch pos := i.axis(axis).position; {
	case pos <= min:
		return device.LimitMin
	case pos >= max:
		return device.LimitMax
	default:
		return device.LimitNone
	}
}

func (i *Instance) AtLimit(axis device.Axis) (device.Limit, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.LimitNone, device.ErrNotConnected
	}
	return i.atLimitLocked(axis), nil
}

func (i *Instance) Home(axis device.Axis) error {
	return i.Move(axis, i.home(axis), 100)
}

func (i *Instance) HomeAll() error {
	if err := i.Home(device.Altitude); err != nil {
		return err
	}
	return i.Home(device.Azimuth)
}

func (i *Instance) ZeroPosition(axis device.Axis) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.ErrNotConnected
	}
	st := i.axis(axis)
	st.position = 0
	st.stalled = false
	return nil
}

func (i *Instance) SetPosition(axis device.Axis, steps int) error {
	min, max := i.limits(axis)
	if steps < min || steps > max {
		return fmt.Errorf("%s position %d outside [%d,%d]: %w",
			axis, steps, min, max, device.ErrRange)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.ErrNotConnected
	}
	i.axis(axis).position = steps
	return nil
}

func (i *Instance) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.stopAxis(&i.alt)
	i.stopAxis(&i.az)
	i.closed = true
	i.mu.Unlock()

	i.driver.mu.Lock()
	if i.driver.instance == i {
		i.driver.instance = nil
	}
	i.driver.mu.Unlock()
	return nil
}
