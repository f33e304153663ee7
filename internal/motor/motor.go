// Package motor provides the safe, limit-respecting, interruptible
// two-axis motion API over a motor driver.
package motor

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mgrandau/telescope-mcp/internal/device"
)

// Config carries the soft limits and motion constants per axis.
type Config struct {
	AltitudeMinSteps int `yaml:"altitude_min_steps"`
	AltitudeMaxSteps int `yaml:"altitude_max_steps"`
	AzimuthMinSteps  int `yaml:"azimuth_min_steps"`
	AzimuthMaxSteps  int `yaml:"azimuth_max_steps"`

	AltitudeHomeSteps int `yaml:"altitude_home_steps"`
	AzimuthHomeSteps  int `yaml:"azimuth_home_steps"`

	AltitudeStepsPerDegree float64 `yaml:"altitude_steps_per_degree"`
	AzimuthStepsPerDegree  float64 `yaml:"azimuth_steps_per_degree"`
}

// ContinuousMove is the logical continuous-motion state set by the web
// "start" endpoints and cleared by Stop.
type ContinuousMove struct {
	Direction string `json:"direction"`
	Speed     int    `json:"speed"`
}

// Controller owns one motor-driver instance and all position state visible
// to callers.
type Controller struct {
	config Config
	driver device.MotorDriver
	logger *zap.Logger

	mu         sync.Mutex
	instance   device.MotorInstance
	continuous map[device.Axis]*ContinuousMove
}

func New(config Config, driver device.MotorDriver, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		config:     config,
		driver:     driver,
		logger:     logger.Named("motor"),
		continuous: make(map[device.Axis]*ContinuousMove),
	}
}

// Connect opens the driver instance.
func (c *Controller) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instance != nil {
		return fmt.Errorf("motor controller: %w", device.ErrAlreadyConnected)
	}
	inst, err := c.driver.Open(0)
	if err != nil {
		return fmt.Errorf("connect motor controller: %w", err)
	}
	c.instance = inst
	c.logger.Info("connected")
	return nil
}

// Disconnect stops all motion and closes the driver. Idempotent.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	inst := c.instance
	c.instance = nil
	c.continuous = make(map[device.Axis]*ContinuousMove)
	c.mu.Unlock()
	if inst == nil {
		return
	}
	if err := inst.StopAll(); err != nil {
		c.logger.Warn("stop on disconnect failed", zap.Error(err))
	}
	if err := inst.Close(); err != nil {
		c.logger.Warn("driver close failed", zap.Error(err))
	}
	c.logger.Info("disconnected")
}

func (c *Controller) inst() (device.MotorInstance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instance == nil {
		return nil, fmt.Errorf("motor controller: %w", device.ErrNotConnected)
	}
	return c.instance, nil
}

// Limits returns the soft limits for an axis.
func (c *Controller) Limits(axis device.Axis) (min, max int) {
	if axis == device.Azimuth {
		return c.config.AzimuthMinSteps, c.config.AzimuthMaxSteps
	}
	return c.config.AltitudeMinSteps, c.config.AltitudeMaxSteps
}

// StepsPerDegree for an axis.
func (c *Controller) StepsPerDegree(axis device.Axis) float64 {
	if axis == device.Azimuth {
		return c.config.AzimuthStepsPerDegree
	}
	return c.config.AltitudeStepsPerDegree
}

func (c *Controller) validate(axis device.Axis, targetSteps, speed int) error {
	if speed < 1 || speed > 100 {
		return fmt.Errorf("speed %d outside [1,100]: %w", speed, device.ErrRange)
	}
	min, max := c.Limits(axis)
	if targetSteps < min || targetSteps > max {
		return fmt.Errorf("%s target %d outside [%d,%d]: %w",
			axis, targetSteps, min, max, device.ErrRange)
	}
	return nil
}

// Move slews the axis to an absolute step target. Blocks until motion
// completes or Stop preempts it; a preempted move leaves the position at
// its pre-move value.
func (c *Controller) Move(axis device.Axis, targetSteps, speed int) error {
	if err := c.validate(axis, targetSteps, speed); err != nil {
		return err
	}
	inst, err := c.inst()
	if err != nil {
		return err
	}
	c.logger.Debug("move", zap.String("axis", axis.String()),
		zap.Int("target_steps", targetSteps), zap.Int("speed", speed))
	return inst.Move(axis, targetSteps, speed)
}

// MoveRelative slews by a step delta, rejecting targets outside the soft
// limits.
func (c *Controller) MoveRelative(axis device.Axis, deltaSteps, speed int) error {
	inst, err := c.inst()
	if err != nil {
		return err
	}
	status, err := inst.Status(axis)
	if err != nil {
		return err
	}
	return c.Move(axis, status.PositionSteps+deltaSteps, speed)
}

// Nudge converts (direction, degrees) to a relative move using the axis's
// steps-per-degree constant. Directions: up/down for altitude, cw/ccw (or
// right/left) for azimuth.
func (c *Controller) Nudge(axis device.Axis, direction string, degrees float64, speed int) error {
	sign, err := directionSign(axis, direction)
	if err != nil {
		return err
	}
	steps := int(math.Round(degrees * c.StepsPerDegree(axis)))
	return c.MoveRelative(axis, sign*steps, speed)
}

func directionSign(axis device.Axis, direction string) (int, error) {
	switch strings.ToLower(direction) {
	case "up":
		if axis == device.Altitude {
			return 1, nil
		}
	case "down":
		if axis == device.Altitude {
			return -1, nil
		}
	case "cw", "right":
		if axis == device.Azimuth {
			return 1, nil
		}
	case "ccw", "left":
		if axis == device.Azimuth {
			return -1, nil
		}
	}
	return 0, fmt.Errorf("direction %q invalid for %s: %w", direction, axis, device.ErrRange)
}

// StartContinuous begins motion toward the limit in the given direction
// and records the logical continuous-move state. The slew runs in the
// background until Stop, a limit, or an error.
func (c *Controller) StartContinuous(axis device.Axis, direction string, speed int) error {
	sign, err := directionSign(axis, direction)
	if err != nil {
		return err
	}
	if speed < 1 || speed > 100 {
		return fmt.Errorf("speed %d outside [1,100]: %w", speed, device.ErrRange)
	}
	inst, err := c.inst()
	if err != nil {
		return err
	}
	min, max := c.Limits(axis)
	target := max
	if sign < 0 {
		target = min
	}

	c.mu.Lock()
	c.continuous[axis] = &ContinuousMove{Direction: direction, Speed: speed}
	c.mu.Unlock()

	go func() {
		if err := inst.Move(axis, target, speed); err != nil {
			c.logger.Warn("continuous move ended with error",
				zap.String("axis", axis.String()), zap.Error(err))
		}
		c.mu.Lock()
		delete(c.continuous, axis)
		c.mu.Unlock()
	}()
	return nil
}

// Continuous returns the logical continuous-move state for an axis, or nil.
func (c *Controller) Continuous(axis device.Axis) *ContinuousMove {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cm := c.continuous[axis]; cm != nil {
		copied := *cm
		return &copied
	}
	return nil
}

// Stop preempts any in-flight move on the axis and clears the logical
// continuous state. Idempotent.
func (c *Controller) Stop(axis device.Axis) error {
	inst, err := c.inst()
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.continuous, axis)
	c.mu.Unlock()
	return inst.Stop(axis)
}

// StopAll is the emergency stop for both axes.
func (c *Controller) StopAll() error {
	inst, err := c.inst()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.continuous = make(map[device.Axis]*ContinuousMove)
	c.mu.Unlock()
	return inst.StopAll()
}

// Home moves the axis to its configured home position.
func (c *Controller) Home(axis device.Axis) error {
	home := c.config.AltitudeHomeSteps
	if axis == device.Azimuth {
		home = c.config.AzimuthHomeSteps
	}
	return c.Move(axis, home, 100)
}

// HomeAll homes altitude first, then azimuth.
func (c *Controller) HomeAll() error {
	if err := c.Home(device.Altitude); err != nil {
		return err
	}
	return c.Home(device.Azimuth)
}

// MoveUntilStall drives toward an end stop for stall-based homing.
func (c *Controller) MoveUntilStall(axis device.Axis, direction, speed, stepSize int) (int, error) {
	if direction == 0 {
		return 0, fmt.Errorf("direction must be non-zero: %w", device.ErrRange)
	}
	inst, err := c.inst()
	if err != nil {
		return 0, err
	}
	return inst.MoveUntilStall(axis, direction, speed, stepSize)
}

// ZeroPosition declares the current position as step 0 and clears the
// stall flag.
func (c *Controller) ZeroPosition(axis device.Axis) error {
	inst, err := c.inst()
	if err != nil {
		return err
	}
	return inst.ZeroPosition(axis)
}

// SetPosition is a test hook; still limit-validated by the driver.
func (c *Controller) SetPosition(axis device.Axis, steps int) error {
	inst, err := c.inst()
	if err != nil {
		return err
	}
	return inst.SetPosition(axis, steps)
}

// Status reads a snapshot of the axis.
func (c *Controller) Status(axis device.Axis) (device.MotorStatus, error) {
	inst, err := c.inst()
	if err != nil {
		return device.MotorStatus{}, err
	}
	return inst.Status(axis)
}
