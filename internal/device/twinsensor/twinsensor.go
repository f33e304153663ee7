// Package twinsensor simulates the mount's inertial/environmental sensor.
// A background reader publishes synthetic samples at the configured rate,
// mirroring how the Arduino firmware streams continuously; scripted mode
// hands out a fixed sample sequence for deterministic tests.
package twinsensor

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/mgrandau/telescope-mcp/internal/device"
)

// Sample is one scripted pose fed to the twin.
type Sample struct {
	AltitudeDeg  float64
	AzimuthDeg   float64
	TemperatureC float64
	HumidityPct  float64
}

// Config for the twin.
type Config struct {
	SampleRateHz float64 // default 10
	// Script, when non-empty, is cycled one entry per Read call instead of
	// running the background generator. Test hook.
	Script []Sample
	// RateUnavailable makes SampleRate fail so callers exercise their
	// STATUS-text fallback.
	RateUnavailable bool
}

// Driver opens at most one twin sensor.
type Driver struct {
	mu       sync.Mutex
	config   Config
	instance *Instance
}

func New(config Config) *Driver {
	if config.SampleRateHz == 0 {
		config.SampleRateHz = 10
	}
	return &Driver{config: config}
}

func (d *Driver) Discover() ([]device.Description, error) {
	return []device.Description{{
		ID:          0,
		Type:        "sensor",
		Name:        "Twin IMU",
		Port:        "twin0",
		Description: "digital twin inertial/environmental sensor",
	}}, nil
}

func (d *Driver) Open(id int) (device.SensorInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id != 0 {
		return nil, fmt.Errorf("sensor %d: %w", id, device.ErrNotFound)
	}
	if d.instance != nil {
		return nil, fmt.Errorf("sensor already open: %w", device.ErrAlreadyConnected)
	}
	inst := &Instance{
		driver: d,
		config: d.config,
		done:   make(chan struct{}),
	}
	if len(d.config.Script) == 0 {
		inst.wg.Add(1)
		go inst.generate()
	}
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

// Instance is one opened twin sensor.
type Instance struct {
	driver *Driver
	config Config
	done   chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	calibrated bool
	altOffset  float64
	azOffset   float64
	scriptIdx  int
	latest     device.SensorReading
	hasLatest  bool
	ticks      uint64
}

// generate is the background reader. It publishes the latest synthetic
// sample under the mutex, like the serial reader goroutine of the real
// driver.
func (i *Instance) generate() {
	defer i.wg.Done()
	interval := time.Duration(float64(time.Second) / i.config.SampleRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-i.done:
			return
		case <-ticker.C:
			i.mu.Lock()
			i.ticks++
			i.latest = i.synthesize(i.ticks)
			i.hasLatest = true
			i.mu.Unlock()
		}
	}
}

// synthesize produces a slowly drifting pose so dashboards show motion.
func (i *Instance) synthesize(tick uint64) device.SensorReading {
	t := float64(tick) / i.config.SampleRateHz
	alt := 45 + 5*math.Sin(t/30)
	az := math.Mod(180+10*math.Sin(t/45)+360, 360)
	return i.pose(alt, az, 18.5+0.5*math.Sin(t/300), 52+2*math.Sin(t/200))
}

// pose backfills accelerometer and magnetometer vectors consistent with the
// requested alt/az, so the raw fields look like real firmware output.
func (i *Instance) pose(alt, az, temp, humidity float64) device.SensorReading {
	altRad := alt * math.Pi / 180
	azRad := az * math.Pi / 180
	accel := device.Vec3{
		X: math.Sin(altRad),
		Y: 0,
		Z: math.Cos(altRad),
	}
	mag := device.Vec3{
		X: 40 * math.Cos(azRad),
		Y: 40 * math.Sin(azRad),
		Z: 20,
	}
	raw := fmt.Sprintf("%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\t%.1f\t%.1f",
		accel.X, accel.Y, accel.Z, mag.X, mag.Y, mag.Z, temp, humidity)
	return device.SensorReading{
		Accel:        accel,
		Mag:          mag,
		AltitudeDeg:  alt,
		AzimuthDeg:   az,
		TemperatureC: temp,
		HumidityPct:  humidity,
		Timestamp:    time.Now().UTC(),
		RawValues:    raw,
	}
}

func (i *Instance) Info() (device.SensorInfo, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.SensorInfo{}, device.ErrNotConnected
	}
	return device.SensorInfo{
		Name:        "Twin IMU",
		Port:        "twin0",
		Description: "digital twin inertial/environmental sensor",
	}, nil
}

func (i *Instance) Status() (device.SensorStatus, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return device.SensorStatus{
		Connected:  !i.closed,
		Calibrated: i.calibrated,
		IsOpen:     !i.closed,
	}, nil
}

// StatusText mimics the firmware STATUS response, which carries the sample
// rate callers parse when SampleRate is unavailable.
func (i *Instance) StatusText() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return "", device.ErrNotConnected
	}
	var sb strings.Builder
	sb.WriteString("=== Twin IMU Status ===\n")
	fmt.Fprintf(&sb, "Sample Rate: %.0f Hz\n", i.config.SampleRateHz)
	fmt.Fprintf(&sb, "Calibrated: %v\n", i.calibrated)
	return sb.String(), nil
}

func (i *Instance) Read() (device.SensorReading, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.SensorReading{}, device.ErrNotConnected
	}
	var reading device.SensorReading
	if n := len(i.config.Script); n > 0 {
		s := i.config.Script[i.scriptIdx%n]
		i.scriptIdx++
		reading = i.pose(s.AltitudeDeg, s.AzimuthDeg, s.TemperatureC, s.HumidityPct)
	} else if i.hasLatest {
		reading = i.latest
		reading.Timestamp = time.Now().UTC()
	} else {
		// First read can land before the generator's first tick.
		reading = i.synthesize(0)
	}
	reading.AltitudeDeg += i.altOffset
	reading.AzimuthDeg = math.Mod(reading.AzimuthDeg+i.azOffset+360, 360)
	return reading, nil
}

func (i *Instance) SampleRate() (float64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return 0, device.ErrNotConnected
	}
	if i.config.RateUnavailable {
		return 0, fmt.Errorf("sample rate not reported: %w", device.ErrDriver)
	}
	return i.config.SampleRateHz, nil
}

func (i *Instance) Calibrate(trueAlt, trueAz float64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.ErrNotConnected
	}
	// Offsets are additive over whatever the twin currently reports.
	var current device.SensorReading
	if n := len(i.config.Script); n > 0 {
		s := i.config.Script[i.scriptIdx%n]
		current = i.pose(s.AltitudeDeg, s.AzimuthDeg, s.TemperatureC, s.HumidityPct)
	} else if i.hasLatest {
		current = i.latest
	} else {
		current = i.synthesize(0)
	}
	i.altOffset = trueAlt - current.AltitudeDeg
	i.azOffset = trueAz - current.AzimuthDeg
	i.calibrated = true
	return nil
}

func (i *Instance) CalibrateMagnetometer() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return "", device.ErrNotConnected
	}
	return "OK: magnetometer calibration complete", nil
}

func (i *Instance) Reset() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.ErrNotConnected
	}
	i.altOffset = 0
	i.azOffset = 0
	i.calibrated = false
	return nil
}

func (i *Instance) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()
	close(i.done)
	i.wg.Wait()

	i.driver.mu.Lock()
	if i.driver.instance == i {
		i.driver.instance = nil
	}
	i.driver.mu.Unlock()
	return nil
}
