// Package arduino drives the mount's Arduino sensor board over a serial
// line. The firmware streams tab-separated ASCII records continuously at
// 115200 baud; a background reader parses them into the latest sample so
// Read never blocks on the wire.
package arduino

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/mgrandau/telescope-mcp/internal/device"
)

const (
	defaultBaud = 115200

	fullFormatFields   = 8 // aX aY aZ mX mY mZ temp humidity
	legacyFormatFields = 6 // aX aZ aY mX mZ mY (swapped order)

	firstSampleWait = 2 * time.Second
	commandSettle   = 500 * time.Millisecond
)

// openSerial is swapped out by tests.
var openSerial = func(cfg *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(cfg)
}

// Driver enumerates serial ports that look like the sensor board and opens
// at most one instance.
type Driver struct {
	mu       sync.Mutex
	baud     int
	instance *Instance
}

func New(baud int) *Driver {
	if baud == 0 {
		baud = defaultBaud
	}
	return &Driver{baud: baud}
}

func (d *Driver) Discover() ([]device.Description, error) {
	var ports []string
	for _, pattern := range []string{"/dev/ttyACM*", "/dev/ttyUSB*"} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		ports = append(ports, matches...)
	}
	out := make([]device.Description, 0, len(ports))
	for i, port := range ports {
		out = append(out, device.Description{
			ID:          i,
			Type:        "sensor",
			Name:        "Arduino IMU",
			Port:        port,
			Description: "serial inertial/environmental sensor",
		})
	}
	return out, nil
}

func (d *Driver) Open(id int) (device.SensorInstance, error) {
	available, err := d.Discover()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", device.ErrDriver)
	}
	if id < 0 || id >= len(available) {
		return nil, fmt.Errorf("sensor %d: %w", id, device.ErrNotFound)
	}
	return d.OpenPort(available[id].Port)
}

// OpenPort opens a specific serial device.
func (d *Driver) OpenPort(port string) (device.SensorInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.instance != nil {
		return nil, fmt.Errorf("sensor already open: %w", device.ErrAlreadyConnected)
	}
	rw, err := openSerial(&serial.Config{
		Name:        port,
		Baud:        d.baud,
		ReadTimeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %v: %w", port, err, device.ErrDriver)
	}
	inst := newInstance(d, port, rw)
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

// Instance is one opened sensor board.
type Instance struct {
	driver *Driver
	port   string
	rw     io.ReadWriteCloser
	done   chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	calibrated bool

	accel      *device.Vec3
	mag        *device.Vec3
	temp       float64
	humidity   float64
	rawValues  string
	lastUpdate time.Time

	// Non-data lines (command responses, status banners), newest last.
	infoLines []string

	// Sample-rate estimate from line arrival times.
	sampleCount int
	firstSample time.Time

	// Linear tilt correction then additive alt/az transform.
	tiltM     float64
	tiltB     float64
	altScale  float64
	altOffset float64
	azScale   float64
	azOffset  float64
}

func newInstance(d *Driver, port string, rw io.ReadWriteCloser) *Instance {
	inst := &Instance{
		driver:   d,
		port:     port,
		rw:       rw,
		done:     make(chan struct{}),
		tiltM:    1,
		altScale: 1,
		azScale:  1,
	}
	inst.wg.Add(1)
	go inst.readLoop()
	return inst
}

// readLoop drains the serial line until the port closes.
func (i *Instance) readLoop() {
	defer i.wg.Done()
	reader := bufio.NewReader(i.rw)
	for {
		select {
		case <-i.done:
			return
		default:
		}
		line, err := reader.ReadString('\n')
		if line != "" {
			i.parseLine(line)
		}
		if err != nil {
			if err == io.EOF {
				// Serial read timeout; keep polling until closed.
				continue
			}
			return
		}
	}
}

// parseLine ingests one CR-LF terminated record. Returns whether the line
// carried sensor data.
func (i *Instance) parseLine(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	for _, prefix := range []string{"INFO:", "OK:", "ERROR:", "CMD:", "===", "---"} {
		if strings.HasPrefix(line, prefix) {
			i.mu.Lock()
			i.infoLines = append(i.infoLines, line)
			if len(i.infoLines) > 32 {
				i.infoLines = i.infoLines[len(i.infoLines)-32:]
			}
			i.mu.Unlock()
			return false
		}
	}

	fields := strings.Split(line, "\t")
	values := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return false
		}
		values = append(values, v)
	}

	switch len(values) {
	case fullFormatFields:
		i.mu.Lock()
		i.accel = &device.Vec3{X: values[0], Y: values[1], Z: values[2]}
		i.mag = &device.Vec3{X: values[3], Y: values[4], Z: values[5]}
		i.temp = values[6]
		i.humidity = values[7]
		i.recordSampleLocked(line)
		i.mu.Unlock()
		return true
	case legacyFormatFields:
		// Legacy firmware interleaves the axes: aX aZ aY mX mZ mY.
		i.mu.Lock()
		i.accel = &device.Vec3{X: values[0], Z: values[1], Y: values[2]}
		i.mag = &device.Vec3{X: values[3], Z: values[4], Y: values[5]}
		i.recordSampleLocked(line)
		i.mu.Unlock()
		return true
	default:
		return false
	}
}

func (i *Instance) recordSampleLocked(line string) {
	now := time.Now().UTC()
	i.rawValues = line
	i.lastUpdate = now
	if i.sampleCount == 0 {
		i.firstSample = now
	}
	i.sampleCount++
}

// altitude computes the tilt angle from the accelerometer, with linear
// tilt calibration then the additive transform applied.
func (i *Instance) altitudeLocked() float64 {
	if i.accel == nil {
		return 0
	}
	ax, ay, az := i.accel.X, i.accel.Y, i.accel.Z
	if ay == 0 && az == 0 {
		return 0
	}
	raw := math.Atan(ax/math.Sqrt(ay*ay+az*az)) * 180 / math.Pi
	calibrated := i.tiltM*raw + i.tiltB
	return i.altScale*calibrated + i.altOffset
}

// azimuth computes the compass heading from the magnetometer, normalized to
// [0,360) with the additive transform applied.
func (i *Instance) azimuthLocked() float64 {
	if i.mag == nil {
		return 0
	}
	mx, my := i.mag.X, i.mag.Y
	if mx == 0 && my == 0 {
		return 0
	}
	heading := math.Atan2(my, mx) * 180 / math.Pi
	if heading < 0 {
		heading += 360
	}
	return math.Mod(math.Mod(i.azScale*heading+i.azOffset, 360)+360, 360)
}

func (i *Instance) Info() (device.SensorInfo, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.SensorInfo{}, device.ErrNotConnected
	}
	return device.SensorInfo{
		Name:        "Arduino IMU",
		Port:        i.port,
		Description: "serial inertial/environmental sensor",
	}, nil
}

func (i *Instance) Status() (device.SensorStatus, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return device.SensorStatus{
		Connected:  !i.closed && !i.lastUpdate.IsZero(),
		Calibrated: i.calibrated,
		IsOpen:     !i.closed,
	}, nil
}

// StatusText sends STATUS and returns the firmware's banner, which includes
// a "Sample Rate: N Hz" line callers can parse.
func (i *Instance) StatusText() (string, error) {
	i.mu.Lock()
	mark := len(i.infoLines)
	i.mu.Unlock()
	if err := i.sendCommand("STATUS"); err != nil {
		return "", err
	}
	time.Sleep(commandSettle)
	i.mu.Lock()
	defer i.mu.Unlock()
	if mark > len(i.infoLines) {
		mark = 0
	}
	return strings.Join(i.infoLines[mark:], "\n"), nil
}

func (i *Instance) Read() (device.SensorReading, error) {
	deadline := time.Now().Add(firstSampleWait)
	for {
		i.mu.Lock()
		if i.closed {
			i.mu.Unlock()
			return device.SensorReading{}, device.ErrNotConnected
		}
		if !i.lastUpdate.IsZero() {
			reading := device.SensorReading{
				Accel:        *i.accel,
				AltitudeDeg:  i.altitudeLocked(),
				AzimuthDeg:   i.azimuthLocked(),
				TemperatureC: i.temp,
				HumidityPct:  i.humidity,
				Timestamp:    i.lastUpdate,
				RawValues:    i.rawValues,
			}
			if i.mag != nil {
				reading.Mag = *i.mag
			}
			i.mu.Unlock()
			return reading, nil
		}
		i.mu.Unlock()
		if time.Now().After(deadline) {
			return device.SensorReading{}, fmt.Errorf("no sensor data received: %w", device.ErrTimeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// SampleRate estimates the stream rate from observed line arrivals. The
// firmware does not report it directly.
func (i *Instance) SampleRate() (float64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return 0, device.ErrNotConnected
	}
	if i.sampleCount < 5 {
		return 0, fmt.Errorf("not enough samples to estimate rate: %w", device.ErrDriver)
	}
	elapsed := i.lastUpdate.Sub(i.firstSample).Seconds()
	if elapsed <= 0 {
		return 0, fmt.Errorf("not enough samples to estimate rate: %w", device.ErrDriver)
	}
	return float64(i.sampleCount-1) / elapsed, nil
}

func (i *Instance) Calibrate(trueAlt, trueAz float64) error {
	if trueAlt < 0 || trueAlt > 90 {
		return fmt.Errorf("true altitude %.2f outside [0,90]: %w", trueAlt, device.ErrRange)
	}
	if trueAz < 0 || trueAz >= 360 {
		return fmt.Errorf("true azimuth %.2f outside [0,360): %w", trueAz, device.ErrRange)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.ErrNotConnected
	}
	// Additive offset model: corrected = calculated + offset.
	i.altOffset = 0
	i.azOffset = 0
	i.altOffset = trueAlt - i.altitudeLocked()
	i.azOffset = trueAz - i.azimuthLocked()
	i.calibrated = true
	return nil
}

// SetTiltCalibration sets the linear correction applied to the raw tilt
// angle before the additive transform.
func (i *Instance) SetTiltCalibration(slope, intercept float64) {
	i.mu.Lock()
	i.tiltM = slope
	i.tiltB = intercept
	i.mu.Unlock()
}

func (i *Instance) CalibrateMagnetometer() (string, error) {
	if err := i.sendCommand("CALIBRATE"); err != nil {
		return "", err
	}
	time.Sleep(commandSettle)
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := len(i.infoLines) - 1; idx >= 0; idx-- {
		if strings.HasPrefix(i.infoLines[idx], "OK:") {
			return i.infoLines[idx], nil
		}
	}
	return "CALIBRATE sent", nil
}

func (i *Instance) Reset() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return device.ErrNotConnected
	}
	i.altOffset = 0
	i.azOffset = 0
	i.tiltM = 1
	i.tiltB = 0
	i.calibrated = false
	i.mu.Unlock()
	return i.sendCommand("RESET")
}

func (i *Instance) sendCommand(cmd string) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return device.ErrNotConnected
	}
	rw := i.rw
	i.mu.Unlock()
	if _, err := rw.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("send %s: %v: %w", cmd, err, device.ErrDriver)
	}
	return nil
}

func (i *Instance) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	rw := i.rw
	i.mu.Unlock()

	// Best effort: ask the firmware to stop streaming before hanging up.
	_, _ = rw.Write([]byte("STOP\n"))
	close(i.done)
	_ = rw.Close()
	i.wg.Wait()

	i.driver.mu.Lock()
	if i.driver.instance == i {
		i.driver.instance = nil
	}
	i.driver.mu.Unlock()
	return nil
}
