// Package sensor wraps a synchronous sensor driver with connection
// management, sample averaging and duration-based reads.
package sensor

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mgrandau/telescope-mcp/internal/device"
)

// DefaultSampleRateHz is assumed when the driver cannot report its rate.
const DefaultSampleRateHz = 10.0

var sampleRatePattern = regexp.MustCompile(`Sample Rate:\s*([0-9.]+)\s*Hz`)

// StatusTexter is implemented by drivers whose firmware answers a STATUS
// query with a text banner.
type StatusTexter interface {
	StatusText() (string, error)
}

// Sensor is the asynchronous wrapper over one sensor driver.
type Sensor struct {
	driver device.SensorDriver
	logger *zap.Logger

	mu         sync.Mutex
	instance   device.SensorInstance
	info       *device.SensorInfo
	sampleRate float64
}

func New(driver device.SensorDriver, logger *zap.Logger) *Sensor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sensor{driver: driver, logger: logger.Named("sensor")}
}

// IsConnected reports whether the driver is open.
func (s *Sensor) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance != nil
}

// Connect opens the driver and determines the sample rate: directly from
// the driver, else parsed from a STATUS banner, else DefaultSampleRateHz.
func (s *Sensor) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instance != nil {
		return fmt.Errorf("sensor: %w", device.ErrAlreadyConnected)
	}
	inst, err := s.driver.Open(0)
	if err != nil {
		return fmt.Errorf("connect sensor: %w", err)
	}
	info, err := inst.Info()
	if err != nil {
		_ = inst.Close()
		return fmt.Errorf("connect sensor: %w", err)
	}

	rate, err := inst.SampleRate()
	if err != nil || rate <= 0 {
		rate = s.rateFromStatus(inst)
	}

	s.instance = inst
	s.info = &info
	s.sampleRate = rate
	s.logger.Info("connected", zap.String("port", info.Port), zap.Float64("sample_rate_hz", rate))
	return nil
}

// rateFromStatus queries the firmware STATUS banner for "Sample Rate: N Hz".
func (s *Sensor) rateFromStatus(inst device.SensorInstance) float64 {
	texter, ok := inst.(StatusTexter)
	if !ok {
		return DefaultSampleRateHz
	}
	text, err := texter.StatusText()
	if err != nil {
		s.logger.Warn("status query failed, assuming default sample rate", zap.Error(err))
		return DefaultSampleRateHz
	}
	match := sampleRatePattern.FindStringSubmatch(text)
	if match == nil {
		return DefaultSampleRateHz
	}
	rate, err := strconv.ParseFloat(match[1], 64)
	if err != nil || rate <= 0 {
		return DefaultSampleRateHz
	}
	return rate
}

// Disconnect closes the driver. Idempotent; driver errors are logged and
// suppressed, state is always cleared.
func (s *Sensor) Disconnect() {
	s.mu.Lock()
	inst := s.instance
	s.instance = nil
	s.info = nil
	s.sampleRate = 0
	s.mu.Unlock()
	if inst == nil {
		return
	}
	if err := inst.Close(); err != nil {
		s.logger.Warn("driver close failed", zap.Error(err))
	}
	s.logger.Info("disconnected")
}

// SampleRate returns the rate resolved at connect time.
func (s *Sensor) SampleRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate
}

// Read returns one reading, or the average of n sequential readings. The
// averaged reading carries the last sample's timestamp and the
// concatenation of the samples' raw strings. Azimuth uses the circular
// mean so samples spanning the 0/360 wraparound average correctly.
func (s *Sensor) Read(samples int) (device.SensorReading, error) {
	if samples < 1 {
		return device.SensorReading{}, fmt.Errorf("samples %d: %w", samples, device.ErrRange)
	}
	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()
	if inst == nil {
		return device.SensorReading{}, fmt.Errorf("sensor: %w", device.ErrNotConnected)
	}

	if samples == 1 {
		reading, err := inst.Read()
		if err != nil {
			return device.SensorReading{}, fmt.Errorf("read sensor: %w", err)
		}
		return reading, nil
	}

	// Samples are taken sequentially with no wait between reads; each is
	// whatever the driver reports at that moment.
	readings := make([]device.SensorReading, 0, samples)
	for n := 0; n < samples; n++ {
		reading, err := inst.Read()
		if err != nil {
			return device.SensorReading{}, fmt.Errorf("read sensor (sample %d/%d): %w", n+1, samples, err)
		}
		readings = append(readings, reading)
	}
	return average(readings), nil
}

// ReadFor converts the duration to a sample count at the resolved sample
// rate and delegates to Read; it does not wait out the duration itself.
func (s *Sensor) ReadFor(durationMs int) (device.SensorReading, error) {
	if durationMs < 1 {
		return device.SensorReading{}, fmt.Errorf("duration %dms: %w", durationMs, device.ErrRange)
	}
	s.mu.Lock()
	rate := s.sampleRate
	s.mu.Unlock()
	if rate <= 0 {
		rate = DefaultSampleRateHz
	}
	samples := int(math.Round(float64(durationMs) / 1000.0 * rate))
	if samples < 1 {
		samples = 1
	}
	return s.Read(samples)
}

// Calibrate stores offsets so the current pose reads as the given true
// position. Bounds are checked here so a driver never sees bad input.
func (s *Sensor) Calibrate(trueAlt, trueAz float64) error {
	if trueAlt < 0 || trueAlt > 90 {
		return fmt.Errorf("true altitude %.2f outside [0,90]: %w", trueAlt, device.ErrRange)
	}
	if trueAz < 0 || trueAz >= 360 {
		return fmt.Errorf("true azimuth %.2f outside [0,360): %w", trueAz, device.ErrRange)
	}
	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()
	if inst == nil {
		return fmt.Errorf("sensor: %w", device.ErrNotConnected)
	}
	return inst.Calibrate(trueAlt, trueAz)
}

// Reset clears the driver's calibration offsets.
func (s *Sensor) Reset() error {
	s.mu.Lock()
	inst := s.instance
	s.mu.Unlock()
	if inst == nil {
		return fmt.Errorf("sensor: %w", device.ErrNotConnected)
	}
	return inst.Reset()
}

// Status merges wrapper state with the driver's status. A failing driver
// contributes a status_error field instead of an error return.
func (s *Sensor) Status() map[string]any {
	s.mu.Lock()
	inst := s.instance
	info := s.info
	rate := s.sampleRate
	s.mu.Unlock()

	status := map[string]any{
		"connected":      inst != nil,
		"sample_rate_hz": rate,
	}
	if info != nil {
		status["port"] = info.Port
		status["name"] = info.Name
	}
	if inst == nil {
		return status
	}
	driverStatus, err := inst.Status()
	if err != nil {
		status["status_error"] = err.Error()
		return status
	}
	status["calibrated"] = driverStatus.Calibrated
	status["is_open"] = driverStatus.IsOpen
	if driverStatus.Error != "" {
		status["driver_error"] = driverStatus.Error
	}
	return status
}

// average folds n samples into one reading. Linear fields use the
// arithmetic mean; azimuth uses the circular mean (unit vectors summed,
// atan2 of the sum) so {350°, 10°} averages near 0°, not 180°.
func average(readings []device.SensorReading) device.SensorReading {
	n := float64(len(readings))
	var out device.SensorReading
	var sinSum, cosSum float64
	raw := make([]string, 0, len(readings))
	for _, r := range readings {
		out.Accel.X += r.Accel.X
		out.Accel.Y += r.Accel.Y
		out.Accel.Z += r.Accel.Z
		out.Mag.X += r.Mag.X
		out.Mag.Y += r.Mag.Y
		out.Mag.Z += r.Mag.Z
		out.AltitudeDeg += r.AltitudeDeg
		out.TemperatureC += r.TemperatureC
		out.HumidityPct += r.HumidityPct
		azRad := r.AzimuthDeg * math.Pi / 180
		sinSum += math.Sin(azRad)
		cosSum += math.Cos(azRad)
		raw = append(raw, r.RawValues)
	}
	out.Accel.X /= n
	out.Accel.Y /= n
	out.Accel.Z /= n
	out.Mag.X /= n
	out.Mag.Y /= n
	out.Mag.Z /= n
	out.AltitudeDeg /= n
	out.TemperatureC /= n
	out.HumidityPct /= n
	out.AzimuthDeg = math.Mod(math.Atan2(sinSum, cosSum)*180/math.Pi+360, 360)
	out.Timestamp = readings[len(readings)-1].Timestamp
	out.RawValues = strings.Join(raw, "\n")
	return out
}
