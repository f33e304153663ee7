// Package camera implements the logical camera: one driver instance with
// defaults, capture, overlay rendering, streaming and single-shot recovery.
package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mgrandau/telescope-mcp/internal/device"
)

const (
	controlGain     = "Gain"
	controlExposure = "Exposure"
)

// Camera owns one driver instance. It is either disconnected (no instance,
// no info) or connected (both present); a failed connect never leaves
// partial state behind.
type Camera struct {
	config   Config
	driver   device.CameraDriver
	clock    Clock
	renderer OverlayRenderer
	recovery RecoveryStrategy
	hooks    Hooks
	logger   *zap.Logger

	mu        sync.Mutex
	instance  device.CameraInstance
	info      *Info
	overlay   *OverlayConfig
	current   map[string]int // tracked control values, applied on change only
	streaming atomic.Bool
}

// Option configures a Camera.
type Option func(*Camera)

func WithClock(clock Clock) Option           { return func(c *Camera) { c.clock = clock } }
func WithRenderer(r OverlayRenderer) Option  { return func(c *Camera) { c.renderer = r } }
func WithRecovery(r RecoveryStrategy) Option { return func(c *Camera) { c.recovery = r } }
func WithHooks(hooks Hooks) Option           { return func(c *Camera) { c.hooks = hooks } }
func WithLogger(logger *zap.Logger) Option   { return func(c *Camera) { c.logger = logger } }

// New builds a disconnected Camera over the given driver.
func New(config Config, driver device.CameraDriver, opts ...Option) *Camera {
	c := &Camera{
		config:   config,
		driver:   driver,
		clock:    SystemClock(),
		renderer: NullRenderer{},
		recovery: NullRecovery{},
		logger:   zap.NewNop(),
		current:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("camera").With(zap.Int("camera_id", config.CameraID))
	return c
}

// Config returns the startup configuration.
func (c *Camera) Config() Config { return c.config }

// IsConnected reports whether a driver instance is open.
func (c *Camera) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance != nil
}

// IsStreaming reports whether a stream generator is active.
func (c *Camera) IsStreaming() bool { return c.streaming.Load() }

// Info returns a copy of the connected camera's info, or nil.
func (c *Camera) Info() *Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info == nil {
		return nil
	}
	info := *c.info
	return &info
}

// Overlay returns a copy of the current overlay config, or nil.
func (c *Camera) Overlay() *OverlayConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.overlay == nil {
		return nil
	}
	cfg := *c.overlay
	return &cfg
}

// SetOverlay installs (or, with nil, clears) the overlay config.
func (c *Camera) SetOverlay(cfg *OverlayConfig) {
	c.mu.Lock()
	if cfg == nil {
		c.overlay = nil
	} else {
		copied := *cfg
		c.overlay = &copied
	}
	c.mu.Unlock()
}

// Connect opens the driver, applies the configured defaults and populates
// Info. Fails with ErrAlreadyConnected when connected; any failure leaves
// the camera fully disconnected.
func (c *Camera) Connect() (Info, error) {
	c.mu.Lock()
	if c.instance != nil {
		c.mu.Unlock()
		return Info{}, fmt.Errorf("camera %d: %w", c.config.CameraID, device.ErrAlreadyConnected)
	}
	c.mu.Unlock()

	inst, err := c.driver.Open(c.config.CameraID)
	if err != nil {
		return Info{}, fmt.Errorf("connect camera %d: %w", c.config.CameraID, err)
	}

	info, err := c.setup(inst)
	if err != nil {
		_ = inst.Close()
		return Info{}, fmt.Errorf("connect camera %d: %w", c.config.CameraID, err)
	}

	c.mu.Lock()
	if c.instance != nil {
		// A concurrent connect won the race.
		c.mu.Unlock()
		_ = inst.Close()
		return Info{}, fmt.Errorf("camera %d: %w", c.config.CameraID, device.ErrAlreadyConnected)
	}
	c.instance = inst
	c.info = &info
	c.current = map[string]int{
		controlGain:     c.config.DefaultGain,
		controlExposure: c.config.DefaultExposureUs,
	}
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("name", info.Name),
		zap.Int("width", info.MaxWidth), zap.Int("height", info.MaxHeight))
	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect(info)
	}
	return info, nil
}

// setup applies defaults and reads info from a freshly opened instance.
func (c *Camera) setup(inst device.CameraInstance) (Info, error) {
	if err := inst.SetControl(controlGain, c.config.DefaultGain); err != nil {
		return Info{}, fmt.Errorf("apply default gain: %w", err)
	}
	if err := inst.SetControl(controlExposure, c.config.DefaultExposureUs); err != nil {
		return Info{}, fmt.Errorf("apply default exposure: %w", err)
	}
	props, err := inst.Properties()
	if err != nil {
		return Info{}, fmt.Errorf("read properties: %w", err)
	}
	controls, err := inst.Controls()
	if err != nil {
		return Info{}, fmt.Errorf("read controls: %w", err)
	}
	name := c.config.Name
	if name == "" {
		name = props.Name
	}
	return Info{
		CameraID:      props.CameraID,
		Name:          name,
		MaxWidth:      props.MaxWidth,
		MaxHeight:     props.MaxHeight,
		IsColor:       props.IsColor,
		BayerPattern:  props.BayerPattern,
		SupportedBins: props.SupportedBins,
		Controls:      controls,
	}, nil
}

// Disconnect closes the driver instance. Idempotent; driver errors are
// logged and swallowed, state is always cleared.
func (c *Camera) Disconnect() {
	c.mu.Lock()
	inst := c.instance
	c.instance = nil
	c.info = nil
	c.current = make(map[string]int)
	c.mu.Unlock()
	if inst == nil {
		return
	}
	if err := inst.Close(); err != nil {
		c.logger.Warn("driver close failed", zap.Error(err))
	}
	c.logger.Info("disconnected")
	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect()
	}
}

// Instance returns the underlying driver instance, or nil when
// disconnected. Used by the streaming pipeline for video capture.
func (c *Camera) Instance() device.CameraInstance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance
}

// effective resolves the exposure/gain for a capture from the options and
// the tracked current values.
func (c *Camera) effective(options *CaptureOptions) (exposureUs, gain int) {
	exposureUs = c.current[controlExposure]
	gain = c.current[controlGain]
	if options != nil && options.ExposureUs != nil {
		exposureUs = *options.ExposureUs
	}
	if options != nil && options.Gain != nil {
		gain = *options.Gain
	}
	return exposureUs, gain
}

// applySettings writes exposure/gain to the driver, but only the values
// that differ from what is already applied.
func (c *Camera) applySettings(inst device.CameraInstance, exposureUs, gain int) error {
	if c.current[controlExposure] != exposureUs {
		if err := inst.SetControl(controlExposure, exposureUs); err != nil {
			return fmt.Errorf("set exposure: %w", err)
		}
		c.current[controlExposure] = exposureUs
	}
	if c.current[controlGain] != gain {
		if err := inst.SetControl(controlGain, gain); err != nil {
			return fmt.Errorf("set gain: %w", err)
		}
		c.current[controlGain] = gain
	}
	return nil
}

// Capture takes one frame. Driver failures trigger one recovery cycle
// (attempt, reconnect, retry) before giving up with ErrDisconnected.
func (c *Camera) Capture(options *CaptureOptions) (CaptureResult, error) {
	if options == nil {
		options = DefaultCaptureOptions()
	}

	c.mu.Lock()
	inst := c.instance
	if inst == nil {
		c.mu.Unlock()
		return CaptureResult{}, fmt.Errorf("camera %d: %w", c.config.CameraID, device.ErrNotConnected)
	}
	exposureUs, gain := c.effective(options)
	err := c.applySettings(inst, exposureUs, gain)
	c.mu.Unlock()

	var result CaptureResult
	if err == nil {
		result, err = c.captureOnce(inst, exposureUs, gain, options.Format)
	}
	if err != nil {
		result, err = c.recoverAndCapture(err, exposureUs, gain, options.Format)
		if err != nil {
			return CaptureResult{}, err
		}
	}

	if c.hooks.OnCapture != nil {
		c.hooks.OnCapture(result)
	}

	if options.ApplyOverlay {
		if overlay := c.Overlay(); overlay != nil && overlay.Enabled {
			rendered, err := c.renderer.Render(result, *overlay)
			if err != nil {
				return CaptureResult{}, fmt.Errorf("render overlay: %w", err)
			}
			rendered.HasOverlay = true
			if rendered.Metadata == nil {
				rendered.Metadata = make(map[string]any)
			}
			rendered.Metadata["overlay_type"] = string(overlay.Type)
			return rendered, nil
		}
	}
	return result, nil
}

// CaptureRaw captures without overlay rendering.
func (c *Camera) CaptureRaw(exposureUs, gain *int) (CaptureResult, error) {
	return c.Capture(&CaptureOptions{
		ExposureUs: exposureUs,
		Gain:       gain,
		Format:     FormatJPEG,
	})
}

// captureOnce performs one driver capture, measuring its duration with the
// injected clock. A driver failure is returned as is, so recovery and the
// OnError hook see the driver's own error.
func (c *Camera) captureOnce(inst device.CameraInstance, exposureUs, gain int, format Format) (CaptureResult, error) {
	start := c.clock.Monotonic()
	image, err := inst.Capture(exposureUs)
	if err != nil {
		return CaptureResult{}, err
	}
	duration := c.clock.Monotonic() - start
	return c.buildResult(image, exposureUs, gain, format, duration), nil
}

func (c *Camera) buildResult(image []byte, exposureUs, gain int, format Format, duration time.Duration) CaptureResult {
	if format == "" {
		format = FormatJPEG
	}
	result := CaptureResult{
		Image:      image,
		Timestamp:  c.clock.Now(),
		ExposureUs: exposureUs,
		Gain:       gain,
		Format:     format,
		Metadata: map[string]any{
			"camera_id":          c.config.CameraID,
			"capture_duration_s": duration.Seconds(),
		},
	}
	c.mu.Lock()
	if c.info != nil {
		result.Width = c.info.MaxWidth
		result.Height = c.info.MaxHeight
		result.Metadata["camera_name"] = c.info.Name
	}
	c.mu.Unlock()
	return result
}

// recoverAndCapture is the single-shot recovery cycle: clear state, ask the
// strategy, reconnect, retry once. Anything failing along the way surfaces
// as ErrDisconnected with the trigger chained.
func (c *Camera) recoverAndCapture(original error, exposureUs, gain int, format Format) (CaptureResult, error) {
	c.logger.Warn("capture failed, attempting recovery",
		zap.String("kind", device.Kind(original)), zap.Error(original))

	c.mu.Lock()
	inst := c.instance
	c.instance = nil
	c.info = nil
	c.current = make(map[string]int)
	c.mu.Unlock()
	if inst != nil {
		_ = inst.Close()
	}

	if !c.recovery.AttemptRecovery(c.config.CameraID) {
		if c.hooks.OnError != nil {
			c.hooks.OnError(original)
		}
		return CaptureResult{}, fmt.Errorf("recovery declined: %w: %w", device.ErrDisconnected, original)
	}

	if _, err := c.Connect(); err != nil {
		if c.hooks.OnError != nil {
			c.hooks.OnError(err)
		}
		return CaptureResult{}, fmt.Errorf("reconnect failed: %w: %w", device.ErrDisconnected, err)
	}

	c.mu.Lock()
	fresh := c.instance
	var err error
	if fresh == nil {
		err = device.ErrNotConnected
	} else {
		err = c.applySettings(fresh, exposureUs, gain)
	}
	c.mu.Unlock()

	var result CaptureResult
	if err == nil {
		result, err = c.captureOnce(fresh, exposureUs, gain, format)
	}
	if err != nil {
		if c.hooks.OnError != nil {
			c.hooks.OnError(err)
		}
		return CaptureResult{}, fmt.Errorf("retry after recovery failed: %w: %w", device.ErrDisconnected, err)
	}

	result.Metadata["recovered"] = true
	result.Metadata["recovered_from_error"] = device.Kind(original)
	c.logger.Info("recovered from capture failure", zap.String("kind", device.Kind(original)))
	return result, nil
}

// SetControl writes a control value and tracks Gain/Exposure internally.
func (c *Camera) SetControl(name string, value int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instance == nil {
		return fmt.Errorf("camera %d: %w", c.config.CameraID, device.ErrNotConnected)
	}
	if err := c.instance.SetControl(name, value); err != nil {
		return err
	}
	if name == controlGain || name == controlExposure {
		c.current[name] = value
	}
	return nil
}

// Control reads a control's current value.
func (c *Camera) Control(name string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instance == nil {
		return 0, fmt.Errorf("camera %d: %w", c.config.CameraID, device.ErrNotConnected)
	}
	value, _, err := c.instance.Control(name)
	return value, err
}

// Stream captures frames and hands them to emit until the context ends,
// emit returns false, or StopStream clears the streaming flag. Frames are
// numbered from 0; pacing keeps at most maxFPS frames per second using the
// injected clock. At most one stream may be active per camera.
func (c *Camera) Stream(ctx context.Context, options *CaptureOptions, maxFPS float64, emit func(StreamFrame) bool) error {
	if maxFPS <= 0 {
		return fmt.Errorf("max fps %v: %w", maxFPS, device.ErrRange)
	}
	if !c.streaming.CompareAndSwap(false, true) {
		return fmt.Errorf("camera %d stream already active: %w", c.config.CameraID, device.ErrInternal)
	}
	defer c.streaming.Store(false)

	interval := time.Duration(float64(time.Second) / maxFPS)
	var sequence uint64
	for {
		if ctx.Err() != nil || !c.streaming.Load() {
			return nil
		}
		start := c.clock.Monotonic()
		result, err := c.Capture(options)
		if err != nil {
			return err
		}
		frame := StreamFrame{
			Image:      result.Image,
			Timestamp:  result.Timestamp,
			Sequence:   sequence,
			ExposureUs: result.ExposureUs,
			Gain:       result.Gain,
			HasOverlay: result.HasOverlay,
		}
		sequence++
		if c.hooks.OnStreamFrame != nil {
			c.hooks.OnStreamFrame(frame)
		}
		if !emit(frame) {
			return nil
		}
		if elapsed := c.clock.Monotonic() - start; elapsed < interval {
			c.clock.Sleep(interval - elapsed)
		}
	}
}

// StopStream clears the streaming flag. Idempotent and safe from any
// goroutine; the frame in flight is not interrupted.
func (c *Camera) StopStream() {
	c.streaming.Store(false)
}

// BeginStreaming claims the camera's single stream slot. External
// pipelines that pump video frames directly use this instead of Stream.
func (c *Camera) BeginStreaming() bool {
	return c.streaming.CompareAndSwap(false, true)
}

// EndStreaming releases the stream slot.
func (c *Camera) EndStreaming() {
	c.streaming.Store(false)
}
