// Package stream delivers continuous camera frames to HTTP clients as
// MJPEG multipart chunks, with USB bandwidth arbitration, bounded error
// recovery and a per-camera latest-frame slot for still captures.
package stream

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mgrandau/telescope-mcp/internal/camera"
	"github.com/mgrandau/telescope-mcp/internal/device"
)

const (
	// USB bandwidth-overload values: generous when a camera streams alone,
	// split when both cameras pump the shared bus.
	bandwidthSingle = 80
	bandwidthDual   = 40

	jpegQuality          = 85
	maxConsecutiveErrors = 10
	healthLogEvery       = 100

	// Per-frame capture timeout floor and exposure headroom.
	timeoutFloor      = 3 * time.Second
	timeoutHeadroomUs = 5_000_000

	errorFrameWidth  = 640
	errorFrameHeight = 480

	controlBandwidth = "BandWidth"
)

// Boundary is the multipart boundary used on the wire.
const Boundary = "frame"

// Settings are the exposure/gain applied to a stream.
type Settings struct {
	ExposureUs int `json:"exposure_us"`
	Gain       int `json:"gain"`
}

// Params are the per-request stream knobs. Nil fields fall back to stored
// per-camera settings, then to per-camera defaults.
type Params struct {
	ExposureUs *int
	Gain       *int
	FPS        int
}

// LatestFrame is the most recent RAW16 frame of an active stream, kept for
// still capture through the session surface.
type LatestFrame struct {
	Pix        []uint16
	Width      int
	Height     int
	ExposureUs int
	Gain       int
	Sequence   uint64
	Timestamp  time.Time
}

// Provider resolves a camera key. Satisfied by the registry.
type Provider func(key string) (*camera.Camera, error)

// Service owns every per-camera stream.
type Service struct {
	provider Provider
	encoder  ImageEncoder
	clock    camera.Clock
	logger   *zap.Logger

	mu       sync.Mutex
	defaults map[string]Settings
	settings map[string]Settings
	latest   map[string]*LatestFrame
	active   map[string]bool
}

// New builds the streaming service. defaults carries the per-camera
// fallback settings (finder and main differ).
func New(provider Provider, encoder ImageEncoder, clock camera.Clock, defaults map[string]Settings, logger *zap.Logger) *Service {
	if encoder == nil {
		encoder = StdEncoder{}
	}
	if clock == nil {
		clock = camera.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		provider: provider,
		encoder:  encoder,
		clock:    clock,
		logger:   logger.Named("stream"),
		defaults: defaults,
		settings: make(map[string]Settings),
		latest:   make(map[string]*LatestFrame),
		active:   make(map[string]bool),
	}
}

// UpdateDefaults swaps the per-camera fallback settings, used by config
// hot-reload. Running streams keep the settings they started with.
func (s *Service) UpdateDefaults(defaults map[string]Settings) {
	s.mu.Lock()
	s.defaults = defaults
	s.mu.Unlock()
}

// StoreSettings persists per-camera settings applied by the control API,
// used by later streams that do not pass explicit values.
func (s *Service) StoreSettings(key string, settings Settings) {
	s.mu.Lock()
	s.settings[key] = settings
	s.mu.Unlock()
}

// Latest returns a copy of the newest RAW16 frame buffered for the camera.
func (s *Service) Latest(key string) (*LatestFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := s.latest[key]
	if frame == nil {
		return nil, false
	}
	copied := *frame
	copied.Pix = append([]uint16(nil), frame.Pix...)
	return &copied, true
}

// IsActive reports whether the camera currently streams.
func (s *Service) IsActive(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[key]
}

// resolve picks exposure/gain for a stream: request, stored settings,
// per-camera defaults, in that order.
func (s *Service) resolve(key string, p Params) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings, ok := s.settings[key]
	if !ok {
		settings = s.defaults[key]
	}
	if p.ExposureUs != nil {
		settings.ExposureUs = *p.ExposureUs
	}
	if p.Gain != nil {
		settings.Gain = *p.Gain
	}
	return settings
}

// otherActive counts active streams besides key, for bandwidth arbitration.
func (s *Service) otherActive(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, active := range s.active {
		if active && k != key {
			n++
		}
	}
	return n
}

func (s *Service) setActive(key string, active bool) {
	s.mu.Lock()
	s.active[key] = active
	s.mu.Unlock()
	if active {
		activeStreams.Inc()
	} else {
		activeStreams.Dec()
	}
}

func (s *Service) publishLatest(key string, frame *LatestFrame) {
	s.mu.Lock()
	s.latest[key] = frame
	s.mu.Unlock()
}

// part frames one JPEG as an MJPEG multipart chunk, byte-for-byte:
// --frame\r\nContent-Type: image/jpeg\r\n\r\n<jpeg>\r\n
func part(jpegBytes []byte) []byte {
	head := "--" + Boundary + "\r\nContent-Type: image/jpeg\r\n\r\n"
	out := make([]byte, 0, len(head)+len(jpegBytes)+2)
	out = append(out, head...)
	out = append(out, jpegBytes...)
	out = append(out, '\r', '\n')
	return out
}

// errorJPEG renders a solid black frame with a text label.
func (s *Service) errorJPEG(width, height int, label string) []byte {
	if width <= 0 || height <= 0 {
		width, height = errorFrameWidth, errorFrameHeight
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	s.encoder.PutText(img, label, 50, height/2, color.RGBA{R: 255, A: 255})
	jpegBytes, err := s.encoder.EncodeJPEG(img, jpegQuality)
	if err != nil {
		s.logger.Error("error frame encode failed", zap.Error(err))
		return nil
	}
	return jpegBytes
}

func (s *Service) emitError(emit func([]byte) error, width, height int, label string) error {
	jpegBytes := s.errorJPEG(width, height, label)
	if jpegBytes == nil {
		return nil
	}
	return emit(part(jpegBytes))
}

// newBackoff builds the per-stream error backoff: 0.5s doubling, capped at
// 5s, no jitter.
func newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// captureOnWorker runs the blocking driver read on its own goroutine so
// client disconnects are honored while a frame is in flight.
func captureOnWorker(ctx context.Context, inst device.CameraInstance, buf []byte, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- inst.CaptureVideoFrame(buf, timeout)
	}()
	select {
	case <-ctx.Done():
		// The worker finishes (or times out) on its own; the buffer is
		// abandoned with it.
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Stream pumps MJPEG parts into emit until the context ends, the client
// disconnects (emit error), or the error budget is exhausted. Recoverable
// capture errors stay inside the stream as error frames.
func (s *Service) Stream(ctx context.Context, key string, p Params, emit func([]byte) error) error {
	logger := s.logger.With(zap.String("camera", key))

	// Force a reopen for a clean driver state.
	cam, err := s.provider(key)
	if err != nil {
		logger.Warn("camera unavailable", zap.Error(err))
		return s.emitError(emit, 0, 0, fmt.Sprintf("Camera %s not found", key))
	}
	cam.Disconnect()
	if _, err := cam.Connect(); err != nil {
		logger.Warn("camera reopen failed", zap.Error(err))
		return s.emitError(emit, 0, 0, fmt.Sprintf("Camera %s unavailable", key))
	}

	info := cam.Info()
	inst := cam.Instance()
	if info == nil || inst == nil {
		return s.emitError(emit, 0, 0, fmt.Sprintf("Camera %s unavailable", key))
	}
	width, height := info.MaxWidth, info.MaxHeight

	if !cam.BeginStreaming() {
		logger.Warn("stream already active")
		return s.emitError(emit, width, height, fmt.Sprintf("Camera %s is already streaming", key))
	}
	defer cam.EndStreaming()

	settings := s.resolve(key, p)
	if err := cam.SetControl("Gain", settings.Gain); err != nil {
		logger.Warn("apply gain failed", zap.Error(err))
	}
	if err := cam.SetControl("Exposure", settings.ExposureUs); err != nil {
		logger.Warn("apply exposure failed", zap.Error(err))
	}

	// Cooperative USB bandwidth arbitration, decided at stream start only.
	bandwidth := bandwidthSingle
	if s.otherActive(key) > 0 {
		bandwidth = bandwidthDual
	}
	if err := cam.SetControl(controlBandwidth, bandwidth); err != nil {
		logger.Warn("apply bandwidth failed", zap.Error(err))
	}
	logger.Info("usb bandwidth configured", zap.Int("bandwidth_pct", bandwidth))

	// RAW16 full frame video mode; frames are capture-ready for stills.
	_ = inst.StopVideoCapture()
	if err := inst.SetROI(width, height, 1, device.RAW16); err != nil {
		return s.emitError(emit, width, height, "Video setup failed")
	}
	if err := inst.StartVideoCapture(); err != nil {
		return s.emitError(emit, width, height, "Video setup failed")
	}
	defer func() {
		if err := inst.StopVideoCapture(); err != nil {
			logger.Debug("stop video capture failed", zap.Error(err))
		}
	}()

	buf := make([]byte, width*height*2)
	timeout := timeoutFloor
	if t := time.Duration(settings.ExposureUs+timeoutHeadroomUs) * time.Microsecond; t > timeout {
		timeout = t
	}

	fps := p.FPS
	if fps < 1 {
		fps = 15
	}
	frameInterval := time.Duration(float64(time.Second) / float64(fps))

	s.setActive(key, true)
	defer func() {
		s.setActive(key, false)
	}()
	logger.Info("stream started",
		zap.Int("width", width), zap.Int("height", height),
		zap.Int("exposure_us", settings.ExposureUs), zap.Int("gain", settings.Gain),
		zap.Int("fps", fps), zap.Duration("timeout", timeout))

	var sequence uint64
	consecutiveErrors := 0
	bo := newBackoff()
	var lastFrameTime time.Duration

	for {
		if ctx.Err() != nil || !cam.IsStreaming() {
			return nil
		}
		frameStart := s.clock.Monotonic()

		if err := captureOnWorker(ctx, inst, buf, timeout); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			consecutiveErrors++
			streamErrors.WithLabelValues(key).Inc()
			logger.Warn("frame capture failed",
				zap.Int("consecutive_errors", consecutiveErrors), zap.Error(err))
			if consecutiveErrors >= maxConsecutiveErrors {
				_ = s.emitError(emit, width, height,
					fmt.Sprintf("Stream stopped after %d consecutive errors", consecutiveErrors))
				return fmt.Errorf("stream %s: %d consecutive capture errors: %w",
					key, consecutiveErrors, device.ErrDriver)
			}
			if err := s.emitError(emit, width, height, "Capture error, retrying"); err != nil {
				return nil // client gone
			}
			s.clock.Sleep(bo.NextBackOff())
			continue
		}

		consecutiveErrors = 0
		bo.Reset()
		sequence++

		pix := make([]uint16, width*height)
		for i := range pix {
			pix[i] = binary.LittleEndian.Uint16(buf[i*2:])
		}
		s.publishLatest(key, &LatestFrame{
			Pix:        pix,
			Width:      width,
			Height:     height,
			ExposureUs: settings.ExposureUs,
			Gain:       settings.Gain,
			Sequence:   sequence,
			Timestamp:  s.clock.Now(),
		})

		jpegBytes, err := s.encoder.EncodeJPEG(stretchToDisplay(pix, width, height), jpegQuality)
		if err != nil {
			logger.Error("display encode failed", zap.Error(err))
			continue
		}
		if err := emit(part(jpegBytes)); err != nil {
			return nil // client gone
		}

		framesStreamed.WithLabelValues(key).Inc()
		lastFrameTime = s.clock.Monotonic() - frameStart
		frameDuration.WithLabelValues(key).Observe(lastFrameTime.Seconds())

		if sequence%healthLogEvery == 0 {
			logger.Info("stream health",
				zap.Uint64("sequence", sequence),
				zap.Duration("last_frame", lastFrameTime),
				zap.Duration("timeout", timeout))
		}

		if elapsed := s.clock.Monotonic() - frameStart; elapsed < frameInterval {
			s.clock.Sleep(frameInterval - elapsed)
		}
	}
}

// stretchToDisplay shifts RAW16 down to 8 bits and auto-stretches the
// histogram so dim astronomical frames are visible.
func stretchToDisplay(pix []uint16, width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	if len(pix) == 0 {
		return img
	}
	bytes8 := make([]uint8, len(pix))
	min, max := uint8(255), uint8(0)
	for i, v := range pix {
		b := uint8(v >> 8)
		bytes8[i] = b
		if b < min {
			min = b
		}
		if b > max {
			max = b
		}
	}
	if max > min {
		scale := 255.0 / float64(max-min)
		for i, b := range bytes8 {
			bytes8[i] = uint8(float64(b-min) * scale)
		}
	}
	copy(img.Pix, bytes8)
	return img
}

// StopAll stops every active stream by clearing the cameras' stream flags.
func (s *Service) StopAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.active))
	for key, active := range s.active {
		if active {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()
	for _, key := range keys {
		if cam, err := s.provider(key); err == nil {
			cam.StopStream()
		}
	}
}
