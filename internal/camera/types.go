package camera

import (
	"time"

	"github.com/mgrandau/telescope-mcp/internal/device"
)

// Config is the startup configuration of one logical camera. Immutable for
// the camera's lifetime.
type Config struct {
	CameraID          int    `json:"camera_id" yaml:"camera_id"`
	Name              string `json:"name,omitempty" yaml:"name,omitempty"`
	DefaultGain       int    `json:"default_gain" yaml:"default_gain"`
	DefaultExposureUs int    `json:"default_exposure_us" yaml:"default_exposure_us"`
}

// Info describes a connected camera. Populated on connect, nil while
// disconnected.
type Info struct {
	CameraID      int                           `json:"camera_id"`
	Name          string                        `json:"name"`
	MaxWidth      int                           `json:"max_width"`
	MaxHeight     int                           `json:"max_height"`
	IsColor       bool                          `json:"is_color"`
	BayerPattern  string                        `json:"bayer_pattern,omitempty"`
	SupportedBins []int                         `json:"supported_bins,omitempty"`
	Controls      map[string]device.ControlCaps `json:"controls,omitempty"`
}

// OverlayType selects the shape the renderer draws.
type OverlayType string

const (
	OverlayNone      OverlayType = "none"
	OverlayCrosshair OverlayType = "crosshair"
	OverlayGrid      OverlayType = "grid"
	OverlayCircles   OverlayType = "circles"
	OverlayCustom    OverlayType = "custom"
)

// RGB color for overlay drawing.
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// OverlayConfig controls the reticle drawn on captured frames.
type OverlayConfig struct {
	Enabled bool           `json:"enabled"`
	Type    OverlayType    `json:"overlay_type"`
	Color   RGB            `json:"color"`
	Opacity float64        `json:"opacity"`
	Params  map[string]any `json:"params,omitempty"`
}

// Format of the returned image bytes.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatRaw  Format = "raw"
)

// CaptureOptions for a single capture. Nil means DefaultCaptureOptions.
type CaptureOptions struct {
	ExposureUs   *int
	Gain         *int
	ApplyOverlay bool
	Format       Format
}

// DefaultCaptureOptions apply the camera's tracked settings with overlay
// rendering on.
func DefaultCaptureOptions() *CaptureOptions {
	return &CaptureOptions{ApplyOverlay: true, Format: FormatJPEG}
}

// CaptureResult is one captured frame plus its metadata.
type CaptureResult struct {
	Image      []byte         `json:"-"`
	Timestamp  time.Time      `json:"timestamp_utc"`
	ExposureUs int            `json:"exposure_us"`
	Gain       int            `json:"gain"`
	Width      int            `json:"width,omitempty"`
	Height     int            `json:"height,omitempty"`
	Format     Format         `json:"format"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	HasOverlay bool           `json:"has_overlay"`
}

// StreamFrame is one frame yielded by Camera.Stream.
type StreamFrame struct {
	Image      []byte    `json:"-"`
	Timestamp  time.Time `json:"timestamp_utc"`
	Sequence   uint64    `json:"sequence"`
	ExposureUs int       `json:"exposure_us"`
	Gain       int       `json:"gain"`
	HasOverlay bool      `json:"has_overlay"`
}

// Hooks are optional callbacks fired by the camera. Nil fields are skipped.
type Hooks struct {
	OnConnect     func(Info)
	OnDisconnect  func()
	OnCapture     func(CaptureResult)
	OnStreamFrame func(StreamFrame)
	OnError       func(error)
}

// RecoveryStrategy tries to revive unreachable hardware, e.g. by power
// cycling the USB port. Implementations are bounded and never panic.
type RecoveryStrategy interface {
	AttemptRecovery(cameraID int) bool
}

// NullRecovery declines every recovery attempt.
type NullRecovery struct{}

func (NullRecovery) AttemptRecovery(int) bool { return false }

// OverlayRenderer draws an overlay onto a captured frame, returning the
// rendered result.
type OverlayRenderer interface {
	Render(result CaptureResult, cfg OverlayConfig) (CaptureResult, error)
}

// NullRenderer passes frames through untouched.
type NullRenderer struct{}

func (NullRenderer) Render(result CaptureResult, _ OverlayConfig) (CaptureResult, error) {
	return result, nil
}
