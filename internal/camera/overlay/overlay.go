// Package overlay renders alignment reticles onto captured JPEG frames.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/fogleman/gg"

	"github.com/mgrandau/telescope-mcp/internal/camera"
	"github.com/mgrandau/telescope-mcp/internal/device"
)

const encodeQuality = 90

// Renderer draws crosshair, grid and circle overlays with fogleman/gg.
// Frames in raw format pass through untouched.
type Renderer struct{}

func New() *Renderer { return &Renderer{} }

// Render decodes the frame, draws the configured overlay and re-encodes.
func (r *Renderer) Render(result camera.CaptureResult, cfg camera.OverlayConfig) (camera.CaptureResult, error) {
	if result.Format != camera.FormatJPEG || cfg.Type == camera.OverlayNone {
		return result, nil
	}
	src, _, err := image.Decode(bytes.NewReader(result.Image))
	if err != nil {
		return camera.CaptureResult{}, fmt.Errorf("decode frame: %v: %w", err, device.ErrInternal)
	}

	dc := gg.NewContextForImage(src)
	w, h := float64(dc.Width()), float64(dc.Height())
	opacity := cfg.Opacity
	if opacity <= 0 || opacity > 1 {
		opacity = 1
	}
	dc.SetRGBA(float64(cfg.Color.R)/255, float64(cfg.Color.G)/255, float64(cfg.Color.B)/255, opacity)
	dc.SetLineWidth(floatParam(cfg.Params, "line_width", 1.5))

	switch cfg.Type {
	case camera.OverlayCrosshair:
		gap := floatParam(cfg.Params, "gap", 0)
		dc.DrawLine(0, h/2, w/2-gap, h/2)
		dc.DrawLine(w/2+gap, h/2, w, h/2)
		dc.DrawLine(w/2, 0, w/2, h/2-gap)
		dc.DrawLine(w/2, h/2+gap, w/2, h)
		dc.Stroke()
	case camera.OverlayGrid:
		spacing := floatParam(cfg.Params, "spacing", 100)
		for x := spacing; x < w; x += spacing {
			dc.DrawLine(x, 0, x, h)
		}
		for y := spacing; y < h; y += spacing {
			dc.DrawLine(0, y, w, y)
		}
		dc.Stroke()
	case camera.OverlayCircles:
		count := int(floatParam(cfg.Params, "count", 3))
		step := floatParam(cfg.Params, "spacing", minF(w, h)/float64(2*(count+1)))
		for n := 1; n <= count; n++ {
			dc.DrawCircle(w/2, h/2, float64(n)*step)
		}
		dc.Stroke()
	case camera.OverlayCustom:
		// Renderer-specific: draw line segments from params["lines"], each
		// [x0 y0 x1 y1] in pixels. Anything else is ignored.
		if lines, ok := cfg.Params["lines"].([][4]float64); ok {
			for _, seg := range lines {
				dc.DrawLine(seg[0], seg[1], seg[2], seg[3])
			}
			dc.Stroke()
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dc.Image(), &jpeg.Options{Quality: encodeQuality}); err != nil {
		return camera.CaptureResult{}, fmt.Errorf("encode frame: %v: %w", err, device.ErrInternal)
	}

	rendered := result
	rendered.Image = buf.Bytes()
	meta := make(map[string]any, len(result.Metadata)+1)
	for k, v := range result.Metadata {
		meta[k] = v
	}
	rendered.Metadata = meta
	return rendered, nil
}

func floatParam(params map[string]any, key string, fallback float64) float64 {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
