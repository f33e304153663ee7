package camera

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mgrandau/telescope-mcp/internal/device"
)

// Lookup resolves a camera key ("finder", "main") to a Camera.
type Lookup func(key string) (*Camera, error)

// SyncRequest names the two cameras and their per-camera settings for a
// synchronized capture.
type SyncRequest struct {
	Primary             string `json:"primary"`
	Secondary           string `json:"secondary"`
	PrimaryExposureUs   int    `json:"primary_exposure_us"`
	SecondaryExposureUs int    `json:"secondary_exposure_us"`
	PrimaryGain         *int   `json:"primary_gain,omitempty"`
	SecondaryGain       *int   `json:"secondary_gain,omitempty"`
}

// SyncResult carries both frames and the start-time skew between them.
type SyncResult struct {
	PrimaryFrame   CaptureResult `json:"primary_frame"`
	SecondaryFrame CaptureResult `json:"secondary_frame"`
	TimingErrorUs  float64       `json:"timing_error_us"`
	TimingErrorMs  float64       `json:"timing_error_ms"`
}

// Controller coordinates captures across the registered cameras. It holds
// cameras by key only and does not own their lifecycle.
type Controller struct {
	lookup Lookup
	clock  Clock
}

// NewController builds a controller over a camera lookup.
func NewController(lookup Lookup, clock Clock) *Controller {
	if clock == nil {
		clock = SystemClock()
	}
	return &Controller{lookup: lookup, clock: clock}
}

// SyncCapture runs both captures concurrently and reports the absolute
// difference of their capture-start monotonic timestamps. The longer of the
// two exposures dominates total wall time.
func (c *Controller) SyncCapture(ctx context.Context, req SyncRequest) (SyncResult, error) {
	primary, err := c.lookup(req.Primary)
	if err != nil {
		return SyncResult{}, fmt.Errorf("primary %q: %w", req.Primary, device.ErrNotFound)
	}
	secondary, err := c.lookup(req.Secondary)
	if err != nil {
		return SyncResult{}, fmt.Errorf("secondary %q: %w", req.Secondary, device.ErrNotFound)
	}

	type timed struct {
		start  time.Duration
		result CaptureResult
	}
	capture := func(cam *Camera, exposureUs int, gain *int, out *timed) func() error {
		return func() error {
			out.start = c.clock.Monotonic()
			result, err := cam.Capture(&CaptureOptions{
				ExposureUs: &exposureUs,
				Gain:       gain,
				Format:     FormatJPEG,
			})
			if err != nil {
				return err
			}
			out.result = result
			return nil
		}
	}

	var primaryOut, secondaryOut timed
	group, _ := errgroup.WithContext(ctx)
	group.Go(capture(primary, req.PrimaryExposureUs, req.PrimaryGain, &primaryOut))
	group.Go(capture(secondary, req.SecondaryExposureUs, req.SecondaryGain, &secondaryOut))
	if err := group.Wait(); err != nil {
		return SyncResult{}, err
	}

	skew := primaryOut.start - secondaryOut.start
	if skew < 0 {
		skew = -skew
	}
	errorUs := float64(skew.Microseconds())
	return SyncResult{
		PrimaryFrame:   primaryOut.result,
		SecondaryFrame: secondaryOut.result,
		TimingErrorUs:  errorUs,
		TimingErrorMs:  errorUs / 1000,
	}, nil
}
