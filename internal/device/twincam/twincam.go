// Package twincam is a deterministic digital twin of an astronomy camera.
// It produces synthetic frames with a stable per-sequence pattern so tests
// and development runs behave identically on every machine, and it exposes
// failure-injection hooks for exercising recovery paths.
package twincam

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/mgrandau/telescope-mcp/internal/device"
)

// Spec configures the twin.
type Spec struct {
	CameraID int
	Name     string
	Width    int
	Height   int
	IsColor  bool
	Bayer    string
}

func (s *Spec) defaults() {
	if s.Name == "" {
		s.Name = fmt.Sprintf("Twin Camera %d", s.CameraID)
	}
	if s.Width == 0 {
		s.Width = 1280
	}
	if s.Height == 0 {
		s.Height = 960
	}
	if s.IsColor && s.Bayer == "" {
		s.Bayer = "RGGB"
	}
}

// Driver opens at most one instance, like the vendor SDK wrapper it stands
// in for.
type Driver struct {
	mu       sync.Mutex
	spec     Spec
	instance *Instance
}

// New returns a driver for one twin camera.
func New(spec Spec) *Driver {
	spec.defaults()
	return &Driver{spec: spec}
}

func (d *Driver) Discover() ([]device.Description, error) {
	return []device.Description{{
		ID:          d.spec.CameraID,
		Type:        "camera",
		Name:        d.spec.Name,
		Description: "digital twin camera",
	}}, nil
}

func (d *Driver) Open(id int) (device.CameraInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id != d.spec.CameraID {
		return nil, fmt.Errorf("camera %d: %w", id, device.ErrNotFound)
	}
	if d.instance != nil {
		return nil, fmt.Errorf("camera %d already open: %w", id, device.ErrAlreadyConnected)
	}
	inst := newInstance(d)
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

func (d *Driver) release(inst *Instance) {
	d.mu.Lock()
	if d.instance == inst {
		d.instance = nil
	}
	d.mu.Unlock()
}

// Instance is one opened twin camera.
type Instance struct {
	driver *Driver
	spec   Spec

	mu        sync.Mutex
	closed    bool
	video     bool
	seq       uint64
	roiW      int
	roiH      int
	imageType device.ImageType
	controls  map[string]*device.ControlCaps

	failCaptures int // remaining still captures to fail
	failVideo    int // remaining video frames to fail
	failWith     error
}

func newInstance(d *Driver) *Instance {
	return &Instance{
		driver:    d,
		spec:      d.spec,
		roiW:      d.spec.Width,
		roiH:      d.spec.Height,
		imageType: device.RAW16,
		controls: map[string]*device.ControlCaps{
			"Gain":        {Min: 0, Max: 600, Default: 80, Current: 80},
			"Exposure":    {Min: 32, Max: 2_000_000_000, Default: 10_000, Current: 10_000},
			"BandWidth":   {Min: 40, Max: 100, Default: 80, Current: 80},
			"Temperature": {Min: -500, Max: 1000, Default: 215, Current: 215},
		},
	}
}

// FailNextCaptures makes the next n still captures fail with err
// (device.ErrDriver when err is nil).
func (i *Instance) FailNextCaptures(n int, err error) {
	i.mu.Lock()
	i.failCaptures = n
	i.failWith = err
	i.mu.Unlock()
}

// FailNextVideoFrames makes the next n video frames fail with err.
func (i *Instance) FailNextVideoFrames(n int, err error) {
	i.mu.Lock()
	i.failVideo = n
	i.failWith = err
	i.mu.Unlock()
}

func (i *Instance) injected() error {
	if i.failWith != nil {
		return i.failWith
	}
	return fmt.Errorf("injected failure: %w", device.ErrDriver)
}

func (i *Instance) Properties() (device.CameraProperties, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.CameraProperties{}, device.ErrNotConnected
	}
	return device.CameraProperties{
		CameraID:      i.spec.CameraID,
		Name:          i.spec.Name,
		MaxWidth:      i.spec.Width,
		MaxHeight:     i.spec.Height,
		IsColor:       i.spec.IsColor,
		BayerPattern:  i.spec.Bayer,
		SupportedBins: []int{1, 2},
	}, nil
}

func (i *Instance) Controls() (map[string]device.ControlCaps, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, device.ErrNotConnected
	}
	out := make(map[string]device.ControlCaps, len(i.controls))
	for name, caps := range i.controls {
		out[name] = *caps
	}
	return out, nil
}

func (i *Instance) SetControl(name string, value int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.ErrNotConnected
	}
	caps, ok := i.controls[name]
	if !ok {
		return fmt.Errorf("control %q: %w", name, device.ErrNotFound)
	}
	if name == "Temperature" {
		return fmt.Errorf("control %q is read-only: %w", name, device.ErrDriver)
	}
	if value < caps.Min || value > caps.Max {
		return fmt.Errorf("control %q value %d outside [%d,%d]: %w",
			name, value, caps.Min, caps.Max, device.ErrRange)
	}
	caps.Current = value
	return nil
}

func (i *Instance) Control(name string) (int, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return 0, false, device.ErrNotConnected
	}
	caps, ok := i.controls[name]
	if !ok {
		return 0, false, fmt.Errorf("control %q: %w", name, device.ErrNotFound)
	}
	return caps.Current, false, nil
}

// Capture renders the current pattern as an 8-bit grayscale JPEG.
func (i *Instance) Capture(exposureUs int) ([]byte, error) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil, device.ErrNotConnected
	}
	if i.failCaptures > 0 {
		i.failCaptures--
		err := i.injected()
		i.mu.Unlock()
		return nil, err
	}
	w, h := i.roiW, i.roiH
	seq := i.seq
	i.seq++
	i.mu.Unlock()

	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Pix[y*img.Stride+x] = patternByte(x, y, w, seq)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode: %w", device.ErrDriver)
	}
	return buf.Bytes(), nil
}

func (i *Instance) StartVideoCapture() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.ErrNotConnected
	}
	i.video = true
	return nil
}

func (i *Instance) StopVideoCapture() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.ErrNotConnected
	}
	i.video = false
	return nil
}

func (i *Instance) CaptureVideoFrame(buf []byte, timeout time.Duration) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.ErrNotConnected
	}
	if !i.video {
		return fmt.Errorf("video capture not started: %w", device.ErrDriver)
	}
	if i.failVideo > 0 {
		i.failVideo--
		return i.injected()
	}
	need := i.roiW * i.roiH * i.imageType.BytesPerPixel()
	if len(buf) < need {
		return fmt.Errorf("buffer %d < frame %d: %w", len(buf), need, device.ErrDriver)
	}
	i.fillFrame(buf[:need])
	i.seq++
	return nil
}

// fillFrame writes the deterministic pattern for the current sequence.
func (i *Instance) fillFrame(buf []byte) {
	w, h := i.roiW, i.roiH
	switch i.imageType {
	case device.RAW16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := pattern16(x, y, w, i.seq)
				off := (y*w + x) * 2
				buf[off] = byte(v)
				buf[off+1] = byte(v >> 8)
			}
		}
	case device.RGB24:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				b := patternByte(x, y, w, i.seq)
				off := (y*w + x) * 3
				buf[off], buf[off+1], buf[off+2] = b, b, b
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				buf[y*w+x] = patternByte(x, y, w, i.seq)
			}
		}
	}
}

func (i *Instance) SetROI(width, height, bins int, imageType device.ImageType) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return device.ErrNotConnected
	}
	if width < 1 || height < 1 || width > i.spec.Width || height > i.spec.Height {
		return fmt.Errorf("roi %dx%d: %w", width, height, device.ErrRange)
	}
	if bins != 1 && bins != 2 {
		return fmt.Errorf("bins %d: %w", bins, device.ErrRange)
	}
	i.roiW, i.roiH, i.imageType = width/bins, height/bins, imageType
	return nil
}

func (i *Instance) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.video = false
	i.mu.Unlock()
	i.driver.release(i)
	return nil
}

// Seq reports how many frames the twin has produced. Test hook.
func (i *Instance) Seq() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.seq
}

func pattern16(x, y, w int, seq uint64) uint16 {
	g := 0
	if w > 1 {
		g = x * 65535 / (w - 1)
	}
	return uint16((g + y + int(seq)*17) & 0xffff)
}

func patternByte(x, y, w int, seq uint64) byte {
	return byte(pattern16(x, y, w, seq) >> 8)
}
