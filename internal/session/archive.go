package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/astrogo/fitsio"
)

// ArchiveExt is the archive file extension. FITS is the self-describing
// container of choice here: headers carry the session metadata, image HDUs
// keep the frame arrays dtype-exact.
const ArchiveExt = "fits"

// uint16 frames use the standard FITS unsigned convention: stored int16
// offset by bzeroU16.
const bzeroU16 = 32768

// frameRef ties a frame's metadata in the JSON tree to its image HDU.
type frameRef struct {
	Meta map[string]any `json:"meta"`
	HDU  string         `json:"hdu"`
}

type cameraDoc struct {
	Info     map[string]any `json:"info"`
	Settings map[string]any `json:"settings"`
	Light    []frameRef     `json:"light"`
	Dark     []frameRef     `json:"dark"`
	Flat     []frameRef     `json:"flat"`
	Bias     []frameRef     `json:"bias"`
}

type metaDoc struct {
	SessionType string `json:"session_type"`
	SessionID   string `json:"session_id"`
	Target      string `json:"target,omitempty"`
	Purpose     string `json:"purpose,omitempty"`
	Location    string `json:"location,omitempty"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
}

type observabilityDoc struct {
	Metrics Metrics          `json:"metrics"`
	Logs    []map[string]any `json:"logs"`
	Events  []map[string]any `json:"events"`
}

type sessionDoc struct {
	Meta          metaDoc                     `json:"meta"`
	Observability observabilityDoc            `json:"observability"`
	Telemetry     map[string][]map[string]any `json:"telemetry"`
	Calibration   map[string][]any            `json:"calibration"`
	Cameras       map[string]*cameraDoc       `json:"cameras"`
}

// writeArchive flushes the buffered session into
// <data_dir>/YYYY/MM/DD/<id>.fits. Caller holds the session mutex.
func (s *Session) writeArchive() (string, error) {
	dir := filepath.Join(s.dataDir,
		s.start.Format("2006"), s.start.Format("01"), s.start.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(dir, s.id+"."+ArchiveExt)

	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	f, err := fitsio.Create(out)
	if err != nil {
		return "", fmt.Errorf("open fits writer: %w", err)
	}
	defer f.Close()

	doc := sessionDoc{
		Meta: metaDoc{
			SessionType: string(s.typ),
			SessionID:   s.id,
			Target:      s.target,
			Purpose:     s.purpose,
			Location:    s.location,
			StartTime:   s.start.Format(time.RFC3339Nano),
			EndTime:     s.end.Format(time.RFC3339Nano),
		},
		Observability: observabilityDoc{
			Metrics: s.metrics,
			Logs:    s.logs,
			Events:  s.events,
		},
		Telemetry:   s.telemetry,
		Calibration: s.calibration,
		Cameras:     make(map[string]*cameraDoc, len(s.cameras)),
	}

	// Collect the frame HDU plan first so the JSON tree can reference the
	// HDUs by name before anything is written.
	type plannedFrame struct {
		name  string
		key   string
		typ   FrameType
		frame Frame
	}
	var planned []plannedFrame
	frameNum := 0
	planFrames := func(key string, frameType FrameType, frames []Frame) []frameRef {
		refs := make([]frameRef, 0, len(frames))
		for _, frame := range frames {
			name := fmt.Sprintf("F%d", frameNum)
			frameNum++
			planned = append(planned, plannedFrame{name: name, key: key, typ: frameType, frame: frame})
			refs = append(refs, frameRef{Meta: frame.Meta, HDU: name})
		}
		return refs
	}
	for key, record := range s.cameras {
		doc.Cameras[key] = &cameraDoc{
			Info:     record.Info,
			Settings: record.Settings,
			Light:    planFrames(key, Light, record.Frames[Light]),
			Dark:     planFrames(key, Dark, record.Frames[Dark]),
			Flat:     planFrames(key, Flat, record.Frames[Flat]),
			Bias:     planFrames(key, Bias, record.Frames[Bias]),
		}
	}

	blob, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal session tree: %w", err)
	}

	// Primary HDU: session metadata as header cards, the full non-array
	// tree as a JSON byte payload.
	primary := fitsio.NewImage(8, []int{len(blob)})
	defer primary.Close()
	cards := []fitsio.Card{
		{Name: "EXTNAME", Value: "SESSIONJS", Comment: "session tree as JSON"},
		{Name: "SESSTYPE", Value: string(s.typ), Comment: "session type"},
		{Name: "SESSID", Value: s.id, Comment: "session id"},
		{Name: "DATE-OBS", Value: s.start.Format(time.RFC3339), Comment: "session start (UTC)"},
		{Name: "DATE-END", Value: s.end.Format(time.RFC3339), Comment: "session end (UTC)"},
		{Name: "NFRAMES", Value: s.metrics.FramesCaptured, Comment: "frames captured"},
		{Name: "NERRORS", Value: s.metrics.Errors, Comment: "error count"},
		{Name: "NWARN", Value: s.metrics.Warnings, Comment: "warning count"},
		{Name: "DURATION", Value: s.metrics.DurationSeconds, Comment: "session duration (s)"},
	}
	if s.target != "" {
		cards = append(cards, fitsio.Card{Name: "TARGET", Value: s.target, Comment: "observation target"})
	}
	if s.purpose != "" {
		cards = append(cards, fitsio.Card{Name: "PURPOSE", Value: s.purpose})
	}
	if s.location != "" {
		cards = append(cards, fitsio.Card{Name: "LOCATION", Value: s.location})
	}
	if err := primary.Header().Append(cards...); err != nil {
		return "", fmt.Errorf("primary header: %w", err)
	}
	signed := make([]int8, len(blob))
	for i, b := range blob {
		signed[i] = int8(b)
	}
	if err := primary.Write(signed); err != nil {
		return "", fmt.Errorf("write primary hdu: %w", err)
	}
	if err := f.Write(primary); err != nil {
		return "", fmt.Errorf("write primary hdu: %w", err)
	}

	// One image HDU per frame, named F<n> in plan order.
	for _, p := range planned {
		if err := writeFrameHDU(f, p.name, p.key, p.typ, p.frame); err != nil {
			return "", err
		}
	}

	return path, nil
}

func writeFrameHDU(f *fitsio.File, name, cameraKey string, frameType FrameType, frame Frame) error {
	data := frame.Data
	if data == nil {
		data = &FrameArray{}
	}
	img := fitsio.NewImage(16, []int{data.Width, data.Height})
	defer img.Close()
	if err := img.Header().Append(
		fitsio.Card{Name: "EXTNAME", Value: name},
		fitsio.Card{Name: "CAMKEY", Value: cameraKey, Comment: "camera key"},
		fitsio.Card{Name: "FRMTYPE", Value: string(frameType), Comment: "frame type"},
		fitsio.Card{Name: "BZERO", Value: bzeroU16, Comment: "unsigned 16-bit convention"},
	); err != nil {
		return fmt.Errorf("frame %s header: %w", name, err)
	}
	// uint16 to int16: underflow wraps exactly as the FITS standard wants.
	raw := make([]int16, len(data.Pix))
	for i, u := range data.Pix {
		raw[i] = int16(u - bzeroU16)
	}
	if err := img.Write(raw); err != nil {
		return fmt.Errorf("write frame %s: %w", name, err)
	}
	if err := f.Write(img); err != nil {
		return fmt.Errorf("write frame %s: %w", name, err)
	}
	return nil
}

// ArchiveFrame is one frame read back from an archive.
type ArchiveFrame struct {
	Meta map[string]any
	Data *FrameArray
}

// ArchiveCamera mirrors one camera's record in an archive.
type ArchiveCamera struct {
	Info     map[string]any
	Settings map[string]any
	Light    []ArchiveFrame
	Dark     []ArchiveFrame
	Flat     []ArchiveFrame
	Bias     []ArchiveFrame
}

// Archive is the tree of a closed session, re-opened from disk.
type Archive struct {
	Meta        metaDoc
	Metrics     Metrics
	Logs        []map[string]any
	Events      []map[string]any
	Telemetry   map[string][]map[string]any
	Calibration map[string][]any
	Cameras     map[string]*ArchiveCamera
}

// OpenArchive reads a session archive back into its tree, reattaching the
// frame arrays bit-exactly.
func OpenArchive(path string) (*Archive, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	f, err := fitsio.Open(in)
	if err != nil {
		return nil, fmt.Errorf("read fits: %w", err)
	}
	defer f.Close()

	// Index the frame HDUs by EXTNAME and find the JSON tree.
	frames := make(map[string]*FrameArray)
	var doc sessionDoc
	haveDoc := false
	for _, hdu := range f.HDUs() {
		img, ok := hdu.(fitsio.Image)
		if !ok {
			continue
		}
		hdr := img.Header()
		nameCard := hdr.Get("EXTNAME")
		if nameCard == nil {
			continue
		}
		name, _ := nameCard.Value.(string)
		// img.Read sets the slice length to the pixel count, so the slices
		// it fills are allocated at that size.
		pixels := 1
		for _, dim := range hdr.Axes() {
			pixels *= dim
		}
		if name == "SESSIONJS" {
			signed := make([]int8, pixels)
			if err := img.Read(&signed); err != nil {
				return nil, fmt.Errorf("read session tree: %w", err)
			}
			blob := make([]byte, len(signed))
			for i, b := range signed {
				blob[i] = byte(b)
			}
			if err := json.Unmarshal(blob, &doc); err != nil {
				return nil, fmt.Errorf("decode session tree: %w", err)
			}
			haveDoc = true
			continue
		}
		if hdr.Get("CAMKEY") == nil {
			continue
		}
		axes := hdr.Axes()
		if len(axes) != 2 {
			continue
		}
		raw := make([]int16, pixels)
		if err := img.Read(&raw); err != nil {
			return nil, fmt.Errorf("read frame %s: %w", name, err)
		}
		pix := make([]uint16, len(raw))
		for i, v := range raw {
			pix[i] = uint16(v) + bzeroU16
		}
		frames[name] = &FrameArray{Width: axes[0], Height: axes[1], Pix: pix}
	}
	if !haveDoc {
		return nil, fmt.Errorf("archive %s has no session tree", path)
	}

	attach := func(refs []frameRef) []ArchiveFrame {
		out := make([]ArchiveFrame, 0, len(refs))
		for _, ref := range refs {
			out = append(out, ArchiveFrame{Meta: ref.Meta, Data: frames[ref.HDU]})
		}
		return out
	}
	archive := &Archive{
		Meta:        doc.Meta,
		Metrics:     doc.Observability.Metrics,
		Logs:        doc.Observability.Logs,
		Events:      doc.Observability.Events,
		Telemetry:   doc.Telemetry,
		Calibration: doc.Calibration,
		Cameras:     make(map[string]*ArchiveCamera, len(doc.Cameras)),
	}
	for key, cam := range doc.Cameras {
		archive.Cameras[key] = &ArchiveCamera{
			Info:     cam.Info,
			Settings: cam.Settings,
			Light:    attach(cam.Light),
			Dark:     attach(cam.Dark),
			Flat:     attach(cam.Flat),
			Bias:     attach(cam.Bias),
		}
	}
	return archive, nil
}
