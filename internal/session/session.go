// Package session captures frames, logs, events and telemetry during an
// observatory activity and flushes them to a single self-describing
// archive file on close.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mgrandau/telescope-mcp/internal/device"
)

// Type of the session.
type Type string

const (
	Observation Type = "observation"
	Alignment   Type = "alignment"
	Experiment  Type = "experiment"
	Maintenance Type = "maintenance"
	Idle        Type = "idle"
)

// LogLevel of a session log entry.
type LogLevel string

const (
	LevelDebug    LogLevel = "DEBUG"
	LevelInfo     LogLevel = "INFO"
	LevelWarning  LogLevel = "WARNING"
	LevelError    LogLevel = "ERROR"
	LevelCritical LogLevel = "CRITICAL"
)

// FrameType classifies a captured frame for calibration stacking.
type FrameType string

const (
	Light FrameType = "light"
	Dark  FrameType = "dark"
	Flat  FrameType = "flat"
	Bias  FrameType = "bias"
)

// FrameArray is a RAW16 frame buffer with its dimensions. The pixel dtype
// is preserved through the archive bit-exactly.
type FrameArray struct {
	Width  int
	Height int
	Pix    []uint16
}

// Frame is one stored frame plus its metadata.
type Frame struct {
	Data *FrameArray
	Meta map[string]any
}

// CameraRecord accumulates everything stored for one camera key.
type CameraRecord struct {
	Info     map[string]any
	Settings map[string]any
	Frames   map[FrameType][]Frame
}

// Metrics summarize a session.
type Metrics struct {
	FramesCaptured  int     `json:"frames_captured"`
	Errors          int     `json:"errors"`
	Warnings        int     `json:"warnings"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Session buffers an observatory activity until Close writes the archive.
// A session is either open (mutations allowed) or closed (file on disk);
// the transition is one-way.
type Session struct {
	mu sync.Mutex

	typ      Type
	id       string
	target   string
	purpose  string
	location string
	start    time.Time
	end      time.Time

	cameras     map[string]*CameraRecord
	telemetry   map[string][]map[string]any
	calibration map[string][]any
	logs        []map[string]any
	events      []map[string]any
	metrics     Metrics

	closed  bool
	dataDir string
	now     func() time.Time
}

// Options for a new session. Target and Purpose feed the session id slug.
type Options struct {
	Target   string
	Purpose  string
	Location string
	// Now overrides the clock. Test hook.
	Now func() time.Time
}

// New opens a session rooted at dataDir.
func New(typ Type, dataDir string, opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	start := now()
	label := opts.Target
	if label == "" {
		label = opts.Purpose
	}
	return &Session{
		typ:         typ,
		id:          sessionID(typ, label, start),
		target:      opts.Target,
		purpose:     opts.Purpose,
		location:    opts.Location,
		start:       start,
		cameras:     make(map[string]*CameraRecord),
		telemetry:   make(map[string][]map[string]any),
		calibration: make(map[string][]any),
		dataDir:     dataDir,
		now:         now,
	}
}

// sessionID builds "<type>_<slug>_<YYYYMMDD_HHMMSS>"; the slug part is
// omitted when there is no target or purpose.
func sessionID(typ Type, label string, start time.Time) string {
	stamp := start.Format("20060102_150405")
	if s := slug(label); s != "" {
		return fmt.Sprintf("%s_%s_%s", typ, s, stamp)
	}
	return fmt.Sprintf("%s_%s", typ, stamp)
}

// slug lowercases, maps whitespace to underscores, keeps [a-z0-9_] and
// truncates to 20 characters.
func slug(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r == ' ' || r == '\t' || r == '\n':
			sb.WriteByte('_')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		}
	}
	out := sb.String()
	if len(out) > 20 {
		out = out[:20]
	}
	return out
}

// ID of the session.
func (s *Session) ID() string { return s.id }

// SessionType of the session.
func (s *Session) SessionType() Type { return s.typ }

// IsClosed reports whether Close already ran.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// MetricsSnapshot returns a copy of the current metrics.
func (s *Session) MetricsSnapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics
	if s.closed {
		m.DurationSeconds = s.end.Sub(s.start).Seconds()
	} else {
		m.DurationSeconds = s.now().Sub(s.start).Seconds()
	}
	return m
}

func (s *Session) ensureOpen() error {
	if s.closed {
		return fmt.Errorf("session %s: %w", s.id, device.ErrSessionClosed)
	}
	return nil
}

// Log appends a leveled entry. WARNING bumps the warning counter; ERROR
// and CRITICAL bump the error counter.
func (s *Session) Log(level LogLevel, message string, context map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	entry := map[string]any{
		"timestamp": s.now().Format(time.RFC3339Nano),
		"level":     string(level),
		"message":   message,
	}
	if len(context) > 0 {
		entry["context"] = context
	}
	s.logs = append(s.logs, entry)
	switch level {
	case LevelWarning:
		s.metrics.Warnings++
	case LevelError, LevelCritical:
		s.metrics.Errors++
	}
	return nil
}

// AddEvent appends a named event.
func (s *Session) AddEvent(name string, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	entry := map[string]any{
		"timestamp": s.now().Format(time.RFC3339Nano),
		"event":     name,
		"event_id":  uuid.NewString(),
	}
	if len(details) > 0 {
		entry["details"] = details
	}
	s.events = append(s.events, entry)
	return nil
}

// AddFrame stores a light frame for the camera, creating the camera record
// lazily. The frame type lives in the frame's metadata; callers that sort
// into dark/flat/bias lists use AddTypedFrame. Returns the frame's index
// in its list.
func (s *Session) AddFrame(cameraKey string, data *FrameArray, info, settings map[string]any) (int, error) {
	return s.AddTypedFrame(cameraKey, Light, data, info, settings)
}

// AddTypedFrame stores a frame in the named calibration list.
func (s *Session) AddTypedFrame(cameraKey string, frameType FrameType, data *FrameArray, info, settings map[string]any) (int, error) {
	switch frameType {
	case Light, Dark, Flat, Bias:
	default:
		return 0, fmt.Errorf("frame type %q: %w", frameType, device.ErrRange)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	record := s.cameras[cameraKey]
	if record == nil {
		record = &CameraRecord{
			Info:     make(map[string]any),
			Settings: make(map[string]any),
			Frames:   make(map[FrameType][]Frame),
		}
		s.cameras[cameraKey] = record
	}
	for k, v := range info {
		record.Info[k] = v
	}
	for k, v := range settings {
		record.Settings[k] = v
	}
	meta := map[string]any{
		"timestamp":  s.now().Format(time.RFC3339Nano),
		"frame_type": string(frameType),
	}
	record.Frames[frameType] = append(record.Frames[frameType], Frame{Data: data, Meta: meta})
	s.metrics.FramesCaptured++
	return len(record.Frames[frameType]) - 1, nil
}

// AnnotateLastFrame merges metadata into the most recent frame of the
// given list, for callers that attach coordinates after capture.
func (s *Session) AnnotateLastFrame(cameraKey string, frameType FrameType, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	record := s.cameras[cameraKey]
	if record == nil || len(record.Frames[frameType]) == 0 {
		return fmt.Errorf("no %s frames for camera %q: %w", frameType, cameraKey, device.ErrNotFound)
	}
	frames := record.Frames[frameType]
	last := frames[len(frames)-1]
	for k, v := range meta {
		last.Meta[k] = v
	}
	return nil
}

// AddTelemetry appends a timestamped record under the telemetry type.
func (s *Session) AddTelemetry(telemetryType string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	entry := map[string]any{"time": s.now().Format(time.RFC3339Nano)}
	for k, v := range data {
		entry[k] = v
	}
	s.telemetry[telemetryType] = append(s.telemetry[telemetryType], entry)
	return nil
}

// AddCalibration appends a record under the calibration type.
func (s *Session) AddCalibration(calibrationType string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.calibration[calibrationType] = append(s.calibration[calibrationType], data)
	return nil
}

// Close records the end time, writes the archive and returns its path.
// A second Close fails with ErrSessionClosed.
func (s *Session) Close() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return "", err
	}
	s.end = s.now()
	s.metrics.DurationSeconds = s.end.Sub(s.start).Seconds()
	path, err := s.writeArchive()
	if err != nil {
		return "", fmt.Errorf("flush session %s: %w", s.id, err)
	}
	s.closed = true
	return path, nil
}
