package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mgrandau/telescope-mcp/internal/camera"
	"github.com/mgrandau/telescope-mcp/internal/device"
	"github.com/mgrandau/telescope-mcp/internal/session"
	"github.com/mgrandau/telescope-mcp/internal/stream"
)

// Whitelisted camera controls settable over the API.
var allowedControls = map[string]bool{
	"Gain":          true,
	"Exposure":      true,
	"BandWidth":     true,
	"Brightness":    true,
	"WB_R":          true,
	"WB_B":          true,
	"Flip":          true,
	"HighSpeedMode": true,
}

// resolveCamera accepts a camera key or a numeric camera id.
func (s *Server) resolveCamera(ref string) (string, *camera.Camera, error) {
	if cam, err := s.registry.Camera(ref); err == nil {
		return ref, cam, nil
	}
	if id, err := strconv.Atoi(ref); err == nil {
		for _, key := range s.registry.Keys() {
			cam, err := s.registry.Camera(key)
			if err != nil {
				continue
			}
			if cam.Config().CameraID == id {
				return key, cam, nil
			}
		}
	}
	return "", nil, fmt.Errorf("camera %q: %w", ref, device.ErrNotFound)
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Key       string `json:"key"`
		ID        int    `json:"id"`
		Name      string `json:"name"`
		Connected bool   `json:"connected"`
		Streaming bool   `json:"streaming"`
	}
	cameras := make([]entry, 0)
	for _, key := range s.registry.Keys() {
		cam, err := s.registry.Camera(key)
		if err != nil {
			writeError(w, err)
			return
		}
		e := entry{
			Key:       key,
			ID:        cam.Config().CameraID,
			Name:      cam.Config().Name,
			Connected: cam.IsConnected(),
			Streaming: cam.IsStreaming(),
		}
		if info := cam.Info(); info != nil {
			e.Name = info.Name
		}
		cameras = append(cameras, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(cameras),
		"cameras": cameras,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "camera")
	clientID := uuid.NewString()

	exposure, expSet, ok := queryInt(w, r, "exposure_us", 1, 60_000_000)
	if !ok {
		return
	}
	gain, gainSet, ok := queryInt(w, r, "gain", 0, 600)
	if !ok {
		return
	}
	fps, fpsSet, ok := queryInt(w, r, "fps", 1, 60)
	if !ok {
		return
	}
	if !fpsSet {
		fps = 15
	}

	key, _, err := s.resolveCamera(ref)
	if err != nil {
		// The stream itself reports unknown cameras as an in-band error
		// frame; key falls through as the raw reference.
		key = ref
	}

	params := stream.Params{FPS: fps}
	if expSet {
		params.ExposureUs = &exposure
	}
	if gainSet {
		params.Gain = &gain
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+stream.Boundary)
	w.Header().Set("Cache-Control", "no-store, no-cache")
	w.WriteHeader(http.StatusOK)

	s.logger.Info("stream client connected",
		zap.String("camera", key), zap.String("client_id", clientID))
	err = s.streams.Stream(r.Context(), key, params, func(chunk []byte) error {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("stream terminated", zap.String("camera", key),
			zap.String("client_id", clientID), zap.Error(err))
	}
}

func (s *Server) handleCameraControl(w http.ResponseWriter, r *http.Request) {
	control := r.URL.Query().Get("control")
	if !allowedControls[control] {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "unknown_control",
			"message": fmt.Sprintf("control %q is not settable", control),
		})
		return
	}
	rawValue := r.URL.Query().Get("value")
	value, err := strconv.Atoi(rawValue)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "bad_request",
			"message": "value must be an integer",
		})
		return
	}

	key, cam, err := s.resolveCamera(chi.URLParam(r, "camera"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := cam.SetControl(control, value); err != nil {
		writeError(w, err)
		return
	}
	current, err := cam.Control(control)
	if err != nil {
		writeError(w, err)
		return
	}

	// Persist exposure/gain so later streams pick the operator's values.
	if control == "Gain" || control == "Exposure" {
		settings := stream.Settings{}
		if exp, err := cam.Control("Exposure"); err == nil {
			settings.ExposureUs = exp
		}
		if g, err := cam.Control("Gain"); err == nil {
			settings.Gain = g
		}
		s.streams.StoreSettings(key, settings)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"camera_id":     cam.Config().CameraID,
		"control":       control,
		"value_set":     value,
		"value_current": current,
		"auto":          false,
	})
}

func (s *Server) handleCameraCapture(w http.ResponseWriter, r *http.Request) {
	frameType := session.FrameType(r.URL.Query().Get("frame_type"))
	if frameType == "" {
		frameType = session.Light
	}
	switch frameType {
	case session.Light, session.Dark, session.Flat, session.Bias:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "bad_request",
			"message": "frame_type must be one of light, dark, flat, bias",
		})
		return
	}

	key, cam, err := s.resolveCamera(chi.URLParam(r, "camera"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.streams.IsActive(key) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "bad_request",
			"message": fmt.Sprintf("no active stream for camera %q", key),
		})
		return
	}
	latest, ok := s.streams.Latest(key)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "bad_request",
			"message": fmt.Sprintf("no buffered frame for camera %q yet", key),
		})
		return
	}

	meta := map[string]any{
		"exposure_us":     latest.ExposureUs,
		"gain":            latest.Gain,
		"stream_sequence": latest.Sequence,
		"captured_at":     latest.Timestamp,
	}
	info := map[string]any{}
	if ci := cam.Info(); ci != nil {
		info["name"] = ci.Name
		info["max_width"] = ci.MaxWidth
		info["max_height"] = ci.MaxHeight
		info["is_color"] = ci.IsColor
	}
	if sensor := s.registry.Sensor(); sensor != nil && sensor.IsConnected() {
		if reading, err := sensor.Read(1); err == nil {
			meta["altitude_deg"] = reading.AltitudeDeg
			meta["azimuth_deg"] = reading.AzimuthDeg
			if eq, err := s.converter.AltAzToRADec(
				reading.AltitudeDeg, reading.AzimuthDeg, s.observer, latest.Timestamp); err == nil {
				meta["ra_hours"] = eq.RAHours
				meta["dec_deg"] = eq.DecDeg
			}
		}
	}

	current := s.sessions.Current()
	if current == nil {
		current = s.sessions.Start(session.Observation, session.Options{})
	}
	index, err := current.AddTypedFrame(key, frameType, &session.FrameArray{
		Width:  latest.Width,
		Height: latest.Height,
		Pix:    latest.Pix,
	}, info, map[string]any{
		"exposure_us": latest.ExposureUs,
		"gain":        latest.Gain,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if err := current.AnnotateLastFrame(key, frameType, meta); err != nil {
		s.logger.Warn("frame annotate failed", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"camera":      key,
		"frame_type":  string(frameType),
		"frame_index": index,
		"session_id":  current.ID(),
		"width":       latest.Width,
		"height":      latest.Height,
	})
}

func parseAxis(raw string) (device.Axis, error) {
	switch strings.ToLower(raw) {
	case "altitude", "alt":
		return device.Altitude, nil
	case "azimuth", "az":
		return device.Azimuth, nil
	default:
		return 0, fmt.Errorf("motor %q: %w", raw, device.ErrNotFound)
	}
}

func (s *Server) motorOr404(w http.ResponseWriter) bool {
	if s.registry.Motor() == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":   "not_found",
			"message": "no motor controller configured",
		})
		return false
	}
	return true
}

func (s *Server) handleMotorMove(w http.ResponseWriter, r *http.Request) {
	axis, err := parseAxis(chi.URLParam(r, "axis"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.motorOr404(w) {
		return
	}
	rawSteps := r.URL.Query().Get("steps")
	steps, err := strconv.Atoi(rawSteps)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "bad_request",
			"message": "steps must be an integer",
		})
		return
	}
	speed, speedSet, ok := queryInt(w, r, "speed", 1, 100)
	if !ok {
		return
	}
	if !speedSet {
		speed = 100
	}

	if err := s.registry.Motor().Move(axis, steps, speed); err != nil {
		writeError(w, err)
		return
	}
	s.respondMotorStatus(w, axis)
}

func (s *Server) handleMotorNudge(w http.ResponseWriter, r *http.Request) {
	axis, err := parseAxis(chi.URLParam(r, "axis"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.motorOr404(w) {
		return
	}
	direction := strings.ToLower(r.URL.Query().Get("direction"))
	if !validDirection(axis, direction) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   "range_error",
			"message": fmt.Sprintf("direction %q invalid for %s", direction, axis),
		})
		return
	}
	degrees, err := strconv.ParseFloat(r.URL.Query().Get("degrees"), 64)
	if err != nil || degrees < 0.01 || degrees > 10 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   "range_error",
			"message": "degrees must be within [0.01, 10]",
		})
		return
	}
	speed, speedSet, ok := queryInt(w, r, "speed", 1, 100)
	if !ok {
		return
	}
	if !speedSet {
		speed = 100
	}

	if err := s.registry.Motor().Nudge(axis, direction, degrees, speed); err != nil {
		writeError(w, err)
		return
	}
	s.respondMotorStatus(w, axis)
}

func (s *Server) handleMotorStart(w http.ResponseWriter, r *http.Request) {
	axis, err := parseAxis(chi.URLParam(r, "axis"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.motorOr404(w) {
		return
	}
	direction := strings.ToLower(r.URL.Query().Get("direction"))
	if !validDirection(axis, direction) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   "range_error",
			"message": fmt.Sprintf("direction %q invalid for %s", direction, axis),
		})
		return
	}
	speed, speedSet, ok := queryInt(w, r, "speed", 1, 100)
	if !ok {
		return
	}
	if !speedSet {
		speed = 50
	}

	if err := s.registry.Motor().StartContinuous(axis, direction, speed); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"motor":     axis.String(),
		"moving":    true,
		"direction": direction,
		"speed":     speed,
	})
}

// validDirection applies the per-axis direction patterns: up/down for
// altitude, cw/ccw/left/right for azimuth.
func validDirection(axis device.Axis, direction string) bool {
	if axis == device.Altitude {
		return direction == "up" || direction == "down"
	}
	switch direction {
	case "cw", "ccw", "left", "right":
		return true
	}
	return false
}

func (s *Server) handleMotorStop(w http.ResponseWriter, r *http.Request) {
	if !s.motorOr404(w) {
		return
	}
	rawAxis := r.URL.Query().Get("axis")
	if rawAxis == "" {
		if err := s.registry.Motor().StopAll(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stopped": "all"})
		return
	}
	axis, err := parseAxis(rawAxis)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Motor().Stop(axis); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": axis.String()})
}

func (s *Server) handleMotorHomeSet(w http.ResponseWriter, r *http.Request) {
	if !s.motorOr404(w) {
		return
	}
	motorController := s.registry.Motor()
	if err := motorController.ZeroPosition(device.Altitude); err != nil {
		writeError(w, err)
		return
	}
	if err := motorController.ZeroPosition(device.Azimuth); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"homed": true})
}

func (s *Server) respondMotorStatus(w http.ResponseWriter, axis device.Axis) {
	motorStatus, err := s.registry.Motor().Status(axis)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, motorStatus)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{"sensor_status": "no_sensor"}
	sensorWrapper := s.registry.Sensor()
	if sensorWrapper != nil && sensorWrapper.IsConnected() {
		reading, err := sensorWrapper.Read(1)
		if err != nil {
			response["sensor_status"] = "error"
			response["error"] = err.Error()
		} else {
			response["sensor_status"] = "ok"
			response["altitude_deg"] = reading.AltitudeDeg
			response["azimuth_deg"] = reading.AzimuthDeg
			response["temperature_c"] = reading.TemperatureC
			response["humidity_pct"] = reading.HumidityPct
			if eq, err := s.converter.AltAzToRADec(
				reading.AltitudeDeg, reading.AzimuthDeg, s.observer, reading.Timestamp); err == nil {
				response["ra_hours"] = eq.RAHours
				response["dec_deg"] = eq.DecDeg
			}
		}
	}
	writeJSON(w, http.StatusOK, response)
}
