// Package tools exposes the device core as named tool operations for
// automation clients. The transport adapter is an external collaborator:
// it receives the descriptors from Register and routes invocations through
// Dispatch.
package tools

import (
	"context"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"

	"github.com/mgrandau/telescope-mcp/internal/camera"
	"github.com/mgrandau/telescope-mcp/internal/device"
	"github.com/mgrandau/telescope-mcp/internal/motor"
	"github.com/mgrandau/telescope-mcp/internal/registry"
	"github.com/mgrandau/telescope-mcp/internal/session"
)

// Descriptor advertises one tool to the transport.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Handler executes one tool with decoded input fields.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Server is what a transport adapter offers for registration.
type Server interface {
	AddTool(desc Descriptor, handler Handler)
}

// Toolset binds the device core to the tool surface.
type Toolset struct {
	registry   *registry.Registry
	controller *camera.Controller
	sessions   *session.Manager
	logger     *zap.Logger
	handlers   map[string]Handler
	descs      []Descriptor
}

func New(reg *registry.Registry, controller *camera.Controller, sessions *session.Manager, logger *zap.Logger) *Toolset {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Toolset{
		registry:   reg,
		controller: controller,
		sessions:   sessions,
		logger:     logger.Named("tools"),
		handlers:   make(map[string]Handler),
	}
	t.build()
	return t
}

// Register attaches every tool to the transport server.
func (t *Toolset) Register(server Server) {
	for _, desc := range t.descs {
		server.AddTool(desc, t.handlers[desc.Name])
	}
}

// Descriptors lists the advertised tools.
func (t *Toolset) Descriptors() []Descriptor { return t.descs }

// Dispatch routes an invocation by name. Unknown names and handler errors
// come back as {error, message} payloads rather than transport failures.
func (t *Toolset) Dispatch(ctx context.Context, name string, args map[string]any) map[string]any {
	handler, ok := t.handlers[name]
	if !ok {
		return map[string]any{
			"error":   "unknown_tool",
			"message": fmt.Sprintf("tool %q is not registered", name),
		}
	}
	result, err := handler(ctx, args)
	if err != nil {
		t.logger.Warn("tool failed", zap.String("tool", name), zap.Error(err))
		return map[string]any{
			"error":   device.Kind(err),
			"message": err.Error(),
		}
	}
	return result
}

func (t *Toolset) add(name, description string, schema map[string]any, handler Handler) {
	t.descs = append(t.descs, Descriptor{Name: name, Description: description, InputSchema: schema})
	t.handlers[name] = handler
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func floatArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func (t *Toolset) build() {
	t.add("list_cameras", "List registered cameras and their connection state.",
		objectSchema(map[string]any{}),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			cameras := make([]map[string]any, 0)
			for _, key := range t.registry.Keys() {
				cam, err := t.registry.Camera(key)
				if err != nil {
					return nil, err
				}
				cameras = append(cameras, map[string]any{
					"key":       key,
					"camera_id": cam.Config().CameraID,
					"name":      cam.Config().Name,
					"connected": cam.IsConnected(),
					"streaming": cam.IsStreaming(),
				})
			}
			return map[string]any{"count": len(cameras), "cameras": cameras}, nil
		})

	t.add("get_camera_info", "Get a connected camera's info and controls.",
		objectSchema(map[string]any{
			"camera": map[string]any{"type": "string"},
		}, "camera"),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			cam, err := t.registry.Camera(stringArg(args, "camera"))
			if err != nil {
				return nil, err
			}
			info := cam.Info()
			if info == nil {
				return nil, fmt.Errorf("camera %q: %w", stringArg(args, "camera"), device.ErrNotConnected)
			}
			return map[string]any{"info": info}, nil
		})

	t.add("capture_frame", "Capture one frame, optionally with exposure/gain overrides.",
		objectSchema(map[string]any{
			"camera":      map[string]any{"type": "string"},
			"exposure_us": map[string]any{"type": "integer"},
			"gain":        map[string]any{"type": "integer"},
			"overlay":     map[string]any{"type": "boolean"},
		}, "camera"),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			cam, err := t.registry.Camera(stringArg(args, "camera"))
			if err != nil {
				return nil, err
			}
			options := camera.DefaultCaptureOptions()
			if exp, ok := intArg(args, "exposure_us"); ok {
				options.ExposureUs = &exp
			}
			if gain, ok := intArg(args, "gain"); ok {
				options.Gain = &gain
			}
			if overlay, ok := args["overlay"].(bool); ok {
				options.ApplyOverlay = overlay
			}
			result, err := cam.Capture(options)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"image_base64": base64.StdEncoding.EncodeToString(result.Image),
				"timestamp":    result.Timestamp,
				"exposure_us":  result.ExposureUs,
				"gain":         result.Gain,
				"format":       string(result.Format),
				"has_overlay":  result.HasOverlay,
				"metadata":     result.Metadata,
			}, nil
		})

	t.add("set_camera_control", "Set a camera control value.",
		objectSchema(map[string]any{
			"camera":  map[string]any{"type": "string"},
			"control": map[string]any{"type": "string"},
			"value":   map[string]any{"type": "integer"},
		}, "camera", "control", "value"),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			cam, err := t.registry.Camera(stringArg(args, "camera"))
			if err != nil {
				return nil, err
			}
			value, ok := intArg(args, "value")
			if !ok {
				return nil, fmt.Errorf("value must be an integer: %w", device.ErrRange)
			}
			control := stringArg(args, "control")
			if err := cam.SetControl(control, value); err != nil {
				return nil, err
			}
			return map[string]any{"control": control, "value": value}, nil
		})

	t.add("get_camera_control", "Read a camera control's current value.",
		objectSchema(map[string]any{
			"camera":  map[string]any{"type": "string"},
			"control": map[string]any{"type": "string"},
		}, "camera", "control"),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			cam, err := t.registry.Camera(stringArg(args, "camera"))
			if err != nil {
				return nil, err
			}
			control := stringArg(args, "control")
			value, err := cam.Control(control)
			if err != nil {
				return nil, err
			}
			return map[string]any{"control": control, "value": value}, nil
		})

	t.add("sync_capture", "Capture on two cameras concurrently and report timing skew.",
		objectSchema(map[string]any{
			"primary":               map[string]any{"type": "string"},
			"secondary":             map[string]any{"type": "string"},
			"primary_exposure_us":   map[string]any{"type": "integer"},
			"secondary_exposure_us": map[string]any{"type": "integer"},
			"primary_gain":          map[string]any{"type": "integer"},
			"secondary_gain":        map[string]any{"type": "integer"},
		}, "primary", "secondary", "primary_exposure_us", "secondary_exposure_us"),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			req := camera.SyncRequest{
				Primary:   stringArg(args, "primary"),
				Secondary: stringArg(args, "secondary"),
			}
			req.PrimaryExposureUs, _ = intArg(args, "primary_exposure_us")
			req.SecondaryExposureUs, _ = intArg(args, "secondary_exposure_us")
			if gain, ok := intArg(args, "primary_gain"); ok {
				req.PrimaryGain = &gain
			}
			if gain, ok := intArg(args, "secondary_gain"); ok {
				req.SecondaryGain = &gain
			}
			result, err := t.controller.SyncCapture(ctx, req)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"timing_error_us": result.TimingErrorUs,
				"timing_error_ms": result.TimingErrorMs,
				"primary": map[string]any{
					"timestamp":   result.PrimaryFrame.Timestamp,
					"exposure_us": result.PrimaryFrame.ExposureUs,
				},
				"secondary": map[string]any{
					"timestamp":   result.SecondaryFrame.Timestamp,
					"exposure_us": result.SecondaryFrame.ExposureUs,
				},
			}, nil
		})

	t.add("move_motor", "Move an axis to an absolute step target.",
		objectSchema(map[string]any{
			"axis":  map[string]any{"type": "string", "enum": []string{"altitude", "azimuth"}},
			"steps": map[string]any{"type": "integer"},
			"speed": map[string]any{"type": "integer"},
		}, "axis", "steps"),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			axis, err := axisArg(args)
			if err != nil {
				return nil, err
			}
			motorController, err := t.motor()
			if err != nil {
				return nil, err
			}
			steps, ok := intArg(args, "steps")
			if !ok {
				return nil, fmt.Errorf("steps must be an integer: %w", device.ErrRange)
			}
			speed, ok := intArg(args, "speed")
			if !ok {
				speed = 100
			}
			if err := motorController.Move(axis, steps, speed); err != nil {
				return nil, err
			}
			return t.motorStatus(axis)
		})

	t.add("stop_motor", "Stop one axis, or both when none is given.",
		objectSchema(map[string]any{
			"axis": map[string]any{"type": "string", "enum": []string{"altitude", "azimuth"}},
		}),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			motorController, err := t.motor()
			if err != nil {
				return nil, err
			}
			if stringArg(args, "axis") == "" {
				if err := motorController.StopAll(); err != nil {
					return nil, err
				}
				return map[string]any{"stopped": "all"}, nil
			}
			axis, err := axisArg(args)
			if err != nil {
				return nil, err
			}
			if err := motorController.Stop(axis); err != nil {
				return nil, err
			}
			return map[string]any{"stopped": axis.String()}, nil
		})

	t.add("home_motors", "Home altitude, then azimuth.",
		objectSchema(map[string]any{}),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			motorController, err := t.motor()
			if err != nil {
				return nil, err
			}
			if err := motorController.HomeAll(); err != nil {
				return nil, err
			}
			return map[string]any{"homed": true}, nil
		})

	t.add("read_sensor", "Read the pose sensor, optionally averaging samples or a duration.",
		objectSchema(map[string]any{
			"samples":     map[string]any{"type": "integer"},
			"duration_ms": map[string]any{"type": "integer"},
		}),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			sensorWrapper := t.registry.Sensor()
			if sensorWrapper == nil {
				return nil, fmt.Errorf("no sensor configured: %w", device.ErrNotFound)
			}
			var reading device.SensorReading
			var err error
			if durationMs, ok := intArg(args, "duration_ms"); ok {
				reading, err = sensorWrapper.ReadFor(durationMs)
			} else {
				samples, ok := intArg(args, "samples")
				if !ok {
					samples = 1
				}
				reading, err = sensorWrapper.Read(samples)
			}
			if err != nil {
				return nil, err
			}
			return map[string]any{"reading": reading}, nil
		})

	t.add("calibrate_sensor", "Calibrate the pose sensor against a known position.",
		objectSchema(map[string]any{
			"true_altitude": map[string]any{"type": "number"},
			"true_azimuth":  map[string]any{"type": "number"},
		}, "true_altitude", "true_azimuth"),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			sensorWrapper := t.registry.Sensor()
			if sensorWrapper == nil {
				return nil, fmt.Errorf("no sensor configured: %w", device.ErrNotFound)
			}
			trueAlt, ok := floatArg(args, "true_altitude")
			if !ok {
				return nil, fmt.Errorf("true_altitude must be a number: %w", device.ErrRange)
			}
			trueAz, ok := floatArg(args, "true_azimuth")
			if !ok {
				return nil, fmt.Errorf("true_azimuth must be a number: %w", device.ErrRange)
			}
			if err := sensorWrapper.Calibrate(trueAlt, trueAz); err != nil {
				return nil, err
			}
			return map[string]any{"calibrated": true}, nil
		})

	t.add("start_session", "Close the current session and start a new one.",
		objectSchema(map[string]any{
			"session_type": map[string]any{"type": "string",
				"enum": []string{"observation", "alignment", "experiment", "maintenance", "idle"}},
			"target":   map[string]any{"type": "string"},
			"purpose":  map[string]any{"type": "string"},
			"location": map[string]any{"type": "string"},
		}, "session_type"),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			typ := session.Type(stringArg(args, "session_type"))
			switch typ {
			case session.Observation, session.Alignment, session.Experiment,
				session.Maintenance, session.Idle:
			default:
				return nil, fmt.Errorf("session type %q: %w", typ, device.ErrRange)
			}
			current := t.sessions.Start(typ, session.Options{
				Target:   stringArg(args, "target"),
				Purpose:  stringArg(args, "purpose"),
				Location: stringArg(args, "location"),
			})
			return map[string]any{"session_id": current.ID()}, nil
		})

	t.add("end_session", "Close the current session, flushing its archive.",
		objectSchema(map[string]any{}),
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			path := t.sessions.End()
			return map[string]any{"archive_path": path}, nil
		})
}

func (t *Toolset) motor() (*motor.Controller, error) {
	m := t.registry.Motor()
	if m == nil {
		return nil, fmt.Errorf("no motor controller configured: %w", device.ErrNotFound)
	}
	return m, nil
}

func (t *Toolset) motorStatus(axis device.Axis) (map[string]any, error) {
	motorController, err := t.motor()
	if err != nil {
		return nil, err
	}
	motorStatus, err := motorController.Status(axis)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": motorStatus}, nil
}

func axisArg(args map[string]any) (device.Axis, error) {
	switch stringArg(args, "axis") {
	case "altitude", "alt":
		return device.Altitude, nil
	case "azimuth", "az":
		return device.Azimuth, nil
	default:
		return 0, fmt.Errorf("axis %q: %w", stringArg(args, "axis"), device.ErrRange)
	}
}
