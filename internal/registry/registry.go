// Package registry is the process-wide container of devices: cameras by
// key, the motor controller and the sensor. It has explicit init/shutdown
// entry points so tests can build their own.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mgrandau/telescope-mcp/internal/camera"
	"github.com/mgrandau/telescope-mcp/internal/device"
	"github.com/mgrandau/telescope-mcp/internal/motor"
	"github.com/mgrandau/telescope-mcp/internal/sensor"
)

// CameraDriverFactory builds one driver per configured camera.
type CameraDriverFactory func(cfg camera.Config) device.CameraDriver

// Registry holds the live devices.
type Registry struct {
	mu      sync.Mutex
	cameras map[string]*camera.Camera
	motor   *motor.Controller
	sensor  *sensor.Sensor
	logger  *zap.Logger
}

// Init constructs and connects cameras for every configured key, and
// attaches the motor controller and sensor. Cameras that fail to connect
// stay registered disconnected; the registry itself still comes up so
// non-camera surfaces keep working.
func Init(configs map[string]camera.Config, factory CameraDriverFactory,
	motorController *motor.Controller, sensorWrapper *sensor.Sensor,
	logger *zap.Logger, cameraOpts ...camera.Option) *Registry {

	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cameras: make(map[string]*camera.Camera, len(configs)),
		motor:   motorController,
		sensor:  sensorWrapper,
		logger:  logger.Named("registry"),
	}
	for key, cfg := range configs {
		cam := camera.New(cfg, factory(cfg), cameraOpts...)
		if _, err := cam.Connect(); err != nil {
			r.logger.Warn("camera connect failed at init",
				zap.String("key", key), zap.Error(err))
		}
		r.cameras[key] = cam
	}
	return r
}

// Camera resolves a key to its Camera.
func (r *Registry) Camera(key string) (*camera.Camera, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cam, ok := r.cameras[key]
	if !ok {
		return nil, fmt.Errorf("camera %q: %w", key, device.ErrNotFound)
	}
	return cam, nil
}

// Keys returns the registered camera keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.cameras))
	for key := range r.cameras {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Motor returns the motor controller, or nil when not configured.
func (r *Registry) Motor() *motor.Controller { return r.motor }

// Sensor returns the sensor wrapper, or nil when not configured.
func (r *Registry) Sensor() *sensor.Sensor { return r.sensor }

// Shutdown stops streams and disconnects every device. Idempotent.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	cams := make([]*camera.Camera, 0, len(r.cameras))
	for _, cam := range r.cameras {
		cams = append(cams, cam)
	}
	r.mu.Unlock()
	for _, cam := range cams {
		cam.StopStream()
		cam.Disconnect()
	}
	if r.motor != nil {
		r.motor.Disconnect()
	}
	if r.sensor != nil {
		r.sensor.Disconnect()
	}
	r.logger.Info("registry shut down")
}
