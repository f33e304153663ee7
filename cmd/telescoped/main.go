// Command telescoped runs the telescope control service: cameras, mount
// motors and the pose sensor behind an HTTP dashboard, MJPEG streams and a
// registerable tool surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mgrandau/telescope-mcp/internal/camera"
	"github.com/mgrandau/telescope-mcp/internal/camera/overlay"
	"github.com/mgrandau/telescope-mcp/internal/config"
	"github.com/mgrandau/telescope-mcp/internal/coords"
	"github.com/mgrandau/telescope-mcp/internal/device"
	"github.com/mgrandau/telescope-mcp/internal/device/arduino"
	"github.com/mgrandau/telescope-mcp/internal/device/twincam"
	"github.com/mgrandau/telescope-mcp/internal/device/twinmotor"
	"github.com/mgrandau/telescope-mcp/internal/device/twinsensor"
	"github.com/mgrandau/telescope-mcp/internal/motor"
	"github.com/mgrandau/telescope-mcp/internal/registry"
	"github.com/mgrandau/telescope-mcp/internal/sensor"
	"github.com/mgrandau/telescope-mcp/internal/servicelog"
	"github.com/mgrandau/telescope-mcp/internal/session"
	"github.com/mgrandau/telescope-mcp/internal/stream"
	"github.com/mgrandau/telescope-mcp/internal/tools"
	"github.com/mgrandau/telescope-mcp/internal/web"
)

var (
	startMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telescope_start",
		Help: "Start timestamp of the service (unix)",
	})

	infoMetric = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telescope_info",
			Help: "Service info",
		},
		[]string{"start", "drivers"},
	)
)

func main() {
	fs := pflag.NewFlagSet("telescoped", pflag.ExitOnError)
	config.Flags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg := config.Default()
	if path, _ := fs.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			panic(err)
		}
		cfg = loaded
	}
	config.Apply(&cfg, fs)

	logger, err := servicelog.New(cfg.LogFile, cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.SDKLibraryPath == "" {
		logger.Warn("no camera SDK library path configured; camera hardware unavailable, non-camera endpoints unaffected")
	} else if _, err := os.Stat(cfg.SDKLibraryPath); err != nil {
		logger.Warn("camera SDK library path missing",
			zap.String("path", cfg.SDKLibraryPath), zap.Error(err))
	}

	driverMode := "twin"
	if !cfg.UseTwinDrivers {
		driverMode = "hardware"
	}
	startTime := time.Now()
	startMetric.Set(float64(startTime.Unix()))
	infoMetric.WithLabelValues(startTime.Format(time.RFC3339), driverMode).Set(1)

	clock := camera.SystemClock()

	// Camera configs and per-camera stream defaults from configuration.
	cameraConfigs := make(map[string]camera.Config, len(cfg.Cameras))
	streamDefaults := make(map[string]stream.Settings, len(cfg.Cameras))
	for key, section := range cfg.Cameras {
		cameraConfigs[key] = camera.Config{
			CameraID:          section.CameraID,
			Name:              section.Name,
			DefaultGain:       section.Defaults.Gain,
			DefaultExposureUs: section.Defaults.ExposureUs,
		}
		streamDefaults[key] = stream.Settings{
			ExposureUs: section.Defaults.ExposureUs,
			Gain:       section.Defaults.Gain,
		}
	}

	cameraFactory := func(cc camera.Config) device.CameraDriver {
		return twincam.New(twincam.Spec{CameraID: cc.CameraID, Name: cc.Name})
	}

	motorController := motor.New(cfg.Motor, twinmotor.New(twinmotor.Config{
		AltitudeMinSteps:  cfg.Motor.AltitudeMinSteps,
		AltitudeMaxSteps:  cfg.Motor.AltitudeMaxSteps,
		AzimuthMinSteps:   cfg.Motor.AzimuthMinSteps,
		AzimuthMaxSteps:   cfg.Motor.AzimuthMaxSteps,
		AltitudeHomeSteps: cfg.Motor.AltitudeHomeSteps,
		AzimuthHomeSteps:  cfg.Motor.AzimuthHomeSteps,
		SimulateTiming:    true,
	}), logger)
	if err := motorController.Connect(); err != nil {
		logger.Warn("motor controller unavailable", zap.Error(err))
	}

	var sensorDriver device.SensorDriver
	if cfg.UseTwinDrivers {
		sensorDriver = twinsensor.New(twinsensor.Config{})
	} else {
		sensorDriver = arduino.New(0)
	}
	sensorWrapper := sensor.New(sensorDriver, logger)
	if err := sensorWrapper.Connect(); err != nil {
		logger.Warn("sensor unavailable", zap.Error(err))
	}

	reg := registry.Init(cameraConfigs, cameraFactory, motorController, sensorWrapper, logger,
		camera.WithClock(clock),
		camera.WithRenderer(overlay.New()),
		camera.WithLogger(logger),
	)

	sessions := session.NewManager(cfg.DataDir, logger)
	streams := stream.New(reg.Camera, stream.StdEncoder{}, clock, streamDefaults, logger)
	controller := camera.NewController(reg.Camera, clock)

	toolset := tools.New(reg, controller, sessions, logger)
	logger.Info("tool surface ready", zap.Int("tools", len(toolset.Descriptors())))

	server := web.New(reg, controller, streams, sessions, coords.Unavailable{}, cfg.Observer, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if path, _ := fs.GetString("config"); path != "" {
		go func() {
			err := config.Watch(ctx, path, logger, func(updated config.Config) {
				defaults := make(map[string]stream.Settings, len(updated.Cameras))
				for key, section := range updated.Cameras {
					defaults[key] = stream.Settings{
						ExposureUs: section.Defaults.ExposureUs,
						Gain:       section.Defaults.Gain,
					}
				}
				streams.UpdateDefaults(defaults)
			})
			if err != nil {
				logger.Warn("config watch unavailable", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.Routes(),
		// No absolute write timeout: the MJPEG handlers stream forever.
		ReadTimeout:    5 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		streams.StopAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if path := sessions.Shutdown(); path != "" {
			logger.Info("final session flushed", zap.String("path", path))
		}
		reg.Shutdown()
	}()

	logger.Info("listening", zap.String("addr", cfg.Listen), zap.String("drivers", driverMode))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server failed", zap.Error(err))
	}
}
