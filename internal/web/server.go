// Package web is the HTTP surface: dashboard shell, REST control API and
// MJPEG stream endpoints. Thin routing over the device core; every handler
// maps internal error kinds onto HTTP statuses.
package web

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mgrandau/telescope-mcp/internal/camera"
	"github.com/mgrandau/telescope-mcp/internal/coords"
	"github.com/mgrandau/telescope-mcp/internal/device"
	"github.com/mgrandau/telescope-mcp/internal/registry"
	"github.com/mgrandau/telescope-mcp/internal/session"
	"github.com/mgrandau/telescope-mcp/internal/stream"
)

// Server wires the HTTP routes to the device core.
type Server struct {
	registry   *registry.Registry
	controller *camera.Controller
	streams    *stream.Service
	sessions   *session.Manager
	converter  coords.Converter
	observer   coords.Observer
	logger     *zap.Logger
}

func New(reg *registry.Registry, controller *camera.Controller, streams *stream.Service,
	sessions *session.Manager, converter coords.Converter, observer coords.Observer,
	logger *zap.Logger) *Server {

	if converter == nil {
		converter = coords.Unavailable{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		registry:   reg,
		controller: controller,
		streams:    streams,
		sessions:   sessions,
		converter:  converter,
		observer:   observer,
		logger:     logger.Named("web"),
	}
}

// Routes builds the chi router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", s.handleDashboard)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/stream/{camera}", s.handleStream)

	r.Route("/api", func(r chi.Router) {
		r.Get("/cameras", s.handleListCameras)
		r.Post("/camera/{camera}/control", s.handleCameraControl)
		r.Post("/camera/{camera}/capture", s.handleCameraCapture)

		r.Post("/motor/stop", s.handleMotorStop)
		r.Post("/motor/home/set", s.handleMotorHomeSet)
		r.Post("/motor/{axis}", s.handleMotorMove)
		r.Post("/motor/{axis}/nudge", s.handleMotorNudge)
		r.Post("/motor/{axis}/start", s.handleMotorStart)

		r.Get("/position", s.handlePosition)
	})

	return r
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!doctype html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<div class="streams">
  <img src="/stream/finder" alt="finder">
  <img src="/stream/main" alt="main">
</div>
<div id="controls" data-api="/api"></div>
<script src="/static/dashboard.js"></script>
</body>
</html>
`))

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, map[string]string{"Title": "Telescope Control"}); err != nil {
		s.logger.Error("dashboard render failed", zap.Error(err))
	}
}

// status maps the error taxonomy onto HTTP statuses.
func status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, device.ErrRange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, device.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, device.ErrNotConnected),
		errors.Is(err, device.ErrAlreadyConnected),
		errors.Is(err, device.ErrSessionClosed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, status(err), map[string]string{
		"error":   device.Kind(err),
		"message": err.Error(),
	})
}

// queryInt parses an integer query parameter with a range check. ok=false
// means the response was already written.
func queryInt(w http.ResponseWriter, r *http.Request, name string, min, max int) (value int, present, ok bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   "range_error",
			"message": name + " must be an integer",
		})
		return 0, true, false
	}
	if value < min || value > max {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   "range_error",
			"message": name + " out of range",
		})
		return 0, true, false
	}
	return value, true, true
}
