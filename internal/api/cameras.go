package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/CamWatch/internal/camera"
	"github.com/Spatial-NVR/CamWatch/internal/monitor"
	"github.com/Spatial-NVR/CamWatch/internal/probe"
)

// CameraService defines the camera operations exposed over HTTP
type CameraService interface {
	List(ctx context.Context) ([]*camera.Camera, error)
	ListByEmpresa(ctx context.Context, empresaID int64) ([]*camera.Camera, error)
	Get(ctx context.Context, id int64) (*camera.Camera, error)
	SetStatus(ctx context.Context, id int64, status camera.Status) error
}

// Prober runs a single reachability check
type Prober interface {
	Probe(ctx context.Context, desc camera.Descriptor, timeout time.Duration) probe.Result
}

// Sweeper runs a monitoring sweep on demand
type Sweeper interface {
	Tick(ctx context.Context) (*monitor.SweepResult, error)
	LastSweep() *monitor.SweepResult
}

// CameraHandler handles camera endpoints
type CameraHandler struct {
	cameras CameraService
	prober  Prober
	timeout time.Duration
	logger  *slog.Logger
}

// NewCameraHandler creates a camera handler. timeout bounds interactive probes.
func NewCameraHandler(cameras CameraService, prober Prober, timeout time.Duration) *CameraHandler {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &CameraHandler{
		cameras: cameras,
		prober:  prober,
		timeout: timeout,
		logger:  slog.Default().With("component", "camera-api"),
	}
}

// Routes returns the camera routes
func (h *CameraHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Put("/{id}/status", h.UpdateStatus)
	r.Post("/{id}/probe", h.Probe)

	return r
}

// List returns all cameras, optionally filtered by empresaId
func (h *CameraHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		cams []*camera.Camera
		err  error
	)

	if v := r.URL.Query().Get("empresaId"); v != "" {
		empresaID, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			BadRequest(w, "empresaId must be an integer")
			return
		}
		cams, err = h.cameras.ListByEmpresa(r.Context(), empresaID)
	} else {
		cams, err = h.cameras.List(r.Context())
	}
	if err != nil {
		h.logger.Error("Failed to list cameras", "error", err)
		InternalError(w, "Failed to list cameras")
		return
	}

	JSONWithMeta(w, http.StatusOK, cams, &Meta{Total: len(cams)})
}

// Get returns one camera
func (h *CameraHandler) Get(w http.ResponseWriter, r *http.Request) {
	cam, ok := h.load(w, r)
	if !ok {
		return
	}
	OK(w, cam)
}

// UpdateStatus sets the administrative status of a camera
func (h *CameraHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	var req StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := req.Validate(); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	if err := h.cameras.SetStatus(r.Context(), id, req.Status); err != nil {
		if errors.Is(err, camera.ErrNotFound) {
			NotFound(w, "Camera not found")
			return
		}
		h.logger.Error("Failed to set camera status", "camera", id, "error", err)
		InternalError(w, "Failed to update camera status")
		return
	}

	h.logger.Info("Camera status changed", "camera", id, "status", req.Status)

	cam, err := h.cameras.Get(r.Context(), id)
	if err != nil {
		InternalError(w, "Failed to reload camera")
		return
	}
	OK(w, cam)
}

// Probe runs an interactive reachability check. The result is not persisted.
func (h *CameraHandler) Probe(w http.ResponseWriter, r *http.Request) {
	cam, ok := h.load(w, r)
	if !ok {
		return
	}
	OK(w, h.prober.Probe(r.Context(), cam.Source, h.timeout))
}

func (h *CameraHandler) load(w http.ResponseWriter, r *http.Request) (*camera.Camera, bool) {
	id, err := parseID(r, "id")
	if err != nil {
		BadRequest(w, err.Error())
		return nil, false
	}

	cam, err := h.cameras.Get(r.Context(), id)
	if errors.Is(err, camera.ErrNotFound) {
		NotFound(w, "Camera not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("Failed to load camera", "camera", id, "error", err)
		InternalError(w, "Failed to load camera")
		return nil, false
	}
	return cam, true
}

// MonitorHandler exposes the monitoring scheduler
type MonitorHandler struct {
	sweeper Sweeper
	logger  *slog.Logger
}

// NewMonitorHandler creates a monitor handler
func NewMonitorHandler(sweeper Sweeper) *MonitorHandler {
	return &MonitorHandler{
		sweeper: sweeper,
		logger:  slog.Default().With("component", "monitor-api"),
	}
}

// Routes returns the monitor routes
func (h *MonitorHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/sweep", h.Sweep)
	r.Get("/last", h.Last)
	return r
}

// Sweep runs a sweep now. It waits for a timer sweep already in flight.
func (h *MonitorHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	// A disconnecting client must not turn cancelled probes into offline writes
	result, err := h.sweeper.Tick(context.WithoutCancel(r.Context()))
	if result == nil {
		h.logger.Error("Manual sweep failed", "error", err)
		InternalError(w, "Sweep failed")
		return
	}
	if err != nil {
		// Per-camera write failures; the sweep itself completed
		h.logger.Warn("Manual sweep completed with errors", "error", err)
	}
	OK(w, result)
}

// Last returns the most recent sweep result
func (h *MonitorHandler) Last(w http.ResponseWriter, r *http.Request) {
	last := h.sweeper.LastSweep()
	if last == nil {
		NotFound(w, "No sweep has run yet")
		return
	}
	OK(w, last)
}
