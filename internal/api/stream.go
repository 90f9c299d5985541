package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/CamWatch/internal/camera"
	"github.com/Spatial-NVR/CamWatch/internal/stream"
)

// StreamService defines the stream session operations the handler needs
type StreamService interface {
	Start(ctx context.Context, cameraID int64, desc camera.Descriptor) (string, error)
	Stop(cameraID int64) bool
	Info(ctx context.Context, cameraID int64) (*stream.SessionInfo, bool)
	Sessions() []stream.SessionInfo
	File(cameraID int64, name string) (string, error)
}

// CameraLookup resolves a camera by id
type CameraLookup interface {
	Get(ctx context.Context, id int64) (*camera.Camera, error)
}

// StreamHandler handles stream control and HLS file endpoints
type StreamHandler struct {
	streams StreamService
	cameras CameraLookup
	logger  *slog.Logger
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(streams StreamService, cameras CameraLookup) *StreamHandler {
	return &StreamHandler{
		streams: streams,
		cameras: cameras,
		logger:  slog.Default().With("component", "stream-api"),
	}
}

// StartResponse is returned by the start endpoint
type StartResponse struct {
	StreamURL string `json:"streamUrl"`
}

// StopResponse is returned by the stop endpoint
type StopResponse struct {
	Success bool `json:"success"`
}

// StatusResponse is returned by the status endpoint
type StatusResponse struct {
	Active    bool                 `json:"active"`
	StreamURL string               `json:"streamUrl,omitempty"`
	Stats     *stream.ProcessStats `json:"stats,omitempty"`
}

// Routes returns the per-camera stream routes
func (h *StreamHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/{id}/start", h.Start)
	r.Post("/{id}/stop", h.Stop)
	r.Get("/{id}/status", h.Status)
	r.Get("/{id}/{file}", h.ServeFile)

	return r
}

// Start launches or reuses the camera's transcoder session
func (h *StreamHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	cam, err := h.cameras.Get(r.Context(), id)
	if errors.Is(err, camera.ErrNotFound) {
		NotFound(w, "Camera not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load camera", "camera", id, "error", err)
		InternalError(w, "Failed to load camera")
		return
	}

	locator, err := h.streams.Start(r.Context(), id, cam.Source)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, StartResponse{StreamURL: locator})
	case errors.Is(err, stream.ErrNoSource):
		BadRequest(w, err.Error())
	case errors.Is(err, stream.ErrStopped):
		Conflict(w, err.Error())
	case errors.Is(err, stream.ErrStartTimeout):
		Error(w, http.StatusGatewayTimeout, CodeStartTimeout, err.Error())
	case r.Context().Err() != nil:
		// This viewer went away; nothing useful to send
		h.logger.Debug("Stream start abandoned by client", "camera", id)
	default:
		InternalError(w, err.Error())
	}
}

// Stop terminates the camera's session. Stopping an idle camera succeeds.
func (h *StreamHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	h.streams.Stop(id)
	WriteJSON(w, http.StatusOK, StopResponse{Success: true})
}

// Status reports whether the camera has a running session
func (h *StreamHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	info, ok := h.streams.Info(r.Context(), id)
	if !ok {
		WriteJSON(w, http.StatusOK, StatusResponse{Active: false})
		return
	}
	WriteJSON(w, http.StatusOK, StatusResponse{Active: true, StreamURL: info.StreamURL, Stats: info.Stats})
}

// List returns every running session
func (h *StreamHandler) List(w http.ResponseWriter, r *http.Request) {
	OK(w, h.streams.Sessions())
}

// ServeFile streams the playlist or a segment of a running session
func (h *StreamHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	name := chi.URLParam(r, "file")
	path, err := h.streams.File(id, name)
	switch {
	case errors.Is(err, stream.ErrInvalidFile):
		BadRequest(w, "Invalid stream file")
		return
	case errors.Is(err, stream.ErrNoSession):
		NotFound(w, "No active stream")
		return
	case err != nil:
		InternalError(w, err.Error())
		return
	}

	f, err := os.Open(path)
	if err != nil {
		// ffmpeg rotates segments out of the window continuously
		NotFound(w, "Stream file not found")
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		InternalError(w, "Failed to stat stream file")
		return
	}

	if strings.HasSuffix(name, ".m3u8") {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Content-Type", "video/mp2t")
	}
	http.ServeContent(w, r, name, stat.ModTime(), f)
}
