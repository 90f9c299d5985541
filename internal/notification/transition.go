package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Spatial-NVR/CamWatch/internal/camera"
	"github.com/Spatial-NVR/CamWatch/internal/core"
	"github.com/Spatial-NVR/CamWatch/internal/monitor"
)

// CameraLookup finds the current record of a camera
type CameraLookup interface {
	Get(ctx context.Context, id int64) (*camera.Camera, error)
}

// Recorder writes notifications
type Recorder interface {
	Record(ctx context.Context, title, message string, severity Severity, scope Scope) (*Notification, error)
}

// Publisher publishes a JSON payload on a subject
type Publisher interface {
	Publish(subject string, data interface{}) error
}

// TransitionHandler turns liveness transitions into tenant notifications and
// bus messages. It implements monitor.Listener.
type TransitionHandler struct {
	cameras CameraLookup
	ledger  Recorder
	bus     Publisher
	logger  *slog.Logger
}

// NewTransitionHandler creates the handler. bus may be nil.
func NewTransitionHandler(cameras CameraLookup, ledger Recorder, bus Publisher) *TransitionHandler {
	return &TransitionHandler{
		cameras: cameras,
		ledger:  ledger,
		bus:     bus,
		logger:  slog.Default().With("component", "transition-handler"),
	}
}

// OnStatusChange records and publishes one transition
func (h *TransitionHandler) OnStatusChange(ctx context.Context, event monitor.StatusChangeEvent) {
	cam, err := h.cameras.Get(ctx, event.CameraID)
	if errors.Is(err, camera.ErrNotFound) {
		h.logger.Warn("Camera deleted before notification, skipping", "camera", event.CameraID)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load camera for notification", "camera", event.CameraID, "error", err)
		return
	}

	if event.CameraNome == "" {
		event.CameraNome = cam.Nome
	}
	if event.EmpresaID == 0 {
		event.EmpresaID = cam.EmpresaID
	}

	title, message, severity := describe(event)
	n, err := h.ledger.Record(ctx, title, message, severity, ForEmpresa(cam.EmpresaID))
	if err != nil {
		h.logger.Error("Failed to record notification", "camera", event.CameraID, "error", err)
	}

	h.publish(core.SubjectCameraStatusChanged, event)
	if n != nil {
		h.publish(core.SubjectNotificationCreated, n)
	}
}

func (h *TransitionHandler) publish(subject string, payload interface{}) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(subject, payload); err != nil {
		h.logger.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}

func describe(event monitor.StatusChangeEvent) (title, message string, severity Severity) {
	if event.IsOnline {
		return "Câmera online",
			fmt.Sprintf("A câmera %s voltou a responder.", event.CameraNome),
			SeveritySuccess
	}
	return "Câmera offline",
		fmt.Sprintf("A câmera %s parou de responder.", event.CameraNome),
		SeverityError
}
