package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Spatial-NVR/CamWatch/internal/logging"
)

// HealthChecker reports whether a dependency is usable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker
type HealthCheckFunc func(ctx context.Context) error

// Health implements HealthChecker
func (f HealthCheckFunc) Health(ctx context.Context) error { return f(ctx) }

// SystemHandler serves health, logs and host metrics
type SystemHandler struct {
	checks   map[string]HealthChecker
	logs     *logging.RingBuffer
	dataPath string
	started  time.Time
	logger   *slog.Logger
}

// NewSystemHandler creates a system handler. checks are keyed by dependency name.
func NewSystemHandler(checks map[string]HealthChecker, logs *logging.RingBuffer, dataPath string) *SystemHandler {
	if dataPath == "" {
		dataPath = "."
	}
	return &SystemHandler{
		checks:   checks,
		logs:     logs,
		dataPath: dataPath,
		started:  time.Now(),
		logger:   slog.Default().With("component", "system-api"),
	}
}

// HealthResponse is the body of the health endpoint
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Uptime string            `json:"uptime"`
}

// Health reports the state of every registered dependency
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status: "healthy",
		Checks: make(map[string]string, len(h.checks)),
		Uptime: time.Since(h.started).Round(time.Second).String(),
	}
	for name, check := range h.checks {
		if err := check.Health(ctx); err != nil {
			h.logger.Warn("Health check failed", "check", name, "error", err)
			resp.Checks[name] = "error: " + err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}

// Logs returns recent log entries. Supports limit, level and component.
func (h *SystemHandler) Logs(w http.ResponseWriter, r *http.Request) {
	if h.logs == nil {
		OK(w, []logging.LogEntry{})
		return
	}

	limit := parseLimit(r, 100, 1000)
	filter := logging.Filter{MinLevel: slog.LevelDebug}
	if v := r.URL.Query().Get("level"); v != "" {
		filter.MinLevel = logging.ParseLevel(v)
	}
	filter.Component = r.URL.Query().Get("component")

	entries := h.logs.GetRecent(limit, filter)
	JSONWithMeta(w, http.StatusOK, entries, &Meta{Total: len(entries), Limit: limit})
}

// Metrics returns host CPU, memory, disk and load figures
func (h *SystemHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	metrics := map[string]interface{}{
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		cpuInfo := map[string]interface{}{"percent": pct[0]}
		if avg, err := load.AvgWithContext(ctx); err == nil {
			cpuInfo["load_avg"] = [3]float64{avg.Load1, avg.Load5, avg.Load15}
		}
		metrics["cpu"] = cpuInfo
	} else if err != nil {
		h.logger.Debug("Failed to read cpu usage", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics["memory"] = map[string]interface{}{
			"total":   vm.Total,
			"used":    vm.Used,
			"free":    vm.Available,
			"percent": vm.UsedPercent,
		}
	} else {
		h.logger.Debug("Failed to read memory usage", "error", err)
	}

	if du, err := disk.UsageWithContext(ctx, h.dataPath); err == nil {
		metrics["disk"] = map[string]interface{}{
			"total":   du.Total,
			"used":    du.Used,
			"free":    du.Free,
			"percent": du.UsedPercent,
			"path":    h.dataPath,
		}
	} else {
		h.logger.Debug("Failed to read disk usage", "path", h.dataPath, "error", err)
	}

	OK(w, metrics)
}
