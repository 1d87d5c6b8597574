package http

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/render"
)

// HealthHandler handles GET /healthz. It always returns 200: the
// endpoint exists purely for liveness checks.
type HealthHandler struct {
	probe   StatusReporter
	version string
	logger  *slog.Logger
}

// NewHealthHandler creates a health handler
func NewHealthHandler(probe StatusReporter, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		probe:   probe,
		version: version,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthResponse is the liveness document
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	ServerTime    string `json:"server_time"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	LicensesTotal int    `json:"licenses_total"`
	LoaderFiles   int    `json:"loader_files"`
	GoVersion     string `json:"go_version"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
}

// Health handles GET /healthz
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.probe.Status(r.Context())

	render.JSON(w, r, &HealthResponse{
		Status:        "ok",
		Version:       h.version,
		ServerTime:    report.ServerTime.Format(time.RFC3339),
		UptimeSeconds: int64(report.Uptime.Seconds()),
		LicensesTotal: report.LicensesTotal,
		LoaderFiles:   report.LoaderFiles,
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
	})
}
