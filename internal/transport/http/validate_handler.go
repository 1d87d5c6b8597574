package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apierrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/status"
)

// KeepAliveUsername short-circuits a validation request into a liveness
// probe, skipping all license logic.
const KeepAliveUsername = "PING_KEEPALIVE"

// Validator is the engine surface the handler depends on
type Validator interface {
	Validate(ctx context.Context, req *license.Request) (*license.Result, error)
}

// StatusReporter answers keep-alive probes
type StatusReporter interface {
	Status(ctx context.Context) *status.Report
}

// ValidateHandler handles POST /validate
type ValidateHandler struct {
	engine   Validator
	probe    StatusReporter
	logger   *slog.Logger
	metrics  *infrastructure.BusinessMetrics
	validate *validator.Validate
}

// NewValidateHandler creates a validation handler
func NewValidateHandler(engine Validator, probe StatusReporter, metrics *infrastructure.BusinessMetrics, logger *slog.Logger) *ValidateHandler {
	return &ValidateHandler{
		engine:   engine,
		probe:    probe,
		logger:   logger.With(slog.String("handler", "validate")),
		metrics:  metrics,
		validate: validator.New(),
	}
}

// ValidateResponse is the success envelope for a login
type ValidateResponse struct {
	IsError bool              `json:"error"`
	Status  string            `json:"status"`
	License map[string]string `json:"license"`
	Files   []license.FileRef `json:"files"`
}

// KeepAliveResponse is the envelope for the in-band liveness probe
type KeepAliveResponse struct {
	IsError       bool   `json:"error"`
	Status        string `json:"status"`
	ServerTime    string `json:"server_time"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	LicensesTotal int    `json:"licenses_total"`
	LoaderFiles   int    `json:"loader_files"`
}

// Validate handles POST /validate
func (h *ValidateHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	tracer := otel.Tracer("validate-handler")

	ctx, span := tracer.Start(ctx, "validate_handler.validate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/validate"),
		),
	)
	defer span.End()

	var req license.Request
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.logger.WarnContext(ctx, "malformed validation request",
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.BadRequest("Invalid request"))
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		h.logger.WarnContext(ctx, "validation request missing required fields",
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.BadRequest("Invalid request"))
		return
	}

	if req.Username == KeepAliveUsername {
		report := h.probe.Status(ctx)
		render.JSON(w, r, &KeepAliveResponse{
			Status:        "SERVER_ALIVE",
			ServerTime:    report.ServerTime.Format(time.RFC3339),
			UptimeSeconds: int64(report.Uptime.Seconds()),
			LicensesTotal: report.LicensesTotal,
			LoaderFiles:   report.LoaderFiles,
		})
		return
	}

	span.SetAttributes(attribute.String("license.username", req.Username))
	h.recordCheck(ctx)

	result, err := h.engine.Validate(ctx, &req)
	latency := time.Since(start)
	h.recordDuration(ctx, latency)

	if err != nil {
		span.RecordError(err)
		h.recordFailure(ctx, err)
		h.logger.InfoContext(ctx, "validation denied",
			slog.String("username", req.Username),
			slog.String("reason", err.Error()),
			slog.Duration("latency", latency))
		render.Render(w, r, denyResponse(err))
		return
	}

	h.logger.InfoContext(ctx, "validation succeeded",
		slog.String("username", req.Username),
		slog.Int("files", len(result.Files)),
		slog.Duration("latency", latency))

	render.JSON(w, r, &ValidateResponse{
		Status:  "Login successful",
		License: result.Fields,
		Files:   result.Files,
	})
}

// denyResponse maps a validation error onto the wire envelope.
// Infrastructure failures on the critical path collapse to a generic 500.
func denyResponse(err error) *apierrors.StatusResponse {
	var mismatch *license.DeviceMismatchError
	switch {
	case errors.Is(err, license.ErrUserNotFound):
		return apierrors.NotFound("User not found")
	case errors.Is(err, license.ErrIncorrectPassword):
		return apierrors.Forbidden("Incorrect password")
	case errors.Is(err, license.ErrLicenseExpired):
		return apierrors.Forbidden("License expired")
	case errors.As(err, &mismatch):
		return apierrors.Forbidden(mismatch.Status())
	default:
		return apierrors.Internal()
	}
}

func (h *ValidateHandler) recordCheck(ctx context.Context) {
	if h.metrics != nil {
		h.metrics.ValidationChecks.Add(ctx, 1)
	}
}

func (h *ValidateHandler) recordFailure(ctx context.Context, err error) {
	if h.metrics != nil {
		h.metrics.ValidationFailures.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", failureReason(err))))
	}
}

func (h *ValidateHandler) recordDuration(ctx context.Context, d time.Duration) {
	if h.metrics != nil {
		h.metrics.ValidationDuration.Record(ctx, d.Seconds())
	}
}

func failureReason(err error) string {
	var mismatch *license.DeviceMismatchError
	switch {
	case errors.Is(err, license.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, license.ErrIncorrectPassword):
		return "incorrect_password"
	case errors.Is(err, license.ErrLicenseExpired):
		return "license_expired"
	case errors.As(err, &mismatch):
		return "device_mismatch"
	default:
		return "upstream_error"
	}
}
