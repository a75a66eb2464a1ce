package api

import (
	"context"
	"errors"
	"net/http"

	"OmegaBTC/internal/domain/models"
	"OmegaBTC/internal/service/ratelimit"
	xhttp "OmegaBTC/pkg/http"
	"OmegaBTC/pkg/logger"
	"OmegaBTC/pkg/store"

	"github.com/labstack/echo/v4"
)

// TelemetryReader is the read model behind the API.
type TelemetryReader interface {
	Probability(ctx context.Context) (models.TrapProbability, error)
	LastTrap(ctx context.Context) (models.TrapEvent, error)
	Position(ctx context.Context) (models.Position, error)
	Fibonacci(ctx context.Context, tf models.Timeframe) (models.FibonacciLevels, error)
	Queue(ctx context.Context) (models.QueueStats, error)
	Counters(ctx context.Context) (total, high int64, err error)
}

// HealthFunc reports aggregate component health.
type HealthFunc func(ctx context.Context) models.Health

// FibonacciRequest selects the timeframe of /api/v1/fibonacci. Empty means
// the primary timeframe.
type FibonacciRequest struct {
	TF string `query:"tf" validate:"omitempty,oneof=1m 5m 15m 30m 60m 240m"`
}

// ProbabilityResponse is the trap probability snapshot with detection
// counters.
type ProbabilityResponse struct {
	models.TrapProbability
	Detections     int64 `json:"trap_detection_count"`
	HighConfidence int64 `json:"high_confidence_count"`
}

// TelemetryHandler serves the read-only telemetry API.
type TelemetryHandler struct {
	logger *logger.Logger
	tel    TelemetryReader
	health HealthFunc
	rl     *ratelimit.Limiter
}

func NewTelemetryHandler(lgr *logger.Logger, tel TelemetryReader, health HealthFunc, rl *ratelimit.Limiter) *TelemetryHandler {
	if lgr == nil {
		lgr = logger.Nop()
	}
	if rl == nil {
		rl = ratelimit.New(ratelimit.Rule{Rate: 20, Burst: 40}, nil)
	}
	return &TelemetryHandler{logger: lgr.Component("telemetry_api"), tel: tel, health: health, rl: rl}
}

func (h *TelemetryHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	g := e.Group("/api/v1", h.limit)
	g.GET("/trap/probability", h.Probability)
	g.GET("/trap/last", h.LastTrap)
	g.GET("/position", h.Position)
	g.GET("/fibonacci", h.Fibonacci)
	g.GET("/queue", h.Queue)
}

// limit applies a per-client token bucket.
func (h *TelemetryHandler) limit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !h.rl.Allow(c.RealIP()) {
			h.logger.Debug("rate limited", logger.String("remote", c.RealIP()), logger.String("route", c.Path()))
			return xhttp.TooManyRequestsResponse(c)
		}
		return next(c)
	}
}

// Health answers 200 while the core is ok or degraded and 503 otherwise.
func (h *TelemetryHandler) Health(c echo.Context) error {
	if h.health == nil {
		return xhttp.SuccessResponse(c, models.Health{Status: models.StatusOK})
	}
	rep := h.health(c.Request().Context())
	switch rep.Status {
	case models.StatusOK, models.StatusDegraded:
		return xhttp.SuccessResponse(c, rep)
	}
	return xhttp.DataResponse(c, http.StatusServiceUnavailable, rep)
}

func (h *TelemetryHandler) Probability(c echo.Context) error {
	ctx := c.Request().Context()
	tp, err := h.tel.Probability(ctx)
	if err != nil {
		return h.fail(c, "trap probability", err)
	}
	total, high, err := h.tel.Counters(ctx)
	if err != nil {
		return h.fail(c, "trap counters", err)
	}
	return xhttp.SuccessResponse(c, ProbabilityResponse{TrapProbability: tp, Detections: total, HighConfidence: high})
}

func (h *TelemetryHandler) LastTrap(c echo.Context) error {
	e, err := h.tel.LastTrap(c.Request().Context())
	if err != nil {
		return h.fail(c, "last trap", err)
	}
	return xhttp.SuccessResponse(c, e)
}

func (h *TelemetryHandler) Position(c echo.Context) error {
	p, err := h.tel.Position(c.Request().Context())
	if err != nil {
		return h.fail(c, "position", err)
	}
	return xhttp.SuccessResponse(c, p)
}

func (h *TelemetryHandler) Fibonacci(c echo.Context) error {
	req := &FibonacciRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	lv, err := h.tel.Fibonacci(c.Request().Context(), models.Timeframe(req.TF))
	if err != nil {
		return h.fail(c, "fibonacci levels", err)
	}
	return xhttp.SuccessResponse(c, lv)
}

func (h *TelemetryHandler) Queue(c echo.Context) error {
	qs, err := h.tel.Queue(c.Request().Context())
	if err != nil {
		return h.fail(c, "queue stats", err)
	}
	return xhttp.SuccessResponse(c, qs)
}

// fail maps a read error: missing keys are 404, everything else goes
// through the typed error mapping and is logged.
func (h *TelemetryHandler) fail(c echo.Context, what string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no %s recorded yet", what))
	}
	h.logger.Warn("telemetry read failed", logger.String("what", what), logger.Error(err))
	return xhttp.AppErrorResponse(c, xhttp.FromError(err))
}
