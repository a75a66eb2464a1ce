package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"OmegaBTC/internal/domain/models"
	"OmegaBTC/internal/service/ratelimit"
	"OmegaBTC/pkg/apperr"
	"OmegaBTC/pkg/logger"
	"OmegaBTC/pkg/store"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type fakeTelemetry struct {
	prob    models.TrapProbability
	probErr error
	last    *models.TrapEvent
	levels  map[models.Timeframe]models.FibonacciLevels
	asked   models.Timeframe
}

func (f *fakeTelemetry) Probability(context.Context) (models.TrapProbability, error) {
	return f.prob, f.probErr
}

func (f *fakeTelemetry) LastTrap(context.Context) (models.TrapEvent, error) {
	if f.last == nil {
		return models.TrapEvent{}, store.ErrNotFound
	}
	return *f.last, nil
}

func (f *fakeTelemetry) Position(context.Context) (models.Position, error) {
	return models.FlatPosition(), nil
}

func (f *fakeTelemetry) Fibonacci(_ context.Context, tf models.Timeframe) (models.FibonacciLevels, error) {
	f.asked = tf
	if tf == "" {
		tf = models.TF1m
	}
	lv, ok := f.levels[tf]
	if !ok {
		return lv, store.ErrNotFound
	}
	return lv, nil
}

func (f *fakeTelemetry) Queue(context.Context) (models.QueueStats, error) {
	return models.QueueStats{Size: 4, Capacity: 500000, Fill: 4.0 / 500000}, nil
}

func (f *fakeTelemetry) Counters(context.Context) (int64, int64, error) { return 7, 2, nil }

func newHandler(tel TelemetryReader, health HealthFunc, rl *ratelimit.Limiter) *echo.Echo {
	e := echo.New()
	NewTelemetryHandler(logger.Nop(), tel, health, rl).RegisterRoutes(e)
	return e
}

func get(e *echo.Echo, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestTelemetryEndpoints(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tel := &fakeTelemetry{
		prob: models.TrapProbability{Probability: 0.81, Kind: models.TrapBull, Timestamp: at},
		levels: map[models.Timeframe]models.FibonacciLevels{
			models.TF1m: models.ComputeLevels(models.TF1m, decimal.NewFromInt(110), decimal.NewFromInt(100), at),
		},
	}
	e := newHandler(tel, nil, nil)

	tests := []struct {
		name   string
		target string
		status int
		body   []string
	}{
		{"probability", "/api/v1/trap/probability", http.StatusOK, []string{`"probability":0.81`, `"trap_detection_count":7`, `"high_confidence_count":2`}},
		{"last trap missing", "/api/v1/trap/last", http.StatusNotFound, []string{"ERR_NOT_FOUND"}},
		{"flat position", "/api/v1/position", http.StatusOK, []string{`"has_position":false`}},
		{"primary levels", "/api/v1/fibonacci", http.StatusOK, []string{`"high":"110"`}},
		{"unknown timeframe", "/api/v1/fibonacci?tf=3m", http.StatusBadRequest, []string{"ERR_ONEOF"}},
		{"levels not yet computed", "/api/v1/fibonacci?tf=240m", http.StatusNotFound, []string{"fibonacci levels"}},
		{"queue", "/api/v1/queue", http.StatusOK, []string{`"size":4`, `"capacity":500000`}},
		{"health default", "/health", http.StatusOK, []string{`"status":"ok"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(e, tt.target)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			for _, want := range tt.body {
				if !strings.Contains(rec.Body.String(), want) {
					t.Errorf("body %s does not contain %s", rec.Body.String(), want)
				}
			}
		})
	}
	if tel.asked != models.TF240m {
		t.Fatalf("last fibonacci request asked %q", tel.asked)
	}
}

func TestTelemetryStoreOutage(t *testing.T) {
	tel := &fakeTelemetry{probErr: apperr.StoreUnavailable("store.get", context.DeadlineExceeded)}
	rec := get(newHandler(tel, nil, nil), "/api/v1/trap/probability")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHealthStatusCodes(t *testing.T) {
	tests := []struct {
		status models.Status
		code   int
	}{
		{models.StatusOK, http.StatusOK},
		{models.StatusDegraded, http.StatusOK},
		{models.StatusFailed, http.StatusServiceUnavailable},
		{models.StatusStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			health := func(context.Context) models.Health {
				return models.Health{Status: tt.status, Components: map[string]models.ComponentHealth{
					"price_feed": {Component: "price_feed", Status: tt.status},
				}}
			}
			rec := get(newHandler(&fakeTelemetry{}, health, nil), "/health")
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
			var body struct {
				Data models.Health `json:"data"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Data.Components["price_feed"].Status != tt.status {
				t.Fatalf("components = %+v", body.Data.Components)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	rl := ratelimit.New(ratelimit.Rule{Rate: 0.001, Burst: 1}, nil)
	e := newHandler(&fakeTelemetry{}, nil, rl)
	if rec := get(e, "/api/v1/queue"); rec.Code != http.StatusOK {
		t.Fatalf("first request = %d", rec.Code)
	}
	if rec := get(e, "/api/v1/queue"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
	if rec := get(e, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health must not be limited, got %d", rec.Code)
	}
}
