// Package handler exposes the operational HTTP surface of the transfer core:
// liveness, readiness, Prometheus metrics and job counters.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/infra/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

const readinessTimeout = 2 * time.Second

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// DependencyHealth is the per-dependency entry of the readiness report.
type DependencyHealth struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// HealthStatus is the body served on /readyz.
type HealthStatus struct {
	Status       string             `json:"status"`
	Dependencies []DependencyHealth `json:"dependencies"`
	CheckedAt    string             `json:"checkedAt"`
}

// NewRouter creates the ops router.
func NewRouter(metrics *observability.Metrics, checks []HealthCheck, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler())
	r.Get("/readyz", readyzHandler(checks, logger))
	if metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	r.Get("/internal/stats", statsHandler(metrics))

	return r
}

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// readyzHandler runs every check and answers 503 when any of them fails.
func readyzHandler(checks []HealthCheck, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /readyz")
		defer span.End()

		ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
		defer cancel()

		report := HealthStatus{
			Status:       "ready",
			Dependencies: make([]DependencyHealth, 0, len(checks)),
			CheckedAt:    time.Now().UTC().Format(time.RFC3339),
		}

		for _, c := range checks {
			start := time.Now()
			err := c.Check(ctx)
			dep := DependencyHealth{
				Name:      c.Name,
				Status:    "healthy",
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				dep.Status = "unhealthy"
				dep.Error = err.Error()
				report.Status = "unavailable"
				logger.Warn("readiness check failed", zap.String("dependency", c.Name), zap.Error(err))
			}
			report.Dependencies = append(report.Dependencies, dep)
		}

		span.SetAttributes(attribute.String("readiness.status", report.Status))

		status := http.StatusOK
		if report.Status != "ready" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

func statsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if metrics == nil {
			writeError(w, http.StatusServiceUnavailable, "metrics not configured")
			return
		}
		writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}
