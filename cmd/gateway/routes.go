package main

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonadableite/turbofy-gateway/api"
	"github.com/jonadableite/turbofy-gateway/internal/auth"
	"github.com/jonadableite/turbofy-gateway/internal/handler"
	"github.com/jonadableite/turbofy-gateway/internal/middleware"
	"github.com/jonadableite/turbofy-gateway/internal/repository"
)

type routeDeps struct {
	logger          *slog.Logger
	jwtSecret       string
	registry        *prometheus.Registry
	replays         *repository.ReplayRepository
	health          *handler.HealthHandler
	webhooks        *handler.WebhookHandler
	charges         *handler.ChargeHandler
	settlements     *handler.SettlementHandler
	reconciliations *handler.ReconciliationHandler
}

func newRouter(d routeDeps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", d.health.Liveness)
	mux.HandleFunc("GET /ready", d.health.Readiness)
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry}))

	mux.HandleFunc("GET /docs", handler.ServeDocs())
	mux.HandleFunc("GET /docs/openapi.yaml", handler.ServeSpec(api.Spec))

	mux.HandleFunc("POST /webhooks/{provider}", d.webhooks.Receive)

	authed := middleware.Auth(d.jwtSecret)
	idempotent := middleware.Idempotency(d.replays)
	read := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h, authed)
	}
	write := func(scope string, h http.HandlerFunc) http.Handler {
		return middleware.Chain(h, authed, middleware.RequireScope(scope))
	}
	writeOnce := func(scope string, h http.HandlerFunc) http.Handler {
		return middleware.Chain(h, authed, middleware.RequireScope(scope), idempotent)
	}

	// charges dedupe on their own idempotency key
	mux.Handle("POST /api/v1/charges", write(auth.ScopeChargesWrite, d.charges.Create))
	mux.Handle("GET /api/v1/charges/{id}", read(d.charges.Get))
	mux.Handle("POST /api/v1/charges/{id}/cancel", write(auth.ScopeChargesWrite, d.charges.Cancel))

	mux.Handle("POST /api/v1/settlements", writeOnce(auth.ScopeSettlementsWrite, d.settlements.Create))
	mux.Handle("GET /api/v1/settlements", read(d.settlements.List))
	mux.Handle("GET /api/v1/settlements/{id}", read(d.settlements.Get))
	mux.Handle("POST /api/v1/settlements/{id}/schedule", write(auth.ScopeSettlementsWrite, d.settlements.Schedule))
	mux.Handle("POST /api/v1/settlements/{id}/process", write(auth.ScopeSettlementsWrite, d.settlements.Process))
	mux.Handle("POST /api/v1/settlements/{id}/cancel", write(auth.ScopeSettlementsWrite, d.settlements.Cancel))

	mux.Handle("POST /api/v1/reconciliations", writeOnce(auth.ScopeReconciliationsWrite, d.reconciliations.Run))
	mux.Handle("GET /api/v1/reconciliations", read(d.reconciliations.List))
	mux.Handle("GET /api/v1/reconciliations/{id}", read(d.reconciliations.Get))

	return middleware.Chain(mux,
		middleware.Tracing,
		middleware.Logging(d.logger),
		middleware.Recovery,
	)
}
