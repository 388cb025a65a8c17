package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/llm-audit-ledger/app"
	"github.com/upb/llm-audit-ledger/handlers"
	ledgermw "github.com/upb/llm-audit-ledger/middleware"
)

// RequestTimeout bounds every non-streaming request
const RequestTimeout = 60 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(ledgermw.RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(healthChecks(deps), deps.Logger)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	ledgerHandler := handlers.NewLedgerHandler(deps.Ledger, deps.Logger)
	stream := handlers.NewStreamHandler(deps.Dispatcher,
		deps.Config.Stream.OriginPatterns, deps.Config.Stream.WriteTimeout, deps.Logger)
	metrics := handlers.NewMetricsHandler(deps.MetricsReader(), deps.Logger)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Subscriber sockets live as long as the client stays connected
		r.Get("/stream", stream.HandleStream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(RequestTimeout))
			ledgerHandler.Routes(r)
			r.Get("/metrics", metrics.HandleMetrics)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}

func healthChecks(deps *app.Dependencies) map[string]handlers.Checker {
	checks := make(map[string]handlers.Checker)
	if deps.Store != nil {
		checks["database"] = deps.Store
	}
	if deps.Redis != nil {
		checks["redis"] = handlers.CheckFunc(func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		})
	}
	return checks
}
