// Package httptransport composes the HTTP surface: middleware chain,
// authenticated API routes, and the unauthenticated operational
// endpoints.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	catalogHandler "ratebook/internal/catalog/handler"
	ledgerHandler "ratebook/internal/ledger/handler"
	"ratebook/internal/platform/middleware"
)

// Deps carries everything the router mounts.
type Deps struct {
	Catalog    *catalogHandler.Handler
	Ledger     *ledgerHandler.Handler
	Logger     *slog.Logger
	SigningKey string
}

// NewRouter builds the full route tree. Every API route sits behind the
// principal middleware; /healthz and /metrics stay open for the
// platform's probes and scrapers.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(d.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Logger(d.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(api chi.Router) {
		api.Use(middleware.RequirePrincipal(d.SigningKey, d.Logger))
		d.Catalog.Register(api)
		d.Ledger.Register(api)
	})

	return r
}
