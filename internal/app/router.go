package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/passage-gms/passage/internal/gate"
	"github.com/passage-gms/passage/internal/pass"
	"github.com/passage-gms/passage/internal/shared"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger      *slog.Logger
	Config      *Config
	PassHandler *pass.Handler
	GateHandler *gate.Handler
}

// NewRouter constructs the chi.Router with Passage defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			params.PassHandler.MountRoutes(r)
		})
		r.Group(func(r chi.Router) {
			r.Use(RequireCapability(shared.CapabilitySecurity))
			params.GateHandler.MountRoutes(r)
		})
	})

	return r
}
