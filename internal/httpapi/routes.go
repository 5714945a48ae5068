package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tabletop-sync/internal/auth"
	"github.com/DoyleJ11/tabletop-sync/internal/hub"
	"github.com/DoyleJ11/tabletop-sync/internal/lease"
	"github.com/DoyleJ11/tabletop-sync/internal/logging"
	"github.com/DoyleJ11/tabletop-sync/internal/ws"
)

type Deps struct {
	Hub          *hub.Hub
	Leases       *lease.Manager
	Auth         *auth.Auth
	Log          *zap.Logger
	MaxBodyBytes int64
}

func SetupRoutes(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logging.AccessLog(d.Log.Named("http")))

	// Public routes
	r.Get("/healthz", Healthz)
	r.With(limitBody(d.MaxBodyBytes)).Post("/sessions", CreateSession(d.Auth))

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(d.Auth.RequireAuth)
		r.Get("/ws", ws.Handler(d.Hub, d.Log))

		r.Group(func(r chi.Router) {
			r.Use(limitBody(d.MaxBodyBytes))
			r.Post("/boards", CreateBoard(d.Hub))
			r.Get("/boards/{code}/bootstrap", Bootstrap(d.Hub, d.Leases))
			r.Post("/boards/{code}/save", SaveBoard(d.Hub))
			r.Post("/locks", Locks(d.Leases))
			r.Get("/resources/{id}", GetResource(d.Leases))
			r.Put("/resources/{id}", PutResource(d.Leases, false))
			r.Patch("/resources/{id}", PutResource(d.Leases, true))
		})
	})
	return r
}
