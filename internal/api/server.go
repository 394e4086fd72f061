package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crewtrack/internal/authz"
	"crewtrack/internal/config"
	"crewtrack/internal/identity"
	"crewtrack/internal/metrics"
	"crewtrack/internal/realtime"
	"crewtrack/internal/session"
	"crewtrack/internal/store"
	"crewtrack/internal/tracking"
)

type Server struct {
	Store    store.Store
	Broker   realtime.Broker
	Realtime *realtime.Manager
	Tracking *tracking.Service
	Sessions *session.Resolver
	Authz    *authz.Enforcer
	Identity identity.Admin
	Config   config.ServerConfig
	// IdentityRedirectURL is handed to the identity provider so new users land
	// on the password-set page.
	IdentityRedirectURL string

	memberOrgs sync.Map // crew member id -> organization id
}

// Handler builds the router with every middleware and route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.Config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         86400,
	}))
	if s.Config.RateLimitRequests > 0 {
		window := s.Config.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.Limit(s.Config.RateLimitRequests, window,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				writeError(w, http.StatusTooManyRequests, "Too many requests")
			}),
		))
	}

	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/openapi.json", s.OpenAPIHandler)
	r.Get("/debug/build", s.DebugJSON)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/me", s.MeHandler)
		r.With(s.require(authz.ObjOrganization, authz.ActRead)).Get("/organization", s.OrganizationHandler)
		r.With(s.require(authz.ObjCrew, authz.ActRead)).Get("/organization/crew", s.OrganizationCrewHandler)

		r.With(s.require(authz.ObjCrew, authz.ActWrite)).Post("/crew-members", s.CreateCrewMemberHandler)
		r.With(s.require(authz.ObjCrew, authz.ActWrite)).Delete("/crew-members/{id}", s.DeleteCrewMemberHandler)
		r.With(s.require(authz.ObjTracking, authz.ActRead)).Get("/crew-tracking", s.CrewTrackingHandler)
		r.With(s.require(authz.ObjTracking, authz.ActRead)).Get("/crew-tracking/stream", s.CrewTrackingStreamHandler)

		r.Route("/locations", func(r chi.Router) {
			r.With(s.require(authz.ObjLocations, authz.ActRead)).Get("/", s.ListLocationsHandler)
			r.With(s.require(authz.ObjLocations, authz.ActWrite)).Post("/", s.CreateLocationHandler)
			r.With(s.require(authz.ObjLocations, authz.ActWrite)).Patch("/{id}", s.UpdateLocationHandler)
			r.With(s.require(authz.ObjLocations, authz.ActWrite)).Delete("/{id}", s.DeleteLocationHandler)
		})
		r.Route("/assignments", func(r chi.Router) {
			r.With(s.require(authz.ObjAssignments, authz.ActRead)).Get("/", s.ListAssignmentsHandler)
			r.With(s.require(authz.ObjAssignments, authz.ActWrite)).Post("/", s.CreateAssignmentHandler)
			r.With(s.require(authz.ObjAssignments, authz.ActWrite)).Patch("/{id}", s.UpdateAssignmentHandler)
			r.With(s.require(authz.ObjAssignments, authz.ActWrite)).Delete("/{id}", s.DeleteAssignmentHandler)
		})

		r.With(s.require(authz.ObjMyAssignments, authz.ActRead)).Get("/my-assignments", s.MyAssignmentsHandler)
		r.With(s.require(authz.ObjMyAssignments, authz.ActRead)).Get("/my-assignments/ws", s.MyAssignmentsWSHandler)

		r.With(s.require(authz.ObjPositions, authz.ActWrite)).Post("/crew/location", s.PostLocationHandler)
		r.With(s.require(authz.ObjPositions, authz.ActRead)).Get("/crew/current-location/{id}", s.CurrentLocationHandler)

		r.With(s.require(authz.ObjRealtime, authz.ActSubscribe)).Get("/realtime/ws", s.RealtimeWSHandler)
		r.With(s.require(authz.ObjRealtime, authz.ActSubscribe)).Get("/realtime/{table}/stream", s.RealtimeStreamHandler)
	})
	return r
}
