package api

import (
	"context"
	"net/http"
	"time"

	"crewtrack/internal/buildinfo"
)

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler pings the store and, when it can be pinged, the broker.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready: "+err.Error())
		return
	}
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if b, ok := s.Broker.(pinger); ok {
		if err := b.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "broker not ready: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"allowed_origins":     s.Config.AllowedOrigins,
			"rate_limit_requests": s.Config.RateLimitRequests,
			"rate_limit_window":   s.Config.RateLimitWindow.String(),
		},
	})
}
