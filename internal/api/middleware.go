package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"crewtrack/internal/auth"
	"crewtrack/internal/logging"
	"crewtrack/internal/metrics"
	"crewtrack/internal/session"
)

const requestIDHeader = "X-Request-ID"

// requestID attaches the caller's X-Request-ID, or a fresh one, to the
// request context and echoes it in the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = logging.NewRequestID()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

// accessLog logs and counts every request by its route pattern.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		pattern := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		code := strconv.Itoa(status)
		metrics.HTTPRequests.WithLabelValues(r.Method, pattern, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, pattern, code).Observe(dur.Seconds())

		logging.Ctx(r.Context()).Info().
			Str("remote", r.RemoteAddr).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", dur).
			Msg("request")
	})
}

// authenticate resolves the bearer token into a session.Principal once per
// request. Browsers cannot set headers on WebSocket and EventSource requests,
// so the access_token query parameter is accepted as well.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		p, err := s.Sessions.Resolve(r.Context(), token)
		switch {
		case errors.Is(err, session.ErrNoCrewMember):
			writeError(w, http.StatusForbidden, "No crew member profile for this user")
			return
		case err != nil:
			logging.Ctx(r.Context()).Debug().Err(err).Msg("resolve session")
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(session.NewContext(r.Context(), p)))
	})
}

// require refuses callers whose role lacks (obj, act).
func (s *Server) require(obj, act string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := session.FromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			if !s.Authz.Allow(p.Role, obj, act) {
				writeError(w, http.StatusForbidden, "Forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// principal returns the caller resolved by authenticate.
func principal(r *http.Request) session.Principal {
	p, _ := session.FromContext(r.Context())
	return p
}
