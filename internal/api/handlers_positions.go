package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"crewtrack/internal/enrich"
	"crewtrack/internal/geo"
	"crewtrack/internal/model"
	"crewtrack/internal/store"
	"crewtrack/internal/tracking"
	"crewtrack/internal/validation"
)

// PostLocationHandler records a position sample. Crew post for themselves;
// admins may post for any member of their organization.
func (s *Server) PostLocationHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var in model.PositionInput
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if in.CrewMemberID == "" || in.Latitude == nil || in.Longitude == nil {
		writeError(w, http.StatusBadRequest, "Missing required location data")
		return
	}
	if err := validation.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := principal(r)
	ctx := r.Context()
	if in.CrewMemberID != p.CrewMemberID {
		if !p.IsManager() {
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		}
		m, err := s.Store.GetCrewMember(ctx, in.CrewMemberID)
		if err != nil || m.OrganizationID != p.OrganizationID {
			writeError(w, http.StatusNotFound, "Crew member not found")
			return
		}
	}

	loc, err := s.Tracking.Ingest(ctx, in.CrewMemberID, geo.Point{Lat: *in.Latitude, Lng: *in.Longitude})
	switch {
	case errors.Is(err, tracking.ErrThrottled):
		writeError(w, http.StatusTooManyRequests, "Location updates are too frequent")
		return
	case err != nil:
		writeStoreError(w, err, "Crew member not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Location updated successfully",
		"location": loc,
	})
}

// CurrentLocationHandler returns the newest sample of a member of the caller's
// organization.
func (s *Server) CurrentLocationHandler(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id != p.CrewMemberID {
		m, err := s.Store.GetCrewMember(ctx, id)
		if err != nil || m.OrganizationID != p.OrganizationID {
			writeError(w, http.StatusNotFound, "No location found")
			return
		}
	}
	loc, err := s.Store.LatestPosition(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "No location found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

type myAssignmentsResponse struct {
	Locations []enrich.Entry `json:"locations"`
	Position  *geo.Point     `json:"position,omitempty"`
}

// MyAssignmentsHandler lists the caller's active assignments, tagged with
// their distance and nearest first when lat and lng are given.
func (s *Server) MyAssignmentsHandler(w http.ResponseWriter, r *http.Request) {
	pos, err := queryPoint(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	locs, err := s.Store.ListActiveAssignments(r.Context(), principal(r).CrewMemberID)
	if err != nil {
		writeStoreError(w, err, "Crew member not found")
		return
	}
	writeJSON(w, http.StatusOK, myAssignmentsResponse{Locations: enrich.Enrich(locs, pos), Position: pos})
}

// queryPoint reads the optional lat/lng query pair.
func queryPoint(r *http.Request) (*geo.Point, error) {
	q := r.URL.Query()
	latS, lngS := q.Get("lat"), q.Get("lng")
	if latS == "" && lngS == "" {
		return nil, nil
	}
	lat, err1 := strconv.ParseFloat(latS, 64)
	lng, err2 := strconv.ParseFloat(lngS, 64)
	if err1 != nil || err2 != nil || !validLatLng(lat, lng) {
		return nil, errors.New("lat and lng must be valid coordinates")
	}
	return &geo.Point{Lat: lat, Lng: lng}, nil
}
