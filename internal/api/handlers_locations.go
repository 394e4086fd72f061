package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"crewtrack/internal/model"
)

func (s *Server) ListLocationsHandler(w http.ResponseWriter, r *http.Request) {
	locs, err := s.Store.ListLocations(r.Context(), principal(r).OrganizationID)
	if err != nil {
		writeStoreError(w, err, "Organization not found")
		return
	}
	writeJSON(w, http.StatusOK, locs)
}

func (s *Server) CreateLocationHandler(w http.ResponseWriter, r *http.Request) {
	var in model.LocationInput
	if !decodeJSON(w, r, &in) {
		return
	}
	if !coordinatesPaired(in) {
		writeError(w, http.StatusBadRequest, "latitude and longitude must be given together")
		return
	}
	loc, err := s.Store.CreateLocation(r.Context(), principal(r).OrganizationID, in)
	if err != nil {
		writeStoreError(w, err, "Organization not found")
		return
	}
	writeJSON(w, http.StatusCreated, loc)
}

func (s *Server) UpdateLocationHandler(w http.ResponseWriter, r *http.Request) {
	var in model.LocationInput
	if !decodeJSON(w, r, &in) {
		return
	}
	if !coordinatesPaired(in) {
		writeError(w, http.StatusBadRequest, "latitude and longitude must be given together")
		return
	}
	loc, err := s.Store.UpdateLocation(r.Context(), principal(r).OrganizationID, chi.URLParam(r, "id"), in)
	if err != nil {
		writeStoreError(w, err, "Location not found")
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// DeleteLocationHandler removes the location and, with it, its assignments.
func (s *Server) DeleteLocationHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteLocation(r.Context(), principal(r).OrganizationID, chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err, "Location not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func coordinatesPaired(in model.LocationInput) bool {
	return (in.Latitude == nil) == (in.Longitude == nil)
}
