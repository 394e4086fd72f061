package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"crewtrack/internal/model"
	"crewtrack/internal/store"
)

func (s *Server) ListAssignmentsHandler(w http.ResponseWriter, r *http.Request) {
	as, err := s.Store.ListAssignments(r.Context(), principal(r).OrganizationID)
	if err != nil {
		writeStoreError(w, err, "Organization not found")
		return
	}
	writeJSON(w, http.StatusOK, as)
}

const duplicateAssignment = "This exact pending assignment already exists."

// CreateAssignmentHandler assigns a crew member of the caller's organization to
// one of its locations. A second pending assignment of the same pair is refused.
func (s *Server) CreateAssignmentHandler(w http.ResponseWriter, r *http.Request) {
	var in model.AssignmentInput
	if !decodeJSON(w, r, &in) {
		return
	}
	p := principal(r)
	ctx := r.Context()
	member, err := s.Store.GetCrewMember(ctx, in.CrewMemberID)
	if err != nil || member.OrganizationID != p.OrganizationID {
		writeError(w, http.StatusNotFound, "Crew member not found")
		return
	}
	if _, err := s.Store.GetLocation(ctx, p.OrganizationID, in.LocationID); err != nil {
		writeStoreError(w, err, "Location not found")
		return
	}
	a, err := s.Store.CreateAssignment(ctx, in)
	switch {
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, duplicateAssignment)
		return
	case err != nil:
		writeStoreError(w, err, "Crew member or location not found")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) UpdateAssignmentHandler(w http.ResponseWriter, r *http.Request) {
	var patch model.AssignmentPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	a, err := s.Store.UpdateAssignment(r.Context(), principal(r).OrganizationID, chi.URLParam(r, "id"), patch)
	switch {
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, duplicateAssignment)
		return
	case err != nil:
		writeStoreError(w, err, "Assignment not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) DeleteAssignmentHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteAssignment(r.Context(), principal(r).OrganizationID, chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err, "Assignment not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
