package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"crewtrack/internal/identity"
	"crewtrack/internal/logging"
	"crewtrack/internal/model"
	"crewtrack/internal/realtime"
	"crewtrack/internal/session"
)

type meResponse struct {
	session.Principal
	Organization *model.Organization `json:"organization,omitempty"`
}

func (s *Server) MeHandler(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	resp := meResponse{Principal: p}
	if org, err := s.Store.GetOrganization(r.Context(), p.OrganizationID); err == nil {
		resp.Organization = &org
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) OrganizationHandler(w http.ResponseWriter, r *http.Request) {
	org, err := s.Store.GetOrganization(r.Context(), principal(r).OrganizationID)
	if err != nil {
		writeStoreError(w, err, "Organization not found")
		return
	}
	writeJSON(w, http.StatusOK, org)
}

// OrganizationCrewHandler lists the caller's organization. An explicit org_id
// must name that same organization.
func (s *Server) OrganizationCrewHandler(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if id := r.URL.Query().Get("org_id"); id != "" && id != p.OrganizationID {
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}
	members, err := s.Store.ListCrewMembers(r.Context(), p.OrganizationID)
	if err != nil {
		writeStoreError(w, err, "Organization not found")
		return
	}
	writeJSON(w, http.StatusOK, members)
}

type createCrewMemberResponse struct {
	model.CrewMember
	Warning string `json:"warning,omitempty"`
}

// CreateCrewMemberHandler creates the auth user with a temporary password and
// then the crew member row. The auth user is removed again when the row
// cannot be written.
func (s *Server) CreateCrewMemberHandler(w http.ResponseWriter, r *http.Request) {
	var in model.CrewMemberInput
	if !decodeJSON(w, r, &in) {
		return
	}
	p := principal(r)
	ctx := r.Context()

	password, err := identity.TemporaryPassword()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	user, err := s.Identity.CreateUser(ctx, in.Email, password, map[string]any{
		"role":            in.Role,
		"organization_id": p.OrganizationID,
		"name":            in.Name,
	})
	switch {
	case errors.Is(err, identity.ErrUserExists):
		writeError(w, http.StatusConflict, "A user with this email address has already been registered")
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	member, err := s.Store.CreateCrewMember(ctx, model.CrewMember{
		UserID:         user.ID,
		Name:           in.Name,
		Email:          in.Email,
		Role:           in.Role,
		OrganizationID: p.OrganizationID,
	})
	if err != nil {
		if derr := s.Identity.DeleteUser(context.WithoutCancel(ctx), user.ID); derr != nil {
			logging.Ctx(ctx).Error().Err(derr).Str("user_id", user.ID).Msg("roll back auth user")
		}
		writeStoreError(w, err, "Organization not found")
		return
	}

	resp := createCrewMemberResponse{CrewMember: member}
	if sender, ok := s.Identity.(identity.PasswordSetupSender); ok {
		if err := sender.SendPasswordSetup(ctx, in.Email, s.IdentityRedirectURL); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("crew_member_id", member.ID).Msg("send password setup")
			resp.Warning = "Crew member created, but the password setup email could not be sent: " + err.Error()
		}
	}
	logging.Ctx(ctx).Info().Str("crew_member_id", member.ID).Str("role", member.Role).Msg("crew member created")
	writeJSON(w, http.StatusCreated, resp)
}

type deleteCrewMemberResponse struct {
	Message string `json:"message"`
	Warning string `json:"warning,omitempty"`
}

// DeleteCrewMemberHandler removes the crew member row first, then its auth
// user. A failed auth deletion still reports success, with a warning.
func (s *Server) DeleteCrewMemberHandler(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == p.CrewMemberID {
		writeError(w, http.StatusBadRequest, "You cannot remove yourself")
		return
	}
	member, err := s.Store.GetCrewMember(ctx, id)
	if err != nil || member.OrganizationID != p.OrganizationID {
		writeError(w, http.StatusNotFound, "Crew member not found")
		return
	}
	if err := s.Store.DeleteCrewMember(ctx, p.OrganizationID, id); err != nil {
		writeStoreError(w, err, "Crew member not found")
		return
	}
	s.Sessions.Forget(id)
	s.memberOrgs.Delete(id)

	resp := deleteCrewMemberResponse{Message: "Crew member removed"}
	if member.UserID != "" {
		err := s.Identity.DeleteUser(ctx, member.UserID)
		if err != nil && !errors.Is(err, identity.ErrUserNotFound) {
			logging.Ctx(ctx).Warn().Err(err).Str("crew_member_id", id).Msg("delete auth user")
			resp.Warning = "Crew member removed, but the login could not be deleted: " + err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CrewTrackingHandler returns every member of the organization with its
// latest position and whether it was active recently.
func (s *Server) CrewTrackingHandler(w http.ResponseWriter, r *http.Request) {
	members, err := s.trackedMembers(r.Context(), principal(r).OrganizationID)
	if err != nil {
		writeStoreError(w, err, "Organization not found")
		return
	}
	writeJSON(w, http.StatusOK, realtime.NewMemberRoster(members).Members())
}

func (s *Server) trackedMembers(ctx context.Context, orgID string) ([]model.TrackedMember, error) {
	members, err := s.Store.ListCrewMembers(ctx, orgID)
	if err != nil {
		return nil, err
	}
	latest, err := s.Store.LatestPositions(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := make([]model.TrackedMember, 0, len(members))
	for _, m := range members {
		tm := model.TrackedMember{CrewMember: m}
		if loc, ok := latest[m.ID]; ok {
			tm.Location = &loc
		}
		out = append(out, tm)
	}
	return out, nil
}
