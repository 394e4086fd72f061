package store

import (
	"context"
	"errors"
	"fmt"

	"crewtrack/internal/model"
)

// Bootstrap makes sure admin exists as an admin crew member. When the user has
// no crew member yet, an organization named orgName is created for it. Running
// it again is a no-op.
func Bootstrap(ctx context.Context, st Store, orgName string, admin model.CrewMember) (model.CrewMember, bool, error) {
	if admin.UserID == "" {
		return model.CrewMember{}, false, errors.New("bootstrap: admin user id required")
	}
	existing, err := st.GetCrewMemberByUserID(ctx, admin.UserID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.CrewMember{}, false, fmt.Errorf("bootstrap: look up admin: %w", err)
	}
	org, err := st.CreateOrganization(ctx, orgName)
	if err != nil {
		return model.CrewMember{}, false, fmt.Errorf("bootstrap: create organization: %w", err)
	}
	admin.Role = model.RoleAdmin
	admin.OrganizationID = org.ID
	if admin.Name == "" {
		admin.Name = "Administrator"
	}
	m, err := st.CreateCrewMember(ctx, admin)
	if err != nil {
		return model.CrewMember{}, false, fmt.Errorf("bootstrap: create admin: %w", err)
	}
	return m, true, nil
}
