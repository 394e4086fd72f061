package store

import (
	"context"
	"errors"
	"time"

	"crewtrack/internal/model"
)

// Store is the persistence interface used by the API server. Methods taking an
// orgID only see rows of that organization.
type Store interface {
	Ping(ctx context.Context) error

	// Organizations
	GetOrganization(ctx context.Context, id string) (model.Organization, error)
	CreateOrganization(ctx context.Context, name string) (model.Organization, error)

	// Crew members
	ListCrewMembers(ctx context.Context, orgID string) ([]model.CrewMember, error)
	GetCrewMember(ctx context.Context, id string) (model.CrewMember, error)
	GetCrewMemberByUserID(ctx context.Context, userID string) (model.CrewMember, error)
	CreateCrewMember(ctx context.Context, m model.CrewMember) (model.CrewMember, error)
	DeleteCrewMember(ctx context.Context, orgID, id string) error

	// Locations
	ListLocations(ctx context.Context, orgID string) ([]model.Location, error)
	GetLocation(ctx context.Context, orgID, id string) (model.Location, error)
	CreateLocation(ctx context.Context, orgID string, in model.LocationInput) (model.Location, error)
	UpdateLocation(ctx context.Context, orgID, id string, in model.LocationInput) (model.Location, error)
	DeleteLocation(ctx context.Context, orgID, id string) error

	// Assignments
	ListAssignments(ctx context.Context, orgID string) ([]model.CrewAssignment, error)
	// ListActiveAssignments joins the member's assignments that are neither
	// completed nor cancelled with their locations.
	ListActiveAssignments(ctx context.Context, crewMemberID string) ([]model.AssignedLocation, error)
	// CreateAssignment stamps the organization from the crew member and
	// returns ErrConflict when the same pending assignment exists.
	CreateAssignment(ctx context.Context, in model.AssignmentInput) (model.CrewAssignment, error)
	UpdateAssignment(ctx context.Context, orgID, id string, patch model.AssignmentPatch) (model.CrewAssignment, error)
	DeleteAssignment(ctx context.Context, orgID, id string) error

	// Positions
	// InsertPosition appends a sample and moves the member's last_active_at to at.
	InsertPosition(ctx context.Context, crewMemberID string, lat, lng float64, at time.Time) (model.CrewLocation, error)
	LatestPosition(ctx context.Context, crewMemberID string) (model.CrewLocation, error)
	// LatestPositions maps crew member id to its newest sample for the organization.
	LatestPositions(ctx context.Context, orgID string) (map[string]model.CrewLocation, error)
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

const defaultLocationStatus = "active"
