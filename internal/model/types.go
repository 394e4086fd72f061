package model

import (
	"encoding/json"
	"time"
)

// Roles
const (
	RoleAdmin      = "admin"
	RoleSupervisor = "supervisor"
	RoleCrew       = "crew"
	RoleDriver     = "driver"
)

// Assignment statuses
const (
	AssignmentPending    = "pending"
	AssignmentInProgress = "in_progress"
	AssignmentCompleted  = "completed"
	AssignmentCancelled  = "cancelled"
)

// Realtime table names
const (
	TableOrganizations = "organizations"
	TableCrewMembers   = "crew_members"
	TableLocations     = "locations"
	TableAssignments   = "crew_assignments"
	TableCrewLocations = "crew_locations"
)

// IsManager reports whether role may manage the organization (admin or supervisor).
func IsManager(role string) bool { return role == RoleAdmin || role == RoleSupervisor }

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleSupervisor, RoleCrew, RoleDriver:
		return true
	}
	return false
}

type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type CrewMember struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id,omitempty"`
	Name           string     `json:"name"`
	Email          string     `json:"email,omitempty"`
	Role           string     `json:"role"`
	OrganizationID string     `json:"organization_id"`
	LastActiveAt   *time.Time `json:"last_active_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Location is a job site. Coordinates are optional; GeofenceDetails is stored, never interpreted.
type Location struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Address         string          `json:"address,omitempty"`
	Phone           string          `json:"phone,omitempty"`
	Email           string          `json:"email,omitempty"`
	Latitude        *float64        `json:"latitude"`
	Longitude       *float64        `json:"longitude"`
	Status          string          `json:"status,omitempty"`
	GeofenceDetails json.RawMessage `json:"geofence_details,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	OrganizationID  string          `json:"organization_id"`
	CreatedAt       time.Time       `json:"created_at"`
}

// HasCoordinates reports whether both latitude and longitude are set.
func (l Location) HasCoordinates() bool { return l.Latitude != nil && l.Longitude != nil }

type LocationInput struct {
	Name            string          `json:"name" validate:"required,max=200"`
	Address         string          `json:"address" validate:"max=500"`
	Phone           string          `json:"phone" validate:"max=50"`
	Email           string          `json:"email" validate:"omitempty,email"`
	Latitude        *float64        `json:"latitude" validate:"omitempty,latitude"`
	Longitude       *float64        `json:"longitude" validate:"omitempty,longitude"`
	Status          string          `json:"status" validate:"omitempty,oneof=active inactive"`
	GeofenceDetails json.RawMessage `json:"geofence_details"`
	Notes           string          `json:"notes" validate:"max=2000"`
}

type CrewAssignment struct {
	ID             string    `json:"id"`
	CrewMemberID   string    `json:"crew_member_id"`
	LocationID     string    `json:"location_id"`
	Status         string    `json:"status"`
	Notes          string    `json:"notes"`
	OrganizationID string    `json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`

	CrewMemberName  string `json:"crew_member_name,omitempty"`
	LocationName    string `json:"location_name,omitempty"`
	LocationAddress string `json:"location_address,omitempty"`
}

type AssignmentInput struct {
	CrewMemberID string `json:"crew_member_id" validate:"required"`
	LocationID   string `json:"location_id" validate:"required"`
	Notes        string `json:"notes" validate:"max=2000"`
}

type AssignmentPatch struct {
	Status *string `json:"status" validate:"omitempty,oneof=pending in_progress completed cancelled"`
	Notes  *string `json:"notes" validate:"omitempty,max=2000"`
}

// AssignedLocation is an active assignment joined with its location, as shown to the assigned crew member.
type AssignedLocation struct {
	Location
	AssignmentID     string `json:"assignment_id"`
	AssignmentStatus string `json:"assignment_status"`
	AssignmentNotes  string `json:"assignment_notes"`
}

// CrewLocation is one append-only position sample.
type CrewLocation struct {
	ID           string    `json:"id"`
	CrewMemberID string    `json:"crew_member_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Timestamp    time.Time `json:"timestamp"`
}

type PositionInput struct {
	CrewMemberID string   `json:"crew_member_id" validate:"required"`
	Latitude     *float64 `json:"latitude" validate:"required,latitude"`
	Longitude    *float64 `json:"longitude" validate:"required,longitude"`
}

type CrewMemberInput struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"required,oneof=admin supervisor crew driver"`
}

// TrackedMember is a crew member with its latest position and derived liveness.
type TrackedMember struct {
	CrewMember
	Location *CrewLocation `json:"location"`
	Active   bool          `json:"active"`
}
