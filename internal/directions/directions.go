// Package directions computes optimized driving routes through a set of
// waypoints, either via the Google Directions web API or an offline planner.
package directions

import (
	"context"
	"errors"
	"fmt"

	"crewtrack/internal/geo"
)

// Mode is a travel mode understood by the providers.
type Mode string

const (
	ModeDriving Mode = "DRIVING"
	ModeWalking Mode = "WALKING"
)

// Provider statuses. Anything other than StatusOK is reported through *StatusError.
const (
	StatusOK             = "OK"
	StatusZeroResults    = "ZERO_RESULTS"
	StatusNotFound       = "NOT_FOUND"
	StatusOverQueryLimit = "OVER_QUERY_LIMIT"
	StatusRequestDenied  = "REQUEST_DENIED"
	StatusInvalidRequest = "INVALID_REQUEST"
	StatusUnknownError   = "UNKNOWN_ERROR"
	// StatusUnavailable is reported when the provider cannot be reached or the breaker is open.
	StatusUnavailable = "UNAVAILABLE"
)

// Service computes a route. Implementations must honour ctx cancellation.
type Service interface {
	Route(ctx context.Context, req Request) (Result, error)
}

type Request struct {
	Origin      geo.Point
	Destination geo.Point
	Waypoints   []geo.Point
	Optimize    bool
	Mode        Mode
}

type Leg struct {
	StartAddress    string    `json:"start_address"`
	EndAddress      string    `json:"end_address"`
	EndLocation     geo.Point `json:"end_location"`
	DistanceMeters  int       `json:"distance_meters"`
	DurationSeconds int       `json:"duration_seconds"`
}

type Result struct {
	Status string `json:"status"`
	// WaypointOrder is the visiting order as indexes into Request.Waypoints.
	WaypointOrder        []int  `json:"waypoint_order"`
	Legs                 []Leg  `json:"legs"`
	Polyline             string `json:"polyline,omitempty"`
	TotalDistanceMeters  int    `json:"total_distance_meters"`
	TotalDurationSeconds int    `json:"total_duration_seconds"`
}

func (r *Result) sumLegs() {
	r.TotalDistanceMeters, r.TotalDurationSeconds = 0, 0
	for _, l := range r.Legs {
		r.TotalDistanceMeters += l.DistanceMeters
		r.TotalDurationSeconds += l.DurationSeconds
	}
}

// StatusError carries a non-OK provider status.
type StatusError struct {
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("directions: %s: %s", e.Status, e.Message)
	}
	return "directions: " + e.Status
}

// StatusOf extracts the provider status from err, or StatusUnknownError.
func StatusOf(err error) string {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusUnknownError
}
