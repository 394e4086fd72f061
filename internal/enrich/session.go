// Package enrich tags a crew member's assigned locations with their distance
// from the current position, orders them, and computes one optimized round
// trip through them.
package enrich

import (
	"context"
	"math"
	"sort"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"crewtrack/internal/directions"
	"crewtrack/internal/geo"
	"crewtrack/internal/metrics"
	"crewtrack/internal/model"
)

// SortMode describes how Snapshot.Locations are ordered.
type SortMode string

const (
	SortNone         SortMode = "none"
	SortDistance     SortMode = "distance"
	SortAlphabetical SortMode = "alphabetical"
)

const (
	warnUnsupported = "Geolocation is not supported by this device. Location sorting disabled."
	routeErrPrefix  = "Failed to calculate route: "
)

// Entry is an assigned location with its straight-line distance in km.
// DistanceKm is nil when the location has no coordinates or no fix was applied.
type Entry struct {
	model.AssignedLocation
	DistanceKm *float64 `json:"distance_km"`
}

func (e Entry) sortKey() float64 {
	if e.DistanceKm == nil {
		return math.Inf(1)
	}
	return *e.DistanceKm
}

// RouteStop is one visited location in optimized order.
type RouteStop struct {
	Sequence   int            `json:"sequence"`
	LocationID string         `json:"location_id"`
	Name       string         `json:"name"`
	Address    string         `json:"address,omitempty"`
	Leg        directions.Leg `json:"leg"`
}

type Route struct {
	directions.Result
	Stops []RouteStop `json:"stops"`
}

type Snapshot struct {
	Locations     []Entry    `json:"locations"`
	Position      *geo.Point `json:"position,omitempty"`
	SortMode      SortMode   `json:"sort_mode"`
	Route         *Route     `json:"route,omitempty"`
	RouteComputed bool       `json:"route_computed"`
	Warning       string     `json:"warning,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Session holds the enrichment state of one crew member's assignment view.
// It is safe for concurrent use.
type Session struct {
	mu            sync.Mutex
	entries       []Entry
	tagged        bool
	position      *geo.Point
	sortMode      SortMode
	warning       string
	routeErr      string
	route         *Route
	routeComputed bool
	routing       bool
}

func NewSession() *Session {
	return &Session{sortMode: SortNone}
}

// SetLocations replaces the assigned set. Entries come back untagged; the
// route flag is left alone. With a fix the new set is tagged at once; after a
// geolocation failure it keeps the alphabetical order.
func (s *Session) SetLocations(locs []model.AssignedLocation) {
	entries := make([]Entry, len(locs))
	for i, l := range locs {
		entries[i] = Entry{AssignedLocation: l}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	s.tagged = false
	switch {
	case s.position != nil:
		s.sortMode = SortNone
		s.tagLocked()
	case s.sortMode == SortAlphabetical:
		s.sortByNameLocked()
	default:
		s.sortMode = SortNone
	}
}

// ApplyPosition records a fresh fix and tags the set with distances when it
// has not been tagged yet.
func (s *Session) ApplyPosition(p geo.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = &p
	s.warning = ""
	s.tagLocked()
}

func (s *Session) tagLocked() {
	if s.tagged || len(s.entries) == 0 || s.position == nil {
		return
	}
	pos := *s.position
	for i := range s.entries {
		e := &s.entries[i]
		e.DistanceKm = nil
		if e.HasCoordinates() {
			d := geo.DistanceKm(pos, geo.Point{Lat: *e.Latitude, Lng: *e.Longitude})
			e.DistanceKm = &d
		}
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].sortKey() < s.entries[j].sortKey()
	})
	s.tagged = true
	s.sortMode = SortDistance
}

// GeolocationFailed falls back to alphabetical ordering and records a warning.
func (s *Session) GeolocationFailed(reason string) {
	s.fallback("Geolocation error: " + reason + ". Location sorting disabled.")
}

// GeolocationUnsupported is GeolocationFailed for devices without geolocation.
func (s *Session) GeolocationUnsupported() {
	s.fallback(warnUnsupported)
}

func (s *Session) fallback(warning string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warning = warning
	if s.tagged {
		return
	}
	s.sortByNameLocked()
}

func (s *Session) sortByNameLocked() {
	c := collate.New(language.Und)
	sort.SliceStable(s.entries, func(i, j int) bool {
		return c.CompareString(s.entries[i].Name, s.entries[j].Name) < 0
	})
	s.sortMode = SortAlphabetical
}

// ComputeRoute requests an optimized round trip from the current fix through
// every location with coordinates. It does nothing while a route is already
// computed or in flight, before a fix is tagged onto a non-empty set, or when
// no location has coordinates. It reports whether the provider was called.
// A failure keeps the previous route and records the provider status.
func (s *Session) ComputeRoute(ctx context.Context, svc directions.Service) (bool, error) {
	s.mu.Lock()
	if s.routeComputed || s.routing || s.position == nil || len(s.entries) == 0 || !s.tagged {
		s.mu.Unlock()
		return false, nil
	}
	origin := *s.position
	var stops []Entry
	var wps []geo.Point
	for _, e := range s.entries {
		if e.HasCoordinates() {
			stops = append(stops, e)
			wps = append(wps, geo.Point{Lat: *e.Latitude, Lng: *e.Longitude})
		}
	}
	if len(wps) == 0 {
		s.mu.Unlock()
		return false, nil
	}
	s.routing = true
	s.mu.Unlock()

	res, err := svc.Route(ctx, directions.Request{
		Origin:      origin,
		Destination: origin,
		Waypoints:   wps,
		Optimize:    true,
		Mode:        directions.ModeDriving,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.routing = false
	if ctx.Err() != nil {
		metrics.RoutesComputed.WithLabelValues("cancelled").Inc()
		return true, ctx.Err()
	}
	if err != nil {
		s.routeErr = routeErrPrefix + directions.StatusOf(err)
		metrics.RoutesComputed.WithLabelValues("failed").Inc()
		return true, err
	}
	s.route = buildRoute(res, stops)
	s.routeErr = ""
	s.routeComputed = true
	metrics.RoutesComputed.WithLabelValues("ok").Inc()
	return true, nil
}

func buildRoute(res directions.Result, stops []Entry) *Route {
	r := &Route{Result: res}
	order := res.WaypointOrder
	if len(order) != len(stops) {
		order = make([]int, len(stops))
		for i := range order {
			order[i] = i
		}
	}
	for seq, idx := range order {
		if idx < 0 || idx >= len(stops) {
			continue
		}
		st := RouteStop{
			Sequence:   seq + 1,
			LocationID: stops[idx].ID,
			Name:       stops[idx].Name,
			Address:    stops[idx].Address,
		}
		if seq < len(res.Legs) {
			st.Leg = res.Legs[seq]
		}
		r.Stops = append(r.Stops, st)
	}
	return r
}

// ResetRoute clears the computed flag so the next ComputeRoute calls the provider.
func (s *Session) ResetRoute() {
	s.mu.Lock()
	s.routeComputed = false
	s.mu.Unlock()
}

func (s *Session) RouteComputed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routeComputed
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Locations:     append([]Entry(nil), s.entries...),
		SortMode:      s.sortMode,
		RouteComputed: s.routeComputed,
		Warning:       s.warning,
		Error:         s.routeErr,
	}
	if snap.Locations == nil {
		snap.Locations = []Entry{}
	}
	if s.position != nil {
		p := *s.position
		snap.Position = &p
	}
	if s.route != nil {
		r := *s.route
		r.Stops = append([]RouteStop(nil), s.route.Stops...)
		snap.Route = &r
	}
	return snap
}

// Enrich is the one-shot form: tag and sort locs for pos without routing.
func Enrich(locs []model.AssignedLocation, pos *geo.Point) []Entry {
	s := NewSession()
	s.SetLocations(locs)
	if pos != nil {
		s.ApplyPosition(*pos)
	}
	return s.Snapshot().Locations
}
