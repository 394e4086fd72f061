package enrich

import (
	"context"
	"math"
	"sync/atomic"
	"testing"

	"crewtrack/internal/directions"
	"crewtrack/internal/geo"
	"crewtrack/internal/model"
)

var denver = geo.Point{Lat: 39.7392, Lng: -104.9903}

func f(v float64) *float64 { return &v }

func loc(id, name string, lat, lng *float64) model.AssignedLocation {
	return model.AssignedLocation{
		Location:     model.Location{ID: id, Name: name, Latitude: lat, Longitude: lng},
		AssignmentID: "a-" + id,
	}
}

func sample() []model.AssignedLocation {
	return []model.AssignedLocation{
		loc("far", "Zeta Yard", f(40.0150), f(-105.2705)),  // Boulder
		loc("none", "Alpha Depot", nil, nil),               // no coordinates
		loc("here", "Mile High", f(39.7392), f(-104.9903)), // same point
		loc("half", "Beta Site", f(39.7392), nil),          // half coordinates
		loc("mid", "Gamma Park", f(39.6133), f(-105.0166)), // Littleton
	}
}

type fakeRoutes struct {
	calls atomic.Int32
	err   error
	last  directions.Request
}

func (f *fakeRoutes) Route(ctx context.Context, req directions.Request) (directions.Result, error) {
	f.calls.Add(1)
	f.last = req
	if f.err != nil {
		return directions.Result{}, f.err
	}
	order := make([]int, len(req.Waypoints))
	legs := make([]directions.Leg, len(req.Waypoints)+1)
	for i := range order {
		order[i] = len(order) - 1 - i
	}
	return directions.Result{Status: directions.StatusOK, WaypointOrder: order, Legs: legs}, nil
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestApplyPositionSortsByDistanceMissingLast(t *testing.T) {
	s := NewSession()
	s.SetLocations(sample())
	s.ApplyPosition(denver)
	snap := s.Snapshot()

	got := ids(snap.Locations)
	want := []string{"here", "mid", "far", "none", "half"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if snap.SortMode != SortDistance {
		t.Fatalf("sort mode = %s", snap.SortMode)
	}
	if d := *snap.Locations[0].DistanceKm; d > 1e-9 {
		t.Fatalf("distance to same point = %v", d)
	}
	for _, e := range snap.Locations[3:] {
		if e.DistanceKm != nil {
			t.Fatalf("%s should have no distance", e.ID)
		}
	}
}

func TestMissingCoordinatesSortLastEvenWhenFar(t *testing.T) {
	s := NewSession()
	s.SetLocations([]model.AssignedLocation{
		loc("none", "A", nil, nil),
		loc("antipode", "B", f(-39.7392), f(75.0097)),
	})
	s.ApplyPosition(denver)
	got := ids(s.Snapshot().Locations)
	if got[0] != "antipode" || got[1] != "none" {
		t.Fatalf("order = %v", got)
	}
	if k := (Entry{}).sortKey(); !math.IsInf(k, 1) {
		t.Fatalf("untagged sort key = %v", k)
	}
}

func TestDistancesNotRecomputedForTaggedSet(t *testing.T) {
	s := NewSession()
	s.SetLocations(sample())
	s.ApplyPosition(denver)
	first := *s.Snapshot().Locations[0].DistanceKm

	s.ApplyPosition(geo.Point{Lat: 40.0150, Lng: -105.2705})
	snap := s.Snapshot()
	if snap.Locations[0].ID != "here" || *snap.Locations[0].DistanceKm != first {
		t.Fatalf("tagged set was recomputed: %+v", snap.Locations[0])
	}

	// a fresh set is tagged against the latest fix
	s.SetLocations(sample())
	if got := s.Snapshot().Locations[0].ID; got != "far" {
		t.Fatalf("new set not tagged against latest fix, first = %s", got)
	}
}

func TestGeolocationFailureFallsBackToAlphabetical(t *testing.T) {
	s := NewSession()
	s.SetLocations(sample())
	s.GeolocationFailed("User denied Geolocation")
	snap := s.Snapshot()
	if snap.Warning != "Geolocation error: User denied Geolocation. Location sorting disabled." {
		t.Fatalf("warning = %q", snap.Warning)
	}
	if snap.SortMode != SortAlphabetical {
		t.Fatalf("sort mode = %s", snap.SortMode)
	}
	want := []string{"none", "half", "mid", "here", "far"}
	got := ids(snap.Locations)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestGeolocationFailureAfterTaggingKeepsDistanceOrder(t *testing.T) {
	s := NewSession()
	s.SetLocations(sample())
	s.ApplyPosition(denver)
	before := ids(s.Snapshot().Locations)

	s.GeolocationFailed("Timeout expired")
	snap := s.Snapshot()
	if snap.Warning != "Geolocation error: Timeout expired. Location sorting disabled." {
		t.Fatalf("warning = %q", snap.Warning)
	}
	if snap.SortMode != SortDistance {
		t.Fatalf("sort mode = %s", snap.SortMode)
	}
	got := ids(snap.Locations)
	for i := range before {
		if got[i] != before[i] {
			t.Fatalf("order = %v, want %v", got, before)
		}
	}
	if snap.Locations[0].DistanceKm == nil {
		t.Fatal("distances dropped")
	}
}

func TestRefetchAfterGeolocationFailureStaysAlphabetical(t *testing.T) {
	s := NewSession()
	s.SetLocations(sample())
	s.GeolocationFailed("User denied Geolocation")

	refetched := append(sample(), loc("new", "Aardvark Lot", f(39.7), f(-105.0)))
	s.SetLocations(refetched)
	snap := s.Snapshot()
	if snap.SortMode != SortAlphabetical {
		t.Fatalf("sort mode = %s", snap.SortMode)
	}
	want := []string{"new", "none", "half", "mid", "here", "far"}
	got := ids(snap.Locations)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if snap.Warning == "" {
		t.Fatal("warning cleared by refetch")
	}

	// a fix later on switches back to distance order
	s.ApplyPosition(denver)
	if snap := s.Snapshot(); snap.SortMode != SortDistance || snap.Locations[0].ID != "here" {
		t.Fatalf("after fix: mode %s, first %s", snap.SortMode, snap.Locations[0].ID)
	}
}

func TestGeolocationUnsupportedWarning(t *testing.T) {
	s := NewSession()
	s.SetLocations(sample())
	s.GeolocationUnsupported()
	if w := s.Snapshot().Warning; w != "Geolocation is not supported by this device. Location sorting disabled." {
		t.Fatalf("warning = %q", w)
	}
}

func TestComputeRouteOnceWhileFlagSet(t *testing.T) {
	svc := &fakeRoutes{}
	s := NewSession()
	s.SetLocations(sample())
	ctx := context.Background()

	if called, _ := s.ComputeRoute(ctx, svc); called {
		t.Fatal("route must wait for a position fix")
	}
	s.ApplyPosition(denver)
	called, err := s.ComputeRoute(ctx, svc)
	if !called || err != nil {
		t.Fatalf("ComputeRoute = %v, %v", called, err)
	}
	if svc.last.Origin != denver || svc.last.Destination != denver || !svc.last.Optimize || svc.last.Mode != directions.ModeDriving {
		t.Fatalf("request = %+v", svc.last)
	}
	if len(svc.last.Waypoints) != 3 {
		t.Fatalf("waypoints = %d, want only locations with coordinates", len(svc.last.Waypoints))
	}

	// equal contents in a new slice must not trigger another call
	s.SetLocations(sample())
	s.ApplyPosition(denver)
	if called, _ := s.ComputeRoute(ctx, svc); called {
		t.Fatal("route recomputed while flag set")
	}
	if n := svc.calls.Load(); n != 1 {
		t.Fatalf("provider calls = %d", n)
	}

	s.ResetRoute()
	if called, _ := s.ComputeRoute(ctx, svc); !called {
		t.Fatal("reset flag should allow a new route")
	}
	snap := s.Snapshot()
	if !snap.RouteComputed || snap.Route == nil || len(snap.Route.Stops) != 3 {
		t.Fatalf("route snapshot = %+v", snap.Route)
	}
	if snap.Route.Stops[0].Sequence != 1 {
		t.Fatalf("stop sequence = %d", snap.Route.Stops[0].Sequence)
	}
}

func TestComputeRouteFailureKeepsPreviousRoute(t *testing.T) {
	svc := &fakeRoutes{}
	s := NewSession()
	s.SetLocations(sample())
	s.ApplyPosition(denver)
	if _, err := s.ComputeRoute(context.Background(), svc); err != nil {
		t.Fatal(err)
	}
	prev := s.Snapshot().Route

	s.ResetRoute()
	svc.err = &directions.StatusError{Status: directions.StatusOverQueryLimit}
	if _, err := s.ComputeRoute(context.Background(), svc); err == nil {
		t.Fatal("expected error")
	}
	snap := s.Snapshot()
	if snap.Error != "Failed to calculate route: OVER_QUERY_LIMIT" {
		t.Fatalf("error = %q", snap.Error)
	}
	if snap.Route == nil || len(snap.Route.Stops) != len(prev.Stops) {
		t.Fatal("previous route should be kept")
	}
	if snap.RouteComputed {
		t.Fatal("flag must stay clear after failure")
	}
}

func TestComputeRouteSkipsWithoutWaypoints(t *testing.T) {
	svc := &fakeRoutes{}
	s := NewSession()
	s.SetLocations([]model.AssignedLocation{loc("none", "A", nil, nil)})
	s.ApplyPosition(denver)
	if called, _ := s.ComputeRoute(context.Background(), svc); called || svc.calls.Load() != 0 {
		t.Fatal("no waypoints must not call the provider")
	}
}

func TestComputeRouteCancelledDoesNotCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewSession()
	s.SetLocations(sample())
	s.ApplyPosition(denver)
	if _, err := s.ComputeRoute(ctx, &fakeRoutes{}); err == nil {
		t.Fatal("expected context error")
	}
	if snap := s.Snapshot(); snap.Route != nil || snap.RouteComputed {
		t.Fatal("cancelled computation committed state")
	}
}

func TestEnrichOneShot(t *testing.T) {
	out := Enrich(sample(), &denver)
	if out[0].ID != "here" {
		t.Fatalf("first = %s", out[0].ID)
	}
	if out := Enrich(sample(), nil); out[0].DistanceKm != nil {
		t.Fatal("no position must leave entries untagged")
	}
}
