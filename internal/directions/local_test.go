package directions

import (
	"context"
	"sort"
	"testing"

	"crewtrack/internal/geo"
)

func TestLocalPlannerVisitsEveryWaypointOnce(t *testing.T) {
	p := NewLocalPlanner(50)
	origin := geo.Point{Lat: 0, Lng: 0}
	wps := []geo.Point{
		{Lat: 0, Lng: 3},
		{Lat: 0, Lng: 1},
		{Lat: 0, Lng: 2},
	}
	res, err := p.Route(context.Background(), Request{Origin: origin, Destination: origin, Waypoints: wps, Optimize: true, Mode: ModeDriving})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	got := append([]int(nil), res.WaypointOrder...)
	want := []int{1, 2, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	sort.Ints(got)
	for i := range got {
		if got[i] != i {
			t.Fatalf("order is not a permutation: %v", res.WaypointOrder)
		}
	}
	if len(res.Legs) != len(wps)+1 {
		t.Fatalf("legs = %d", len(res.Legs))
	}
	if res.Legs[len(res.Legs)-1].EndLocation != origin {
		t.Fatalf("tour must return to origin")
	}
	if res.TotalDistanceMeters <= 0 || res.TotalDurationSeconds <= 0 {
		t.Fatalf("totals not filled: %+v", res)
	}
}

func TestLocalPlannerImprovesCrossingTour(t *testing.T) {
	nodes := []geo.Point{{Lat: 0, Lng: 0}, {Lat: 1, Lng: 1}, {Lat: 0, Lng: 1}, {Lat: 1, Lng: 0}, {Lat: 0, Lng: 0}}
	order := []int{0, 1, 2, 3, 4}
	improved := improve2Opt(context.Background(), nodes, order, 10)
	if pathMeters(nodes, improved) >= pathMeters(nodes, order) {
		t.Fatalf("2-opt did not shorten: %v", improved)
	}
	if improved[0] != 0 || improved[len(improved)-1] != 4 {
		t.Fatalf("endpoints moved: %v", improved)
	}
}

func TestLocalPlannerKeepsOrderWithoutOptimize(t *testing.T) {
	p := NewLocalPlanner(0)
	wps := []geo.Point{{Lat: 0, Lng: 3}, {Lat: 0, Lng: 1}}
	res, err := p.Route(context.Background(), Request{Waypoints: wps})
	if err != nil {
		t.Fatal(err)
	}
	if res.WaypointOrder[0] != 0 || res.WaypointOrder[1] != 1 {
		t.Fatalf("order = %v", res.WaypointOrder)
	}
}

func TestLocalPlannerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewLocalPlanner(40).Route(ctx, Request{}); err == nil {
		t.Fatal("expected context error")
	}
}
