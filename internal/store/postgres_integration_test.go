//go:build postgres_integration

package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"crewtrack/internal/model"
	"crewtrack/internal/realtime"
)

func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer p.Close()
	if err := p.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	ctx := t.Context()

	org, err := p.CreateOrganization(ctx, "it-"+time.Now().Format("150405.000"))
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	crew, err := p.CreateCrewMember(ctx, model.CrewMember{Name: "Ann", Role: model.RoleCrew, OrganizationID: org.ID})
	if err != nil {
		t.Fatalf("CreateCrewMember: %v", err)
	}
	lat, lng := 39.7392, -104.9903
	loc, err := p.CreateLocation(ctx, org.ID, model.LocationInput{Name: "Depot", Latitude: &lat, Longitude: &lng})
	if err != nil {
		t.Fatalf("CreateLocation: %v", err)
	}
	a, err := p.CreateAssignment(ctx, model.AssignmentInput{CrewMemberID: crew.ID, LocationID: loc.ID})
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	if a.OrganizationID != org.ID {
		t.Fatalf("trigger did not stamp organization: %+v", a)
	}
	if _, err := p.CreateAssignment(ctx, model.AssignmentInput{CrewMemberID: crew.ID, LocationID: loc.ID}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate pending: %v", err)
	}
	active, err := p.ListActiveAssignments(ctx, crew.ID)
	if err != nil || len(active) != 1 || !active[0].HasCoordinates() {
		t.Fatalf("ListActiveAssignments = %+v, %v", active, err)
	}
	if _, err := p.InsertPosition(ctx, crew.ID, lat, lng, time.Now()); err != nil {
		t.Fatalf("InsertPosition: %v", err)
	}
	if got, _ := p.GetCrewMember(ctx, crew.ID); got.LastActiveAt == nil {
		t.Fatal("last_active_at not set")
	}
	if err := p.DeleteCrewMember(ctx, org.ID, crew.ID); err != nil {
		t.Fatalf("DeleteCrewMember: %v", err)
	}
}

func TestPostgresLargeLocationNotifiesKeys(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer p.Close()
	if err := p.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	ctx := t.Context()

	listener, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect listener: %v", err)
	}
	defer listener.Close(context.Background())
	if _, err := listener.Exec(ctx, "LISTEN "+realtime.NotifyChannel); err != nil {
		t.Fatalf("LISTEN: %v", err)
	}

	org, err := p.CreateOrganization(ctx, "geo-"+time.Now().Format("150405.000"))
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	loc, err := p.CreateLocation(ctx, org.ID, model.LocationInput{Name: "Yard"})
	if err != nil {
		t.Fatalf("CreateLocation: %v", err)
	}

	ring := strings.TrimSuffix(strings.Repeat("[-104.99,39.73],", 700), ",")
	geofence := json.RawMessage(`{"type":"Polygon","coordinates":[[` + ring + `]]}`)
	if len(geofence) < 10_000 {
		t.Fatalf("geofence only %d bytes", len(geofence))
	}
	updated, err := p.UpdateLocation(ctx, org.ID, loc.ID, model.LocationInput{Name: "Yard", GeofenceDetails: geofence, Notes: strings.Repeat("é", 2000)})
	if err != nil {
		t.Fatalf("UpdateLocation with large geofence: %v", err)
	}
	if len(updated.GeofenceDetails) == 0 {
		t.Fatal("geofence not stored")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		n, err := listener.WaitForNotification(waitCtx)
		if err != nil {
			t.Fatalf("no notification for the update: %v", err)
		}
		c, err := realtime.DecodeNotification(n.Payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if c.Table != model.TableLocations || c.Type != realtime.Update {
			continue
		}
		if !c.Truncated || c.New["id"] != loc.ID || c.New["organization_id"] != org.ID {
			t.Fatalf("large update should notify keys only: %+v", c)
		}
		return
	}
}
