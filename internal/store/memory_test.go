package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crewtrack/internal/model"
	"crewtrack/internal/realtime"
)

type recorder struct {
	mu      sync.Mutex
	changes []realtime.Change
}

func (r *recorder) add(c realtime.Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) tables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Table + ":" + string(c.Type)
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func seed(t *testing.T) (*Memory, model.Organization, model.CrewMember, model.Location) {
	t.Helper()
	ctx := context.Background()
	m := NewMemory()
	org, _ := m.CreateOrganization(ctx, "Acme")
	crew, err := m.CreateCrewMember(ctx, model.CrewMember{UserID: "u1", Name: "Ann", Role: model.RoleCrew, OrganizationID: org.ID})
	if err != nil {
		t.Fatal(err)
	}
	loc, err := m.CreateLocation(ctx, org.ID, model.LocationInput{Name: "Depot", Latitude: ptr(39.7), Longitude: ptr(-104.9)})
	if err != nil {
		t.Fatal(err)
	}
	return m, org, crew, loc
}

func TestMemoryAssignmentStampsOrgAndRejectsPendingDuplicate(t *testing.T) {
	m, org, crew, loc := seed(t)
	ctx := context.Background()

	a, err := m.CreateAssignment(ctx, model.AssignmentInput{CrewMemberID: crew.ID, LocationID: loc.ID})
	if err != nil {
		t.Fatalf("CreateAssignment: %v", err)
	}
	if a.OrganizationID != org.ID || a.Status != model.AssignmentPending {
		t.Fatalf("assignment = %+v", a)
	}
	if a.CrewMemberName != "Ann" || a.LocationName != "Depot" {
		t.Fatalf("join names missing: %+v", a)
	}
	if _, err := m.CreateAssignment(ctx, model.AssignmentInput{CrewMemberID: crew.ID, LocationID: loc.ID}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate pending: err = %v", err)
	}

	// once no longer pending, the pair may be assigned again
	if _, err := m.UpdateAssignment(ctx, org.ID, a.ID, model.AssignmentPatch{Status: ptr(model.AssignmentInProgress)}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateAssignment(ctx, model.AssignmentInput{CrewMemberID: crew.ID, LocationID: loc.ID}); err != nil {
		t.Fatalf("re-assign after progress: %v", err)
	}
}

func TestMemoryActiveAssignmentsExcludeClosed(t *testing.T) {
	m, org, crew, loc := seed(t)
	ctx := context.Background()
	other, _ := m.CreateLocation(ctx, org.ID, model.LocationInput{Name: "Yard"})
	third, _ := m.CreateLocation(ctx, org.ID, model.LocationInput{Name: "Lot"})

	a1, _ := m.CreateAssignment(ctx, model.AssignmentInput{CrewMemberID: crew.ID, LocationID: loc.ID, Notes: "gate code 12"})
	a2, _ := m.CreateAssignment(ctx, model.AssignmentInput{CrewMemberID: crew.ID, LocationID: other.ID})
	a3, _ := m.CreateAssignment(ctx, model.AssignmentInput{CrewMemberID: crew.ID, LocationID: third.ID})
	_, _ = m.UpdateAssignment(ctx, org.ID, a2.ID, model.AssignmentPatch{Status: ptr(model.AssignmentCompleted)})
	_, _ = m.UpdateAssignment(ctx, org.ID, a3.ID, model.AssignmentPatch{Status: ptr(model.AssignmentCancelled)})

	got, err := m.ListActiveAssignments(ctx, crew.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].AssignmentID != a1.ID || got[0].AssignmentNotes != "gate code 12" || got[0].Name != "Depot" {
		t.Fatalf("active = %+v", got)
	}
	if !got[0].HasCoordinates() {
		t.Fatal("location coordinates lost in join")
	}
}

func TestMemoryInsertPositionTouchesMemberAndPublishes(t *testing.T) {
	m, org, crew, _ := seed(t)
	rec := &recorder{}
	m.OnChange(rec.add)
	ctx := context.Background()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if _, err := m.InsertPosition(ctx, crew.ID, 39.7, -104.9, at.Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	p, err := m.InsertPosition(ctx, crew.ID, 40.0, -105.2, at)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetCrewMember(ctx, crew.ID)
	if got.LastActiveAt == nil || !got.LastActiveAt.Equal(at) {
		t.Fatalf("last_active_at = %v", got.LastActiveAt)
	}
	latest, err := m.LatestPosition(ctx, crew.ID)
	if err != nil || latest.ID != p.ID {
		t.Fatalf("latest = %+v, %v", latest, err)
	}
	all, _ := m.LatestPositions(ctx, org.ID)
	if len(all) != 1 || all[crew.ID].Latitude != 40.0 {
		t.Fatalf("latest positions = %+v", all)
	}
	tables := rec.tables()
	want := []string{"crew_locations:INSERT", "crew_members:UPDATE", "crew_locations:INSERT", "crew_members:UPDATE"}
	if len(tables) != len(want) {
		t.Fatalf("changes = %v", tables)
	}
	for i := range want {
		if tables[i] != want[i] {
			t.Fatalf("changes = %v", tables)
		}
	}
	if _, err := m.InsertPosition(ctx, "missing", 0, 0, at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown member: %v", err)
	}
	if _, err := m.LatestPosition(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no samples: %v", err)
	}
}

func TestMemoryDeleteCrewMemberCascades(t *testing.T) {
	m, org, crew, loc := seed(t)
	ctx := context.Background()
	_, _ = m.CreateAssignment(ctx, model.AssignmentInput{CrewMemberID: crew.ID, LocationID: loc.ID})
	_, _ = m.InsertPosition(ctx, crew.ID, 1, 1, time.Now())

	if err := m.DeleteCrewMember(ctx, "other-org", crew.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-org delete: %v", err)
	}
	if err := m.DeleteCrewMember(ctx, org.ID, crew.ID); err != nil {
		t.Fatal(err)
	}
	if as, _ := m.ListAssignments(ctx, org.ID); len(as) != 0 {
		t.Fatalf("assignments left: %d", len(as))
	}
	if _, err := m.GetCrewMemberByUserID(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("member still resolvable: %v", err)
	}
}

func TestMemoryLocationsScopedByOrganization(t *testing.T) {
	m, org, _, loc := seed(t)
	ctx := context.Background()
	other, _ := m.CreateOrganization(ctx, "Other")

	if _, err := m.GetLocation(ctx, other.ID, loc.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-org get: %v", err)
	}
	upd, err := m.UpdateLocation(ctx, org.ID, loc.ID, model.LocationInput{Name: "Depot 2"})
	if err != nil {
		t.Fatal(err)
	}
	if upd.Status != "active" || upd.Latitude != nil {
		t.Fatalf("update should replace fields: %+v", upd)
	}
	if locs, _ := m.ListLocations(ctx, other.ID); len(locs) != 0 {
		t.Fatalf("other org sees %d locations", len(locs))
	}
	if err := m.DeleteLocation(ctx, org.ID, loc.ID); err != nil {
		t.Fatal(err)
	}
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	admin, created, err := Bootstrap(ctx, m, "Snowblaze", model.CrewMember{UserID: "u-1", Email: "ada@example.com"})
	if err != nil || !created {
		t.Fatalf("first bootstrap: %v %v", created, err)
	}
	if admin.Role != model.RoleAdmin || admin.Name != "Administrator" || admin.OrganizationID == "" {
		t.Fatalf("admin = %+v", admin)
	}
	again, created, err := Bootstrap(ctx, m, "Other", model.CrewMember{UserID: "u-1"})
	if err != nil || created || again.ID != admin.ID {
		t.Fatalf("second bootstrap: %+v %v %v", again, created, err)
	}
	if _, _, err := Bootstrap(ctx, m, "X", model.CrewMember{}); err == nil {
		t.Fatal("missing user id should fail")
	}
}
