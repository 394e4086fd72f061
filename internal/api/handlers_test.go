package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"crewtrack/internal/auth"
	"crewtrack/internal/authz"
	"crewtrack/internal/config"
	"crewtrack/internal/directions"
	"crewtrack/internal/identity"
	"crewtrack/internal/model"
	"crewtrack/internal/realtime"
	"crewtrack/internal/session"
	"crewtrack/internal/store"
	"crewtrack/internal/tracking"
)

type fixture struct {
	srv   *Server
	h     http.Handler
	store *store.Memory
	ids   *identity.LocalAdmin
	org   model.Organization
	admin model.CrewMember
	crew  model.CrewMember
}

func newTestServer(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	broker := realtime.NewMemoryBroker()
	mgr := realtime.NewManager(broker)
	st.OnChange(mgr.Publish)
	enf, err := authz.NewEnforcer()
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}
	ids := identity.NewLocalAdmin()
	s := &Server{
		Store:    st,
		Broker:   broker,
		Realtime: mgr,
		Tracking: tracking.NewService(st, mgr, directions.NewLocalPlanner(40), 0, 1),
		Sessions: session.NewResolver(auth.NewVerifier(auth.ModeDev, ""), st, 0),
		Authz:    enf,
		Identity: ids,
		Config:   config.ServerConfig{AllowedOrigins: []string{"*"}},
	}
	ctx := context.Background()
	org, err := st.CreateOrganization(ctx, "Snowblaze")
	if err != nil {
		t.Fatal(err)
	}
	admin, err := st.CreateCrewMember(ctx, model.CrewMember{UserID: "u-admin", Name: "Ada", Email: "ada@example.com", Role: model.RoleAdmin, OrganizationID: org.ID})
	if err != nil {
		t.Fatal(err)
	}
	crew, err := st.CreateCrewMember(ctx, model.CrewMember{UserID: "u-crew", Name: "Cal", Email: "cal@example.com", Role: model.RoleCrew, OrganizationID: org.ID})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{srv: s, h: s.Handler(), store: st, ids: ids, org: org, admin: admin, crew: crew}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func errorOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorBody](t, rr).Error
}

func f64(v float64) *float64 { return &v }

func TestHealthReady(t *testing.T) {
	f := newTestServer(t)
	if rr := f.do(t, http.MethodGet, "/healthz", "", nil); rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/readyz", "", nil); rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
	rr := f.do(t, http.MethodGet, "/debug/build", "", nil)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), `"version"`) {
		t.Fatalf("debug: %d %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatal("missing request id header")
	}
}

func TestOpenAPI(t *testing.T) {
	f := newTestServer(t)
	rr := f.do(t, http.MethodGet, "/openapi.json", "", nil)
	if rr.Code != 200 {
		t.Fatalf("openapi: %d %s", rr.Code, rr.Body.String())
	}
	doc := decode[map[string]any](t, rr)
	if doc["openapi"] != "3.0.3" {
		t.Fatalf("openapi version = %v", doc["openapi"])
	}
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/api/my-assignments"]; !ok {
		t.Fatal("paths missing /api/my-assignments")
	}
}

func TestAuthentication(t *testing.T) {
	f := newTestServer(t)
	rr := f.do(t, http.MethodGet, "/api/me", "", nil)
	if rr.Code != http.StatusUnauthorized || errorOf(t, rr) != "Unauthorized" {
		t.Fatalf("no token: %d %s", rr.Code, rr.Body.String())
	}
	rr = f.do(t, http.MethodGet, "/api/me", "u-stranger", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("unknown user: %d", rr.Code)
	}
	rr = f.do(t, http.MethodGet, "/api/me", "u-crew", nil)
	if rr.Code != 200 {
		t.Fatalf("me: %d %s", rr.Code, rr.Body.String())
	}
	me := decode[meResponse](t, rr)
	if me.CrewMemberID != f.crew.ID || me.Role != model.RoleCrew || me.Organization == nil || me.Organization.Name != "Snowblaze" {
		t.Fatalf("me = %+v", me)
	}
	// access_token works where headers cannot be set
	req := httptest.NewRequest(http.MethodGet, "/api/me?access_token=u-admin", nil)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("query token: %d", rec.Code)
	}
}

func TestOrganizationCrew(t *testing.T) {
	f := newTestServer(t)
	rr := f.do(t, http.MethodGet, "/api/organization/crew", "u-admin", nil)
	if rr.Code != 200 {
		t.Fatalf("crew: %d", rr.Code)
	}
	if got := decode[[]model.CrewMember](t, rr); len(got) != 2 {
		t.Fatalf("crew = %+v", got)
	}
	if rr := f.do(t, http.MethodGet, "/api/organization/crew?org_id=other", "u-admin", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("other org: %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/api/organization/crew", "u-crew", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("crew role: %d", rr.Code)
	}
}

func TestLocationsAndAssignments(t *testing.T) {
	f := newTestServer(t)

	rr := f.do(t, http.MethodPost, "/api/locations", "u-admin", model.LocationInput{Name: "Depot", Latitude: f64(40.0)})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unpaired coordinates: %d", rr.Code)
	}
	rr = f.do(t, http.MethodPost, "/api/locations", "u-admin", model.LocationInput{Address: "nowhere"})
	if rr.Code != http.StatusBadRequest || !strings.Contains(errorOf(t, rr), "name is required") {
		t.Fatalf("missing name: %d %s", rr.Code, rr.Body.String())
	}
	rr = f.do(t, http.MethodPost, "/api/locations", "u-admin", model.LocationInput{Name: "Depot", Latitude: f64(40.0), Longitude: f64(-74.0)})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create location: %d %s", rr.Code, rr.Body.String())
	}
	loc := decode[model.Location](t, rr)

	rr = f.do(t, http.MethodPatch, "/api/locations/"+loc.ID, "u-admin", model.LocationInput{Name: "Main Depot", Latitude: f64(40.1), Longitude: f64(-74.1)})
	if rr.Code != 200 || decode[model.Location](t, rr).Name != "Main Depot" {
		t.Fatalf("update location: %d %s", rr.Code, rr.Body.String())
	}
	if rr := f.do(t, http.MethodPost, "/api/locations", "u-crew", model.LocationInput{Name: "X"}); rr.Code != http.StatusForbidden {
		t.Fatalf("crew create location: %d", rr.Code)
	}

	in := model.AssignmentInput{CrewMemberID: f.crew.ID, LocationID: loc.ID, Notes: "plow lot"}
	rr = f.do(t, http.MethodPost, "/api/assignments", "u-admin", in)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create assignment: %d %s", rr.Code, rr.Body.String())
	}
	a := decode[model.CrewAssignment](t, rr)
	if a.Status != model.AssignmentPending || a.OrganizationID != f.org.ID {
		t.Fatalf("assignment = %+v", a)
	}
	rr = f.do(t, http.MethodPost, "/api/assignments", "u-admin", in)
	if rr.Code != http.StatusConflict || errorOf(t, rr) != "This exact pending assignment already exists." {
		t.Fatalf("duplicate: %d %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodPatch, "/api/assignments/"+a.ID, "u-admin", map[string]string{"status": "completed"})
	if rr.Code != 200 || decode[model.CrewAssignment](t, rr).Status != model.AssignmentCompleted {
		t.Fatalf("complete: %d %s", rr.Code, rr.Body.String())
	}
	// a completed assignment no longer blocks a new pending one
	if rr := f.do(t, http.MethodPost, "/api/assignments", "u-admin", in); rr.Code != http.StatusCreated {
		t.Fatalf("reassign: %d %s", rr.Code, rr.Body.String())
	}
	rr = f.do(t, http.MethodPatch, "/api/assignments/"+a.ID, "u-admin", map[string]string{"status": "bogus"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad status: %d", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/api/assignments", "u-admin", nil)
	if got := decode[[]model.CrewAssignment](t, rr); len(got) != 2 {
		t.Fatalf("assignments = %+v", got)
	}
	if rr := f.do(t, http.MethodDelete, "/api/assignments/"+a.ID, "u-admin", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete assignment: %d", rr.Code)
	}
	if rr := f.do(t, http.MethodDelete, "/api/locations/"+loc.ID, "u-admin", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete location: %d", rr.Code)
	}
	rr = f.do(t, http.MethodGet, "/api/assignments", "u-admin", nil)
	if got := decode[[]model.CrewAssignment](t, rr); len(got) != 0 {
		t.Fatalf("assignments after location delete = %+v", got)
	}
	if rr := f.do(t, http.MethodDelete, "/api/locations/"+loc.ID, "u-admin", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("delete missing: %d", rr.Code)
	}
}

func TestMyAssignmentsEnrichment(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	near, _ := f.store.CreateLocation(ctx, f.org.ID, model.LocationInput{Name: "Near", Latitude: f64(40.01), Longitude: f64(-74.0)})
	far, _ := f.store.CreateLocation(ctx, f.org.ID, model.LocationInput{Name: "Far", Latitude: f64(41.0), Longitude: f64(-74.0)})
	bare, _ := f.store.CreateLocation(ctx, f.org.ID, model.LocationInput{Name: "Bare"})
	for _, l := range []model.Location{far, bare, near} {
		if _, err := f.store.CreateAssignment(ctx, model.AssignmentInput{CrewMemberID: f.crew.ID, LocationID: l.ID}); err != nil {
			t.Fatal(err)
		}
	}

	rr := f.do(t, http.MethodGet, "/api/my-assignments?lat=40&lng=-74", "u-crew", nil)
	if rr.Code != 200 {
		t.Fatalf("my assignments: %d %s", rr.Code, rr.Body.String())
	}
	got := decode[myAssignmentsResponse](t, rr)
	if len(got.Locations) != 3 {
		t.Fatalf("locations = %+v", got.Locations)
	}
	if got.Locations[0].Name != "Near" || got.Locations[1].Name != "Far" || got.Locations[2].Name != "Bare" {
		t.Fatalf("order = %s, %s, %s", got.Locations[0].Name, got.Locations[1].Name, got.Locations[2].Name)
	}
	if got.Locations[0].DistanceKm == nil || *got.Locations[0].DistanceKm > 2 || got.Locations[2].DistanceKm != nil {
		t.Fatalf("distances = %v %v", got.Locations[0].DistanceKm, got.Locations[2].DistanceKm)
	}

	if rr := f.do(t, http.MethodGet, "/api/my-assignments?lat=abc&lng=1", "u-crew", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad lat: %d", rr.Code)
	}
	if rr := f.do(t, http.MethodGet, "/api/my-assignments", "u-admin", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("manager view: %d", rr.Code)
	}
}

func TestPostLocationAndTracking(t *testing.T) {
	f := newTestServer(t)

	rr := f.do(t, http.MethodPost, "/api/crew/location", "u-crew", map[string]any{"crew_member_id": f.crew.ID, "latitude": 40.0})
	if rr.Code != http.StatusBadRequest || errorOf(t, rr) != "Missing required location data" {
		t.Fatalf("missing data: %d %s", rr.Code, rr.Body.String())
	}
	rr = f.do(t, http.MethodPost, "/api/crew/location", "u-crew", map[string]any{"crew_member_id": f.admin.ID, "latitude": 40.0, "longitude": -74.0})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("post for other: %d", rr.Code)
	}
	rr = f.do(t, http.MethodGet, "/api/crew/current-location/"+f.crew.ID, "u-admin", nil)
	if rr.Code != http.StatusNotFound || errorOf(t, rr) != "No location found" {
		t.Fatalf("no samples yet: %d %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodPost, "/api/crew/location", "u-crew", map[string]any{"crew_member_id": f.crew.ID, "latitude": 40.0, "longitude": -74.0})
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), "Location updated successfully") {
		t.Fatalf("post location: %d %s", rr.Code, rr.Body.String())
	}
	rr = f.do(t, http.MethodGet, "/api/crew/current-location/"+f.crew.ID, "u-admin", nil)
	if rr.Code != 200 {
		t.Fatalf("current location: %d", rr.Code)
	}
	if got := decode[model.CrewLocation](t, rr); got.Latitude != 40.0 || got.Longitude != -74.0 {
		t.Fatalf("current = %+v", got)
	}

	rr = f.do(t, http.MethodGet, "/api/crew-tracking", "u-admin", nil)
	if rr.Code != 200 {
		t.Fatalf("tracking: %d", rr.Code)
	}
	for _, m := range decode[[]model.TrackedMember](t, rr) {
		switch m.ID {
		case f.crew.ID:
			if !m.Active || m.Location == nil {
				t.Fatalf("crew should be active with a location: %+v", m)
			}
		case f.admin.ID:
			if m.Active || m.Location != nil {
				t.Fatalf("admin never reported: %+v", m)
			}
		}
	}
	if rr := f.do(t, http.MethodGet, "/api/crew-tracking", "u-crew", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("crew tracking as crew: %d", rr.Code)
	}
}

func TestCreateCrewMember(t *testing.T) {
	f := newTestServer(t)
	in := model.CrewMemberInput{Name: "Dee", Email: "dee@example.com", Role: model.RoleDriver}
	rr := f.do(t, http.MethodPost, "/api/crew-members", "u-admin", in)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body.String())
	}
	m := decode[model.CrewMember](t, rr)
	if m.UserID == "" || m.OrganizationID != f.org.ID || m.Role != model.RoleDriver {
		t.Fatalf("member = %+v", m)
	}
	// the new user signs in as a driver
	if rr := f.do(t, http.MethodGet, "/api/my-assignments", m.UserID, nil); rr.Code != 200 {
		t.Fatalf("driver view: %d %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodPost, "/api/crew-members", "u-admin", in)
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate email: %d %s", rr.Code, rr.Body.String())
	}
	rr = f.do(t, http.MethodPost, "/api/crew-members", "u-admin", model.CrewMemberInput{Name: "E", Email: "not-an-email", Role: "crew"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad email: %d", rr.Code)
	}
	if rr := f.do(t, http.MethodPost, "/api/crew-members", "u-crew", in); rr.Code != http.StatusForbidden {
		t.Fatalf("crew creates member: %d", rr.Code)
	}
}

// flakyDelete fails every auth user deletion.
type flakyDelete struct{ identity.Admin }

func (flakyDelete) DeleteUser(context.Context, string) error {
	return errors.New("delete user: Database error deleting user")
}

func TestDeleteCrewMember(t *testing.T) {
	f := newTestServer(t)
	if rr := f.do(t, http.MethodDelete, "/api/crew-members/"+f.admin.ID, "u-admin", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("self delete: %d", rr.Code)
	}

	f.srv.Identity = flakyDelete{Admin: f.ids}
	rr := f.do(t, http.MethodDelete, "/api/crew-members/"+f.crew.ID, "u-admin", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rr.Code, rr.Body.String())
	}
	resp := decode[deleteCrewMemberResponse](t, rr)
	if !strings.Contains(resp.Warning, "Database error deleting user") {
		t.Fatalf("warning = %q", resp.Warning)
	}
	if _, err := f.store.GetCrewMember(context.Background(), f.crew.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("crew row still present: %v", err)
	}
	if rr := f.do(t, http.MethodGet, "/api/me", "u-crew", nil); rr.Code != http.StatusForbidden {
		t.Fatalf("removed member still resolves: %d", rr.Code)
	}
	if rr := f.do(t, http.MethodDelete, "/api/crew-members/"+f.crew.ID, "u-admin", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rr.Code)
	}
}
