package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewtrack/internal/logging"
	"crewtrack/internal/model"
	"crewtrack/internal/realtime"
)

// Memory is an in-memory store used when no database URL is configured. It
// publishes row changes itself, since there are no database triggers.
type Memory struct {
	mu          sync.Mutex
	orgs        map[string]model.Organization
	members     map[string]model.CrewMember
	locations   map[string]model.Location
	assignments map[string]model.CrewAssignment
	positions   map[string][]model.CrewLocation // crew member id -> samples, oldest first

	sink func(realtime.Change)
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		orgs:        map[string]model.Organization{},
		members:     map[string]model.CrewMember{},
		locations:   map[string]model.Location{},
		assignments: map[string]model.CrewAssignment{},
		positions:   map[string][]model.CrewLocation{},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// OnChange sets the receiver of row changes, typically a realtime broker's Publish.
func (m *Memory) OnChange(fn func(realtime.Change)) {
	m.mu.Lock()
	m.sink = fn
	m.mu.Unlock()
}

type pending []realtime.Change

func (p *pending) add(table string, typ realtime.ChangeType, newRow, oldRow any) {
	c, err := realtime.NewChange(table, typ, newRow, oldRow)
	if err != nil {
		logging.Warn().Err(err).Str("table", table).Msg("encode row change")
		return
	}
	*p = append(*p, c)
}

// emit must be called without m.mu held.
func (m *Memory) emit(changes pending) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink == nil {
		return
	}
	for _, c := range changes {
		sink(c)
	}
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) GetOrganization(ctx context.Context, id string) (model.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orgs[id]
	if !ok {
		return model.Organization{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) CreateOrganization(ctx context.Context, name string) (model.Organization, error) {
	o := model.Organization{ID: uuid.NewString(), Name: name, CreatedAt: m.now()}
	m.mu.Lock()
	m.orgs[o.ID] = o
	m.mu.Unlock()
	var ch pending
	ch.add(model.TableOrganizations, realtime.Insert, o, nil)
	m.emit(ch)
	return o, nil
}

func (m *Memory) ListCrewMembers(ctx context.Context, orgID string) ([]model.CrewMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.CrewMember{}
	for _, c := range m.members {
		if c.OrganizationID == orgID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetCrewMember(ctx context.Context, id string) (model.CrewMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.members[id]
	if !ok {
		return model.CrewMember{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) GetCrewMemberByUserID(ctx context.Context, userID string) (model.CrewMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.members {
		if c.UserID != "" && c.UserID == userID {
			return c, nil
		}
	}
	return model.CrewMember{}, ErrNotFound
}

func (m *Memory) CreateCrewMember(ctx context.Context, c model.CrewMember) (model.CrewMember, error) {
	m.mu.Lock()
	if _, ok := m.orgs[c.OrganizationID]; !ok {
		m.mu.Unlock()
		return model.CrewMember{}, fmt.Errorf("organization %s: %w", c.OrganizationID, ErrNotFound)
	}
	for _, other := range m.members {
		if c.UserID != "" && other.UserID == c.UserID {
			m.mu.Unlock()
			return model.CrewMember{}, fmt.Errorf("user %s already has a crew member: %w", c.UserID, ErrConflict)
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = m.now()
	m.members[c.ID] = c
	m.mu.Unlock()

	var ch pending
	ch.add(model.TableCrewMembers, realtime.Insert, c, nil)
	m.emit(ch)
	return c, nil
}

func (m *Memory) DeleteCrewMember(ctx context.Context, orgID, id string) error {
	var ch pending
	m.mu.Lock()
	c, ok := m.members[id]
	if !ok || c.OrganizationID != orgID {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.members, id)
	for aid, a := range m.assignments {
		if a.CrewMemberID == id {
			delete(m.assignments, aid)
			ch.add(model.TableAssignments, realtime.Delete, nil, a)
		}
	}
	delete(m.positions, id)
	m.mu.Unlock()
	ch.add(model.TableCrewMembers, realtime.Delete, nil, c)
	m.emit(ch)
	return nil
}

func (m *Memory) ListLocations(ctx context.Context, orgID string) ([]model.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Location{}
	for _, l := range m.locations {
		if l.OrganizationID == orgID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetLocation(ctx context.Context, orgID, id string) (model.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locations[id]
	if !ok || l.OrganizationID != orgID {
		return model.Location{}, ErrNotFound
	}
	return l, nil
}

func applyLocationInput(l *model.Location, in model.LocationInput) {
	l.Name = in.Name
	l.Address = in.Address
	l.Phone = in.Phone
	l.Email = in.Email
	l.Latitude = in.Latitude
	l.Longitude = in.Longitude
	l.Status = in.Status
	if l.Status == "" {
		l.Status = defaultLocationStatus
	}
	l.GeofenceDetails = in.GeofenceDetails
	l.Notes = in.Notes
}

func (m *Memory) CreateLocation(ctx context.Context, orgID string, in model.LocationInput) (model.Location, error) {
	l := model.Location{ID: uuid.NewString(), OrganizationID: orgID, CreatedAt: m.now()}
	applyLocationInput(&l, in)
	m.mu.Lock()
	if _, ok := m.orgs[orgID]; !ok {
		m.mu.Unlock()
		return model.Location{}, fmt.Errorf("organization %s: %w", orgID, ErrNotFound)
	}
	m.locations[l.ID] = l
	m.mu.Unlock()
	var ch pending
	ch.add(model.TableLocations, realtime.Insert, l, nil)
	m.emit(ch)
	return l, nil
}

func (m *Memory) UpdateLocation(ctx context.Context, orgID, id string, in model.LocationInput) (model.Location, error) {
	m.mu.Lock()
	l, ok := m.locations[id]
	if !ok || l.OrganizationID != orgID {
		m.mu.Unlock()
		return model.Location{}, ErrNotFound
	}
	old := l
	applyLocationInput(&l, in)
	m.locations[id] = l
	m.mu.Unlock()
	var ch pending
	ch.add(model.TableLocations, realtime.Update, l, old)
	m.emit(ch)
	return l, nil
}

func (m *Memory) DeleteLocation(ctx context.Context, orgID, id string) error {
	var ch pending
	m.mu.Lock()
	l, ok := m.locations[id]
	if !ok || l.OrganizationID != orgID {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.locations, id)
	for aid, a := range m.assignments {
		if a.LocationID == id {
			delete(m.assignments, aid)
			ch.add(model.TableAssignments, realtime.Delete, nil, a)
		}
	}
	m.mu.Unlock()
	ch.add(model.TableLocations, realtime.Delete, nil, l)
	m.emit(ch)
	return nil
}

// joinLocked fills the joined display names of a.
func (m *Memory) joinLocked(a model.CrewAssignment) model.CrewAssignment {
	if c, ok := m.members[a.CrewMemberID]; ok {
		a.CrewMemberName = c.Name
	}
	if l, ok := m.locations[a.LocationID]; ok {
		a.LocationName = l.Name
		a.LocationAddress = l.Address
	}
	return a
}

func (m *Memory) ListAssignments(ctx context.Context, orgID string) ([]model.CrewAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.CrewAssignment{}
	for _, a := range m.assignments {
		if a.OrganizationID == orgID {
			out = append(out, m.joinLocked(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func activeStatus(s string) bool {
	return s != model.AssignmentCompleted && s != model.AssignmentCancelled
}

func (m *Memory) ListActiveAssignments(ctx context.Context, crewMemberID string) ([]model.AssignedLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var as []model.CrewAssignment
	for _, a := range m.assignments {
		if a.CrewMemberID == crewMemberID && activeStatus(a.Status) {
			as = append(as, a)
		}
	}
	sort.Slice(as, func(i, j int) bool { return as[i].CreatedAt.Before(as[j].CreatedAt) })
	out := []model.AssignedLocation{}
	for _, a := range as {
		l, ok := m.locations[a.LocationID]
		if !ok {
			continue
		}
		out = append(out, model.AssignedLocation{
			Location:         l,
			AssignmentID:     a.ID,
			AssignmentStatus: a.Status,
			AssignmentNotes:  a.Notes,
		})
	}
	return out, nil
}

func (m *Memory) CreateAssignment(ctx context.Context, in model.AssignmentInput) (model.CrewAssignment, error) {
	m.mu.Lock()
	c, ok := m.members[in.CrewMemberID]
	if !ok {
		m.mu.Unlock()
		return model.CrewAssignment{}, fmt.Errorf("crew member %s: %w", in.CrewMemberID, ErrNotFound)
	}
	l, ok := m.locations[in.LocationID]
	if !ok || l.OrganizationID != c.OrganizationID {
		m.mu.Unlock()
		return model.CrewAssignment{}, fmt.Errorf("location %s: %w", in.LocationID, ErrNotFound)
	}
	for _, a := range m.assignments {
		if a.CrewMemberID == in.CrewMemberID && a.LocationID == in.LocationID && a.Status == model.AssignmentPending {
			m.mu.Unlock()
			return model.CrewAssignment{}, ErrConflict
		}
	}
	a := model.CrewAssignment{
		ID:             uuid.NewString(),
		CrewMemberID:   in.CrewMemberID,
		LocationID:     in.LocationID,
		Status:         model.AssignmentPending,
		Notes:          in.Notes,
		OrganizationID: c.OrganizationID,
		CreatedAt:      m.now(),
	}
	m.assignments[a.ID] = a
	a = m.joinLocked(a)
	m.mu.Unlock()
	var ch pending
	ch.add(model.TableAssignments, realtime.Insert, stripJoin(a), nil)
	m.emit(ch)
	return a, nil
}

// stripJoin drops the joined columns so change rows mirror the table.
func stripJoin(a model.CrewAssignment) model.CrewAssignment {
	a.CrewMemberName, a.LocationName, a.LocationAddress = "", "", ""
	return a
}

func (m *Memory) UpdateAssignment(ctx context.Context, orgID, id string, patch model.AssignmentPatch) (model.CrewAssignment, error) {
	m.mu.Lock()
	a, ok := m.assignments[id]
	if !ok || a.OrganizationID != orgID {
		m.mu.Unlock()
		return model.CrewAssignment{}, ErrNotFound
	}
	old := a
	if patch.Status != nil {
		a.Status = *patch.Status
	}
	if patch.Notes != nil {
		a.Notes = *patch.Notes
	}
	m.assignments[id] = a
	joined := m.joinLocked(a)
	m.mu.Unlock()
	var ch pending
	ch.add(model.TableAssignments, realtime.Update, a, old)
	m.emit(ch)
	return joined, nil
}

func (m *Memory) DeleteAssignment(ctx context.Context, orgID, id string) error {
	m.mu.Lock()
	a, ok := m.assignments[id]
	if !ok || a.OrganizationID != orgID {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.assignments, id)
	m.mu.Unlock()
	var ch pending
	ch.add(model.TableAssignments, realtime.Delete, nil, a)
	m.emit(ch)
	return nil
}

func (m *Memory) InsertPosition(ctx context.Context, crewMemberID string, lat, lng float64, at time.Time) (model.CrewLocation, error) {
	m.mu.Lock()
	c, ok := m.members[crewMemberID]
	if !ok {
		m.mu.Unlock()
		return model.CrewLocation{}, fmt.Errorf("crew member %s: %w", crewMemberID, ErrNotFound)
	}
	at = at.UTC()
	p := model.CrewLocation{ID: uuid.NewString(), CrewMemberID: crewMemberID, Latitude: lat, Longitude: lng, Timestamp: at}
	m.positions[crewMemberID] = append(m.positions[crewMemberID], p)
	old := c
	c.LastActiveAt = &at
	m.members[crewMemberID] = c
	m.mu.Unlock()

	var ch pending
	ch.add(model.TableCrewLocations, realtime.Insert, p, nil)
	ch.add(model.TableCrewMembers, realtime.Update, c, old)
	m.emit(ch)
	return p, nil
}

func (m *Memory) LatestPosition(ctx context.Context, crewMemberID string) (model.CrewLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := latest(m.positions[crewMemberID])
	if !ok {
		return model.CrewLocation{}, ErrNotFound
	}
	return p, nil
}

func latest(ps []model.CrewLocation) (model.CrewLocation, bool) {
	if len(ps) == 0 {
		return model.CrewLocation{}, false
	}
	best := ps[0]
	for _, p := range ps[1:] {
		if !p.Timestamp.Before(best.Timestamp) {
			best = p
		}
	}
	return best, true
}

func (m *Memory) LatestPositions(ctx context.Context, orgID string) (map[string]model.CrewLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]model.CrewLocation{}
	for id, ps := range m.positions {
		if c, ok := m.members[id]; !ok || c.OrganizationID != orgID {
			continue
		}
		if p, ok := latest(ps); ok {
			out[id] = p
		}
	}
	return out, nil
}
