package realtime

import (
	"sync"
	"time"

	"github.com/goccy/go-json"

	"crewtrack/internal/liveness"
	"crewtrack/internal/logging"
	"crewtrack/internal/model"
)

// MemberRoster is the crew tracking view: crew members with their latest
// position. Member updates merge into the existing record; a new position
// replaces the previous one wholesale.
type MemberRoster struct {
	mu      sync.RWMutex
	members []model.TrackedMember
	now     func() time.Time
}

func NewMemberRoster(members []model.TrackedMember) *MemberRoster {
	return &MemberRoster{members: append([]model.TrackedMember(nil), members...), now: time.Now}
}

// Apply is a Reducer for the crew_members and crew_locations tables.
func (r *MemberRoster) Apply(c Change) {
	switch c.Table {
	case model.TableCrewMembers:
		r.applyMember(c)
	case model.TableCrewLocations:
		if c.Type == Insert {
			r.applyPosition(c)
		}
	}
}

func (r *MemberRoster) applyMember(c Change) {
	id, ok := c.Field("id")
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	switch c.Type {
	case Update:
		if i < 0 {
			return
		}
		merged, err := mergeMember(r.members[i].CrewMember, c.New)
		if err != nil {
			logging.Warn().Err(err).Str("crew_member_id", id).Msg("merge crew member change")
			return
		}
		r.members[i].CrewMember = merged
	case Insert:
		if i >= 0 {
			return
		}
		var m model.CrewMember
		if err := decodeRow(c.New, &m); err != nil {
			logging.Warn().Err(err).Msg("decode crew member insert")
			return
		}
		r.members = append(r.members, model.TrackedMember{CrewMember: m})
	case Delete:
		if i >= 0 {
			r.members = append(r.members[:i], r.members[i+1:]...)
		}
	}
}

func (r *MemberRoster) applyPosition(c Change) {
	var pos model.CrewLocation
	if err := decodeRow(c.New, &pos); err != nil {
		logging.Warn().Err(err).Msg("decode crew location insert")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(pos.CrewMemberID); i >= 0 {
		r.members[i].Location = &pos
	}
}

// mergeMember overlays the incoming columns on m; columns absent from fields keep their value.
func mergeMember(m model.CrewMember, fields map[string]any) (model.CrewMember, error) {
	base, err := RowMap(m)
	if err != nil {
		return m, err
	}
	for k, v := range fields {
		base[k] = v
	}
	var out model.CrewMember
	if err := decodeRow(base, &out); err != nil {
		return m, err
	}
	return out, nil
}

func decodeRow(row map[string]any, v any) error {
	b, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (r *MemberRoster) indexLocked(id string) int {
	for i := range r.members {
		if r.members[i].ID == id {
			return i
		}
	}
	return -1
}

// Remove drops a member locally. It reports whether the member was present.
func (r *MemberRoster) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return false
	}
	r.members = append(r.members[:i], r.members[i+1:]...)
	return true
}

// Members returns a copy of the roster with Active derived at the current time.
func (r *MemberRoster) Members() []model.TrackedMember {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	out := make([]model.TrackedMember, len(r.members))
	for i, m := range r.members {
		m.Active = liveness.IsActive(m.LastActiveAt, now)
		out[i] = m
	}
	return out
}
