// Package realtime fans row-change notifications out to subscribers and
// applies them to in-memory views.
package realtime

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

type ChangeType string

const (
	Insert ChangeType = "INSERT"
	Update ChangeType = "UPDATE"
	Delete ChangeType = "DELETE"
)

// Change describes one insert, update or delete on a watched table.
type Change struct {
	Table           string         `json:"table"`
	Type            ChangeType     `json:"type"`
	New             map[string]any `json:"record,omitempty"`
	Old             map[string]any `json:"old_record,omitempty"`
	CommitTimestamp time.Time      `json:"commit_timestamp"`
	// Truncated marks a change whose rows arrived as keys only (id,
	// organization_id, crew_member_id) because the full rows were too large
	// to notify.
	Truncated bool `json:"truncated,omitempty"`
}

// Row returns the row the change is about: New, or Old for deletes.
func (c Change) Row() map[string]any {
	if c.Type == Delete || c.New == nil {
		return c.Old
	}
	return c.New
}

// Field returns a column of Row rendered as a string.
func (c Change) Field(col string) (string, bool) {
	row := c.Row()
	if row == nil {
		return "", false
	}
	v, ok := row[col]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// NewChange builds a Change from typed rows. Either row may be nil.
func NewChange(table string, typ ChangeType, newRow, oldRow any) (Change, error) {
	c := Change{Table: table, Type: typ, CommitTimestamp: time.Now().UTC()}
	var err error
	if newRow != nil {
		if c.New, err = RowMap(newRow); err != nil {
			return Change{}, err
		}
	}
	if oldRow != nil {
		if c.Old, err = RowMap(oldRow); err != nil {
			return Change{}, err
		}
	}
	return c, nil
}

// RowMap converts a JSON-tagged struct into a column map.
func RowMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Filter restricts a subscription to rows whose Column equals Value.
// The zero Filter matches everything.
type Filter struct {
	Column string
	Value  string
}

var ErrBadFilter = errors.New("realtime: filter must look like column=eq.value")

// ParseFilter parses "column=eq.value". An empty string is the zero Filter.
func ParseFilter(s string) (Filter, error) {
	if s == "" {
		return Filter{}, nil
	}
	col, rest, ok := strings.Cut(s, "=")
	if !ok || col == "" {
		return Filter{}, ErrBadFilter
	}
	val, ok := strings.CutPrefix(rest, "eq.")
	if !ok {
		return Filter{}, ErrBadFilter
	}
	return Filter{Column: col, Value: val}, nil
}

func (f Filter) IsZero() bool { return f.Column == "" }

func (f Filter) String() string {
	if f.IsZero() {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

func (f Filter) Matches(c Change) bool {
	if f.IsZero() {
		return true
	}
	v, ok := c.Field(f.Column)
	return ok && v == f.Value
}
