package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"crewtrack/internal/logging"
	"crewtrack/internal/model"
	"crewtrack/internal/realtime"
	"crewtrack/internal/session"
)

const (
	sseHeartbeat = 15 * time.Second
	// realtimeQueue bounds the changes queued per subscriber connection.
	realtimeQueue = 64
)

var watchedTables = map[string]bool{
	model.TableOrganizations: true,
	model.TableCrewMembers:   true,
	model.TableLocations:     true,
	model.TableAssignments:   true,
	model.TableCrewLocations: true,
}

// visible reports whether the caller's organization owns the changed row.
// Position rows carry no organization, so their member is looked up. It may
// hit the store and must not run inside a Reducer.
func (s *Server) visible(ctx context.Context, p session.Principal, c realtime.Change) bool {
	switch c.Table {
	case model.TableOrganizations:
		id, _ := c.Field("id")
		return id == p.OrganizationID
	case model.TableCrewLocations:
		memberID, ok := c.Field("crew_member_id")
		if !ok {
			return false
		}
		if memberID == p.CrewMemberID {
			return true
		}
		org, ok := s.memberOrg(ctx, memberID)
		return ok && org == p.OrganizationID
	}
	if org, ok := c.Field("organization_id"); ok {
		return org == p.OrganizationID
	}
	return true
}

// memberOrg resolves a crew member's organization through a cache. A member
// never moves between organizations; removed members are evicted by
// DeleteCrewMemberHandler.
func (s *Server) memberOrg(ctx context.Context, memberID string) (string, bool) {
	if v, ok := s.memberOrgs.Load(memberID); ok {
		return v.(string), true
	}
	m, err := s.Store.GetCrewMember(ctx, memberID)
	if err != nil {
		return "", false
	}
	s.memberOrgs.Store(memberID, m.OrganizationID)
	return m.OrganizationID, true
}

type realtimeInbound struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Table  string `json:"table"`
	Filter string `json:"filter"`
}

type realtimeOutbound struct {
	Type   string           `json:"type"`
	ID     string           `json:"id,omitempty"`
	Change *realtime.Change `json:"change,omitempty"`
}

// RealtimeWSHandler multiplexes table subscriptions over one WebSocket.
func (s *Server) RealtimeWSHandler(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	conn, err := upgrade(w, r)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	// Reducers run on the manager's dispatch goroutine and must not block on
	// a slow client, so changes are queued and dropped when the queue is full.
	out := make(chan realtimeOutbound, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		conn.keepalive(ctx)
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-out:
				if msg.Change != nil && !s.visible(ctx, p, *msg.Change) {
					continue
				}
				if err := conn.send(msg); err != nil {
					conn.abort(cancel)
					return
				}
			}
		}
	}()

	subs := map[string]func(){}
	defer func() {
		for _, unsub := range subs {
			unsub()
		}
	}()

	for ctx.Err() == nil {
		data, err := conn.read()
		if err != nil {
			break
		}
		var msg realtimeInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.sendError("", "Invalid message")
			continue
		}
		switch msg.Type {
		case "subscribe":
			if msg.ID == "" || !watchedTables[msg.Table] {
				conn.sendError(msg.ID, "subscribe needs an id and a known table")
				continue
			}
			filter, err := realtime.ParseFilter(msg.Filter)
			if err != nil {
				conn.sendError(msg.ID, err.Error())
				continue
			}
			if unsub, ok := subs[msg.ID]; ok {
				unsub()
			}
			id := msg.ID
			subs[id] = s.Realtime.Subscribe(ctx, msg.Table, filter, func(c realtime.Change) {
				select {
				case out <- realtimeOutbound{Type: "change", ID: id, Change: &c}:
				default:
					logging.Ctx(ctx).Warn().Str("subscription", id).Str("table", c.Table).Msg("realtime client too slow, change dropped")
				}
			})
			_ = conn.send(realtimeOutbound{Type: "subscribed", ID: id})
		case "unsubscribe":
			if unsub, ok := subs[msg.ID]; ok {
				unsub()
				delete(subs, msg.ID)
			}
			_ = conn.send(realtimeOutbound{Type: "unsubscribed", ID: msg.ID})
		case "ping":
			_ = conn.send(realtimeOutbound{Type: "pong"})
		default:
			conn.sendError(msg.ID, "Unknown message type: "+msg.Type)
		}
	}
	cancel()
	wg.Wait()
}

// sseWriter frames server-sent events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSE(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: w, flusher: flusher}, true
}

func (e *sseWriter) event(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, b); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

func (e *sseWriter) heartbeat() error {
	return e.event("heartbeat", map[string]string{"ts": time.Now().UTC().Format(time.RFC3339)})
}

// RealtimeStreamHandler streams the changes of one table as server-sent
// events, optionally narrowed by ?filter=column=eq.value.
func (s *Server) RealtimeStreamHandler(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	if !watchedTables[table] {
		writeError(w, http.StatusNotFound, "Unknown table")
		return
	}
	filter, err := realtime.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sse, ok := newSSE(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	p := principal(r)
	ctx := r.Context()

	changes := make(chan realtime.Change, realtimeQueue)
	unsub := s.Realtime.Subscribe(ctx, table, filter, func(c realtime.Change) {
		select {
		case changes <- c:
		default:
		}
	})
	defer unsub()

	if sse.heartbeat() != nil {
		return
	}
	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-changes:
			if !s.visible(ctx, p, c) {
				continue
			}
			if sse.event("change", c) != nil {
				return
			}
		case <-ticker.C:
			if sse.heartbeat() != nil {
				return
			}
		}
	}
}

// CrewTrackingStreamHandler pushes the organization's crew roster whenever a
// member changes or reports a position, and on every heartbeat so the active
// flags age out.
func (s *Server) CrewTrackingStreamHandler(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	ctx := r.Context()
	members, err := s.trackedMembers(ctx, p.OrganizationID)
	if err != nil {
		writeStoreError(w, err, "Organization not found")
		return
	}
	sse, ok := newSSE(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	// The member subscription is filtered to the organization and the roster
	// ignores positions of members it does not hold, so no lookup is needed.
	roster := realtime.NewMemberRoster(members)
	changed := make(chan struct{}, 1)
	reduce := func(c realtime.Change) {
		roster.Apply(c)
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	orgFilter := realtime.Filter{Column: "organization_id", Value: p.OrganizationID}
	defer s.Realtime.Subscribe(ctx, model.TableCrewMembers, orgFilter, reduce)()
	defer s.Realtime.Subscribe(ctx, model.TableCrewLocations, realtime.Filter{}, reduce)()

	if sse.event("roster", roster.Members()) != nil {
		return
	}
	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-ticker.C:
		}
		if sse.event("roster", roster.Members()) != nil {
			return
		}
	}
}
