package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/goccy/go-json"

	"crewtrack/internal/enrich"
	"crewtrack/internal/geo"
	"crewtrack/internal/logging"
)

type trackingInbound struct {
	Type    string   `json:"type"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Message string   `json:"message"`
}

type trackingSnapshot struct {
	Type string `json:"type"`
	enrich.Snapshot
}

// MyAssignmentsWSHandler runs the caller's live assignment view over a
// WebSocket. The client reports fixes and geolocation failures; the server
// answers every state change with a snapshot.
func (s *Server) MyAssignmentsWSHandler(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	conn, err := upgrade(w, r)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	live, err := s.Tracking.Start(ctx, p.CrewMemberID)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("crew_member_id", p.CrewMemberID).Msg("start tracking view")
		conn.sendError("", "Failed to load assignments: "+err.Error())
		return
	}

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
			case snap := <-live.Updates():
				if err := conn.send(trackingSnapshot{Type: "snapshot", Snapshot: snap}); err != nil {
					conn.abort(cancel)
					return
				}
			}
		}
	}()

	for ctx.Err() == nil {
		data, err := conn.read()
		if err != nil {
			break
		}
		var msg trackingInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.sendError("", "Invalid message")
			continue
		}
		switch msg.Type {
		case "position":
			if msg.Lat == nil || msg.Lng == nil || !validLatLng(*msg.Lat, *msg.Lng) {
				conn.sendError("", "position needs valid lat and lng")
				continue
			}
			live.Position(geo.Point{Lat: *msg.Lat, Lng: *msg.Lng})
		case "geolocation_error":
			live.GeolocationFailed(msg.Message)
		case "geolocation_unsupported":
			live.GeolocationUnsupported()
		case "recompute_route":
			live.RecomputeRoute()
		case "ping":
			_ = conn.send(map[string]string{"type": "pong"})
		default:
			conn.sendError("", "Unknown message type: "+msg.Type)
		}
	}
	cancel()
	wg.Wait()
	live.Wait()
}

func validLatLng(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
