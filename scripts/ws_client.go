// Package main runs a demo client for the live assignment view: an admin
// creates a location and assigns it, then the crew member opens the tracking
// WebSocket, reports a position and prints the snapshots it receives.
//
// Run against a server in dev auth mode with a bootstrapped admin:
//
//	ADMIN_TOKEN=u-admin CREW_TOKEN=u-crew go run ./scripts
package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"crewtrack/internal/logging"
	"crewtrack/internal/model"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	adminToken := envOr("ADMIN_TOKEN", "u-admin")
	crewToken := envOr("CREW_TOKEN", "u-crew")

	var crewMember struct {
		CrewMemberID string `json:"crew_member_id"`
	}
	must(call(base, crewToken, http.MethodGet, "/api/me", nil, &crewMember))

	lat, lng := 40.7128, -74.0060
	var loc model.Location
	must(call(base, adminToken, http.MethodPost, "/api/locations", model.LocationInput{
		Name: "Demo lot", Address: "1 Demo St", Latitude: &lat, Longitude: &lng,
	}, &loc))
	logging.Info().Str("location_id", loc.ID).Msg("created location")

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/api/my-assignments/ws", RawQuery: "access_token=" + url.QueryEscape(crewToken)}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		logging.Fatal().Err(err).Msg("dial")
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				logging.Info().Err(err).Msg("read")
				return
			}
			logging.Info().RawJSON("message", data).Msg("WS <-")
		}
	}()

	// The assignment arrives as a change and triggers a refetch.
	time.Sleep(300 * time.Millisecond)
	must(call(base, adminToken, http.MethodPost, "/api/assignments", model.AssignmentInput{
		CrewMemberID: crewMember.CrewMemberID, LocationID: loc.ID, Notes: "demo",
	}, nil))

	time.Sleep(300 * time.Millisecond)
	must(c.WriteJSON(map[string]any{"type": "position", "lat": 40.7306, "lng": -73.9352}))

	select {
	case <-time.After(3 * time.Second):
	case <-done:
	}
}

func call(base, token, method, path string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, base+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %s %s", method, path, resp.Status, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func must(err error) {
	if err != nil {
		logging.Fatal().Err(err).Msg("demo")
	}
}
