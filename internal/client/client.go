// Package client calls the crewtrack admin endpoints and keeps a local crew
// roster in step with them.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"crewtrack/internal/model"
)

// APIError carries the server's error message verbatim.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return e.Message }

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return &APIError{Status: resp.StatusCode, Message: e.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: resp.Status}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) ListCrew(ctx context.Context) ([]model.CrewMember, error) {
	var out []model.CrewMember
	err := c.do(ctx, http.MethodGet, "/api/organization/crew", nil, &out)
	return out, err
}

// CreateCrewMember returns the new member and the server's warning, if any.
func (c *Client) CreateCrewMember(ctx context.Context, in model.CrewMemberInput) (model.CrewMember, string, error) {
	var out struct {
		model.CrewMember
		Warning string `json:"warning"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/crew-members", in, &out); err != nil {
		return model.CrewMember{}, "", err
	}
	return out.CrewMember, out.Warning, nil
}

// DeleteCrewMember returns the server's warning when the row was removed but
// the login was not.
func (c *Client) DeleteCrewMember(ctx context.Context, id string) (string, error) {
	var out struct {
		Warning string `json:"warning"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/crew-members/"+url.PathEscape(id), nil, &out); err != nil {
		return "", err
	}
	return out.Warning, nil
}

// Roster is a local copy of the organization's crew.
type Roster struct {
	c *Client

	mu      sync.RWMutex
	members []model.CrewMember
}

func NewRoster(c *Client) *Roster { return &Roster{c: c} }

func (r *Roster) Load(ctx context.Context) error {
	members, err := r.c.ListCrew(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.members = members
	r.mu.Unlock()
	return nil
}

func (r *Roster) Add(ctx context.Context, in model.CrewMemberInput) (model.CrewMember, string, error) {
	m, warning, err := r.c.CreateCrewMember(ctx, in)
	if err != nil {
		return model.CrewMember{}, "", err
	}
	r.mu.Lock()
	r.members = append(r.members, m)
	r.mu.Unlock()
	return m, warning, nil
}

// RemoveCrewMember deletes the member on the server and, on success, from the
// roster, even when the server reports a warning. Local state is untouched on
// failure.
func (r *Roster) RemoveCrewMember(ctx context.Context, id string) (string, error) {
	warning, err := r.c.DeleteCrewMember(ctx, id)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	for i, m := range r.members {
		if m.ID == id {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return warning, nil
}

func (r *Roster) Members() []model.CrewMember {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]model.CrewMember(nil), r.members...)
}
