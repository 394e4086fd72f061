package identity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// GoTrueAdmin talks to the hosted auth provider's admin REST API using the
// service-role key.
type GoTrueAdmin struct {
	baseURL    string
	serviceKey string
	http       *http.Client
}

func NewGoTrueAdmin(baseURL, serviceKey string, hc *http.Client) *GoTrueAdmin {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &GoTrueAdmin{baseURL: strings.TrimRight(baseURL, "/"), serviceKey: serviceKey, http: hc}
}

type createUserRequest struct {
	Email        string         `json:"email"`
	Password     string         `json:"password"`
	EmailConfirm bool           `json:"email_confirm"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

func (g *GoTrueAdmin) CreateUser(ctx context.Context, email, password string, metadata map[string]any) (User, error) {
	body, err := json.Marshal(createUserRequest{Email: email, Password: password, EmailConfirm: true, UserMetadata: metadata})
	if err != nil {
		return User{}, err
	}
	resp, err := g.do(ctx, http.MethodPost, "/auth/v1/admin/users", body)
	if err != nil {
		return User{}, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusConflict:
		return User{}, fmt.Errorf("%w: %s", ErrUserExists, providerMessage(resp))
	case resp.StatusCode >= 300:
		return User{}, fmt.Errorf("create user: %s", providerMessage(resp))
	}
	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return User{}, fmt.Errorf("decode user: %w", err)
	}
	return u, nil
}

func (g *GoTrueAdmin) DeleteUser(ctx context.Context, id string) error {
	resp, err := g.do(ctx, http.MethodDelete, "/auth/v1/admin/users/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrUserNotFound
	case resp.StatusCode >= 300:
		return fmt.Errorf("delete user: %s", providerMessage(resp))
	}
	return nil
}

// SendPasswordSetup mails the user a recovery link that lands on redirectTo,
// where the temporary password is replaced.
func (g *GoTrueAdmin) SendPasswordSetup(ctx context.Context, email, redirectTo string) error {
	body, err := json.Marshal(map[string]string{"email": email})
	if err != nil {
		return err
	}
	path := "/auth/v1/recover"
	if redirectTo != "" {
		path += "?redirect_to=" + url.QueryEscape(redirectTo)
	}
	resp, err := g.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("send password setup: %s", providerMessage(resp))
	}
	return nil
}

func (g *GoTrueAdmin) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", g.serviceKey)
	req.Header.Set("Authorization", "Bearer "+g.serviceKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return g.http.Do(req)
}

// providerMessage extracts the provider's error text, falling back to the status line.
func providerMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e struct {
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
		Error            string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil {
		for _, s := range []string{e.Msg, e.Message, e.ErrorDescription, e.Error} {
			if s != "" {
				return s
			}
		}
	}
	return resp.Status
}
