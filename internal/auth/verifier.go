// Package auth verifies bearer tokens issued by the identity provider.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ModeDev  = "dev"
	ModeHMAC = "hmac"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is what a verified token says about its bearer. Role and
// OrganizationID are hints from token metadata; the crew member record is
// authoritative.
type Identity struct {
	UserID         string
	Email          string
	Role           string
	OrganizationID string
}

// Verifier validates bearer tokens.
// Modes: dev ("user_id" or "user_id:role", no signature) and hmac (HS256 JWT).
type Verifier struct {
	Mode       string
	HMACSecret []byte
	Leeway     time.Duration
}

func NewVerifier(mode, secret string) *Verifier {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ModeDev
	}
	return &Verifier{Mode: mode, HMACSecret: []byte(secret), Leeway: 30 * time.Second}
}

// Claims mirrors the access tokens of the hosted auth platform.
type Claims struct {
	Email        string         `json:"email,omitempty"`
	Role         string         `json:"role,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwt.RegisteredClaims
}

func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	switch v.Mode {
	case ModeDev:
		user, role, _ := strings.Cut(token, ":")
		if user == "" {
			return Identity{}, fmt.Errorf("%w: expected user_id[:role]", ErrInvalidToken)
		}
		return Identity{UserID: user, Role: strings.ToLower(role)}, nil
	case ModeHMAC:
		return v.verifyHMAC(token)
	}
	return Identity{}, fmt.Errorf("unsupported auth mode %q", v.Mode)
}

func (v *Verifier) verifyHMAC(token string) (Identity, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.HMACSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired(), jwt.WithLeeway(v.Leeway))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	id := Identity{UserID: claims.Subject, Email: claims.Email}
	if s, ok := claims.UserMetadata["organization_id"].(string); ok {
		id.OrganizationID = s
	}
	if s, ok := claims.UserMetadata["role"].(string); ok {
		id.Role = strings.ToLower(s)
	}
	return id, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}
