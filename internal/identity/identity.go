// Package identity manages users of the hosted auth provider with privileged
// credentials, which browser clients never hold.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

type User struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"user_metadata,omitempty"`
}

// Admin creates and removes auth users.
type Admin interface {
	CreateUser(ctx context.Context, email, password string, metadata map[string]any) (User, error)
	DeleteUser(ctx context.Context, id string) error
}

// PasswordSetupSender is implemented by providers that can mail a new user a
// link to choose their own password.
type PasswordSetupSender interface {
	SendPasswordSetup(ctx context.Context, email, redirectTo string) error
}

// TemporaryPassword returns a random password for a freshly created user, who
// replaces it through the provider's recovery flow.
func TemporaryPassword() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
