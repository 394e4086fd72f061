package identity

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type localUser struct {
	User
	hash []byte
}

// LocalAdmin is an in-process user directory for development and tests.
type LocalAdmin struct {
	mu    sync.Mutex
	users map[string]*localUser // id -> user
	cost  int
}

func NewLocalAdmin() *LocalAdmin {
	return &LocalAdmin{users: map[string]*localUser{}, cost: bcrypt.DefaultCost}
}

func (a *LocalAdmin) CreateUser(ctx context.Context, email, password string, metadata map[string]any) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return User{}, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range a.users {
		if u.Email == email {
			return User{}, ErrUserExists
		}
	}
	u := &localUser{User: User{ID: uuid.NewString(), Email: email, Metadata: metadata}, hash: hash}
	a.users[u.ID] = u
	return u.User, nil
}

func (a *LocalAdmin) DeleteUser(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[id]; !ok {
		return ErrUserNotFound
	}
	delete(a.users, id)
	return nil
}

// Authenticate reports whether password matches the user registered under email.
func (a *LocalAdmin) Authenticate(email, password string) (User, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	a.mu.Lock()
	var found *localUser
	for _, u := range a.users {
		if u.Email == email {
			found = u
			break
		}
	}
	a.mu.Unlock()
	if found == nil || bcrypt.CompareHashAndPassword(found.hash, []byte(password)) != nil {
		return User{}, false
	}
	return found.User, true
}
