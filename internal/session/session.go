// Package session resolves the caller of a request into a Principal once and
// carries it through the request context.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crewtrack/internal/auth"
	"crewtrack/internal/model"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNoCrewMember means the token is valid but no crew member row belongs to the user.
	ErrNoCrewMember = errors.New("no crew member for user")
)

// Principal is the caller's identity, role and organization.
type Principal struct {
	UserID         string `json:"user_id"`
	CrewMemberID   string `json:"crew_member_id"`
	Name           string `json:"name"`
	Email          string `json:"email,omitempty"`
	Role           string `json:"role"`
	OrganizationID string `json:"organization_id"`
}

func (p Principal) IsManager() bool { return model.IsManager(p.Role) }

type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

type MemberLookup interface {
	GetCrewMemberByUserID(ctx context.Context, userID string) (model.CrewMember, error)
}

type cached struct {
	p       Principal
	expires time.Time
}

// Resolver verifies a token and looks up the caller's crew member record,
// caching the result per token for a short TTL.
type Resolver struct {
	verifier TokenVerifier
	members  MemberLookup
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

func NewResolver(v TokenVerifier, members MemberLookup, ttl time.Duration) *Resolver {
	return &Resolver{verifier: v, members: members, ttl: ttl, now: time.Now, cache: map[string]cached{}}
}

func (r *Resolver) Resolve(ctx context.Context, token string) (Principal, error) {
	now := r.now()
	if r.ttl > 0 {
		r.mu.Lock()
		c, ok := r.cache[token]
		r.mu.Unlock()
		if ok && now.Before(c.expires) {
			return c.p, nil
		}
	}
	id, err := r.verifier.Verify(token)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	m, err := r.members.GetCrewMemberByUserID(ctx, id.UserID)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrNoCrewMember, err)
	}
	p := Principal{
		UserID:         id.UserID,
		CrewMemberID:   m.ID,
		Name:           m.Name,
		Email:          m.Email,
		Role:           m.Role,
		OrganizationID: m.OrganizationID,
	}
	if p.Email == "" {
		p.Email = id.Email
	}
	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[token] = cached{p: p, expires: now.Add(r.ttl)}
		r.sweepLocked(now)
		r.mu.Unlock()
	}
	return p, nil
}

func (r *Resolver) sweepLocked(now time.Time) {
	if len(r.cache) < 1024 {
		return
	}
	for k, c := range r.cache {
		if !now.Before(c.expires) {
			delete(r.cache, k)
		}
	}
}

// Forget drops cached principals of a crew member, e.g. after it was removed.
func (r *Resolver) Forget(crewMemberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, c := range r.cache {
		if c.p.CrewMemberID == crewMemberID {
			delete(r.cache, k)
		}
	}
}

type ctxKey struct{}

func NewContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
