// Package identity is the identity provider behind session stores: accounts,
// password checks, session tokens and profile lookups.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connectnearby/pkg/models"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrTokenInvalid       = errors.New("session token is invalid or expired")
)

// User is an account with its credential
type User struct {
	models.Identity
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TokenRecord is the server-side half of a session token
type TokenRecord struct {
	Hash       string
	UserID     string
	ExpiresAt  time.Time
	Active     bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Directory stores users and the tokens issued to them
type Directory interface {
	// CreateUser assigns an id when empty; ErrEmailTaken on duplicates
	CreateUser(ctx context.Context, u *User) error
	UserByEmail(ctx context.Context, email string) (*User, error)
	UserByID(ctx context.Context, id string) (*User, error)
	UpdateProfile(ctx context.Context, identity models.Identity) error
	ListUsers(ctx context.Context) ([]models.Identity, error)

	StoreToken(ctx context.Context, rec TokenRecord) error
	// TokenActive reports whether hash belongs to userID, is not revoked and not expired at now.
	// A hit records now as last use.
	TokenActive(ctx context.Context, userID, hash string, now time.Time) (bool, error)
	RevokeToken(ctx context.Context, hash string, now time.Time) error
	// PurgeTokens deletes tokens that expired before cutoff and revoked ones; returns the count
	PurgeTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

// InMemoryDirectory is a threadsafe in-memory directory for tests and single-node runs
type InMemoryDirectory struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]string
	tokens  map[string]*TokenRecord
	now     func() time.Time
}

func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
		tokens:  make(map[string]*TokenRecord),
		now:     time.Now,
	}
}

func (d *InMemoryDirectory) CreateUser(ctx context.Context, u *User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	email := normalizeEmail(u.Email)
	if _, taken := d.byEmail[email]; taken {
		return fmt.Errorf("%w: %s", ErrEmailTaken, email)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = email
	u.CreatedAt = d.now()
	u.UpdatedAt = u.CreatedAt
	cp := *u
	d.byID[u.ID] = &cp
	d.byEmail[email] = u.ID
	return nil
}

func (d *InMemoryDirectory) UserByEmail(ctx context.Context, email string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *d.byID[id]
	return &cp, nil
}

func (d *InMemoryDirectory) UserByID(ctx context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (d *InMemoryDirectory) UpdateProfile(ctx context.Context, identity models.Identity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.byID[identity.ID]
	if !ok {
		return models.ErrNotFound
	}
	u.DisplayName = identity.DisplayName
	u.Bio = identity.Bio
	u.AvatarURL = identity.AvatarURL
	u.UpdatedAt = d.now()
	return nil
}

func (d *InMemoryDirectory) ListUsers(ctx context.Context) ([]models.Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Identity, 0, len(d.byID))
	for _, u := range d.byID {
		out = append(out, u.Identity)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (d *InMemoryDirectory) StoreToken(ctx context.Context, rec TokenRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byID[rec.UserID]; !ok {
		return models.ErrNotFound
	}
	cp := rec
	d.tokens[rec.Hash] = &cp
	return nil
}

func (d *InMemoryDirectory) TokenActive(ctx context.Context, userID, hash string, now time.Time) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.tokens[hash]
	if !ok || rec.UserID != userID || !rec.Active || !rec.ExpiresAt.After(now) {
		return false, nil
	}
	used := now
	rec.LastUsedAt = &used
	return true, nil
}

func (d *InMemoryDirectory) RevokeToken(ctx context.Context, hash string, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.tokens[hash]; ok && rec.Active {
		rec.Active = false
		revoked := now
		rec.RevokedAt = &revoked
	}
	return nil
}

func (d *InMemoryDirectory) PurgeTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for hash, rec := range d.tokens {
		if !rec.Active || rec.ExpiresAt.Before(cutoff) {
			delete(d.tokens, hash)
			n++
		}
	}
	return n, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
