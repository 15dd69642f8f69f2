package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/connectnearby/pkg/models"
)

const (
	minPasswordLength    = 6
	minDisplayNameLength = 2
	defaultBio           = "Just joined Connect Nearby!"
	fallbackDisplayName  = "New User"
)

// SignUpRequest is the input of a new account
type SignUpRequest struct {
	DisplayName string `json:"display_name" form:"display_name"`
	Email       string `json:"email" form:"email"`
	Password    string `json:"password" form:"password"`
}

// SignInRequest is the input of a credential check
type SignInRequest struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

// Service handles accounts and the session tokens issued for them
type Service struct {
	dir    Directory
	tokens *TokenService
}

func NewService(dir Directory, tokens *TokenService) *Service {
	return &Service{dir: dir, tokens: tokens}
}

// Tokens exposes the token service backing this provider
func (s *Service) Tokens() *TokenService {
	return s.tokens
}

// SignUp creates an account and returns it with a fresh session token
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (models.Identity, string, error) {
	email := normalizeEmail(req.Email)
	if err := validateEmail(email); err != nil {
		return models.Identity{}, "", err
	}
	if len(req.Password) < minPasswordLength {
		return models.Identity{}, "", fmt.Errorf("%w: password must be at least %d characters", models.ErrValidation, minPasswordLength)
	}
	name := strings.TrimSpace(req.DisplayName)
	if len([]rune(name)) < minDisplayNameLength {
		return models.Identity{}, "", fmt.Errorf("%w: display name must be at least %d characters", models.ErrValidation, minDisplayNameLength)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.Identity{}, "", fmt.Errorf("failed to hash password: %w", err)
	}

	u := &User{
		Identity: models.Identity{
			DisplayName: name,
			Email:       email,
			Bio:         defaultBio,
		},
		PasswordHash: string(hashed),
	}
	if err := s.dir.CreateUser(ctx, u); err != nil {
		return models.Identity{}, "", err
	}
	if u.AvatarURL == "" {
		u.AvatarURL = placeholderAvatar(u.ID)
		if err := s.dir.UpdateProfile(ctx, u.Identity); err != nil {
			return models.Identity{}, "", err
		}
	}

	token, _, err := s.tokens.Create(ctx, u.Identity)
	if err != nil {
		return models.Identity{}, "", err
	}
	log.Info().Str("user_id", u.ID).Msg("Account created")
	return profileOf(u), token, nil
}

// SignIn checks credentials and returns a fresh session token
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (models.Identity, string, error) {
	u, err := s.dir.UserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Identity{}, "", ErrInvalidCredentials
		}
		return models.Identity{}, "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		return models.Identity{}, "", ErrInvalidCredentials
	}

	token, _, err := s.tokens.Create(ctx, u.Identity)
	if err != nil {
		return models.Identity{}, "", err
	}
	return profileOf(u), token, nil
}

// Resolve validates a session token and returns its identity
func (s *Service) Resolve(ctx context.Context, token string) (models.Identity, error) {
	claims, err := s.tokens.Validate(ctx, token)
	if err != nil {
		return models.Identity{}, err
	}
	return s.Lookup(ctx, claims.UserID)
}

// SignOut revokes a session token
func (s *Service) SignOut(ctx context.Context, token string) error {
	return s.tokens.Revoke(ctx, token)
}

// Lookup returns the profile of id, or models.ErrNotFound
func (s *Service) Lookup(ctx context.Context, id string) (models.Identity, error) {
	u, err := s.dir.UserByID(ctx, id)
	if err != nil {
		return models.Identity{}, err
	}
	return profileOf(u), nil
}

// UpdateProfile stores editable profile fields. Email and id are not editable;
// an empty avatar keeps the current one.
func (s *Service) UpdateProfile(ctx context.Context, identity models.Identity) (models.Identity, error) {
	current, err := s.dir.UserByID(ctx, identity.ID)
	if err != nil {
		return models.Identity{}, err
	}
	current.DisplayName = strings.TrimSpace(identity.DisplayName)
	current.Bio = strings.TrimSpace(identity.Bio)
	if avatar := strings.TrimSpace(identity.AvatarURL); avatar != "" {
		current.AvatarURL = avatar
	}
	if err := s.dir.UpdateProfile(ctx, current.Identity); err != nil {
		return models.Identity{}, err
	}
	return profileOf(current), nil
}

// Others lists every identity except excludeID
func (s *Service) Others(ctx context.Context, excludeID string) ([]models.Identity, error) {
	all, err := s.dir.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Identity, 0, len(all))
	for _, i := range all {
		if i.ID == excludeID {
			continue
		}
		i.DisplayName = displayNameFor(i)
		out = append(out, i)
	}
	return out, nil
}

// profileOf applies the display name fallback: email local part, then "New User"
func profileOf(u *User) models.Identity {
	identity := u.Identity
	identity.DisplayName = displayNameFor(identity)
	return identity
}

func displayNameFor(identity models.Identity) string {
	if name := strings.TrimSpace(identity.DisplayName); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(identity.Email, "@"); ok && local != "" {
		return local
	}
	return fallbackDisplayName
}

func placeholderAvatar(id string) string {
	return fmt.Sprintf("https://picsum.photos/seed/%s/200/200", id)
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: invalid email address", models.ErrValidation)
	}
	return nil
}
