package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectnearby/internal/session"
	"github.com/connectnearby/pkg/models"
)

const testSecret = "test-secret-key-for-session-tokens"

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T) (*Service, *InMemoryDirectory, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Now()}
	dir := NewInMemoryDirectory()
	tokens := NewTokenService(dir, testSecret)
	tokens.now = clock.now
	return NewService(dir, tokens), dir, clock
}

func signUp(t *testing.T, svc *Service, name, email string) (models.Identity, string) {
	t.Helper()
	identity, token, err := svc.SignUp(context.Background(), SignUpRequest{DisplayName: name, Email: email, Password: "secret123"})
	require.NoError(t, err)
	return identity, token
}

func TestSignUpAndSignIn(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	identity, token, err := svc.SignUp(ctx, SignUpRequest{DisplayName: " Asha ", Email: "Asha@Example.com", Password: "secret123"})
	require.NoError(t, err)
	assert.NotEmpty(t, identity.ID)
	assert.Equal(t, "Asha", identity.DisplayName)
	assert.Equal(t, "asha@example.com", identity.Email)
	assert.Equal(t, defaultBio, identity.Bio)
	assert.Contains(t, identity.AvatarURL, identity.ID)
	assert.NotEmpty(t, token)

	signedIn, token2, err := svc.SignIn(ctx, SignInRequest{Email: "asha@example.com", Password: "secret123"})
	require.NoError(t, err)
	assert.Equal(t, identity, signedIn)
	assert.NotEqual(t, token, token2)

	_, _, err = svc.SignIn(ctx, SignInRequest{Email: "asha@example.com", Password: "wrong-password"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.SignIn(ctx, SignInRequest{Email: "nobody@example.com", Password: "secret123"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignUpValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SignUpRequest
	}{
		{"bad email", SignUpRequest{DisplayName: "Asha", Email: "not-an-email", Password: "secret123"}},
		{"short password", SignUpRequest{DisplayName: "Asha", Email: "a@example.com", Password: "123"}},
		{"short name", SignUpRequest{DisplayName: " A ", Email: "a@example.com", Password: "secret123"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.SignUp(ctx, tt.req)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}

	signUp(t, svc, "Asha", "a@example.com")
	_, _, err := svc.SignUp(ctx, SignUpRequest{DisplayName: "Other", Email: "A@example.com", Password: "secret123"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestDisplayNameFallback(t *testing.T) {
	assert.Equal(t, "Asha", displayNameFor(models.Identity{DisplayName: "Asha", Email: "x@example.com"}))
	assert.Equal(t, "bruno", displayNameFor(models.Identity{Email: "bruno@example.com"}))
	assert.Equal(t, fallbackDisplayName, displayNameFor(models.Identity{}))
}

func TestTokenValidateAndRevoke(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	identity, token := signUp(t, svc, "Asha", "asha@example.com")

	claims, err := svc.Tokens().Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, identity.ID, claims.UserID)
	assert.Equal(t, DefaultIssuer, claims.Issuer)

	resolved, err := svc.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, identity, resolved)

	require.NoError(t, svc.SignOut(ctx, token))
	_, err = svc.Tokens().Validate(ctx, token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	assert.True(t, IsTokenError(err))
}

func TestTokenExpiry(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	_, token := signUp(t, svc, "Asha", "asha@example.com")

	clock.advance(DefaultTokenTTL + time.Minute)
	_, err := svc.Tokens().Validate(ctx, token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	// expired tokens can still be revoked
	assert.NoError(t, svc.Tokens().Revoke(ctx, token))
}

func TestTokenRejectsForgery(t *testing.T) {
	svc, dir, _ := newTestService(t)
	ctx := context.Background()
	_, token := signUp(t, svc, "Asha", "asha@example.com")

	other := NewTokenService(dir, "a-different-secret")
	_, err := other.Validate(ctx, token)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = svc.Tokens().Validate(ctx, "garbage")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestPurgeExpired(t *testing.T) {
	svc, dir, clock := newTestService(t)
	ctx := context.Background()
	_, revoked := signUp(t, svc, "Asha", "asha@example.com")
	_, live := signUp(t, svc, "Bruno", "bruno@example.com")
	require.NoError(t, svc.SignOut(ctx, revoked))

	n, err := svc.Tokens().PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = svc.Tokens().Validate(ctx, live)
	require.NoError(t, err)

	clock.advance(DefaultTokenTTL + time.Hour)
	n, err = svc.Tokens().PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, dir.tokens)
}

func TestLookupAndOthers(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	asha, _ := signUp(t, svc, "Asha", "asha@example.com")
	bruno, _ := signUp(t, svc, "Bruno", "bruno@example.com")

	got, err := svc.Lookup(ctx, bruno.ID)
	require.NoError(t, err)
	assert.Equal(t, bruno, got)

	_, err = svc.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	others, err := svc.Others(ctx, asha.ID)
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, bruno.ID, others[0].ID)
}

func TestUpdateProfileKeepsEmail(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	asha, _ := signUp(t, svc, "Asha", "asha@example.com")

	updated, err := svc.UpdateProfile(ctx, models.Identity{ID: asha.ID, DisplayName: "Asha K", Bio: " climber ", Email: "hijack@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Asha K", updated.DisplayName)
	assert.Equal(t, "climber", updated.Bio)
	assert.Equal(t, "asha@example.com", updated.Email)

	_, err = svc.UpdateProfile(ctx, models.Identity{ID: "missing"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func waitSettled(t *testing.T, store *session.Store) models.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sess, err := store.WaitSettled(ctx)
	require.NoError(t, err)
	return sess
}

func TestTokenProviderAuthenticatesSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	asha, token := signUp(t, svc, "Asha", "asha@example.com")

	store := session.NewStore(NewTokenProvider(svc, token))
	sess := waitSettled(t, store)
	require.True(t, sess.Authenticated())
	assert.Equal(t, asha.ID, sess.Identity.ID)
}

func TestTokenProviderInvalidTokenIsAnonymous(t *testing.T) {
	svc, _, _ := newTestService(t)

	store := session.NewStore(NewTokenProvider(svc, "not-a-token"))
	sess := waitSettled(t, store)
	assert.Equal(t, models.SessionAnonymous, sess.Status)
}

type failingDirectory struct {
	*InMemoryDirectory
}

func (d failingDirectory) TokenActive(ctx context.Context, userID, hash string, now time.Time) (bool, error) {
	return false, errors.New("connection refused")
}

func TestTokenProviderLookupFailureSettlesAnonymous(t *testing.T) {
	dir := NewInMemoryDirectory()
	healthy := NewService(dir, NewTokenService(dir, testSecret))
	_, token := signUp(t, healthy, "Asha", "asha@example.com")

	broken := failingDirectory{dir}
	svc := NewService(broken, NewTokenService(broken, testSecret))

	store := session.NewStore(NewTokenProvider(svc, token))
	sess := waitSettled(t, store)
	assert.Equal(t, models.SessionAnonymous, sess.Status)
}

func TestTokenProviderRefreshAndSignOut(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	asha, token := signUp(t, svc, "Asha", "asha@example.com")

	store := session.NewStore(NewTokenProvider(svc, token))
	waitSettled(t, store)

	_, err := svc.UpdateProfile(ctx, models.Identity{ID: asha.ID, DisplayName: "Asha K"})
	require.NoError(t, err)
	require.NoError(t, store.RefreshProfile(ctx))
	identity, ok := store.Identity()
	require.True(t, ok)
	assert.Equal(t, "Asha K", identity.DisplayName)

	require.NoError(t, store.SignOut(ctx))
	assert.Equal(t, models.SessionAnonymous, store.Current().Status)
	_, err = svc.Tokens().Validate(ctx, token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
