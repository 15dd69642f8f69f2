package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/connectnearby/pkg/models"
)

const (
	DefaultTokenTTL = 7 * 24 * time.Hour
	DefaultIssuer   = "connectnearby"
)

// TokenService handles session token creation, validation and revocation
type TokenService struct {
	dir       Directory
	secretKey []byte

	Issuer   string
	TokenTTL time.Duration

	now func() time.Time
}

// JWTClaims represents the claims in our session tokens
type JWTClaims struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	TokenHash string `json:"token_hash"` // Reference to the directory token record
	jwt.RegisteredClaims
}

// NewTokenService creates a new token service
func NewTokenService(dir Directory, secretKey string) *TokenService {
	return &TokenService{
		dir:       dir,
		secretKey: []byte(secretKey),
		Issuer:    DefaultIssuer,
		TokenTTL:  DefaultTokenTTL,
		now:       time.Now,
	}
}

// generateRandomToken creates a cryptographically secure random token
func (ts *TokenService) generateRandomToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// hashToken creates a SHA256 hash of the token for directory storage
func (ts *TokenService) hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Create issues a signed session token for identity
func (ts *TokenService) Create(ctx context.Context, identity models.Identity) (string, time.Time, error) {
	raw, err := ts.generateRandomToken()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate session token: %w", err)
	}
	now := ts.now()
	expiresAt := now.Add(ts.TokenTTL)
	hash := ts.hashToken(raw)

	if err := ts.dir.StoreToken(ctx, TokenRecord{
		Hash:      hash,
		UserID:    identity.ID,
		ExpiresAt: expiresAt,
		Active:    true,
		CreatedAt: now,
	}); err != nil {
		return "", time.Time{}, err
	}

	claims := &JWTClaims{
		UserID:    identity.ID,
		Email:     identity.Email,
		TokenHash: hash,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    ts.Issuer,
			Subject:   identity.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ts.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign JWT: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate checks signature, expiry and that the token has not been revoked
func (ts *TokenService) Validate(ctx context.Context, tokenString string) (*JWTClaims, error) {
	claims, err := ts.parse(tokenString, jwt.WithTimeFunc(ts.now), jwt.WithIssuer(ts.Issuer))
	if err != nil {
		return nil, err
	}

	active, err := ts.dir.TokenActive(ctx, claims.UserID, claims.TokenHash, ts.now())
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, fmt.Errorf("%w: token not found or revoked", ErrTokenInvalid)
	}
	return claims, nil
}

// Revoke deactivates a token. Expired tokens can still be revoked.
func (ts *TokenService) Revoke(ctx context.Context, tokenString string) error {
	claims, err := ts.parse(tokenString, jwt.WithoutClaimsValidation())
	if err != nil {
		return err
	}
	return ts.dir.RevokeToken(ctx, claims.TokenHash, ts.now())
}

// PurgeExpired removes expired and revoked tokens from the directory
func (ts *TokenService) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := ts.dir.PurgeTokens(ctx, ts.now())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired tokens: %w", err)
	}
	if n > 0 {
		log.Info().Int64("tokens", n).Msg("Cleaned up expired session tokens")
	}
	return n, nil
}

// StartCleanupScheduler purges expired tokens now and then every interval until ctx is done
func (ts *TokenService) StartCleanupScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		if _, err := ts.PurgeExpired(ctx); err != nil {
			log.Error().Err(err).Msg("Token cleanup error")
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := ts.PurgeExpired(ctx); err != nil {
					log.Error().Err(err).Msg("Token cleanup error")
				}
			}
		}
	}()
}

func (ts *TokenService) parse(tokenString string, opts ...jwt.ParserOption) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ts.secretKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || claims.UserID == "" || claims.TokenHash == "" {
		return nil, fmt.Errorf("%w: invalid token claims", ErrTokenInvalid)
	}
	return claims, nil
}

// IsTokenError reports whether err means the presented token is unusable
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenInvalid)
}
