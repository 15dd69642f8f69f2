package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/connectnearby/pkg/models"
)

// Schema creates the account and session token tables
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY,
        email TEXT NOT NULL UNIQUE,
        password_hash TEXT NOT NULL,
        display_name TEXT NOT NULL DEFAULT '',
        bio TEXT NOT NULL DEFAULT '',
        avatar_url TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE TABLE IF NOT EXISTS session_tokens (
        token_hash TEXT PRIMARY KEY,
        user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        expires_at TIMESTAMPTZ NOT NULL,
        is_active BOOLEAN NOT NULL DEFAULT true,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        last_used_at TIMESTAMPTZ,
        revoked_at TIMESTAMPTZ
    )`,
	`CREATE INDEX IF NOT EXISTS idx_session_tokens_user ON session_tokens (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_session_tokens_expires ON session_tokens (expires_at)`,
}

// uniqueViolation is the Postgres error code for unique constraint failures
const uniqueViolation = "23505"

type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory { return &PostgresDirectory{db: db} }

func (d *PostgresDirectory) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = normalizeEmail(u.Email)
	err := d.db.QueryRowContext(ctx, `
        INSERT INTO users (id, email, password_hash, display_name, bio, avatar_url)
        VALUES ($1,$2,$3,$4,$5,$6)
        RETURNING created_at, updated_at
    `, u.ID, u.Email, u.PasswordHash, u.DisplayName, u.Bio, u.AvatarURL).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrEmailTaken, u.Email)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) UserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.db.QueryRowContext(ctx, `
        SELECT id, email, password_hash, display_name, bio, avatar_url, created_at, updated_at
        FROM users WHERE email=$1
    `, normalizeEmail(email))
	return scanUser(row)
}

func (d *PostgresDirectory) UserByID(ctx context.Context, id string) (*User, error) {
	row := d.db.QueryRowContext(ctx, `
        SELECT id, email, password_hash, display_name, bio, avatar_url, created_at, updated_at
        FROM users WHERE id=$1
    `, id)
	return scanUser(row)
}

func (d *PostgresDirectory) UpdateProfile(ctx context.Context, identity models.Identity) error {
	res, err := d.db.ExecContext(ctx, `
        UPDATE users SET display_name=$1, bio=$2, avatar_url=$3, updated_at=now()
        WHERE id=$4
    `, identity.DisplayName, identity.Bio, identity.AvatarURL, identity.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (d *PostgresDirectory) ListUsers(ctx context.Context) ([]models.Identity, error) {
	rows, err := d.db.QueryContext(ctx, `
        SELECT id, email, display_name, bio, avatar_url
        FROM users ORDER BY display_name ASC, id ASC
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Identity, 0)
	for rows.Next() {
		var i models.Identity
		if err := rows.Scan(&i.ID, &i.Email, &i.DisplayName, &i.Bio, &i.AvatarURL); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (d *PostgresDirectory) StoreToken(ctx context.Context, rec TokenRecord) error {
	_, err := d.db.ExecContext(ctx, `
        INSERT INTO session_tokens (token_hash, user_id, expires_at, is_active, created_at)
        VALUES ($1,$2,$3,$4,$5)
    `, rec.Hash, rec.UserID, rec.ExpiresAt, rec.Active, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store session token: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) TokenActive(ctx context.Context, userID, hash string, now time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
        UPDATE session_tokens
        SET last_used_at=$3
        WHERE user_id=$1 AND token_hash=$2 AND is_active=true AND expires_at > $3
    `, userID, hash, now)
	if err != nil {
		return false, fmt.Errorf("failed to check session token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *PostgresDirectory) RevokeToken(ctx context.Context, hash string, now time.Time) error {
	_, err := d.db.ExecContext(ctx, `
        UPDATE session_tokens SET is_active=false, revoked_at=$2
        WHERE token_hash=$1 AND is_active=true
    `, hash, now)
	return err
}

func (d *PostgresDirectory) PurgeTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
        DELETE FROM session_tokens WHERE expires_at < $1 OR is_active=false
    `, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge session tokens: %w", err)
	}
	return res.RowsAffected()
}

func scanUser(scanner interface{ Scan(dest ...any) error }) (*User, error) {
	var u User
	if err := scanner.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.Bio, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}
