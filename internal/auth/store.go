// Package auth issues and validates bearer tokens for the HTTP API.
// Tokens are opaque random values; only their hashes are stored. A token
// stays valid while its session sees activity within the idle timeout and
// has not passed its absolute expiry, and is transparently rotated once it
// outlives the rotation interval.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var (
	// ErrSessionNotFound is returned when no auth session matches the token.
	ErrSessionNotFound = errors.New("auth session not found")
)

// Session is a stored auth session. The token itself is never persisted,
// only its hash. ExpiresAt is the absolute cutoff; nil means uncapped.
type Session struct {
	ID             string
	UserID         string
	TokenHash      string
	RevokedAt      *time.Time
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	LastActivityAt time.Time
	LastRotatedAt  time.Time
}

// Store persists auth sessions.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

// NewStore creates a store on existing writer and reader pools and ensures
// the schema exists.
func NewStore(db, ro *sqlx.DB) (*Store, error) {
	s := &Store{db: db, ro: ro}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize auth schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		revoked_at TIMESTAMP,
		expires_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		last_activity_at TIMESTAMP NOT NULL,
		last_rotated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_auth_sessions_activity ON auth_sessions(last_activity_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// Databases created before the expiry column existed; the column may
	// already be there.
	_, _ = s.db.Exec(`ALTER TABLE auth_sessions ADD COLUMN expires_at TIMESTAMP`)
	return nil
}

// newToken returns a fresh opaque token and its stored hash.
func newToken() (token, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	token = hex.EncodeToString(raw)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create issues a new session for the user and returns the bearer token
// together with the stored row. A nil expiresAt leaves the session without
// an absolute cutoff.
func (s *Store) Create(ctx context.Context, userID string, expiresAt *time.Time) (string, *Session, error) {
	token, hash, err := newToken()
	if err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		TokenHash:      hash,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
		LastActivityAt: now,
		LastRotatedAt:  now,
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO auth_sessions (id, user_id, token_hash, expires_at, created_at, last_activity_at, last_rotated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.UserID, sess.TokenHash, sess.ExpiresAt, sess.CreatedAt, sess.LastActivityAt, sess.LastRotatedAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create auth session: %w", err)
	}
	return token, sess, nil
}

// GetByToken loads the session matching the bearer token.
func (s *Store) GetByToken(ctx context.Context, token string) (*Session, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, user_id, token_hash, revoked_at, expires_at, created_at, last_activity_at, last_rotated_at
		FROM auth_sessions WHERE token_hash = ?
	`), hashToken(token))

	var (
		sess    Session
		revoked sql.NullTime
		expires sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &revoked, &expires,
		&sess.CreatedAt, &sess.LastActivityAt, &sess.LastRotatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auth session: %w", err)
	}
	if revoked.Valid {
		t := revoked.Time
		sess.RevokedAt = &t
	}
	if expires.Valid {
		t := expires.Time
		sess.ExpiresAt = &t
	}
	return &sess, nil
}

// TouchActivity bumps the session's last-activity timestamp.
func (s *Store) TouchActivity(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE auth_sessions SET last_activity_at = ? WHERE id = ?`), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch auth session: %w", err)
	}
	return nil
}

// Rotate atomically replaces the session's token, guarded by the old hash so
// a racing rotation wins only once. Returns the new token, or
// ErrSessionNotFound when the guard did not match.
func (s *Store) Rotate(ctx context.Context, id, oldHash string) (string, error) {
	token, hash, err := newToken()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE auth_sessions SET token_hash = ?, last_rotated_at = ?, last_activity_at = ?
		WHERE id = ? AND token_hash = ?
	`), hash, now, now, id, oldHash)
	if err != nil {
		return "", fmt.Errorf("failed to rotate auth session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return "", ErrSessionNotFound
	}
	return token, nil
}

// Revoke marks the session revoked. Revoked sessions fail validation but
// stay on record until pruned.
func (s *Store) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE auth_sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`),
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to revoke auth session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteIdle removes sessions whose last activity is older than the cutoff,
// together with revoked sessions. Returns the number of rows removed.
func (s *Store) DeleteIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM auth_sessions WHERE last_activity_at < ? OR revoked_at IS NOT NULL`),
		cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune auth sessions: %w", err)
	}
	return res.RowsAffected()
}
