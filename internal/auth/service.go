package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	v1 "github.com/dockhand/dockhand/pkg/api/v1"
)

var (
	// ErrInvalidCredentials is returned when the login secret does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken is returned when the bearer token matches no live session.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Service validates bearer tokens and applies the idle-timeout, rotation and
// activity-throttle rules around the store.
type Service struct {
	store *Store
	cfg   config.AuthConfig
	log   *logger.Logger

	// now is swapped in tests to step through the timing windows.
	now func() time.Time
}

// NewService creates a Service.
func NewService(store *Store, cfg config.AuthConfig, log *logger.Logger) *Service {
	return &Service{
		store: store,
		cfg:   cfg,
		log:   log.WithFields(zap.String("component", "auth")),
		now:   time.Now,
	}
}

// Enabled reports whether authentication is enforced.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled
}

// Login exchanges the shared secret for a fresh session token.
func (s *Service) Login(ctx context.Context, req *v1.LoginRequest) (*v1.LoginResponse, error) {
	if s.cfg.Secret == "" ||
		subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.cfg.Secret)) != 1 {
		return nil, ErrInvalidCredentials
	}

	var expiresAt *time.Time
	if d := s.cfg.MaxLifetimeDuration(); d > 0 {
		t := s.now().UTC().Add(d)
		expiresAt = &t
	}
	token, sess, err := s.store.Create(ctx, req.UserID, expiresAt)
	if err != nil {
		return nil, err
	}
	s.log.Info("auth session created",
		zap.String("session_id", sess.ID), zap.String("user_id", sess.UserID))
	return &v1.LoginResponse{
		Token:   token,
		Session: toAPISession(sess),
	}, nil
}

// Logout revokes the session behind the token. Unknown tokens are not an
// error; logout is idempotent.
func (s *Service) Logout(ctx context.Context, token string) error {
	sess, err := s.store.GetByToken(ctx, token)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	err = s.store.Revoke(ctx, sess.ID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

// Validate checks a bearer token against the stored session. On success it
// returns the session and, when the token outlived the rotation interval,
// the replacement token the caller must hand back to the client. Rotation
// failures fall back to the old token; the next request retries.
func (s *Service) Validate(ctx context.Context, token string) (*v1.AuthSession, string, error) {
	sess, err := s.store.GetByToken(ctx, token)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, "", ErrInvalidToken
	}
	if err != nil {
		return nil, "", err
	}
	if sess.RevokedAt != nil {
		return nil, "", ErrInvalidToken
	}

	now := s.now().UTC()
	if sess.ExpiresAt != nil && !now.Before(*sess.ExpiresAt) {
		return nil, "", ErrInvalidToken
	}
	idle := now.Sub(sess.LastActivityAt)
	if idle > s.cfg.IdleTimeoutDuration() {
		return nil, "", ErrInvalidToken
	}

	rotated := ""
	switch {
	case now.Sub(sess.LastRotatedAt) > s.cfg.RotationIntervalDuration():
		newToken, err := s.store.Rotate(ctx, sess.ID, sess.TokenHash)
		switch {
		case errors.Is(err, ErrSessionNotFound):
			// A racing request rotated first; the presented token is
			// already stale but the session is live, so let it through.
		case err != nil:
			s.log.Warn("token rotation failed", zap.String("session_id", sess.ID), zap.Error(err))
		default:
			rotated = newToken
			sess.LastRotatedAt = now
			sess.LastActivityAt = now
		}
	case idle > s.cfg.ActivityThrottleDuration():
		if err := s.store.TouchActivity(ctx, sess.ID, now); err != nil {
			s.log.Warn("activity update failed", zap.String("session_id", sess.ID), zap.Error(err))
		} else {
			sess.LastActivityAt = now
		}
	}

	api := toAPISession(sess)
	return &api, rotated, nil
}

func toAPISession(sess *Session) v1.AuthSession {
	return v1.AuthSession{
		ID:             sess.ID,
		UserID:         sess.UserID,
		ExpiresAt:      sess.ExpiresAt,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
		LastRotatedAt:  sess.LastRotatedAt,
	}
}
