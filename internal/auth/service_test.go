package auth

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/dockhand/internal/common/config"
	"github.com/dockhand/dockhand/internal/common/logger"
	v1 "github.com/dockhand/dockhand/pkg/api/v1"
)

func newAuthEnv(t *testing.T) (*Service, *Store) {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, db)
	require.NoError(t, err)

	cfg := config.AuthConfig{
		Enabled:          true,
		Secret:           "hunter2",
		IdleTimeout:      30 * 24 * 3600,
		RotationInterval: 24 * 3600,
		ActivityThrottle: 300,
		MaxLifetime:      90 * 24 * 3600,
	}
	return NewService(store, cfg, logger.Default()), store
}

func login(t *testing.T, svc *Service) *v1.LoginResponse {
	t.Helper()
	resp, err := svc.Login(context.Background(), &v1.LoginRequest{
		UserID: "alice",
		Secret: "hunter2",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Token)
	return resp
}

func TestLoginRejectsWrongSecret(t *testing.T) {
	svc, _ := newAuthEnv(t)

	_, err := svc.Login(context.Background(), &v1.LoginRequest{
		UserID: "alice",
		Secret: "wrong",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginRejectsEmptyConfiguredSecret(t *testing.T) {
	svc, _ := newAuthEnv(t)
	svc.cfg.Secret = ""

	_, err := svc.Login(context.Background(), &v1.LoginRequest{
		UserID: "alice",
		Secret: "",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateFreshToken(t *testing.T) {
	svc, _ := newAuthEnv(t)
	resp := login(t, svc)

	sess, rotated, err := svc.Validate(context.Background(), resp.Token)
	require.NoError(t, err)
	assert.Empty(t, rotated)
	assert.Equal(t, "alice", sess.UserID)
	assert.Equal(t, resp.Session.ID, sess.ID)
}

func TestValidateUnknownToken(t *testing.T) {
	svc, _ := newAuthEnv(t)

	_, _, err := svc.Validate(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsIdleToken(t *testing.T) {
	svc, _ := newAuthEnv(t)
	resp := login(t, svc)

	svc.now = func() time.Time {
		return time.Now().Add(31 * 24 * time.Hour)
	}

	_, _, err := svc.Validate(context.Background(), resp.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLoginSetsAbsoluteExpiry(t *testing.T) {
	svc, _ := newAuthEnv(t)
	resp := login(t, svc)

	require.NotNil(t, resp.Session.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(90*24*time.Hour), *resp.Session.ExpiresAt, time.Minute)
}

func TestValidateRejectsExpiredSession(t *testing.T) {
	svc, store := newAuthEnv(t)

	// Fresh activity, past expiry: the absolute cutoff wins regardless of
	// the idle window.
	past := time.Now().UTC().Add(-time.Minute)
	token, _, err := store.Create(context.Background(), "alice", &past)
	require.NoError(t, err)

	_, _, err = svc.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRotatesOldToken(t *testing.T) {
	svc, _ := newAuthEnv(t)
	resp := login(t, svc)

	svc.now = func() time.Time {
		return time.Now().Add(25 * time.Hour)
	}

	sess, rotated, err := svc.Validate(context.Background(), resp.Token)
	require.NoError(t, err)
	require.NotEmpty(t, rotated)
	assert.NotEqual(t, resp.Token, rotated)
	assert.Equal(t, resp.Session.ID, sess.ID)

	// The old token is gone, the rotated one works.
	_, _, err = svc.Validate(context.Background(), resp.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	svc.now = time.Now
	sess2, rotated2, err := svc.Validate(context.Background(), rotated)
	require.NoError(t, err)
	assert.Empty(t, rotated2)
	assert.Equal(t, sess.ID, sess2.ID)
}

func TestValidateBumpsActivityPastThrottle(t *testing.T) {
	svc, store := newAuthEnv(t)
	resp := login(t, svc)

	later := time.Now().Add(10 * time.Minute)
	svc.now = func() time.Time { return later }

	_, rotated, err := svc.Validate(context.Background(), resp.Token)
	require.NoError(t, err)
	assert.Empty(t, rotated)

	stored, err := store.GetByToken(context.Background(), resp.Token)
	require.NoError(t, err)
	assert.WithinDuration(t, later.UTC(), stored.LastActivityAt, 2*time.Second)
}

func TestValidateSkipsActivityWithinThrottle(t *testing.T) {
	svc, store := newAuthEnv(t)
	resp := login(t, svc)

	before, err := store.GetByToken(context.Background(), resp.Token)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, _, err = svc.Validate(context.Background(), resp.Token)
	require.NoError(t, err)

	after, err := store.GetByToken(context.Background(), resp.Token)
	require.NoError(t, err)
	assert.Equal(t, before.LastActivityAt, after.LastActivityAt)
}

func TestLogoutRevokesToken(t *testing.T) {
	svc, _ := newAuthEnv(t)
	resp := login(t, svc)

	require.NoError(t, svc.Logout(context.Background(), resp.Token))

	_, _, err := svc.Validate(context.Background(), resp.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Logging out again is a no-op.
	require.NoError(t, svc.Logout(context.Background(), resp.Token))
}

func TestRotateGuardLosesRace(t *testing.T) {
	_, store := newAuthEnv(t)
	_, sess, err := store.Create(context.Background(), "alice", nil)
	require.NoError(t, err)

	// First rotation with the current hash wins.
	_, err = store.Rotate(context.Background(), sess.ID, sess.TokenHash)
	require.NoError(t, err)

	// Second rotation against the stale hash loses.
	_, err = store.Rotate(context.Background(), sess.ID, sess.TokenHash)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeleteIdlePrunesOldAndRevoked(t *testing.T) {
	svc, store := newAuthEnv(t)

	stale := login(t, svc)
	staleSess, err := store.GetByToken(context.Background(), stale.Token)
	require.NoError(t, err)
	require.NoError(t, store.TouchActivity(context.Background(), staleSess.ID,
		time.Now().Add(-40*24*time.Hour)))

	revoked := login(t, svc)
	require.NoError(t, svc.Logout(context.Background(), revoked.Token))

	fresh := login(t, svc)

	n, err := store.DeleteIdle(context.Background(), time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, _, err = svc.Validate(context.Background(), fresh.Token)
	assert.NoError(t, err)
}
