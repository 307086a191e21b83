package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/dockhand/dockhand/pkg/api/v1"
)

func newProtectedRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(svc.Middleware())
	r.GET("/ping", func(c *gin.Context) {
		sess := SessionFromContext(c)
		if sess != nil {
			c.JSON(http.StatusOK, gin.H{"user_id": sess.UserID})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": ""})
	})
	return r
}

func doGet(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	svc, _ := newAuthEnv(t)
	r := newProtectedRouter(svc)

	w := doGet(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), string(v1.ErrCodeUnauthorized))
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	svc, _ := newAuthEnv(t)
	resp := login(t, svc)
	r := newProtectedRouter(svc)

	w := doGet(r, resp.Token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alice")
	assert.Empty(t, w.Header().Get(v1.RotatedTokenHeader))
}

func TestMiddlewareSurfacesRotatedToken(t *testing.T) {
	svc, _ := newAuthEnv(t)
	resp := login(t, svc)
	svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	r := newProtectedRouter(svc)

	w := doGet(r, resp.Token)
	require.Equal(t, http.StatusOK, w.Code)

	rotated := w.Header().Get(v1.RotatedTokenHeader)
	require.NotEmpty(t, rotated)
	assert.NotEqual(t, resp.Token, rotated)
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, _ := newAuthEnv(t)
	svc.cfg.Enabled = false
	r := newProtectedRouter(svc)

	w := doGet(r, "")
	assert.Equal(t, http.StatusOK, w.Code)
}
