package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	v1 "github.com/dockhand/dockhand/pkg/api/v1"
)

// sessionKey is the gin context key holding the validated session.
const sessionKey = "auth.session"

// Middleware returns a gin handler that enforces bearer authentication.
// When auth is disabled it passes every request through. When the token was
// rotated during validation the replacement is surfaced on the response via
// the rotated-token header.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.Enabled {
			c.Next()
			return
		}

		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}

		sess, rotated, err := s.Validate(c.Request.Context(), token)
		if err != nil {
			abortUnauthorized(c, "invalid or expired token")
			return
		}
		if rotated != "" {
			c.Header(v1.RotatedTokenHeader, rotated)
		}

		c.Set(sessionKey, sess)
		c.Next()
	}
}

// SessionFromContext returns the validated session set by the middleware,
// or nil when auth is disabled.
func SessionFromContext(c *gin.Context) *v1.AuthSession {
	if v, ok := c.Get(sessionKey); ok {
		if sess, ok := v.(*v1.AuthSession); ok {
			return sess
		}
	}
	return nil
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, v1.ErrorResponse{
		Code:    v1.ErrCodeUnauthorized,
		Message: msg,
	})
}
