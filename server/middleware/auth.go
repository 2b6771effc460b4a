package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TokenAuth guards the HTTP analysis endpoints with a shared bearer token.
// An empty configured token disables the check (local development).
// Account-level authentication lives in the web backend, not here.
type TokenAuth struct {
	token  string
	logger *zap.Logger
}

func NewTokenAuth(token string, logger *zap.Logger) *TokenAuth {
	return &TokenAuth{token: token, logger: logger}
}

func (a *TokenAuth) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.token == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		provided, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !a.Verify(provided) {
			a.logger.Warn("rejected request with invalid token",
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or missing token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Verify checks a token value directly, used for tokens carried inside
// WebSocket messages rather than headers.
func (a *TokenAuth) Verify(provided string) bool {
	if a.token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(a.token)) == 1
}

// Enabled reports whether a token is configured at all.
func (a *TokenAuth) Enabled() bool {
	return a.token != ""
}
