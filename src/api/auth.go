package api

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vtmux/vtmux/internal/apperr"
)

// authMiddleware requires a "Bearer <password>" Authorization header
// on every request when password is non-empty. It is mounted only on
// the /api group, mirroring the CLI surface's "--password enables a
// bearer header check on all /api/*" contract. An empty password
// disables the check entirely.
func authMiddleware(password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if password == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			abortUnauthorized(c, apperr.New(apperr.Unauthorized, "missing bearer token"))
			return
		}
		token := strings.TrimPrefix(header, prefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(password)) != 1 {
			abortUnauthorized(c, apperr.New(apperr.Unauthorized, "invalid bearer token"))
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, err error) {
	c.AbortWithStatusJSON(apperr.Status(err), gin.H{"error": err.Error()})
}
