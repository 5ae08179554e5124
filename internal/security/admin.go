package security

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminHeader carries the shared admin secret.
const AdminHeader = "X-Admin-Secret"

// AdminMiddleware guards directory-level routes with a shared secret.
// An empty secret disables the check (development only; config refuses to
// start production without one).
func AdminMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := c.GetHeader(AdminHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHORIZED",
				"message": "admin credentials required",
			})
			return
		}
		c.Next()
	}
}
