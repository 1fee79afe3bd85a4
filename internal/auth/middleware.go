// Package auth gates operator-only endpoints. Buyer and seller identity
// is asserted by the caller and verified against order ownership in the
// services; arbiter and cron endpoints require the deployment's admin
// secret.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAdminSecret carries the operator secret on admin requests.
const HeaderAdminSecret = "X-Admin-Secret"

// RequireAdmin rejects requests whose admin secret header does not
// match. An empty configured secret disables the endpoints entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "No admin secret configured.",
			})
			return
		}
		got := c.GetHeader(HeaderAdminSecret)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include '" + HeaderAdminSecret + "' header.",
			})
			return
		}
		c.Next()
	}
}
