package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ServiceAuthMiddleware validates service-to-service auth tokens. Callers
// send either "Authorization: Bearer <token>" or the X-Service-Token
// header; tokens are compared in constant time.
func ServiceAuthMiddleware(expectedToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Service-Token")
		if token == "" {
			auth := c.GetHeader("Authorization")
			if auth == "" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "No authorization header"})
				c.Abort()
				return
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
				c.Abort()
				return
			}
			token = strings.TrimPrefix(auth, "Bearer ")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid service token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
