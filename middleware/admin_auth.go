package middleware

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AdminKeyHeader carries the operator key on admin routes
const AdminKeyHeader = "X-Admin-Key"

// AdminKeyMiddleware checks the X-Admin-Key header against a bcrypt hash.
// Repeated wrong keys lock the client out through failures.
func AdminKeyMiddleware(keyHash string, failures *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if keyHash == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"error":   "Admin routes are disabled",
			})
			return
		}

		ip := c.ClientIP()
		if allowed, _, retryAfter := failures.Check(ip); !allowed {
			abortRateLimited(c, retryAfter)
			return
		}

		key := c.GetHeader(AdminKeyHeader)
		if key == "" || bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)) != nil {
			failures.RecordAttempt(ip, false)
			log.Printf("Warning: rejected admin key from %s on %s", ip, c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Invalid admin key",
			})
			return
		}

		failures.RecordAttempt(ip, true)
		c.Set("admin", true)
		c.Next()
	}
}
