package middleware

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// statusError is an error that knows its HTTP status
type statusError interface {
	error
	HTTPStatus() int
}

// ErrorHandler renders the last error a handler attached with c.Error as
// {"success":false,"error":...}. Errors without a status are 500s and their
// message is not exposed.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		var se statusError
		if errors.As(err, &se) {
			c.JSON(se.HTTPStatus(), gin.H{"success": false, "error": se.Error()})
			return
		}

		log.Printf("ERROR: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
	}
}

// RequestLogger logs failed and slow requests only
func RequestLogger(slow time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		switch {
		case status >= http.StatusInternalServerError:
			log.Printf("ERROR: %s %s -> %d in %s", c.Request.Method, c.Request.URL.Path, status, elapsed)
		case elapsed > slow:
			log.Printf("Warning: slow request %s %s -> %d in %s", c.Request.Method, c.Request.URL.Path, status, elapsed)
		}
	}
}
