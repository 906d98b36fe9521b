package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"iap-helper/internal/response"
)

// APIKeyHeader carries the control API key.
const APIKeyHeader = "X-API-Key"

// APIKeyAuth rejects requests without the configured key. An empty key
// disables authentication.
func APIKeyAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}

		apiKey := c.GetHeader(APIKeyHeader)
		// If not passed via header, try to get from query parameters
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}

		if apiKey == "" {
			response.AbortWithError(c, http.StatusUnauthorized, "Missing api_key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) != 1 {
			response.AbortWithError(c, http.StatusUnauthorized, "Invalid api_key")
			return
		}

		c.Set("request_time", time.Now())
		c.Next()
	}
}
