package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Envelope wraps every JSON body served under /api
type Envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    int         `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(message string, data interface{}) Envelope {
	return Envelope{Success: true, Message: message, Data: data}
}

// failed falls back to the status text when message is empty.
func failed(statusCode int, message string) Envelope {
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return Envelope{Message: message, Code: statusCode}
}

// SuccessJSON sends a 200 envelope
func SuccessJSON(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, ok("success", data))
}

// AcceptedJSON sends a 202 envelope for work that continues in the background
func AcceptedJSON(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, ok("accepted", data))
}

// ErrorJSON sends an error envelope
func ErrorJSON(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, failed(statusCode, message))
}

// AbortWithError sends an error envelope and stops the handler chain
func AbortWithError(c *gin.Context, statusCode int, message string) {
	c.AbortWithStatusJSON(statusCode, failed(statusCode, message))
}
