// Package middleware contains Gin middleware shared by the server front.
package middleware

import (
	"github.com/coedit-dev/collab-broker/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header carrying the request correlation id.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID assigns (or propagates) a correlation id for every request,
// echoing it back on the response and stashing it in the Gin context's keys
// under the string "correlation_id". The logging package looks the id up by
// its typed CorrelationIDKey, so it does not find this entry on a *gin.Context.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderXCorrelationID)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(HeaderXCorrelationID, id)
		c.Set(string(logging.CorrelationIDKey), id)
		c.Next()
	}
}
