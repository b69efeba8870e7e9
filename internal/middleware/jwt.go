package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/fanlume/telemetry/internal/auth"
	"github.com/fanlume/telemetry/pkg/response"
)

const (
	// ContextUserID is the key for the authenticated user ID in gin context.
	ContextUserID = "user_id"
	// ContextChannelID is the key for the channel ID in gin context.
	ContextChannelID = "channel_id"
)

// OptionalJWT validates the bearer token when one is present and stores its
// claims in the context. A missing header is accepted unauthenticated: clients
// send batches without a token when the credential provider fails. A header
// that is present but malformed or invalid is still rejected.
func OptionalJWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextChannelID, claims.ChannelID)
		c.Next()
	}
}
