package middlewares

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/freshledger/utils"
)

const (
	HeaderUserId   = "X-User-Id"
	HeaderUserName = "X-User-Name"
)

// ActorMiddleware attributes the request to the user named by the upstream gateway.
// Requests without the header pass through anonymously; a malformed id is rejected.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderUserId))
		if raw == "" {
			c.Next()
			return
		}
		userId, err := strconv.Atoi(raw)
		if err != nil || userId <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid " + HeaderUserId})
			return
		}

		ctx := utils.SetUserIdInContext(c.Request.Context(), userId)
		if name := strings.TrimSpace(c.GetHeader(HeaderUserName)); name != "" {
			ctx = utils.SetUserNameInContext(ctx, name)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireActor rejects requests that were not attributed to a user.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetUserIdFromContext(c.Request.Context()); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
