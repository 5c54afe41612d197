package middlewares

import (
	"context"
	"net/http"

	"bitbucket.org/brokermate/crm_backend/config"
	"bitbucket.org/brokermate/crm_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves the caller from the "token" header. Interactive
// sessions are looked up in Redis; internal service calls carry a signed JWT.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}

		username, exists, err := config.GetRedisValue("Token:" + token)
		if err == nil && exists {
			ctx := context.WithValue(c.Request.Context(), utils.ContextKeyToken, token)
			ctx = context.WithValue(ctx, utils.ContextKeyUsername, username)
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			return
		}

		parsed, err := utils.JwtValidate(token)
		if err != nil || !parsed.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claims, ok := parsed.Claims.(*utils.JwtCustomClaim)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := context.WithValue(c.Request.Context(), utils.ContextKeyToken, token)
		ctx = context.WithValue(ctx, utils.ContextKeyUserId, claims.ID)
		ctx = context.WithValue(ctx, utils.ContextKeyUsername, claims.Role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
