package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const userContextKey = "auth.user"

// Middleware rejects requests without a valid bearer token. A nil verifier
// (JWKS not configured) turns it into a pass-through for local development.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}
		user, err := v.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing token",
			})
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// UserFrom returns the authenticated user stored by Middleware, or nil.
func UserFrom(c *gin.Context) *User {
	if u, ok := c.Get(userContextKey); ok {
		if user, ok := u.(*User); ok {
			return user
		}
	}
	return nil
}
