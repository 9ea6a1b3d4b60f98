package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dispatchd/dispatchd/internal/broker/service"
)

const scopeKey = "broker.scope"

// AuthMiddleware resolves the caller's API key to a tenant scope. Requests
// without a credential run unscoped, which is the single-tenant mode used by
// local deployments; a presented but invalid credential is rejected.
func AuthMiddleware(svc *service.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.Next()
			return
		}

		scope, err := svc.Authenticate(c.Request.Context(), token)
		if err != nil {
			respondError(c, err)
			c.Abort()
			return
		}
		c.Set(scopeKey, scope)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func scopeFrom(c *gin.Context) *service.Scope {
	if v, ok := c.Get(scopeKey); ok {
		if scope, ok := v.(*service.Scope); ok {
			return scope
		}
	}
	return nil
}
