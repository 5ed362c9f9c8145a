package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/spike-crypto/voicebot/internal/utils"
)

func RequireRole(allowed ...string) gin.HandlerFunc {
	allow := map[string]struct{}{}
	for _, a := range allowed {
		a = strings.TrimSpace(strings.ToLower(a))
		if a != "" {
			allow[a] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		v, _ := c.Get(KeyRole)
		role, _ := v.(string)
		role = strings.ToLower(strings.TrimSpace(role))

		if _, ok := allow[role]; !ok || role == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, apiError{Kind: utils.CodeForbidden, Message: "forbidden"})
			return
		}
		c.Next()
	}
}

func RequireAdmin() gin.HandlerFunc { return RequireRole("admin") }
