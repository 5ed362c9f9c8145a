package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spike-crypto/voicebot/internal/utils"
)

// Context keys set by Auth.
const (
	KeyUserID   = "user_id"
	KeyRole     = "role"
	KeyIdentity = "identity"
)

type apiError struct {
	Kind    utils.Code `json:"kind"`
	Message string     `json:"message"`
}

type supabaseClaims struct {
	jwt.RegisteredClaims
	Role         string         `json:"role"`         // usually "authenticated" / "anon"
	AppMetadata  map[string]any `json:"app_metadata"` // put {"role":"admin"} here
	UserMetadata map[string]any `json:"user_metadata"`
}

type AuthConfig struct {
	Secret   string // empty disables token checks
	Issuer   string
	Audience string
	// Required rejects requests without a valid bearer token.
	Required bool
}

// Auth validates an optional Supabase bearer token. Every request leaves
// with an identity: the token subject when present, else the client IP.
func Auth(cfg AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		unauthorized := func(msg string) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apiError{Kind: utils.CodeUnauthorized, Message: msg})
		}

		var raw string
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			raw = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
		if cfg.Secret == "" || raw == "" {
			if cfg.Required {
				unauthorized("missing bearer token")
				return
			}
			c.Set(KeyIdentity, "ip:"+c.ClientIP())
			c.Next()
			return
		}

		claims := &supabaseClaims{}
		tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			return []byte(cfg.Secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || tok == nil || !tok.Valid {
			unauthorized("invalid token")
			return
		}

		if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
			unauthorized("invalid token issuer")
			return
		}
		if cfg.Audience != "" {
			valid := false
			for _, aud := range claims.Audience {
				if aud == cfg.Audience {
					valid = true
					break
				}
			}
			if !valid {
				unauthorized("invalid token audience")
				return
			}
		}

		userID := claims.Subject
		if userID == "" {
			unauthorized("missing subject")
			return
		}

		appRole := "user"
		if v, ok := claims.AppMetadata["role"].(string); ok && v != "" {
			appRole = v
		}

		c.Set(KeyUserID, userID)
		c.Set(KeyRole, appRole)
		c.Set(KeyIdentity, "user:"+userID)
		c.Next()
	}
}
