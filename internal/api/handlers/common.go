package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/spike-crypto/voicebot/internal/api/middleware"
	"github.com/spike-crypto/voicebot/internal/utils"
)

// APIError is the only error shape clients ever see.
type APIError struct {
	Kind              utils.Code `json:"kind"`
	Message           string     `json:"message"`
	RetryAfterSeconds int        `json:"retry_after_seconds,omitempty"`
}

func writeError(c *gin.Context, err error) {
	status := utils.HTTPStatus(err)

	var ae *utils.AppError
	if errors.As(err, &ae) {
		body := APIError{Kind: ae.Code, Message: ae.Message}
		if s := ae.RetryAfterSeconds(); s > 0 {
			body.RetryAfterSeconds = s
			c.Header("Retry-After", strconv.Itoa(s))
		}
		if body.Message == "" {
			body.Message = http.StatusText(status)
		}
		c.JSON(status, body)
		return
	}

	c.JSON(status, APIError{
		Kind:    utils.CodeInternal,
		Message: http.StatusText(status),
	})
}

// identityOf is the caller key used for rate limiting.
func identityOf(c *gin.Context) string {
	if v, ok := c.Get(middleware.KeyIdentity); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "ip:" + c.ClientIP()
}
