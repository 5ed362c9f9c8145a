package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/spike-crypto/voicebot/internal/services"
	"github.com/spike-crypto/voicebot/internal/utils"
)

// ConversationHandler serves the long-term archive, which outlives the
// session's TTL.
type ConversationHandler struct {
	svc services.ConversationService // nil when no archive is configured
}

func NewConversationHandler(svc services.ConversationService) *ConversationHandler {
	return &ConversationHandler{svc: svc}
}

func (h *ConversationHandler) ListBySession(c *gin.Context) {
	if h.svc == nil {
		writeError(c, utils.E(utils.CodeUnavailable, "ConversationHandler.ListBySession", "archive is not configured", nil))
		return
	}

	sessionID := c.Param("session_id")
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	rows, err := h.svc.ListBySession(c.Request.Context(), sessionID, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":    sessionID,
		"conversations": rows,
	})
}
