package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spike-crypto/voicebot/internal/services"
)

type SessionHandler struct {
	svc services.SessionService
}

func NewSessionHandler(svc services.SessionService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	CreatedAt string `json:"created_at"`
}

func (h *SessionHandler) Create(c *gin.Context) {
	sess, err := h.svc.Create(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID: sess.SessionID,
		CreatedAt: sess.CreatedAt.Format(time.RFC3339),
	})
}

func (h *SessionHandler) History(c *gin.Context) {
	sessionID := c.Param("session_id")
	turns, err := h.svc.History(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"turns":      turns,
	})
}

func (h *SessionHandler) Clear(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := h.svc.Clear(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "cleared": true})
}
